// Package registry implements the HTTP adapter for the registry API.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/bnema/zerowrap"
	"github.com/opencontainers/go-digest"

	"github.com/bnema/dockyard/internal/adapters/dto"
	"github.com/bnema/dockyard/internal/boundaries/in"
	"github.com/bnema/dockyard/internal/domain"
	"github.com/bnema/dockyard/pkg/contentdigest"
	"github.com/bnema/dockyard/pkg/validation"
)

const (
	// DefaultMaxManifestSize limits manifest uploads to 4MB.
	DefaultMaxManifestSize = 4 * 1024 * 1024
	// DefaultMaxChunkSize limits a single upload request body to 1GB.
	DefaultMaxChunkSize = 1024 * 1024 * 1024

	apiVersionHeader = "Docker-Distribution-API-Version"
	apiVersion       = "registry/2.0"
	uploadsSegment   = "/blobs/uploads/"
)

// Limits bounds the request bodies the handler accepts.
type Limits struct {
	MaxManifestSize int64
	MaxChunkSize    int64
}

// Handler implements the HTTP handler for Docker Registry API v2.
type Handler struct {
	registrySvc in.RegistryService
	limits      Limits
	log         zerowrap.Logger
}

// NewHandler creates a new registry HTTP handler. Zero limits take defaults.
func NewHandler(
	registrySvc in.RegistryService,
	limits Limits,
	log zerowrap.Logger,
) *Handler {
	if limits.MaxManifestSize <= 0 {
		limits.MaxManifestSize = DefaultMaxManifestSize
	}
	if limits.MaxChunkSize <= 0 {
		limits.MaxChunkSize = DefaultMaxChunkSize
	}
	return &Handler{
		registrySvc: registrySvc,
		limits:      limits,
		log:         log,
	}
}

// RegisterRoutes registers the registry routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/v2/", h)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := zerowrap.CtxWithFields(r.Context(), map[string]any{
		zerowrap.FieldLayer:   "adapter",
		zerowrap.FieldAdapter: "http",
		zerowrap.FieldHandler: "registry",
		zerowrap.FieldMethod:  r.Method,
		zerowrap.FieldPath:    r.URL.Path,
	})
	r = r.WithContext(ctx)
	w.Header().Set(apiVersionHeader, apiVersion)

	path := strings.TrimPrefix(r.URL.Path, "/v2/")

	switch {
	case r.URL.Path == "/v2/" || r.URL.Path == "/v2":
		h.handleBase(w, r)
	case path == "_catalog":
		h.handleCatalog(w, r)
	case strings.HasSuffix(path, strings.TrimSuffix(uploadsSegment, "/")):
		h.handleBlobUploadRoutes(w, r, path+"/")
	case strings.Contains("/"+path, uploadsSegment):
		h.handleBlobUploadRoutes(w, r, path)
	case strings.HasSuffix(path, "/tags/list"):
		h.handleTagListRoutes(w, r, path)
	default:
		h.handleContentRoutes(w, r, path)
	}
}

// handleContentRoutes serves /v2/{name}/manifests/{reference} and
// /v2/{name}/blobs/{digest}.
func (h *Handler) handleContentRoutes(w http.ResponseWriter, r *http.Request, path string) {
	parts := strings.Split(path, "/")
	if len(parts) < 3 {
		h.sendRegistryError(w, http.StatusNotFound, dto.ErrCodeNotFound, "route not found")
		return
	}

	kind := parts[len(parts)-2]
	last := parts[len(parts)-1]
	name := strings.Join(parts[:len(parts)-2], "/")

	if kind != "manifests" && kind != "blobs" {
		h.sendRegistryError(w, http.StatusNotFound, dto.ErrCodeNotFound, "route not found")
		return
	}
	if err := validation.RepositoryName(name); err != nil {
		h.sendRegistryError(w, http.StatusBadRequest, dto.ErrCodeNameInvalid, err.Error())
		return
	}

	if kind == "manifests" {
		if err := validation.Reference(last); err != nil {
			h.sendRegistryError(w, http.StatusBadRequest, dto.ErrCodeTagInvalid, err.Error())
			return
		}
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			h.handleGetManifest(w, r, name, last)
		case http.MethodPut:
			h.handlePutManifest(w, r, name, last)
		case http.MethodDelete:
			h.handleDeleteManifest(w, r, name, last)
		default:
			h.methodNotAllowed(w)
		}
		return
	}

	dg, err := contentdigest.Parse(last)
	if err != nil {
		h.sendRegistryError(w, http.StatusBadRequest, dto.ErrCodeDigestInvalid, err.Error())
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		h.handleGetBlob(w, r, name, dg)
	default:
		h.methodNotAllowed(w)
	}
}

func (h *Handler) handleBlobUploadRoutes(w http.ResponseWriter, r *http.Request, path string) {
	// Parse path: {name}/blobs/uploads/{id?}
	idx := strings.Index(path, uploadsSegment)
	if idx <= 0 {
		h.sendRegistryError(w, http.StatusNotFound, dto.ErrCodeNotFound, "route not found")
		return
	}
	name := path[:idx]
	id := path[idx+len(uploadsSegment):]

	if err := validation.RepositoryName(name); err != nil {
		h.sendRegistryError(w, http.StatusBadRequest, dto.ErrCodeNameInvalid, err.Error())
		return
	}

	if id == "" {
		if r.Method != http.MethodPost {
			h.methodNotAllowed(w)
			return
		}
		h.handleStartBlobUpload(w, r, name)
		return
	}

	if err := validation.UploadID(id); err != nil {
		h.sendRegistryError(w, http.StatusNotFound, dto.ErrCodeBlobUploadUnknown, err.Error())
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.handleUploadStatus(w, r, name, id)
	case http.MethodPatch:
		h.handlePatchBlobUpload(w, r, name, id)
	case http.MethodPut:
		h.handleFinishBlobUpload(w, r, name, id)
	case http.MethodDelete:
		h.handleCancelBlobUpload(w, r, name, id)
	default:
		h.methodNotAllowed(w)
	}
}

func (h *Handler) handleTagListRoutes(w http.ResponseWriter, r *http.Request, path string) {
	name := strings.TrimSuffix(path, "/tags/list")
	if err := validation.RepositoryName(name); err != nil {
		h.sendRegistryError(w, http.StatusBadRequest, dto.ErrCodeNameInvalid, err.Error())
		return
	}
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w)
		return
	}
	h.handleListTags(w, r, name)
}

func (h *Handler) handleBase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.methodNotAllowed(w)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleGetManifest(w http.ResponseWriter, r *http.Request, name, reference string) {
	ctx := r.Context()

	m, err := h.registrySvc.GetManifest(ctx, name, reference)
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	dg := m.Digest
	if dg == "" {
		dg = contentdigest.Compute(m.Data)
	}

	w.Header().Set("Content-Type", m.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(m.Data)))
	w.Header().Set("Docker-Content-Digest", dg.String())
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodGet {
		_, _ = w.Write(m.Data)
	}
}

func (h *Handler) handlePutManifest(w http.ResponseWriter, r *http.Request, name, reference string) {
	ctx := r.Context()
	log := zerowrap.FromCtx(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.limits.MaxManifestSize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	m, err := h.registrySvc.PutManifest(ctx, name, reference, r.Header.Get("Content-Type"), data)
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	log.Debug().Str("digest", m.Digest.String()).Msg("manifest accepted")

	w.Header().Set("Docker-Content-Digest", m.Digest.String())
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", name, reference))
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleDeleteManifest(w http.ResponseWriter, r *http.Request, name, reference string) {
	if err := h.registrySvc.DeleteManifest(r.Context(), name, reference); err != nil {
		h.sendServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleGetBlob(w http.ResponseWriter, r *http.Request, name string, dg digest.Digest) {
	ctx := r.Context()

	if r.Method == http.MethodHead {
		size, err := h.registrySvc.StatBlob(ctx, name, dg)
		if err != nil {
			h.sendServiceError(w, r, err)
			return
		}
		setBlobHeaders(w, dg, size)
		w.WriteHeader(http.StatusOK)
		return
	}

	rc, size, err := h.registrySvc.GetBlob(ctx, name, dg)
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}
	defer rc.Close()

	setBlobHeaders(w, dg, size)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		log := zerowrap.FromCtx(ctx)
		log.Warn().Err(err).Msg("blob response interrupted")
	}
}

func setBlobHeaders(w http.ResponseWriter, dg digest.Digest, size int64) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Docker-Content-Digest", dg.String())
}

// handleStartBlobUpload opens a session. With a digest query parameter the
// request body is the whole blob and the upload completes in one request.
func (h *Handler) handleStartBlobUpload(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()
	log := zerowrap.FromCtx(ctx)

	var dg digest.Digest
	if raw := r.URL.Query().Get("digest"); raw != "" {
		parsed, err := contentdigest.Parse(raw)
		if err != nil {
			h.sendRegistryError(w, http.StatusBadRequest, dto.ErrCodeDigestInvalid, err.Error())
			return
		}
		dg = parsed
	}

	sess, err := h.registrySvc.StartUpload(ctx, name)
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	if dg == "" {
		w.Header().Set("Location", uploadLocation(name, sess.ID))
		w.Header().Set("Range", "bytes=0-0")
		w.Header().Set("Docker-Upload-UUID", sess.ID)
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.limits.MaxChunkSize)
	committed, err := h.registrySvc.FinishUpload(ctx, name, sess.ID, dg, r.Body)
	if err != nil {
		// A monolithic upload has no handle for the client to retry with.
		if cerr := h.registrySvc.CancelUpload(ctx, name, sess.ID); cerr != nil {
			log.Warn().Err(cerr).Str("upload_id", sess.ID).Msg("failed to cancel monolithic upload")
		}
		h.sendServiceError(w, r, err)
		return
	}

	h.sendBlobCreated(w, name, committed)
}

func (h *Handler) handleUploadStatus(w http.ResponseWriter, r *http.Request, name, id string) {
	sess, err := h.registrySvc.GetUpload(r.Context(), name, id)
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", uploadLocation(name, id))
	w.Header().Set("Range", rangeHeader(sess.Offset))
	w.Header().Set("Docker-Upload-UUID", id)
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePatchBlobUpload(w http.ResponseWriter, r *http.Request, name, id string) {
	ctx := r.Context()
	log := zerowrap.FromCtx(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.limits.MaxChunkSize)
	offset, err := h.registrySvc.AppendBlobChunk(ctx, name, id, r.Body)
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	log.Debug().Str("upload_id", id).Int64("offset", offset).Msg("chunk accepted")

	w.Header().Set("Location", uploadLocation(name, id))
	w.Header().Set("Range", rangeHeader(offset))
	w.Header().Set("Docker-Upload-UUID", id)
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleFinishBlobUpload(w http.ResponseWriter, r *http.Request, name, id string) {
	ctx := r.Context()

	raw := r.URL.Query().Get("digest")
	if raw == "" {
		h.sendRegistryError(w, http.StatusBadRequest, dto.ErrCodeDigestInvalid, "digest query parameter is required")
		return
	}
	dg, err := contentdigest.Parse(raw)
	if err != nil {
		h.sendRegistryError(w, http.StatusBadRequest, dto.ErrCodeDigestInvalid, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.limits.MaxChunkSize)
	committed, err := h.registrySvc.FinishUpload(ctx, name, id, dg, r.Body)
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	h.sendBlobCreated(w, name, committed)
}

func (h *Handler) handleCancelBlobUpload(w http.ResponseWriter, r *http.Request, name, id string) {
	if err := h.registrySvc.CancelUpload(r.Context(), name, id); err != nil {
		h.sendServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sendBlobCreated(w http.ResponseWriter, name string, dg digest.Digest) {
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", name, dg))
	w.Header().Set("Docker-Content-Digest", dg.String())
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleListTags(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()
	log := zerowrap.FromCtx(ctx)

	tags, err := h.registrySvc.ListTags(ctx, name)
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	response := dto.TagListResponse{
		Name: name,
		Tags: paginate(tags, r),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("failed to encode tags")
	}
}

func (h *Handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := zerowrap.FromCtx(ctx)

	if r.Method != http.MethodGet {
		h.methodNotAllowed(w)
		return
	}

	repos, err := h.registrySvc.ListRepositories(ctx)
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(dto.CatalogResponse{Repositories: paginate(repos, r)}); err != nil {
		log.Error().Err(err).Msg("failed to encode catalog")
	}
}

// paginate applies the n and last query parameters to a sorted list.
func paginate(items []string, r *http.Request) []string {
	sorted := append([]string{}, items...)
	sort.Strings(sorted)

	if last := r.URL.Query().Get("last"); last != "" {
		i := sort.SearchStrings(sorted, last)
		if i < len(sorted) && sorted[i] == last {
			i++
		}
		sorted = sorted[i:]
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("n")); err == nil && n >= 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

// sendServiceError maps a use case error onto a registry error response.
func (h *Handler) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	log := zerowrap.FromCtx(r.Context())

	var maxBytesErr *http.MaxBytesError
	status, code := http.StatusInternalServerError, dto.ErrCodeUnknown
	switch {
	case errors.As(err, &maxBytesErr):
		status, code = http.StatusRequestEntityTooLarge, dto.ErrCodeSizeInvalid
	case errors.Is(err, domain.ErrUploadNotFound), errors.Is(err, domain.ErrUploadExpired):
		status, code = http.StatusNotFound, dto.ErrCodeBlobUploadUnknown
	case errors.Is(err, domain.ErrBlobNotFound):
		status, code = http.StatusNotFound, dto.ErrCodeBlobUnknown
	case errors.Is(err, domain.ErrManifestNotFound):
		status, code = http.StatusNotFound, dto.ErrCodeManifestUnknown
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, dto.ErrCodeNameUnknown
	case errors.Is(err, domain.ErrDigestMismatch), errors.Is(err, domain.ErrInvalidDigest):
		status, code = http.StatusBadRequest, dto.ErrCodeDigestInvalid
	case errors.Is(err, domain.ErrInvalidManifest):
		status, code = http.StatusBadRequest, dto.ErrCodeManifestInvalid
	case errors.Is(err, domain.ErrUnsupportedManifest):
		status, code = http.StatusUnsupportedMediaType, dto.ErrCodeUnsupported
	case errors.Is(err, domain.ErrInvalidName):
		status, code = http.StatusBadRequest, dto.ErrCodeNameInvalid
	case errors.Is(err, domain.ErrInvalidReference):
		status, code = http.StatusBadRequest, dto.ErrCodeTagInvalid
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("registry request failed")
		message = "internal error"
	} else {
		log.Debug().Err(err).Int(zerowrap.FieldStatus, status).Msg("registry request rejected")
	}

	h.sendRegistryError(w, status, code, message)
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter) {
	h.sendRegistryError(w, http.StatusMethodNotAllowed, dto.ErrCodeMethodNotAllowed, "method not allowed")
}

// sendRegistryError sends a Docker Registry V2 formatted error response.
func (h *Handler) sendRegistryError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Del("Content-Length")
	w.Header().Del("Docker-Content-Digest")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(apiVersionHeader, apiVersion)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(dto.RegistryErrorResponse{
		Errors: []dto.RegistryErrorItem{{
			Code:    code,
			Message: message,
		}},
	})
}

func uploadLocation(name, id string) string {
	return fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, id)
}

// rangeHeader reports the bytes received so far as 0-{offset}, the form
// docker and podman expect after a chunk.
func rangeHeader(offset int64) string {
	return fmt.Sprintf("0-%d", offset)
}
