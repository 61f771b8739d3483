package middleware

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bnema/zerowrap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/dockyard/internal/adapters/dto"
	"github.com/bnema/dockyard/internal/adapters/out/telemetry"
)

func testLogger() zerowrap.Logger {
	return zerowrap.Default()
}

func TestRequestLogger_AttachesLoggerAndRequestID(t *testing.T) {
	metrics, err := telemetry.NewMetrics()
	require.NoError(t, err)

	var sawLogger bool
	handler := RequestLogger(testLogger(), nil, metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := zerowrap.FromCtx(r.Context())
		log.Debug().Msg("inside handler")
		sawLogger = true
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodPatch, "/v2/app/blobs/uploads/x", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, sawLogger)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestRequestLogger_GeneratesRequestID(t *testing.T) {
	handler := RequestLogger(testLogger(), nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/", nil))

	assert.Len(t, rec.Header().Get("X-Request-ID"), 32)
}

func TestResponseWriter_CapturesFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)
	assert.Same(t, rw, NewResponseWriter(rw))

	assert.False(t, rw.Written())
	rw.WriteHeader(http.StatusCreated)
	_, _ = rw.Write([]byte("abc"))

	assert.True(t, rw.Written())
	assert.Equal(t, http.StatusCreated, rw.StatusCode())
	assert.Equal(t, int64(3), rw.BytesWritten())
	assert.Equal(t, rec, rw.Unwrap())
}

func TestPanicRecovery(t *testing.T) {
	handler := PanicRecovery(testLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp dto.RegistryErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, dto.ErrCodeUnknown, resp.Errors[0].Code)
}

func TestPanicRecovery_AfterWriteKeepsResponse(t *testing.T) {
	handler := PanicRecovery(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial", rec.Body.String())
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Chain(mw("a"), mw("b"), mw("c"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"a", "b", "c", "handler"}, order)
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	req := httptest.NewRequest(http.MethodGet, "/v2/", nil)
	req.TLS = &tls.ConnectionState{}
	req.Header.Set("X-Forwarded-Proto", "http")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "max-age=31536000; includeSubDomains", rec.Header().Get("Strict-Transport-Security"))
}

func TestCIDRAllowlist(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	allowed := ParseTrustedProxies([]string{"100.64.0.0/10"})
	trusted := ParseTrustedProxies([]string{"10.0.0.1"})

	tests := []struct {
		name       string
		allowed    []string
		remoteAddr string
		xff        string
		wantStatus int
	}{
		{name: "empty allowlist passes", remoteAddr: "203.0.113.50:1234", wantStatus: http.StatusOK},
		{name: "allowed client", allowed: []string{"x"}, remoteAddr: "100.100.1.1:1234", wantStatus: http.StatusOK},
		{name: "denied client", allowed: []string{"x"}, remoteAddr: "203.0.113.50:1234", wantStatus: http.StatusForbidden},
		{name: "loopback always allowed", allowed: []string{"x"}, remoteAddr: "127.0.0.1:1234", wantStatus: http.StatusOK},
		{name: "allowed behind trusted proxy", allowed: []string{"x"}, remoteAddr: "10.0.0.1:1234", xff: "100.64.0.9", wantStatus: http.StatusOK},
		{name: "denied behind trusted proxy", allowed: []string{"x"}, remoteAddr: "10.0.0.1:1234", xff: "203.0.113.9", wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nets := allowed
			if tt.allowed == nil {
				nets = nil
			}
			handler := CIDRAllowlist(nets, trusted, testLogger())(ok)

			req := httptest.NewRequest(http.MethodGet, "/v2/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusForbidden {
				var resp dto.RegistryErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, dto.ErrCodeDenied, resp.Errors[0].Code)
			}
		})
	}
}
