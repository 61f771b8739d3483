// Package validation checks the untrusted identifiers that reach the registry
// through request paths before any of them is joined into a filesystem path.
package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/bnema/dockyard/pkg/contentdigest"
)

var (
	ErrName      = errors.New("invalid repository name")
	ErrReference = errors.New("invalid reference")
	ErrUploadID  = errors.New("invalid upload id")
	ErrPath      = errors.New("unsafe path")
)

// A path component is lowercase alphanumerics joined by ".", "_", "__" or runs of "-".
const component = `[a-z0-9]+(?:(?:[._]|__|-+)[a-z0-9]+)*`

var (
	nameRegex = regexp.MustCompile(`^` + component + `(?:/` + component + `)*$`)
	tagRegex  = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)
)

// MaxNameLength bounds a full repository name.
const MaxNameLength = 255

// RepositoryName validates a repository name such as "team/app".
func RepositoryName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrName)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: %d chars exceeds %d", ErrName, len(name), MaxNameLength)
	case strings.Contains(name, ".."):
		return fmt.Errorf("%w: path traversal sequence", ErrName)
	case !nameRegex.MatchString(name):
		return fmt.Errorf("%w: %q", ErrName, name)
	}
	return nil
}

// Reference validates a manifest reference, either a tag or a digest.
func Reference(ref string) error {
	if ref == "" {
		return fmt.Errorf("%w: empty", ErrReference)
	}
	if IsDigest(ref) {
		return nil
	}
	if strings.Contains(ref, "..") || !tagRegex.MatchString(ref) {
		return fmt.Errorf("%w: %q", ErrReference, ref)
	}
	return nil
}

// IsDigest reports whether ref has the shape of a content digest.
func IsDigest(ref string) bool {
	if !strings.Contains(ref, ":") {
		return false
	}
	_, err := contentdigest.Parse(ref)
	return err == nil
}

// UploadID validates a server issued upload session id.
func UploadID(id string) error {
	if _, err := uuid.Parse(id); err != nil || len(id) != 36 {
		return fmt.Errorf("%w: %q", ErrUploadID, id)
	}
	return nil
}

// WithinRoot checks that fullPath, once cleaned, stays under rootDir.
func WithinRoot(rootDir, fullPath string) error {
	root := filepath.Clean(rootDir)
	p := filepath.Clean(fullPath)
	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s escapes %s", ErrPath, fullPath, rootDir)
	}
	return nil
}
