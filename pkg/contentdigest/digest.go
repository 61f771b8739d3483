// Package contentdigest computes and verifies content digests for the registry.
// Digests use the "<algorithm>:<hex>" form; sha256 is canonical and sha512 is
// accepted on input.
package contentdigest

import (
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Canonical is the algorithm used for everything the registry computes itself.
const Canonical = digest.SHA256

// ErrInvalid is returned for digests that are malformed or use an unknown algorithm.
var ErrInvalid = errors.New("invalid digest")

// Compute returns the canonical digest of b.
func Compute(b []byte) digest.Digest {
	return Canonical.FromBytes(b)
}

// FromReader digests everything readable from r and reports how many bytes it saw.
func FromReader(r io.Reader) (digest.Digest, int64, error) {
	d := Canonical.Digester()
	n, err := io.Copy(d.Hash(), r)
	if err != nil {
		return "", n, err
	}
	return d.Digest(), n, nil
}

// Parse normalizes s to lower case and validates algorithm and hex length.
func Parse(s string) (digest.Digest, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalid)
	}
	d := digest.Digest(s)
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalid, s, err)
	}
	return d, nil
}

// Verify reports whether b hashes to expected. The expected digest may use any
// supported algorithm and any letter case.
func Verify(b []byte, expected digest.Digest) bool {
	want, err := Parse(string(expected))
	if err != nil {
		return false
	}
	got := want.Algorithm().FromBytes(b)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// Equal compares two digests after normalization.
func Equal(a, b digest.Digest) bool {
	return strings.EqualFold(string(a), string(b))
}

// NewVerifier returns a writer that checks the bytes written to it against expected.
func NewVerifier(expected digest.Digest) (digest.Verifier, error) {
	d, err := Parse(string(expected))
	if err != nil {
		return nil, err
	}
	return d.Verifier(), nil
}
