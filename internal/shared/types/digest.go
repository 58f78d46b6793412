package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Digest is a hex-encoded SHA-256 of an artifact's bytes.
type Digest string

// ComputeDigest hashes everything readable from r.
func ComputeDigest(r io.Reader) (Digest, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", fmt.Errorf("failed to calculate content hash: %w", err)
	}
	return Digest(hex.EncodeToString(hash.Sum(nil))), nil
}

// ParseDigest accepts an optional "sha256:" prefix and any letter case.
func ParseDigest(s string) (Digest, error) {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "sha256:"))
	if len(s) != sha256.Size*2 {
		return "", fmt.Errorf("invalid digest length %d", len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("invalid digest: %w", err)
	}
	return Digest(s), nil
}

func (d Digest) String() string { return string(d) }

// IsZero reports whether no digest has been assigned.
func (d Digest) IsZero() bool { return d == "" }
