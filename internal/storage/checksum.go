package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrChecksumMismatch is returned when a stored object no longer matches
// the checksum recorded for it.
var ErrChecksumMismatch = errors.New("checksum mismatch")

const checksumPrefix = "sha256:"

// Checksum returns the "sha256:<hex>" digest recorded in manifests and
// audit events.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return checksumPrefix + hex.EncodeToString(sum[:])
}

// VerifyObject re-reads key and compares it against expected.
func (s *BlobStore) VerifyObject(ctx context.Context, key, expected string) error {
	data, err := s.Read(ctx, key)
	if err != nil {
		return err
	}
	if got := Checksum(data); got != expected {
		return fmt.Errorf("%s: %w: have %s, want %s", key, ErrChecksumMismatch, got, expected)
	}
	return nil
}
