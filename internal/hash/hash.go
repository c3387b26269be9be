package hash

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

var ErrFinalized = errors.New("hash already finalized")

// Calculator accumulates a SHA-256 digest over byte chunks. Update may be
// called any number of times before Finalize; after Finalize the raw digest
// is fixed and further updates are rejected.
type Calculator struct {
	digester  digest.Digester
	raw       []byte
	finalized bool
}

func NewCalculator() *Calculator {
	return &Calculator{
		digester: digest.SHA256.Digester(),
	}
}

// Update feeds the next chunk into the running digest.
func (c *Calculator) Update(p []byte) error {
	if c.finalized {
		return ErrFinalized
	}

	if _, err := c.digester.Hash().Write(p); err != nil {
		return fmt.Errorf("failed to update hash: %w", err)
	}

	return nil
}

// Finalize fixes the digest. Idempotent.
func (c *Calculator) Finalize() error {
	if c.finalized {
		return nil
	}

	raw, err := hex.DecodeString(c.digester.Digest().Encoded())
	if err != nil {
		return fmt.Errorf("failed to finalize hash: %w", err)
	}

	c.raw = raw
	c.finalized = true

	return nil
}

// RawHash returns the finalized digest bytes, or nil before Finalize.
func (c *Calculator) RawHash() []byte {
	return c.raw
}

// Hash returns the finalized digest in base64, or "" before Finalize.
func (c *Calculator) Hash() string {
	if !c.finalized {
		return ""
	}
	return base64.StdEncoding.EncodeToString(c.raw)
}

// Sum is a convenience for hashing a complete buffer in one call.
func Sum(p []byte) []byte {
	c := NewCalculator()
	_ = c.Update(p)
	_ = c.Finalize()
	return c.RawHash()
}
