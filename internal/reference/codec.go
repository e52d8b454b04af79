// Package reference generates and recognizes obligation payment references.
//
// A reference must survive round-trips through bank statements and gateway
// metadata, so it is short, uppercase, and deterministic: the same
// (item, student, attempt) triple always yields the same string, across
// process restarts and retries. The keyed hash keeps references
// collision-resistant without persisting a lookup table.
package reference

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
)

const (
	defaultMACLen   = 10
	defaultTokenLen = 6

	// maxAttemptIndex bounds the candidate fan-out so reverse lookup stays
	// cheap even when a gateway forces a fresh reference per retry.
	maxAttemptIndex = 32
)

// Codec derives obligation references from a tenant-scoped salt. It has no
// side effects; both methods are pure functions of their inputs.
type Codec struct {
	salt     []byte
	prefix   string
	macLen   int
	tokenLen int
}

// Option configures a Codec.
type Option func(*Codec)

// WithMACLength overrides the truncated hash length (hex characters).
func WithMACLength(n int) Option {
	return func(c *Codec) {
		if n > 0 && n <= sha256.Size*2 {
			c.macLen = n
		}
	}
}

// WithTokenLength overrides the student token length.
func WithTokenLength(n int) Option {
	return func(c *Codec) {
		if n > 0 && n <= 32 {
			c.tokenLen = n
		}
	}
}

// NewCodec constructs a Codec. The salt is required; the prefix defaults to
// "TLY" when empty.
func NewCodec(salt, prefix string, opts ...Option) (*Codec, error) {
	if salt == "" {
		return nil, fmt.Errorf("reference codec salt is required")
	}
	if prefix == "" {
		prefix = "TLY"
	}
	c := &Codec{
		salt:     []byte(salt),
		prefix:   strings.ToUpper(prefix),
		macLen:   defaultMACLen,
		tokenLen: defaultTokenLen,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Generate returns the reference for one (item, student, attempt) triple.
// Attempt 0 is the initial reference; higher attempts are issued when the
// gateway requires a fresh reference per retry. References for different
// attempts share the prefix and student token, so they stay recognizable as
// belonging to the same obligation.
func (c *Codec) Generate(itemID domain.ItemID, studentID domain.StudentID, attempt int) (string, error) {
	if itemID.IsNil() || studentID.IsNil() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "item and student ids are required")
	}
	if attempt < 0 || attempt >= maxAttemptIndex {
		return "", dErrors.New(dErrors.CodeInvalidInput, "attempt index out of range")
	}
	return fmt.Sprintf("%s-%s-%s", c.prefix, c.studentToken(studentID), c.mac(itemID, studentID, attempt)), nil
}

// Candidates returns the references for attempts 0..maxAttempts-1, used for
// reverse lookup when matching a gateway-echoed reference after retries.
func (c *Codec) Candidates(itemID domain.ItemID, studentID domain.StudentID, maxAttempts int) ([]string, error) {
	if maxAttempts <= 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "maxAttempts must be positive")
	}
	if maxAttempts > maxAttemptIndex {
		maxAttempts = maxAttemptIndex
	}
	refs := make([]string, 0, maxAttempts)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ref, err := c.Generate(itemID, studentID, attempt)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (c *Codec) studentToken(studentID domain.StudentID) string {
	compact := strings.ReplaceAll(studentID.String(), "-", "")
	return strings.ToUpper(compact[:c.tokenLen])
}

func (c *Codec) mac(itemID domain.ItemID, studentID domain.StudentID, attempt int) string {
	mac := hmac.New(sha256.New, c.salt)
	mac.Write([]byte(itemID.String()))
	mac.Write([]byte{'|'})
	mac.Write([]byte(studentID.String()))
	mac.Write([]byte{'|'})
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(attempt))
	mac.Write(buf[:])
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil))[:c.macLen])
}
