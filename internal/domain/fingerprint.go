package domain

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// FingerprintSize is the byte length of a result or input digest.
const FingerprintSize = 32

// ErrInvalidFingerprint indicates a fingerprint could not be parsed from text.
var ErrInvalidFingerprint = errors.New("invalid fingerprint")

// Fingerprint is an opaque, fixed-size digest of an input or computed answer.
// Two operators agree on a result iff their fingerprints are byte-equal.
type Fingerprint [FingerprintSize]byte

// KeccakFingerprint returns the legacy Keccak-256 digest of data.
func KeccakFingerprint(data []byte) Fingerprint {
	h := sha3.NewLegacyKeccak256()
	h.Write(data) //nolint:errcheck // hash writes never fail
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// ParseFingerprint decodes a hex string, with or without a 0x prefix.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(raw) != FingerprintSize*2 {
		return fp, fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalidFingerprint, FingerprintSize*2, len(raw))
	}
	if _, err := hex.Decode(fp[:], []byte(raw)); err != nil {
		return fp, fmt.Errorf("%w: %v", ErrInvalidFingerprint, err)
	}
	return fp, nil
}

// MustParseFingerprint is like ParseFingerprint but panics on error.
// Intended for constants and tests.
func MustParseFingerprint(s string) Fingerprint {
	fp, err := ParseFingerprint(s)
	if err != nil {
		panic(err)
	}
	return fp
}

// Hex returns the 0x-prefixed lowercase hex form.
func (f Fingerprint) Hex() string { return "0x" + hex.EncodeToString(f[:]) }

// String implements fmt.Stringer.
func (f Fingerprint) String() string { return f.Hex() }

// IsZero reports whether every byte is zero.
func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

// Compare orders fingerprints lexicographically by byte value.
func (f Fingerprint) Compare(other Fingerprint) int { return bytes.Compare(f[:], other[:]) }

// MarshalText implements encoding.TextMarshaler so fingerprints travel as hex
// in JSON and YAML payloads.
func (f Fingerprint) MarshalText() ([]byte, error) { return []byte(f.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	parsed, err := ParseFingerprint(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
