// Package agreementid derives the deterministic identifiers the registry is
// keyed by: a SHA-256 fingerprint of the document bytes and a composite
// agreement id over (fingerprint, creator, payment reference).
//
// Every field is encoded at a fixed width before digesting, so two different
// field splits can never concatenate to the same preimage. The digest scheme
// is SHA-256 throughout; the golden vectors in the tests pin it.
package agreementid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

type (
	// Fingerprint is the SHA-256 digest of a document's bytes.
	Fingerprint [32]byte
	// PaymentRef identifies a settled payment, normally the settlement
	// transaction hash.
	PaymentRef [32]byte
	// ID is the composite agreement identifier, the registry's primary key.
	ID [32]byte
)

func (f Fingerprint) Hex() string { return "0x" + hex.EncodeToString(f[:]) }
func (p PaymentRef) Hex() string  { return "0x" + hex.EncodeToString(p[:]) }
func (i ID) Hex() string          { return "0x" + hex.EncodeToString(i[:]) }

// FingerprintBytes hashes document bytes. Pure; the caller is responsible
// for rejecting empty documents before getting here.
func FingerprintBytes(b []byte) Fingerprint {
	return sha256.Sum256(b)
}

// Compute derives the agreement id from its three fixed-width inputs:
// 32-byte fingerprint, 20-byte creator address, 32-byte payment reference,
// concatenated in that order and digested with SHA-256.
func Compute(fp Fingerprint, creator common.Address, ref PaymentRef) ID {
	var buf [84]byte
	copy(buf[0:32], fp[:])
	copy(buf[32:52], creator[:])
	copy(buf[52:84], ref[:])
	return sha256.Sum256(buf[:])
}

// FieldError reports a malformed externally-supplied value, naming the field
// so clients can fix the right one.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ParseHex32 validates a 32-byte hex value (0x prefix optional).
func ParseHex32(s, field string) ([32]byte, error) {
	var out [32]byte
	h := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(h) != 64 {
		return out, &FieldError{Field: field, Reason: fmt.Sprintf("expected 32 bytes (64 hex chars), got %d chars", len(h))}
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return out, &FieldError{Field: field, Reason: "not valid hex"}
	}
	copy(out[:], b)
	return out, nil
}

// ParseAddress validates a 20-byte EVM address.
func ParseAddress(s, field string) (common.Address, error) {
	v := strings.TrimSpace(s)
	if !common.IsHexAddress(v) {
		return common.Address{}, &FieldError{Field: field, Reason: "expected a 20-byte hex address"}
	}
	return common.HexToAddress(v), nil
}

// ParseID validates an agreement id supplied by a client.
func ParseID(s, field string) (ID, error) {
	b, err := ParseHex32(s, field)
	return ID(b), err
}
