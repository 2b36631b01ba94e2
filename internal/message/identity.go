package message

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// IdentitySize is the size of a validator identity (an ed25519 public key).
const IdentitySize = ed25519.PublicKeySize

// identityPrefix is the curve tag used in the text form of an identity.
const identityPrefix = "ed25519:"

// Identity is a validator's public key.
type Identity [IdentitySize]byte

// IdentityFromPublicKey converts an ed25519 public key into an Identity.
func IdentityFromPublicKey(pub ed25519.PublicKey) (Identity, error) {
	var id Identity
	if len(pub) != IdentitySize {
		return id, fmt.Errorf("invalid public key size: got %d, want %d", len(pub), IdentitySize)
	}

	copy(id[:], pub)

	return id, nil
}

// ParseIdentity parses "ed25519:<base58>", bare base58, or 64 hex characters.
func ParseIdentity(s string) (Identity, error) {
	var id Identity

	s = strings.TrimSpace(s)
	if len(s) == 2*IdentitySize {
		if raw, err := hex.DecodeString(s); err == nil {
			copy(id[:], raw)
			return id, nil
		}
	}

	raw, err := base58.Decode(strings.TrimPrefix(s, identityPrefix))
	if err != nil {
		return id, fmt.Errorf("decode identity %q: %w", s, err)
	}

	if len(raw) != IdentitySize {
		return id, fmt.Errorf("invalid identity size: got %d, want %d", len(raw), IdentitySize)
	}

	copy(id[:], raw)

	return id, nil
}

// String returns the "ed25519:<base58>" form used by relayer tooling.
func (id Identity) String() string {
	return identityPrefix + base58.Encode(id[:])
}

// Short returns a hex prefix for log lines.
func (id Identity) Short() string {
	return hex.EncodeToString(id[:4])
}

// Compare orders identities bytewise.
func (id Identity) Compare(other Identity) int {
	return bytes.Compare(id[:], other[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}
