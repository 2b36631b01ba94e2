package verify

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"

	"RelayVerify/internal/message"
)

// Token identifies a round by its submitted batch.
type Token [32]byte

// RoundToken hashes the (validator, fingerprint) pairs of copies, sorted by
// validator, followed by the threshold. copies must hold one copy per
// validator. Equal batches give equal tokens in any submission order.
func RoundToken(copies []message.MessageVerify, threshold uint32) Token {
	type pair struct {
		validator   message.Identity
		fingerprint message.Fingerprint
	}

	pairs := make([]pair, len(copies))
	for i, c := range copies {
		pairs[i] = pair{validator: c.Validator, fingerprint: c.Message.Fingerprint()}
	}

	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].validator.Compare(pairs[j].validator) < 0
	})

	h := blake3.New()
	for _, p := range pairs {
		h.Write(p.validator[:])
		h.Write(p.fingerprint[:])
	}
	h.Write(binary.LittleEndian.AppendUint32(nil, threshold))

	var t Token
	h.Sum(t[:0])

	return t
}

// String returns the hex form of the token.
func (t Token) String() string {
	return hex.EncodeToString(t[:])
}

// Short returns a hex prefix for log lines.
func (t Token) Short() string {
	return hex.EncodeToString(t[:4])
}

// MarshalText implements encoding.TextMarshaler.
func (t Token) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Token) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil || len(raw) != len(t) {
		return fmt.Errorf("invalid round token %q", text)
	}

	copy(t[:], raw)

	return nil
}
