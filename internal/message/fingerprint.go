package message

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Fingerprint is the content address of a message.
type Fingerprint [32]byte

// Fingerprint returns the blake3 digest of the message fields.
// Every field is length-prefixed so that no two distinct messages share an
// encoding. content.data is hashed last.
func (m Message) Fingerprint() Fingerprint {
	h := blake3.New()

	writeField(h, m.FromChain)
	writeField(h, m.ToChain)
	writeField(h, m.Sender)
	writeField(h, m.Signer)

	if m.SQoS.Reveal {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}

	writeField(h, m.Content.Action)
	writeField(h, m.Content.Contract)
	writeField(h, m.Content.Data)

	var fp Fingerprint
	h.Sum(fp[:0])

	return fp
}

// writeField writes a u32 little-endian length followed by the field bytes.
func writeField(h *blake3.Hasher, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	h.Write(lenBuf[:])
	h.WriteString(s)
}

// String returns the hex form of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Compare orders fingerprints bytewise.
func (f Fingerprint) Compare(other Fingerprint) int {
	return bytes.Compare(f[:], other[:])
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil || len(raw) != len(f) {
		return fmt.Errorf("invalid fingerprint %q", text)
	}

	copy(f[:], raw)

	return nil
}
