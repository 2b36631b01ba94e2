package evaluation

import (
	"encoding/binary"
	"errors"
	"fmt"

	"RelayVerify/internal/aggregation"
	"RelayVerify/internal/credibility"
	"RelayVerify/internal/message"
)

// errShortBuffer is reported when a payload ends before a field.
var errShortBuffer = errors.New("unexpected end of payload")

// writer appends little-endian borsh-style fields.
// Vectors are a u32 length followed by their elements.
type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *writer) u64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) identity(id message.Identity) {
	w.buf = append(w.buf, id[:]...)
}

func (w *writer) identities(ids []message.Identity) {
	w.u32(uint32(len(ids)))
	for _, id := range ids {
		w.identity(id)
	}
}

func (w *writer) entries(entries []credibility.Entry) {
	w.u32(uint32(len(entries)))
	for _, e := range entries {
		w.identity(e.Validator)
		w.u32(e.Value)
	}
}

func (w *writer) exceptions(groups []aggregation.ExceptionGroup) {
	w.u32(uint32(len(groups)))
	for _, g := range groups {
		w.u32(g.Weight)
		w.identities(g.Validators)
	}
}

// reader decodes fields written by writer. The first error sticks and later
// reads return zero values.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}

	if n < 0 || len(r.data)-r.off < n {
		r.err = errShortBuffer
		return nil
	}

	b := r.data[r.off : r.off+n]
	r.off += n

	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}

	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint64(b)
}

func (r *reader) bytes() []byte {
	n := r.u32()
	b := r.take(int(n))

	return append([]byte(nil), b...)
}

func (r *reader) identity() message.Identity {
	var id message.Identity
	copy(id[:], r.take(message.IdentitySize))

	return id
}

// count reads a vector length and checks that elemSize*n bytes remain.
func (r *reader) count(elemSize int) int {
	n := int(r.u32())
	if r.err != nil {
		return 0
	}

	if n > (len(r.data)-r.off)/elemSize {
		r.err = fmt.Errorf("vector of %d elements exceeds payload", n)
		return 0
	}

	return n
}

func (r *reader) identities() []message.Identity {
	n := r.count(message.IdentitySize)
	ids := make([]message.Identity, n)

	for i := range ids {
		ids[i] = r.identity()
	}

	return ids
}

func (r *reader) entries() []credibility.Entry {
	n := r.count(message.IdentitySize + 4)
	entries := make([]credibility.Entry, n)

	for i := range entries {
		entries[i].Validator = r.identity()
		entries[i].Value = r.u32()
	}

	return entries
}

func (r *reader) exceptions() []aggregation.ExceptionGroup {
	n := r.count(8)
	groups := make([]aggregation.ExceptionGroup, n)

	for i := range groups {
		groups[i].Weight = r.u32()
		groups[i].Validators = r.identities()
	}

	return groups
}

// finish returns the sticky error, or an error if bytes remain.
func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}

	if r.off != len(r.data) {
		return fmt.Errorf("%d trailing bytes", len(r.data)-r.off)
	}

	return nil
}
