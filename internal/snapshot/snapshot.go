// Package snapshot exports and imports the credibility table as a single
// compressed, checksummed blob.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"RelayVerify/internal/credibility"
	"RelayVerify/internal/message"
)

// version is the current snapshot format.
const version = 1

// entrySize is the encoded size of one entry: identity + u32 value.
const entrySize = 32 + 4

// headerSize is version (4 bytes) + entry count (4 bytes).
const headerSize = 8

var (
	// ErrChecksum is returned when a snapshot does not match its checksum.
	ErrChecksum = errors.New("snapshot checksum mismatch")

	// ErrFormat is returned for truncated or unknown snapshots.
	ErrFormat = errors.New("invalid snapshot format")
)

// Snapshot is a decoded credibility table.
type Snapshot struct {
	Version  uint32              // Version is the format version
	Entries  []credibility.Entry // Entries are in registration order
	Checksum [32]byte            // Checksum is blake3 over the encoded body
}

// Create exports the whole store as a compressed snapshot.
func Create(store *credibility.Store) ([]byte, error) {
	entries, err := store.All()
	if err != nil {
		return nil, fmt.Errorf("collect entries:\n%w", err)
	}

	return Encode(entries)
}

// Encode builds a compressed snapshot of entries.
// Format: version (4 bytes) + count (4 bytes) + entries + blake3 checksum (32 bytes)
func Encode(entries []credibility.Entry) ([]byte, error) {
	body := encodeBody(entries)
	sum := blake3.Sum256(body)

	return compress(append(body, sum[:]...))
}

// Decode decompresses data and verifies its checksum.
func Decode(data []byte) (*Snapshot, error) {
	raw, err := decompress(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	if len(raw) < headerSize+32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFormat, len(raw))
	}

	body, stored := raw[:len(raw)-32], raw[len(raw)-32:]

	computed := blake3.Sum256(body)
	if !bytes.Equal(computed[:], stored) {
		return nil, ErrChecksum
	}

	snap := &Snapshot{Version: binary.BigEndian.Uint32(body[:4])}
	copy(snap.Checksum[:], stored)

	if snap.Version != version {
		return nil, fmt.Errorf("%w: version %d", ErrFormat, snap.Version)
	}

	count := binary.BigEndian.Uint32(body[4:8])
	rest := body[headerSize:]

	if uint64(len(rest)) != uint64(count)*entrySize {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrFormat, count, len(rest))
	}

	snap.Entries = make([]credibility.Entry, count)
	for i := range snap.Entries {
		chunk := rest[i*entrySize : (i+1)*entrySize]

		var id message.Identity
		copy(id[:], chunk[:32])

		value := binary.BigEndian.Uint32(chunk[32:])
		if value > credibility.Max {
			return nil, fmt.Errorf("%w: credibility %d above %d", ErrFormat, value, credibility.Max)
		}

		snap.Entries[i] = credibility.Entry{Validator: id, Value: value}
	}

	return snap, nil
}

// Restore replaces the content of store with the snapshot in data.
// The store is left untouched when the snapshot is invalid.
func Restore(store *credibility.Store, data []byte) (*Snapshot, error) {
	snap, err := Decode(data)
	if err != nil {
		return nil, err
	}

	if err := store.Replace(snap.Entries); err != nil {
		return nil, fmt.Errorf("replace store:\n%w", err)
	}

	return snap, nil
}

// encodeBody writes the header and entries.
func encodeBody(entries []credibility.Entry) []byte {
	buf := make([]byte, headerSize, headerSize+len(entries)*entrySize+32)
	binary.BigEndian.PutUint32(buf[:4], version)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(entries)))

	for _, e := range entries {
		buf = append(buf, e.Validator[:]...)
		buf = binary.BigEndian.AppendUint32(buf, e.Value)
	}

	return buf
}

// compress compresses data using zstd.
func compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// decompress decompresses zstd-compressed data.
func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}
