package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zeebo/blake3"

	"RelayVerify/internal/credibility"
	"RelayVerify/internal/message"
	"RelayVerify/internal/storage"
)

// createTestStore creates a credibility store in a temporary directory.
func createTestStore(t *testing.T) *credibility.Store {
	t.Helper()

	dir, err := os.MkdirTemp("", "snapshot_test_*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}

	db, err := storage.New(filepath.Join(dir, "db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("create storage: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
		os.RemoveAll(dir)
	})

	store, err := credibility.NewStore(db)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	return store
}

func testID(b byte) message.Identity {
	var id message.Identity
	id[0] = b
	id[31] = 0x5A

	return id
}

func TestCreateRestore(t *testing.T) {
	src := createTestStore(t)

	for i, v := range []uint32{5000, 0, 10000, 4242} {
		if err := src.Register(testID(byte(i+1)), v); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	data, err := Create(src)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	dst := createTestStore(t)
	if err := dst.Register(testID(99), 1); err != nil {
		t.Fatalf("register: %v", err)
	}

	snap, err := Restore(dst, data)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	if snap.Version != version || len(snap.Entries) != 4 {
		t.Fatalf("unexpected snapshot: version %d, %d entries", snap.Version, len(snap.Entries))
	}

	want, _ := src.All()
	got, err := dst.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}

	if _, ok, _ := dst.Get(testID(99)); ok {
		t.Error("restore should drop validators absent from the snapshot")
	}
}

func TestEmptySnapshot(t *testing.T) {
	data, err := Encode(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	snap, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(snap.Entries) != 0 {
		t.Errorf("expected no entries, got %d", len(snap.Entries))
	}
}

func TestCorruptedSnapshot(t *testing.T) {
	entries := []credibility.Entry{{Validator: testID(1), Value: 7000}}

	raw := encodeBody(entries)
	raw[len(raw)-1] ^= 0xFF // flip a credibility byte, keep the old checksum
	sum := encodeBody(entries)
	checksum := blake3Sum(sum)

	bad, err := compress(append(raw, checksum[:]...))
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	store := createTestStore(t)
	if err := store.Register(testID(2), 3000); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := Restore(store, bad); !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}

	if v, ok, _ := store.Get(testID(2)); !ok || v != 3000 {
		t.Error("store should be untouched after a failed restore")
	}
}

func TestInvalidFormat(t *testing.T) {
	if _, err := Decode([]byte("not zstd")); !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat for garbage, got %v", err)
	}

	short, _ := compress([]byte{1, 2, 3})
	if _, err := Decode(short); !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat for truncated data, got %v", err)
	}

	// Valid checksum, unknown version
	body := encodeBody(nil)
	body[3] = 9
	sum := blake3Sum(body)
	future, _ := compress(append(body, sum[:]...))

	if _, err := Decode(future); !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat for unknown version, got %v", err)
	}
}

func blake3Sum(data []byte) [32]byte {
	return blake3.Sum256(data)
}
