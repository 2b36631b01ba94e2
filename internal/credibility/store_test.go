package credibility

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RelayVerify/internal/message"
	"RelayVerify/internal/storage"
)

// newTestStore opens a store on a temporary pebble database.
func newTestStore(t *testing.T) (*Store, *storage.Storage) {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	require.NoError(t, err)

	return s, db
}

// testID returns a deterministic identity.
func testID(i int) message.Identity {
	var id message.Identity
	id[0] = byte(i)
	id[1] = byte(i >> 8)
	id[31] = 0x5A

	return id
}

// update applies a single mutation.
func update(t *testing.T, s *Store, id message.Identity, fn func(uint32) int64) Result {
	t.Helper()

	results, err := s.UpdateMany([]Mutation{{Validator: id, Fn: fn}})
	require.NoError(t, err)
	require.Len(t, results, 1)

	return results[0]
}

func TestClamp(t *testing.T) {
	assert.Equal(t, Min, Clamp(-1))
	assert.Equal(t, Max, Clamp(10001))
	assert.Equal(t, uint32(4242), Clamp(4242))
}

func TestRegisterAndGet(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Register(testID(1), 5000))

	value, ok, err := s.Get(testID(1))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(5000), value)
}

func TestRegisterDuplicateKeepsScore(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Register(testID(1), 4000))
	update(t, s, testID(1), func(c uint32) int64 { return int64(c) + 10 })

	err := s.Register(testID(1), 9000)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	value, _, err := s.Get(testID(1))
	require.NoError(t, err)
	assert.Equal(t, uint32(4010), value)
}

func TestUnregister(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Register(testID(1), 5000))
	require.NoError(t, s.Unregister(testID(1)))

	_, ok, err := s.Get(testID(1))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.Unregister(testID(1)), ErrNotRegistered)

	// Registering again starts from the initial value
	require.NoError(t, s.Register(testID(1), 3000))
	value, _, err := s.Get(testID(1))
	require.NoError(t, err)
	assert.Equal(t, uint32(3000), value)
}

func TestValuesUnknownIsZero(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Register(testID(1), 7000))

	entries, err := s.Values([]message.Identity{testID(2), testID(1)})
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Validator: testID(2), Value: 0},
		{Validator: testID(1), Value: 7000},
	}, entries)
}

func TestUpdateClampsAndSkipsUnknown(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Register(testID(1), 9990))

	res := update(t, s, testID(1), func(c uint32) int64 { return int64(c) + 500 })
	assert.True(t, res.OK)
	assert.Equal(t, uint32(9990), res.Old)
	assert.Equal(t, Max, res.New)

	res = update(t, s, testID(1), func(c uint32) int64 { return -20000 })
	assert.True(t, res.OK)
	assert.Equal(t, Min, res.New)

	res = update(t, s, testID(2), func(c uint32) int64 { return 1 })
	assert.False(t, res.OK)

	_, registered, err := s.Get(testID(2))
	require.NoError(t, err)
	assert.False(t, registered, "update must not register unknown identities")
}

func TestUpdateManyAppliesBatch(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Register(testID(1), 4000))
	require.NoError(t, s.Register(testID(2), 6000))

	add := func(d int64) func(uint32) int64 {
		return func(c uint32) int64 { return int64(c) + d }
	}

	results, err := s.UpdateMany([]Mutation{
		{Validator: testID(1), Fn: add(40)},
		{Validator: testID(3), Fn: add(1)},
		{Validator: testID(2), Fn: add(-120)},
		{Validator: testID(1), Fn: add(10)},
	})
	require.NoError(t, err)
	assert.Equal(t, []Result{
		{Validator: testID(1), Old: 4000, New: 4040, OK: true},
		{Validator: testID(3)},
		{Validator: testID(2), Old: 6000, New: 5880, OK: true},
		{Validator: testID(1), Old: 4040, New: 4050, OK: true},
	}, results)

	entries, err := s.Values([]message.Identity{testID(1), testID(2)})
	require.NoError(t, err)
	assert.Equal(t, uint32(4050), entries[0].Value)
	assert.Equal(t, uint32(5880), entries[1].Value)
}

func TestUpdateManyWritesNothingOnError(t *testing.T) {
	s, db := newTestStore(t)

	require.NoError(t, s.Register(testID(1), 6000))
	require.NoError(t, s.Register(testID(2), 6000))
	require.NoError(t, s.Register(testID(3), 6000))

	// Corrupt the last record so that loading it fails
	require.NoError(t, db.Write(storage.Put(scoreKey(testID(3)), []byte{1, 2, 3})))

	inc := func(c uint32) int64 { return int64(c) + 40 }
	_, err := s.UpdateMany([]Mutation{
		{Validator: testID(1), Fn: inc},
		{Validator: testID(2), Fn: inc},
		{Validator: testID(3), Fn: inc},
	})
	require.Error(t, err)

	entries, err := s.Values([]message.Identity{testID(1), testID(2)})
	require.NoError(t, err)
	assert.Equal(t, uint32(6000), entries[0].Value)
	assert.Equal(t, uint32(6000), entries[1].Value)
}

func TestUpdateSerialized(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Register(testID(1), 0))
	require.NoError(t, s.Register(testID(2), 0))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inc := func(c uint32) int64 { return int64(c) + 1 }
			_, err := s.UpdateMany([]Mutation{{Validator: testID(2), Fn: inc}, {Validator: testID(1), Fn: inc}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := s.Values([]message.Identity{testID(1), testID(2)})
	require.NoError(t, err)
	assert.Equal(t, uint32(50), entries[0].Value, "no update may be lost")
	assert.Equal(t, uint32(50), entries[1].Value, "no update may be lost")
}

func TestPageFollowsRegistrationOrder(t *testing.T) {
	s, _ := newTestStore(t)

	// Register in an order that differs from key order
	order := []int{9, 3, 7, 1, 5}
	for i, n := range order {
		require.NoError(t, s.Register(testID(n), uint32(1000*(i+1))))
	}

	page, err := s.Page(0, 10)
	require.NoError(t, err)
	require.Len(t, page, len(order))

	for i, n := range order {
		assert.Equal(t, testID(n), page[i].Validator)
	}

	page, err = s.Page(1, 2)
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Validator: testID(3), Value: 2000},
		{Validator: testID(7), Value: 3000},
	}, page)

	page, err = s.Page(10, 5)
	require.NoError(t, err)
	assert.Empty(t, page)

	page, err = s.Page(0, 0)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestPageSkipsUnregistered(t *testing.T) {
	s, _ := newTestStore(t)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Register(testID(i), 5000))
	}
	require.NoError(t, s.Unregister(testID(2)))

	page, err := s.Page(0, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, testID(1), page[0].Validator)
	assert.Equal(t, testID(3), page[1].Validator)

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSequenceSurvivesReopen(t *testing.T) {
	s, db := newTestStore(t)

	require.NoError(t, s.Register(testID(1), 5000))

	reopened, err := NewStore(db)
	require.NoError(t, err)
	require.NoError(t, reopened.Register(testID(2), 5000))

	all, err := reopened.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, testID(1), all[0].Validator)
	assert.Equal(t, testID(2), all[1].Validator)
}

func TestReplace(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Register(testID(1), 5000))
	require.NoError(t, s.Register(testID(2), 5000))

	entries := []Entry{
		{Validator: testID(3), Value: 8000},
		{Validator: testID(2), Value: 12000},
	}
	require.NoError(t, s.Replace(entries))

	all, err := s.All()
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Validator: testID(3), Value: 8000},
		{Validator: testID(2), Value: Max},
	}, all)

	_, ok, err := s.Get(testID(1))
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.Replace([]Entry{{Validator: testID(1)}, {Validator: testID(1)}})
	assert.Error(t, err)
}

func TestReplaceDuringUpdatesKeepsOrderConsistent(t *testing.T) {
	s, _ := newTestStore(t)

	ids := make([]message.Identity, 8)
	for i := range ids {
		ids[i] = testID(i + 1)
		require.NoError(t, s.Register(ids[i], 5000))
	}

	reversed := make([]Entry, len(ids))
	for i, id := range ids {
		reversed[len(ids)-1-i] = Entry{Validator: id, Value: 7000}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}

			mutations := make([]Mutation, len(ids))
			for i, id := range ids {
				mutations[i] = Mutation{Validator: id, Fn: func(c uint32) int64 { return int64(c) + 1 }}
			}
			_, err := s.UpdateMany(mutations)
			assert.NoError(t, err)
		}
	}()

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Replace(reversed))
	}
	close(done)
	wg.Wait()

	// Each unregister must remove exactly its own order entry
	for i, id := range ids {
		require.NoError(t, s.Unregister(id))

		n, err := s.Len()
		require.NoError(t, err)
		assert.Equal(t, len(ids)-1-i, n)
	}
}
