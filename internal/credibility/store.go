package credibility

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"RelayVerify/internal/message"
	"RelayVerify/internal/storage"
)

const (
	// Min is the lowest credibility a validator can hold.
	Min uint32 = 0

	// Max is the highest credibility a validator can hold.
	Max uint32 = 10000

	// Mid splits the trusted step rule into its two regimes.
	Mid = (Min + Max) / 2

	// Range is the width of the credibility interval.
	Range = Max - Min

	// lockStripes is the number of mutexes serializing per-identity updates.
	lockStripes = 64

	// recordSize is the size of a score record: u32 score + u64 registration sequence.
	recordSize = 12
)

// Storage key prefixes.
var (
	prefixScore = []byte("c:") // prefixScore maps identity -> record
	prefixOrder = []byte("o:") // prefixOrder maps registration sequence -> identity
	keyNextSeq  = []byte("m:seq")
)

var (
	// ErrAlreadyRegistered is returned when registering a known identity.
	ErrAlreadyRegistered = errors.New("validator already registered")

	// ErrNotRegistered is returned when unregistering an unknown identity.
	ErrNotRegistered = errors.New("validator not registered")
)

// Entry is a validator with its current credibility.
type Entry struct {
	Validator message.Identity `json:"validator"`
	Value     uint32           `json:"credibility_value"`
}

// Clamp bounds v to [Min, Max].
func Clamp(v int64) uint32 {
	if v < int64(Min) {
		return Min
	}

	if v > int64(Max) {
		return Max
	}

	return uint32(v)
}

// Store holds validator credibility in Pebble.
// Iteration follows registration order. Updates to one identity are serialized.
// Stripe locks are always taken in ascending stripe order.
type Store struct {
	db *storage.Storage

	regMu   sync.Mutex // regMu serializes register/unregister and guards nextSeq
	nextSeq uint64     // nextSeq is the sequence assigned to the next registration

	locks [lockStripes]sync.Mutex // locks serialize read-modify-write per identity
}

// NewStore opens a credibility store on top of db.
func NewStore(db *storage.Storage) (*Store, error) {
	s := &Store{db: db}

	raw, err := db.Get(keyNextSeq)
	if err != nil {
		return nil, fmt.Errorf("load sequence:\n%w", err)
	}

	if len(raw) == 8 {
		s.nextSeq = binary.LittleEndian.Uint64(raw)
	}

	return s, nil
}

// Register adds id with the given initial credibility.
func (s *Store) Register(id message.Identity, initial uint32) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	exists, err := s.db.Has(scoreKey(id))
	if err != nil {
		return fmt.Errorf("check %s:\n%w", id, err)
	}

	if exists {
		return ErrAlreadyRegistered
	}

	seq := s.nextSeq

	err = s.db.Write(
		storage.Put(scoreKey(id), encodeRecord(Clamp(int64(initial)), seq)),
		storage.Put(orderKey(seq), id[:]),
		storage.Put(keyNextSeq, binary.LittleEndian.AppendUint64(nil, seq+1)),
	)
	if err != nil {
		return fmt.Errorf("register %s:\n%w", id, err)
	}

	s.nextSeq = seq + 1

	return nil
}

// Unregister removes id and its credibility.
func (s *Store) Unregister(id message.Identity) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	_, seq, ok, err := s.load(id)
	if err != nil {
		return err
	}

	if !ok {
		return ErrNotRegistered
	}

	if err := s.db.Write(storage.Del(scoreKey(id)), storage.Del(orderKey(seq))); err != nil {
		return fmt.Errorf("unregister %s:\n%w", id, err)
	}

	return nil
}

// Get returns the credibility of id and whether it is registered.
func (s *Store) Get(id message.Identity) (uint32, bool, error) {
	value, _, ok, err := s.load(id)
	return value, ok, err
}

// Values returns one entry per requested identity, in request order.
// Unregistered identities report 0.
func (s *Store) Values(ids []message.Identity) ([]Entry, error) {
	entries := make([]Entry, len(ids))

	for i, id := range ids {
		value, _, _, err := s.load(id)
		if err != nil {
			return nil, err
		}

		entries[i] = Entry{Validator: id, Value: value}
	}

	return entries, nil
}

// Mutation is a pending change to the credibility of one validator.
type Mutation struct {
	Validator message.Identity
	Fn        func(current uint32) int64
}

// Result is the effect of a mutation. OK is false when the validator is not
// registered, in which case nothing was written for it.
type Result struct {
	Validator message.Identity
	Old       uint32
	New       uint32
	OK        bool
}

// UpdateMany applies every mutation and stores the clamped results in a single
// batch. Either all writes land or none do. A validator listed twice sees the
// result of its previous mutation.
func (s *Store) UpdateMany(mutations []Mutation) ([]Result, error) {
	unlock := s.lockMany(mutations)
	defer unlock()

	results := make([]Result, len(mutations))
	pending := make(map[message.Identity]Result, len(mutations))
	seqs := make(map[message.Identity]uint64, len(mutations))
	var ops []storage.Op

	for i, m := range mutations {
		current, seen := pending[m.Validator]
		if !seen {
			value, seq, ok, err := s.load(m.Validator)
			if err != nil {
				return nil, err
			}

			current = Result{Validator: m.Validator, New: value, OK: ok}
			seqs[m.Validator] = seq
		}

		res := Result{Validator: m.Validator, Old: current.New, New: current.New, OK: current.OK}
		if res.OK {
			res.New = Clamp(m.Fn(res.Old))
			ops = append(ops, storage.Put(scoreKey(m.Validator), encodeRecord(res.New, seqs[m.Validator])))
		}

		pending[m.Validator] = res
		results[i] = res
	}

	if len(ops) == 0 {
		return results, nil
	}

	if err := s.db.Write(ops...); err != nil {
		return nil, fmt.Errorf("store %d records:\n%w", len(ops), err)
	}

	return results, nil
}

// Page returns up to limit entries starting at index from, in registration order.
func (s *Store) Page(from, limit uint64) ([]Entry, error) {
	entries := make([]Entry, 0)
	if limit == 0 {
		return entries, nil
	}

	var index uint64

	err := s.iterate(func(e Entry) error {
		if index >= from {
			entries = append(entries, e)
		}
		index++

		if uint64(len(entries)) >= limit {
			return errStopIteration
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// All returns every entry in registration order.
func (s *Store) All() ([]Entry, error) {
	var entries []Entry

	err := s.iterate(func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Len returns the number of registered validators.
func (s *Store) Len() (int, error) {
	n := 0

	err := s.db.IteratePrefix(prefixOrder, func(_, _ []byte) error {
		n++
		return nil
	})

	return n, err
}

// Replace atomically swaps the whole content of the store for entries.
// Registration order becomes the order of entries.
func (s *Store) Replace(entries []Entry) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	for i := range s.locks {
		s.locks[i].Lock()
		defer s.locks[i].Unlock()
	}

	var ops []storage.Op

	collect := func(key, _ []byte) error {
		k := make([]byte, len(key))
		copy(k, key)
		ops = append(ops, storage.Del(k))
		return nil
	}

	if err := s.db.IteratePrefix(prefixScore, collect); err != nil {
		return fmt.Errorf("scan scores:\n%w", err)
	}

	if err := s.db.IteratePrefix(prefixOrder, collect); err != nil {
		return fmt.Errorf("scan order:\n%w", err)
	}

	seen := make(map[message.Identity]bool, len(entries))
	seq := uint64(0)

	for _, e := range entries {
		if seen[e.Validator] {
			return fmt.Errorf("duplicate validator %s", e.Validator)
		}
		seen[e.Validator] = true

		ops = append(ops,
			storage.Put(scoreKey(e.Validator), encodeRecord(Clamp(int64(e.Value)), seq)),
			storage.Put(orderKey(seq), append([]byte(nil), e.Validator[:]...)),
		)
		seq++
	}

	ops = append(ops, storage.Put(keyNextSeq, binary.LittleEndian.AppendUint64(nil, seq)))

	if err := s.db.Write(ops...); err != nil {
		return fmt.Errorf("replace store:\n%w", err)
	}

	s.nextSeq = seq

	return nil
}

// errStopIteration ends an iteration early without reporting an error.
var errStopIteration = errors.New("stop iteration")

// iterate walks validators in registration order.
func (s *Store) iterate(fn func(Entry) error) error {
	err := s.db.IteratePrefix(prefixOrder, func(_, value []byte) error {
		if len(value) != message.IdentitySize {
			return fmt.Errorf("corrupt order entry: %d bytes", len(value))
		}

		var id message.Identity
		copy(id[:], value)

		score, _, ok, err := s.load(id)
		if err != nil {
			return err
		}

		// Skip order entries racing with an unregister
		if !ok {
			return nil
		}

		return fn(Entry{Validator: id, Value: score})
	})

	if errors.Is(err, errStopIteration) {
		return nil
	}

	return err
}

// load reads the record for id.
func (s *Store) load(id message.Identity) (score uint32, seq uint64, ok bool, err error) {
	raw, err := s.db.Get(scoreKey(id))
	if err != nil {
		return 0, 0, false, fmt.Errorf("load %s:\n%w", id, err)
	}

	if raw == nil {
		return 0, 0, false, nil
	}

	if len(raw) != recordSize {
		return 0, 0, false, fmt.Errorf("corrupt record for %s: %d bytes", id, len(raw))
	}

	return binary.LittleEndian.Uint32(raw[:4]), binary.LittleEndian.Uint64(raw[4:]), true, nil
}

// lockFor returns the stripe mutex guarding id.
func (s *Store) lockFor(id message.Identity) *sync.Mutex {
	return &s.locks[stripe(id)]
}

// stripe returns the lock stripe index of id.
func stripe(id message.Identity) int {
	return int(binary.LittleEndian.Uint16(id[:2]) % lockStripes)
}

// lockMany locks the stripes of every validator in mutations, in stripe
// order, and returns the matching unlock.
func (s *Store) lockMany(mutations []Mutation) func() {
	var held [lockStripes]bool
	for _, m := range mutations {
		held[stripe(m.Validator)] = true
	}

	for i := range held {
		if held[i] {
			s.locks[i].Lock()
		}
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			if held[i] {
				s.locks[i].Unlock()
			}
		}
	}
}

// scoreKey builds the "c:" key for an identity.
func scoreKey(id message.Identity) []byte {
	return append(append([]byte(nil), prefixScore...), id[:]...)
}

// orderKey builds the "o:" key for a registration sequence.
// Big-endian so that key order matches registration order.
func orderKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), prefixOrder...), seq)
}

// encodeRecord encodes a score record: [4B score LE] [8B seq LE].
func encodeRecord(score uint32, seq uint64) []byte {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(buf[:4], score)
	binary.LittleEndian.PutUint64(buf[4:], seq)

	return buf
}
