// Package selection maintains the trustworthy validator set and draws duty rosters
// biased toward it.
package selection

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/zeebo/blake3"

	"RelayVerify/internal/credibility"
	"RelayVerify/internal/message"
)

// ratioScale is the denominator of ratios and probabilities.
const ratioScale = 10000

// ErrNegativeCount is returned when a roster size is negative.
var ErrNegativeCount = errors.New("negative roster size")

// Config holds the selection parameters. Ratios and probabilities are in basis points.
type Config struct {
	MinSelectedThreshold uint32 // MinSelectedThreshold is the credibility floor of the trustworthy set
	MinTrustworthyRatio  uint32 // MinTrustworthyRatio is the lowest share of the roster drawn from the trustworthy set
	MaxTrustworthyRatio  uint32 // MaxTrustworthyRatio is the highest share of the roster drawn from the trustworthy set
	TrustworthyThreshold uint32 // TrustworthyThreshold is the lottery probability a trustworthy validator needs to be eligible
}

// DefaultConfig returns the default parameters.
func DefaultConfig() Config {
	return Config{
		MinSelectedThreshold: 6000,
		MinTrustworthyRatio:  3000,
		MaxTrustworthyRatio:  7000,
		TrustworthyThreshold: 0,
	}
}

// Validate checks the parameters are consistent.
func (c Config) Validate() error {
	if c.MinSelectedThreshold > credibility.Max {
		return fmt.Errorf("min selected threshold %d above %d", c.MinSelectedThreshold, credibility.Max)
	}

	if c.MaxTrustworthyRatio > ratioScale {
		return fmt.Errorf("max trustworthy ratio %d above %d", c.MaxTrustworthyRatio, ratioScale)
	}

	if c.MinTrustworthyRatio > c.MaxTrustworthyRatio {
		return fmt.Errorf("min trustworthy ratio %d above max %d", c.MinTrustworthyRatio, c.MaxTrustworthyRatio)
	}

	if c.TrustworthyThreshold > ratioScale {
		return fmt.Errorf("trustworthy threshold %d above %d", c.TrustworthyThreshold, ratioScale)
	}

	return nil
}

// Selection is a drawn roster.
type Selection struct {
	Trustworthy []message.Identity `json:"trustworthy"` // Trustworthy are weighted draws from the trustworthy set
	Random      []message.Identity `json:"random"`      // Random are uniform draws from the rest of the population
}

// Validators returns the whole roster, trustworthy draws first.
func (s Selection) Validators() []message.Identity {
	out := make([]message.Identity, 0, len(s.Trustworthy)+len(s.Random))
	out = append(out, s.Trustworthy...)

	return append(out, s.Random...)
}

// Selector tracks validators whose credibility is at or above the floor.
type Selector struct {
	cfg Config

	mu      sync.RWMutex
	members map[message.Identity]uint32 // members maps trustworthy identities to their last observed score
}

// New creates a selector with an empty trustworthy set.
func New(cfg Config) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid selection config:\n%w", err)
	}

	return &Selector{cfg: cfg, members: make(map[message.Identity]uint32)}, nil
}

// Observe re-evaluates membership of id for its new score.
func (s *Selector) Observe(id message.Identity, score uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if score >= s.cfg.MinSelectedThreshold {
		s.members[id] = score
		return
	}

	delete(s.members, id)
}

// Remove drops id from the trustworthy set.
func (s *Selector) Remove(id message.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.members, id)
}

// Rebuild recomputes the trustworthy set from entries.
func (s *Selector) Rebuild(entries []credibility.Entry) {
	members := make(map[message.Identity]uint32)

	for _, e := range entries {
		if e.Value >= s.cfg.MinSelectedThreshold {
			members[e.Validator] = e.Value
		}
	}

	s.mu.Lock()
	s.members = members
	s.mu.Unlock()
}

// IsTrustworthy reports whether id is in the trustworthy set.
func (s *Selector) IsTrustworthy(id message.Identity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.members[id]

	return ok
}

// Len returns the size of the trustworthy set.
func (s *Selector) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.members)
}

// Counts returns how many roster slots come from the trustworthy set and how
// many are drawn uniformly, for a roster of n out of population validators of
// which trustworthy are in the set and eligible can win the lottery.
func (s *Selector) Counts(population, trustworthy, eligible, n int) (fromTrustworthy, random int) {
	if n > population {
		n = population
	}

	if n <= 0 {
		return 0, 0
	}

	ratio := uint64(trustworthy) * ratioScale / uint64(population)
	ratio = clamp(ratio, uint64(s.cfg.MinTrustworthyRatio), uint64(s.cfg.MaxTrustworthyRatio))

	count := uint64(n) * ratio / ratioScale
	lower := (uint64(n)*uint64(s.cfg.MinTrustworthyRatio) + ratioScale - 1) / ratioScale
	upper := uint64(n) * uint64(s.cfg.MaxTrustworthyRatio) / ratioScale

	count = max(count, lower)
	count = min(count, upper, uint64(eligible))

	return int(count), n - int(count)
}

// Select draws a roster of n validators out of population.
// Trustworthy slots are a weighted draw without replacement among eligible
// trustworthy validators; the remaining slots are uniform over everyone not
// already drawn. The result is deterministic for a given seed and state.
func (s *Selector) Select(seed []byte, population []credibility.Entry, n int) (Selection, error) {
	if n < 0 {
		return Selection{}, ErrNegativeCount
	}

	population = distinct(population)
	eligible, trustworthy := s.eligible(population)

	credNum, randNum := s.Counts(len(population), trustworthy, len(eligible), n)

	picked := weightedDraw(seed, eligible, credNum)

	taken := make(map[message.Identity]struct{}, len(picked))
	for _, id := range picked {
		taken[id] = struct{}{}
	}

	rest := make([]message.Identity, 0, len(population))
	for _, e := range population {
		if _, ok := taken[e.Validator]; !ok {
			rest = append(rest, e.Validator)
		}
	}

	return Selection{Trustworthy: picked, Random: uniformDraw(seed, rest, randNum)}, nil
}

// eligible returns the trustworthy members of population that pass the lottery
// probability floor, and the number of trustworthy members.
func (s *Selector) eligible(population []credibility.Entry) ([]credibility.Entry, int) {
	s.mu.RLock()
	var pool []credibility.Entry
	for _, e := range population {
		if _, ok := s.members[e.Validator]; ok {
			pool = append(pool, e)
		}
	}
	s.mu.RUnlock()

	var sum uint64
	for _, e := range pool {
		sum += uint64(e.Value)
	}

	if sum == 0 {
		return nil, len(pool)
	}

	out := make([]credibility.Entry, 0, len(pool))
	for _, e := range pool {
		if e.Value == 0 {
			continue
		}

		if uint64(e.Value)*ratioScale/sum >= uint64(s.cfg.TrustworthyThreshold) {
			out = append(out, e)
		}
	}

	return out, len(pool)
}

// distinct drops repeated identities, keeping the first entry.
func distinct(entries []credibility.Entry) []credibility.Entry {
	seen := make(map[message.Identity]struct{}, len(entries))
	out := make([]credibility.Entry, 0, len(entries))

	for _, e := range entries {
		if _, ok := seen[e.Validator]; ok {
			continue
		}

		seen[e.Validator] = struct{}{}
		out = append(out, e)
	}

	return out
}

// keyed pairs an identity with its draw key.
type keyed struct {
	id  message.Identity
	key float64
}

// weightedDraw picks k entries without replacement with probability
// proportional to their score, using keys -ln(u)/score.
func weightedDraw(seed []byte, entries []credibility.Entry, k int) []message.Identity {
	if k <= 0 {
		return []message.Identity{}
	}

	keys := make([]keyed, len(entries))
	for i, e := range entries {
		u := unitFloat(drawHash(weightedTag, seed, e.Validator))
		keys[i] = keyed{id: e.Validator, key: -math.Log(u) / float64(e.Value)}
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].key != keys[j].key {
			return keys[i].key < keys[j].key
		}

		return keys[i].id.Compare(keys[j].id) < 0
	})

	out := make([]message.Identity, k)
	for i := range out {
		out[i] = keys[i].id
	}

	return out
}

// Draw tags separate weighted and uniform draws for the same seed.
const (
	weightedTag byte = 'w'
	uniformTag  byte = 'u'
)

// uniformDraw picks the k identities with the lowest uniform draw hash.
func uniformDraw(seed []byte, ids []message.Identity, k int) []message.Identity {
	if k <= 0 {
		return []message.Identity{}
	}

	type scored struct {
		id    message.Identity
		score [32]byte
	}

	all := make([]scored, len(ids))
	for i, id := range ids {
		all[i] = scored{id: id, score: drawHash(uniformTag, seed, id)}
	}

	sort.Slice(all, func(i, j int) bool {
		return bytes.Compare(all[i].score[:], all[j].score[:]) < 0
	})

	out := make([]message.Identity, k)
	for i := range out {
		out[i] = all[i].id
	}

	return out
}

// drawHash computes blake3(tag || len(seed) || seed || id), with the seed
// length as a big-endian u64.
func drawHash(tag byte, seed []byte, id message.Identity) [32]byte {
	h := blake3.New()
	h.Write([]byte{tag})
	h.Write(binary.BigEndian.AppendUint64(nil, uint64(len(seed))))
	h.Write(seed)
	h.Write(id[:])

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// unitFloat maps a digest to a float in the open interval (0, 1).
func unitFloat(digest [32]byte) float64 {
	x := binary.BigEndian.Uint64(digest[:8]) >> 11

	return (float64(x) + 0.5) / (1 << 53)
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi uint64) uint64 {
	return min(max(v, lo), hi)
}
