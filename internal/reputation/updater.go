// Package reputation adjusts validator credibility after a round.
package reputation

import (
	"context"
	"fmt"

	"RelayVerify/internal/aggregation"
	"RelayVerify/internal/credibility"
	"RelayVerify/internal/logger"
	"RelayVerify/internal/message"
)

// Verdict is the classification of a validator in a round.
type Verdict uint8

const (
	VerdictTrusted Verdict = iota + 1
	VerdictUntrusted
	VerdictException
)

// String returns the verdict name used in logs and metrics.
func (v Verdict) String() string {
	switch v {
	case VerdictTrusted:
		return "trusted"
	case VerdictUntrusted:
		return "untrusted"
	case VerdictException:
		return "exception"
	default:
		return "unknown"
	}
}

// Change records the credibility move of one validator.
type Change struct {
	Validator message.Identity `json:"validator"`
	Verdict   Verdict          `json:"-"`
	Old       uint32           `json:"old"`
	New       uint32           `json:"new"`
}

// Store is the credibility source mutated by the updater.
// UpdateMany must clamp every result and commit all of them or none.
type Store interface {
	UpdateMany(mutations []credibility.Mutation) ([]credibility.Result, error)
}

// Membership tracks which validators are trustworthy.
type Membership interface {
	Observe(id message.Identity, score uint32)
}

// Updater applies the step rules to the store.
type Updater struct {
	store      Store      // store holds the scores
	membership Membership // membership is re-evaluated for each touched identity, may be nil
}

// NewUpdater creates an updater. membership may be nil.
func NewUpdater(store Store, membership Membership) *Updater {
	return &Updater{store: store, membership: membership}
}

// step is a pending mutation.
type step struct {
	id      message.Identity
	verdict Verdict
	fn      func(uint32) int64
}

// Apply moves every listed validator once. An identity listed twice keeps its
// first classification. Unregistered identities are skipped. On error no
// credibility has changed.
func (u *Updater) Apply(ctx context.Context, trusted, untrusted []message.Identity, exception []aggregation.ExceptionGroup) ([]Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	steps := plan(trusted, untrusted, exception)
	if len(steps) == 0 {
		return []Change{}, nil
	}

	mutations := make([]credibility.Mutation, len(steps))
	for i, st := range steps {
		mutations[i] = credibility.Mutation{Validator: st.id, Fn: st.fn}
	}

	results, err := u.store.UpdateMany(mutations)
	if err != nil {
		return nil, fmt.Errorf("update %d validators:\n%w", len(steps), err)
	}

	changes := make([]Change, 0, len(steps))

	for i, res := range results {
		if !res.OK {
			logger.Debug("skip unregistered validator", "validator", res.Validator.Short())
			continue
		}

		if u.membership != nil {
			u.membership.Observe(res.Validator, res.New)
		}

		changes = append(changes, Change{Validator: res.Validator, Verdict: steps[i].verdict, Old: res.Old, New: res.New})
	}

	return changes, nil
}

// ApplyOutcome applies the classification of a resolved round.
func (u *Updater) ApplyOutcome(ctx context.Context, o *aggregation.Outcome) ([]Change, error) {
	return u.Apply(ctx, o.Trusted, o.Untrusted, o.Exception)
}

// plan lists the mutations in classification order, one per identity.
func plan(trusted, untrusted []message.Identity, exception []aggregation.ExceptionGroup) []step {
	seen := make(map[message.Identity]struct{})
	var steps []step

	add := func(id message.Identity, v Verdict, fn func(uint32) int64) {
		if _, ok := seen[id]; ok {
			return
		}

		seen[id] = struct{}{}
		steps = append(steps, step{id: id, verdict: v, fn: fn})
	}

	for _, id := range trusted {
		add(id, VerdictTrusted, Trusted)
	}

	for _, id := range untrusted {
		add(id, VerdictUntrusted, Untrusted)
	}

	for _, g := range exception {
		w := g.Weight
		for _, id := range g.Validators {
			add(id, VerdictException, func(s uint32) int64 { return Exception(s, w) })
		}
	}

	return steps
}
