// Package aggregation resolves the copies submitted in one round into a canonical
// message or a rejection, weighting each copy by its validator's credibility.
package aggregation

import (
	"errors"
	"sort"

	"RelayVerify/internal/message"
)

// WeightScale is the denominator of weight fractions and thresholds.
const WeightScale = 10000

var (
	// ErrNoCopies is returned when a round has nothing to resolve.
	ErrNoCopies = errors.New("no copies submitted")

	// ErrInvalidThreshold is returned when the threshold exceeds WeightScale.
	ErrInvalidThreshold = errors.New("threshold above 10000")
)

// Group is the set of copies sharing one fingerprint.
type Group struct {
	Fingerprint    message.Fingerprint `json:"fingerprint"`     // Fingerprint identifies the content
	Message        message.Message     `json:"message"`         // Message is the shared content
	Validators     []message.Identity  `json:"validators"`      // Validators are the distinct members, in submission order
	RawCredibility uint64              `json:"raw_credibility"` // RawCredibility is the sum of member credibility
	WeightFraction uint32              `json:"weight_fraction"` // WeightFraction is the share of total credibility out of 10000

	seen int // seen is the submission index of the group's first copy
}

// ExceptionGroup is a group of a rejected round with its own weight.
type ExceptionGroup struct {
	Validators []message.Identity `json:"validators"`
	Weight     uint32             `json:"weight"`
}

// Outcome is the classification produced by a round.
type Outcome struct {
	Accepted  *message.Message   `json:"accepted,omitempty"` // Accepted is nil when the round is rejected
	Trusted   []message.Identity `json:"trusted"`
	Untrusted []message.Identity `json:"untrusted"`
	Exception []ExceptionGroup   `json:"exception"`
	Groups    []Group            `json:"groups"` // Groups are ordered by weight, leader first
}

// Messages returns the accepted message as a one-element list, or an empty list.
func (o *Outcome) Messages() []message.Message {
	if o == nil || o.Accepted == nil {
		return []message.Message{}
	}

	return []message.Message{*o.Accepted}
}

// Rejected reports whether no group reached the threshold.
func (o *Outcome) Rejected() bool {
	return o.Accepted == nil
}

// Dedup keeps the first copy submitted by each validator, preserving submission order.
func Dedup(copies []message.MessageVerify) []message.MessageVerify {
	seen := make(map[message.Identity]struct{}, len(copies))
	out := make([]message.MessageVerify, 0, len(copies))

	for _, c := range copies {
		if _, ok := seen[c.Validator]; ok {
			continue
		}

		seen[c.Validator] = struct{}{}
		out = append(out, c)
	}

	return out
}

// Validators returns the distinct validators of copies in submission order.
func Validators(copies []message.MessageVerify) []message.Identity {
	deduped := Dedup(copies)
	ids := make([]message.Identity, len(deduped))

	for i, c := range deduped {
		ids[i] = c.Validator
	}

	return ids
}

// Resolve groups copies by fingerprint, weights each group by the credibility of
// its members and classifies every validator. Missing credibility counts as 0.
func Resolve(copies []message.MessageVerify, credibility map[message.Identity]uint32, threshold uint32, tb TieBreak) (*Outcome, error) {
	if len(copies) == 0 {
		return nil, ErrNoCopies
	}

	if threshold > WeightScale {
		return nil, ErrInvalidThreshold
	}

	groups := buildGroups(Dedup(copies), credibility)
	weigh(groups)
	rank(groups, tb)

	return classify(groups, threshold, tb), nil
}

// buildGroups groups copies by fingerprint in first-seen order.
func buildGroups(copies []message.MessageVerify, credibility map[message.Identity]uint32) []Group {
	index := make(map[message.Fingerprint]int)
	var groups []Group

	for i, c := range copies {
		fp := c.Message.Fingerprint()

		gi, ok := index[fp]
		if !ok {
			gi = len(groups)
			index[fp] = gi
			groups = append(groups, Group{Fingerprint: fp, Message: c.Message, seen: i})
		}

		g := &groups[gi]
		g.Validators = append(g.Validators, c.Validator)
		g.RawCredibility += uint64(credibility[c.Validator])
	}

	return groups
}

// weigh computes the floor share of each group out of WeightScale.
func weigh(groups []Group) {
	var total uint64
	for _, g := range groups {
		total += g.RawCredibility
	}

	if total == 0 {
		return
	}

	for i := range groups {
		groups[i].WeightFraction = uint32(WeightScale * groups[i].RawCredibility / total)
	}
}

// rank orders groups by weight descending. Equal weights follow the tie break rule.
func rank(groups []Group, tb TieBreak) {
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.WeightFraction != b.WeightFraction {
			return a.WeightFraction > b.WeightFraction
		}

		if tb == TieBreakFingerprint {
			return a.Fingerprint.Compare(b.Fingerprint) < 0
		}

		return a.seen < b.seen
	})
}

// classify builds the outcome from ranked groups.
func classify(groups []Group, threshold uint32, tb TieBreak) *Outcome {
	o := &Outcome{
		Trusted:   []message.Identity{},
		Untrusted: []message.Identity{},
		Exception: []ExceptionGroup{},
		Groups:    groups,
	}

	top := groups[0]
	tied := len(groups) > 1 && groups[1].WeightFraction == top.WeightFraction

	if top.WeightFraction >= threshold && !(tied && tb == TieBreakReject) {
		accepted := top.Message
		o.Accepted = &accepted
		o.Trusted = append(o.Trusted, top.Validators...)

		for _, g := range groups[1:] {
			o.Untrusted = append(o.Untrusted, g.Validators...)
		}

		return o
	}

	for _, g := range groups {
		o.Exception = append(o.Exception, ExceptionGroup{Validators: g.Validators, Weight: g.WeightFraction})
	}

	return o
}
