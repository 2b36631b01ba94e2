// Package evaluation owns validator credibility: registration, queries,
// reputation updates from the aggregation authority and roster selection.
// It is served to remote verifiers over QUIC.
package evaluation

import (
	"context"
	"errors"
	"fmt"

	"RelayVerify/internal/aggregation"
	"RelayVerify/internal/credibility"
	"RelayVerify/internal/logger"
	"RelayVerify/internal/message"
	"RelayVerify/internal/metrics"
	"RelayVerify/internal/reputation"
	"RelayVerify/internal/selection"
	"RelayVerify/internal/snapshot"
)

// MaxPageSize bounds the page returned by GetValidators.
const MaxPageSize = 1000

var (
	// ErrUnauthorized is returned when a caller other than the authority updates reputation.
	ErrUnauthorized = errors.New("caller is not the aggregation authority")

	// ErrMalformedResponse is returned when an evaluator response cannot be decoded.
	ErrMalformedResponse = errors.New("malformed evaluator response")

	// ErrInvalidRequest is returned for requests with invalid arguments.
	ErrInvalidRequest = errors.New("invalid evaluator request")

	// ErrRemote is returned when the evaluator failed internally.
	ErrRemote = errors.New("evaluator internal error")
)

// Config holds the evaluator parameters.
type Config struct {
	Authority          message.Identity // Authority is the only caller allowed to update reputation
	InitialCredibility uint32           // InitialCredibility seeds newly registered validators
}

// Service is the credibility owner.
type Service struct {
	cfg      Config
	store    *credibility.Store
	selector *selection.Selector
	updater  *reputation.Updater
	metrics  *metrics.Metrics
}

// NewService creates the service and rebuilds the trustworthy set from the store.
// m may be nil.
func NewService(cfg Config, store *credibility.Store, selector *selection.Selector, m *metrics.Metrics) (*Service, error) {
	if cfg.InitialCredibility > credibility.Max {
		return nil, fmt.Errorf("initial credibility %d above %d", cfg.InitialCredibility, credibility.Max)
	}

	s := &Service{
		cfg:      cfg,
		store:    store,
		selector: selector,
		updater:  reputation.NewUpdater(store, selector),
		metrics:  m,
	}

	if err := s.Rebuild(); err != nil {
		return nil, err
	}

	return s, nil
}

// GetCredibility returns the credibility of each identity in request order.
// Unregistered identities report 0.
func (s *Service) GetCredibility(ids []message.Identity) ([]credibility.Entry, error) {
	entries, err := s.store.Values(ids)
	if err != nil {
		return nil, fmt.Errorf("get credibility:\n%w", err)
	}

	return entries, nil
}

// UpdateReputation applies a round classification on behalf of caller.
func (s *Service) UpdateReputation(ctx context.Context, caller message.Identity, trusted, untrusted []message.Identity, exception []aggregation.ExceptionGroup) ([]reputation.Change, error) {
	if caller != s.cfg.Authority {
		logger.Warn("reject reputation update", "caller", caller.Short())
		return nil, ErrUnauthorized
	}

	for _, g := range exception {
		if g.Weight > aggregation.WeightScale {
			return nil, fmt.Errorf("%w: exception weight %d", ErrInvalidRequest, g.Weight)
		}
	}

	changes, err := s.updater.Apply(ctx, trusted, untrusted, exception)
	if err != nil {
		return nil, fmt.Errorf("update reputation:\n%w", err)
	}

	s.recordChanges(changes)

	logger.Debug("reputation updated",
		"trusted", len(trusted),
		"untrusted", len(untrusted),
		"exception_groups", len(exception),
		"changed", len(changes),
	)

	return changes, nil
}

// Register adds caller with the initial credibility.
func (s *Service) Register(caller message.Identity) error {
	if err := s.store.Register(caller, s.cfg.InitialCredibility); err != nil {
		return err
	}

	s.selector.Observe(caller, s.cfg.InitialCredibility)
	s.refreshGauges()

	logger.Info("validator registered", "validator", caller.String(), "credibility", s.cfg.InitialCredibility)

	return nil
}

// Unregister removes caller and its credibility.
func (s *Service) Unregister(caller message.Identity) error {
	if err := s.store.Unregister(caller); err != nil {
		return err
	}

	s.selector.Remove(caller)
	s.refreshGauges()

	logger.Info("validator unregistered", "validator", caller.String())

	return nil
}

// GetValidators returns up to limit validators from index from, in registration order.
func (s *Service) GetValidators(from, limit uint64) ([]credibility.Entry, error) {
	entries, err := s.store.Page(from, min(limit, MaxPageSize))
	if err != nil {
		return nil, fmt.Errorf("get validators:\n%w", err)
	}

	return entries, nil
}

// SelectValidators draws a roster of n validators for seed.
func (s *Service) SelectValidators(seed []byte, n int) (selection.Selection, error) {
	population, err := s.store.All()
	if err != nil {
		return selection.Selection{}, fmt.Errorf("load population:\n%w", err)
	}

	sel, err := s.selector.Select(seed, population, n)
	if err != nil {
		return selection.Selection{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	return sel, nil
}

// IsTrustworthy reports whether id is in the trustworthy set.
func (s *Service) IsTrustworthy(id message.Identity) bool {
	return s.selector.IsTrustworthy(id)
}

// Rebuild recomputes the trustworthy set from the store.
func (s *Service) Rebuild() error {
	entries, err := s.store.All()
	if err != nil {
		return fmt.Errorf("rebuild trustworthy set:\n%w", err)
	}

	s.selector.Rebuild(entries)
	s.metrics.SetRegistered(len(entries))
	s.metrics.SetTrustworthy(s.selector.Len())

	return nil
}

// Snapshot exports the credibility table.
func (s *Service) Snapshot() ([]byte, error) {
	data, err := snapshot.Create(s.store)
	if err != nil {
		return nil, fmt.Errorf("create snapshot:\n%w", err)
	}

	return data, nil
}

// Restore replaces the credibility table with a snapshot and rebuilds the
// trustworthy set.
func (s *Service) Restore(data []byte) (int, error) {
	snap, err := snapshot.Restore(s.store, data)
	if err != nil {
		return 0, fmt.Errorf("restore snapshot:\n%w", err)
	}

	if err := s.Rebuild(); err != nil {
		return 0, err
	}

	logger.Info("snapshot restored", "validators", len(snap.Entries))

	return len(snap.Entries), nil
}

// recordChanges counts applied changes per verdict.
func (s *Service) recordChanges(changes []reputation.Change) {
	counts := make(map[reputation.Verdict]int)
	for _, c := range changes {
		counts[c.Verdict]++
	}

	for v, n := range counts {
		s.metrics.AddMoves(v.String(), n)
	}

	s.metrics.SetTrustworthy(s.selector.Len())
}

// refreshGauges updates the membership gauges.
func (s *Service) refreshGauges() {
	if n, err := s.store.Len(); err == nil {
		s.metrics.SetRegistered(n)
	}

	s.metrics.SetTrustworthy(s.selector.Len())
}
