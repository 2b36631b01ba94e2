// Package verify runs verification rounds: it fetches the credibility of the
// submitting validators, resolves the copies and applies the reputation
// changes through an evaluator.
package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"RelayVerify/internal/aggregation"
	"RelayVerify/internal/credibility"
	"RelayVerify/internal/evaluation"
	"RelayVerify/internal/logger"
	"RelayVerify/internal/message"
	"RelayVerify/internal/metrics"
	"RelayVerify/internal/publish"
	"RelayVerify/internal/reputation"
)

const (
	// fetchTimeout bounds the credibility fetch of a round.
	fetchTimeout = 30 * time.Second

	// updateTimeout bounds the reputation update once credibility has been fetched.
	updateTimeout = 30 * time.Second

	// publishTimeout bounds the forwarding of an accepted message.
	publishTimeout = 2 * time.Second
)

var (
	// ErrCredibilityFetch is returned when the credibility of a round could not be fetched.
	ErrCredibilityFetch = errors.New("credibility fetch failed")

	// ErrReputationUpdate is returned when the evaluator did not apply a round.
	ErrReputationUpdate = errors.New("reputation update failed")
)

// Evaluator owns credibility. The verifier calls it as the aggregation authority.
type Evaluator interface {
	GetCredibility(ctx context.Context, ids []message.Identity) ([]credibility.Entry, error)
	UpdateReputation(ctx context.Context, trusted, untrusted []message.Identity, exception []aggregation.ExceptionGroup) ([]reputation.Change, error)
}

// Publisher receives accepted messages.
type Publisher interface {
	Publish(ctx context.Context, a publish.Accepted) error
}

// Config holds the verifier parameters.
type Config struct {
	Threshold uint32               // Threshold is used by VerifyDefault
	TieBreak  aggregation.TieBreak // TieBreak orders groups of equal weight
	ReplayTTL time.Duration        // ReplayTTL keeps finished rounds for replays, 0 disables
}

// Round is a finished verification round.
type Round struct {
	ID        uuid.UUID            `json:"id"`
	Token     Token                `json:"token"`
	Threshold uint32               `json:"threshold"`
	Outcome   *aggregation.Outcome `json:"outcome"`
	Changes   []reputation.Change  `json:"changes"`
	Finished  time.Time            `json:"finished"`
	Elapsed   time.Duration        `json:"elapsed"`
}

// Verifier runs rounds. At most one round per token is in flight; concurrent
// submissions of the same batch share its result.
type Verifier struct {
	cfg       Config
	evaluator Evaluator
	publisher Publisher // publisher may be nil
	metrics   *metrics.Metrics

	flight singleflight.Group
	replay *ttlcache.Cache[Token, *Round] // replay is nil when disabled

	lastMu sync.RWMutex
	last   *Round // last is the most recent finished round
}

// New creates a verifier. publisher and m may be nil.
func New(cfg Config, evaluator Evaluator, publisher Publisher, m *metrics.Metrics) (*Verifier, error) {
	if cfg.Threshold > aggregation.WeightScale {
		return nil, fmt.Errorf("threshold %d:\n%w", cfg.Threshold, aggregation.ErrInvalidThreshold)
	}

	if evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}

	v := &Verifier{
		cfg:       cfg,
		evaluator: evaluator,
		publisher: publisher,
		metrics:   m,
	}

	if cfg.ReplayTTL > 0 {
		v.replay = ttlcache.New[Token, *Round](
			ttlcache.WithTTL[Token, *Round](cfg.ReplayTTL),
			ttlcache.WithDisableTouchOnHit[Token, *Round](),
		)
	}

	return v, nil
}

// Run evicts expired replay entries until ctx is done.
func (v *Verifier) Run(ctx context.Context) error {
	if v.replay == nil {
		<-ctx.Done()
		return nil
	}

	go v.replay.Start()
	<-ctx.Done()
	v.replay.Stop()

	return nil
}

// Threshold returns the default threshold.
func (v *Verifier) Threshold() uint32 {
	return v.cfg.Threshold
}

// Last returns the most recent finished round, or nil.
func (v *Verifier) Last() *Round {
	v.lastMu.RLock()
	defer v.lastMu.RUnlock()

	return v.last
}

// Verify resolves copies and returns the accepted message as a one-element
// list, or an empty list when the round is rejected.
func (v *Verifier) Verify(ctx context.Context, copies []message.MessageVerify, threshold uint32) ([]message.Message, error) {
	round, err := v.Resolve(ctx, copies, threshold)
	if err != nil {
		return nil, err
	}

	return round.Outcome.Messages(), nil
}

// VerifyDefault is Verify with the configured threshold.
func (v *Verifier) VerifyDefault(ctx context.Context, copies []message.MessageVerify) ([]message.Message, error) {
	return v.Verify(ctx, copies, v.cfg.Threshold)
}

// Resolve runs a round and returns its full record. A replayed batch returns
// the recorded round without touching credibility again.
// The round runs detached from ctx so that callers sharing it are not failed by
// another caller going away; ctx only bounds how long this caller waits.
func (v *Verifier) Resolve(ctx context.Context, copies []message.MessageVerify, threshold uint32) (*Round, error) {
	if len(copies) == 0 {
		return nil, aggregation.ErrNoCopies
	}

	if threshold > aggregation.WeightScale {
		return nil, aggregation.ErrInvalidThreshold
	}

	deduped := aggregation.Dedup(copies)
	token := RoundToken(deduped, threshold)

	if round := v.replayed(token); round != nil {
		return round, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := v.flight.DoChan(token.String(), func() (any, error) {
		if round := v.replayed(token); round != nil {
			return round, nil
		}

		return v.run(context.WithoutCancel(ctx), token, deduped, threshold)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		if res.Shared {
			logger.Debug("round shared", "token", token.Short())
		}

		return res.Val.(*Round), nil
	}
}

// replayed returns a recorded round for token, if any.
func (v *Verifier) replayed(token Token) *Round {
	if v.replay == nil {
		return nil
	}

	item := v.replay.Get(token)
	if item == nil {
		return nil
	}

	v.metrics.IncRound(metrics.ResultReplayed)
	logger.Debug("round replayed", "token", token.Short())

	return item.Value()
}

// run executes one round.
func (v *Verifier) run(ctx context.Context, token Token, copies []message.MessageVerify, threshold uint32) (*Round, error) {
	start := time.Now()
	round := &Round{ID: uuid.New(), Token: token, Threshold: threshold}
	log := logger.With("round", round.ID, "token", token.Short())

	fetchCtx, cancelFetch := context.WithTimeout(ctx, fetchTimeout)
	creds, err := v.fetch(fetchCtx, aggregation.Validators(copies))
	cancelFetch()
	if err != nil {
		v.metrics.IncFetchFailure()
		v.metrics.ObserveRound(metrics.ResultFailed, len(copies), 0, time.Since(start))
		log.Warn("round aborted", "error", err)

		return nil, err
	}

	outcome, err := aggregation.Resolve(copies, creds, threshold, v.cfg.TieBreak)
	if err != nil {
		return nil, err
	}
	round.Outcome = outcome

	updateCtx, cancelUpdate := context.WithTimeout(ctx, updateTimeout)
	changes, err := v.evaluator.UpdateReputation(updateCtx, outcome.Trusted, outcome.Untrusted, outcome.Exception)
	cancelUpdate()
	if err != nil {
		v.metrics.ObserveRound(metrics.ResultFailed, len(copies), len(outcome.Groups), time.Since(start))
		log.Error("reputation update failed", "error", err)

		return nil, fmt.Errorf("%w:\n%w", ErrReputationUpdate, err)
	}
	round.Changes = changes

	round.Finished = time.Now()
	round.Elapsed = round.Finished.Sub(start)

	result := metrics.ResultAccepted
	if outcome.Rejected() {
		result = metrics.ResultRejected
	}

	v.metrics.ObserveRound(result, len(copies), len(outcome.Groups), round.Elapsed)
	log.Info("round resolved",
		"result", result,
		"copies", len(copies),
		"groups", len(outcome.Groups),
		"changes", len(changes),
		logger.Timed(start),
	)

	v.publishAccepted(ctx, round)
	v.record(round)

	return round, nil
}

// fetch returns the credibility of ids. Any failure aborts the round.
func (v *Verifier) fetch(ctx context.Context, ids []message.Identity) (map[message.Identity]uint32, error) {
	entries, err := v.evaluator.GetCredibility(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrCredibilityFetch, err)
	}

	if len(entries) != len(ids) {
		return nil, fmt.Errorf("%w:\n%w: %d entries for %d validators",
			ErrCredibilityFetch, evaluation.ErrMalformedResponse, len(entries), len(ids))
	}

	creds := make(map[message.Identity]uint32, len(entries))
	for i, e := range entries {
		if e.Validator != ids[i] || e.Value > credibility.Max {
			return nil, fmt.Errorf("%w:\n%w: bad entry %d", ErrCredibilityFetch, evaluation.ErrMalformedResponse, i)
		}

		creds[e.Validator] = e.Value
	}

	return creds, nil
}

// publishAccepted forwards the accepted message. Failures are logged only.
func (v *Verifier) publishAccepted(ctx context.Context, round *Round) {
	if v.publisher == nil || round.Outcome.Accepted == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	winner := round.Outcome.Groups[0]
	err := v.publisher.Publish(ctx, publish.Accepted{
		RoundID:    round.ID,
		Token:      round.Token,
		Message:    *round.Outcome.Accepted,
		Weight:     winner.WeightFraction,
		Validators: winner.Validators,
	})
	if err != nil {
		v.metrics.IncPublishError()
		logger.Warn("publish failed", "round", round.ID, "error", err)
	}
}

// record stores round as the latest and in the replay cache.
func (v *Verifier) record(round *Round) {
	v.lastMu.Lock()
	v.last = round
	v.lastMu.Unlock()

	if v.replay != nil {
		v.replay.Set(round.Token, round, ttlcache.DefaultTTL)
	}
}
