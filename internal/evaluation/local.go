package evaluation

import (
	"context"

	"RelayVerify/internal/aggregation"
	"RelayVerify/internal/credibility"
	"RelayVerify/internal/message"
	"RelayVerify/internal/reputation"
	"RelayVerify/internal/selection"
)

// Local calls an in-process Service as caller.
type Local struct {
	svc    *Service
	caller message.Identity
}

// NewLocal creates an in-process evaluator acting as caller.
func NewLocal(svc *Service, caller message.Identity) *Local {
	return &Local{svc: svc, caller: caller}
}

// GetCredibility returns the credibility of ids.
func (l *Local) GetCredibility(ctx context.Context, ids []message.Identity) ([]credibility.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return l.svc.GetCredibility(ids)
}

// UpdateReputation applies a round classification.
func (l *Local) UpdateReputation(ctx context.Context, trusted, untrusted []message.Identity, exception []aggregation.ExceptionGroup) ([]reputation.Change, error) {
	return l.svc.UpdateReputation(ctx, l.caller, trusted, untrusted, exception)
}

// Register registers caller with the initial credibility.
func (l *Local) Register(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return l.svc.Register(l.caller)
}

// Unregister removes caller.
func (l *Local) Unregister(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return l.svc.Unregister(l.caller)
}

// GetValidators returns one page of the credibility table.
func (l *Local) GetValidators(ctx context.Context, from, limit uint64) ([]credibility.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return l.svc.GetValidators(from, limit)
}

// SelectValidators draws n validators for seed.
func (l *Local) SelectValidators(ctx context.Context, seed []byte, n uint32) (selection.Selection, error) {
	if err := ctx.Err(); err != nil {
		return selection.Selection{}, err
	}

	return l.svc.SelectValidators(seed, int(n))
}

// IsTrustworthy reports whether id is in the trustworthy set.
func (l *Local) IsTrustworthy(ctx context.Context, id message.Identity) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	return l.svc.IsTrustworthy(id), nil
}
