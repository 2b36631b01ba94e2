package evaluation

import (
	"context"
	"fmt"
	"sync"

	"RelayVerify/internal/aggregation"
	"RelayVerify/internal/credibility"
	"RelayVerify/internal/message"
	"RelayVerify/internal/network"
	"RelayVerify/internal/reputation"
	"RelayVerify/internal/selection"
)

// Client calls a remote evaluator over QUIC. The evaluator sees the node
// identity as caller.
type Client struct {
	node     *network.Node    // node dials the evaluator
	addr     string           // addr is the evaluator QUIC address
	expected message.Identity // expected is the evaluator identity, zero to accept any

	mu     sync.Mutex
	remote message.Identity // remote is the identity of the connected evaluator
}

// NewClient creates a client for the evaluator at addr. When expected is not
// zero, connections to any other identity are refused.
func NewClient(node *network.Node, addr string, expected message.Identity) *Client {
	return &Client{node: node, addr: addr, expected: expected}
}

// GetCredibility returns the credibility of ids.
func (c *Client) GetCredibility(ctx context.Context, ids []message.Identity) ([]credibility.Entry, error) {
	r, err := c.call(ctx, Request{Type: RequestGetCredibility, IDs: ids})
	if err != nil {
		return nil, err
	}

	entries := r.entries()
	if err := closeResponse(r, RequestGetCredibility); err != nil {
		return nil, err
	}

	if len(entries) != len(ids) {
		return nil, fmt.Errorf("%w: got %d entries for %d identities", ErrMalformedResponse, len(entries), len(ids))
	}

	for i, e := range entries {
		if e.Validator != ids[i] {
			return nil, fmt.Errorf("%w: entry %d is for %s", ErrMalformedResponse, i, e.Validator.Short())
		}

		if e.Value > credibility.Max {
			return nil, fmt.Errorf("%w: credibility %d out of range", ErrMalformedResponse, e.Value)
		}
	}

	return entries, nil
}

// UpdateReputation applies a round classification. The node must be the
// evaluator's authority.
func (c *Client) UpdateReputation(ctx context.Context, trusted, untrusted []message.Identity, exception []aggregation.ExceptionGroup) ([]reputation.Change, error) {
	r, err := c.call(ctx, Request{
		Type:      RequestUpdateReputation,
		Trusted:   trusted,
		Untrusted: untrusted,
		Exception: exception,
	})
	if err != nil {
		return nil, err
	}

	n := r.count(message.IdentitySize + 9)
	changes := make([]reputation.Change, n)

	for i := range changes {
		changes[i].Validator = r.identity()
		changes[i].Verdict = reputation.Verdict(r.u8())
		changes[i].Old = r.u32()
		changes[i].New = r.u32()
	}

	if err := closeResponse(r, RequestUpdateReputation); err != nil {
		return nil, err
	}

	return changes, nil
}

// Register registers the node identity as a validator.
func (c *Client) Register(ctx context.Context) error {
	r, err := c.call(ctx, Request{Type: RequestRegister})
	if err != nil {
		return err
	}

	return closeResponse(r, RequestRegister)
}

// Unregister removes the node identity from the validators.
func (c *Client) Unregister(ctx context.Context) error {
	r, err := c.call(ctx, Request{Type: RequestUnregister})
	if err != nil {
		return err
	}

	return closeResponse(r, RequestUnregister)
}

// GetValidators returns a page of validators in registration order.
func (c *Client) GetValidators(ctx context.Context, from, limit uint64) ([]credibility.Entry, error) {
	r, err := c.call(ctx, Request{Type: RequestGetValidators, From: from, Limit: limit})
	if err != nil {
		return nil, err
	}

	entries := r.entries()
	if err := closeResponse(r, RequestGetValidators); err != nil {
		return nil, err
	}

	return entries, nil
}

// SelectValidators draws a roster of n validators for seed.
func (c *Client) SelectValidators(ctx context.Context, seed []byte, n uint32) (selection.Selection, error) {
	r, err := c.call(ctx, Request{Type: RequestSelectValidators, Seed: seed, Count: n})
	if err != nil {
		return selection.Selection{}, err
	}

	sel := selection.Selection{Trustworthy: r.identities(), Random: r.identities()}
	if err := closeResponse(r, RequestSelectValidators); err != nil {
		return selection.Selection{}, err
	}

	return sel, nil
}

// IsTrustworthy reports whether id is in the evaluator's trustworthy set.
func (c *Client) IsTrustworthy(ctx context.Context, id message.Identity) (bool, error) {
	r, err := c.call(ctx, Request{Type: RequestIsTrustworthy, Validator: id})
	if err != nil {
		return false, err
	}

	flag := r.u8()
	if err := closeResponse(r, RequestIsTrustworthy); err != nil {
		return false, err
	}

	if flag > 1 {
		return false, fmt.Errorf("%w: invalid bool %d", ErrMalformedResponse, flag)
	}

	return flag == 1, nil
}

// call sends req and opens the response.
func (c *Client) call(ctx context.Context, req Request) (*reader, error) {
	peer, err := c.peer(ctx)
	if err != nil {
		return nil, err
	}

	data, err := peer.Request(ctx, req.Encode())
	if err != nil {
		return nil, fmt.Errorf("evaluator %s:\n%w", req.Type, err)
	}

	return openResponse(data)
}

// peer returns the evaluator connection, dialing it if needed.
func (c *Client) peer(ctx context.Context) (*network.Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero message.Identity
	if c.remote != zero {
		if p := c.node.GetPeer(c.remote); p != nil {
			return p, nil
		}
	}

	p, err := c.node.Connect(ctx, c.addr)
	if err != nil {
		return nil, fmt.Errorf("connect evaluator:\n%w", err)
	}

	if c.expected != zero && p.Identity() != c.expected {
		c.node.Forget(p.Identity())
		p.Close()

		return nil, fmt.Errorf("evaluator at %s is %s, want %s", c.addr, p.Identity(), c.expected)
	}

	c.remote = p.Identity()

	return p, nil
}
