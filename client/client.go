// Package client talks to a RelayVerify node over its HTTP API.
package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"RelayVerify/internal/api"
	"RelayVerify/internal/credibility"
	"RelayVerify/internal/message"
	"RelayVerify/internal/snapshot"
)

// pageSize is the page used by AllValidators.
const pageSize = 500

// Client connects to a RelayVerify node via HTTP.
type Client struct {
	nodeAddr string       // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
	http     *http.Client // http carries the requests
	status   Status       // status is the node status fetched at creation
}

// Status is the node description returned by /status.
type Status struct {
	Mode      string           `json:"mode"`
	Identity  message.Identity `json:"identity"`
	Threshold uint32           `json:"threshold"`
	LastRound *RoundSummary    `json:"lastRound,omitempty"`
}

// RoundSummary describes the most recent round of a node.
type RoundSummary struct {
	ID       string    `json:"id"`
	Token    string    `json:"token"`
	Accepted bool      `json:"accepted"`
	Finished time.Time `json:"finished"`
}

// Selection is a drawn roster.
type Selection struct {
	Trustworthy []message.Identity `json:"trustworthy"`
	Random      []message.Identity `json:"random"`
	Validators  []message.Identity `json:"validators"`
}

// NewClient creates a client connected to a node.
// It fetches the node mode and identity from the /status endpoint.
func NewClient(ctx context.Context, nodeAddr string) (*Client, error) {
	c := &Client{
		nodeAddr: nodeAddr,
		http:     &http.Client{Timeout: time.Minute},
	}

	status, err := c.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}

	c.status = *status

	return c, nil
}

// Mode returns the node mode reported at creation.
func (c *Client) Mode() string {
	return c.status.Mode
}

// Identity returns the node identity reported at creation.
func (c *Client) Identity() message.Identity {
	return c.status.Identity
}

// Status fetches the current node status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var status Status
	if err := c.httpGet(ctx, "/status", &status); err != nil {
		return nil, err
	}

	return &status, nil
}

// Verify submits copies for one round. A nil threshold uses the node default.
// The returned message list is empty when the round is rejected.
func (c *Client) Verify(ctx context.Context, copies []message.MessageVerify, threshold *uint32) (*api.VerifyResponse, error) {
	var resp api.VerifyResponse

	req := api.VerifyRequest{Copies: copies, Threshold: threshold}
	if err := c.httpPostJSON(ctx, "/verify", req, &resp); err != nil {
		return nil, fmt.Errorf("verify:\n%w", err)
	}

	return &resp, nil
}

// Credibility returns the credibility of ids, in order.
func (c *Client) Credibility(ctx context.Context, ids []message.Identity) ([]credibility.Entry, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}

	var entries []credibility.Entry
	path := "/credibility?ids=" + url.QueryEscape(strings.Join(parts, ","))

	if err := c.httpGet(ctx, path, &entries); err != nil {
		return nil, fmt.Errorf("credibility:\n%w", err)
	}

	if len(entries) != len(ids) {
		return nil, fmt.Errorf("credibility: %d entries for %d ids", len(entries), len(ids))
	}

	return entries, nil
}

// Validators returns one page of the credibility table.
func (c *Client) Validators(ctx context.Context, from, limit uint64) ([]credibility.Entry, error) {
	var entries []credibility.Entry

	path := fmt.Sprintf("/validators?from=%d&limit=%d", from, limit)
	if err := c.httpGet(ctx, path, &entries); err != nil {
		return nil, fmt.Errorf("validators:\n%w", err)
	}

	return entries, nil
}

// AllValidators pages through the whole credibility table.
func (c *Client) AllValidators(ctx context.Context) ([]credibility.Entry, error) {
	var all []credibility.Entry

	for {
		page, err := c.Validators(ctx, uint64(len(all)), pageSize)
		if err != nil {
			return nil, err
		}

		all = append(all, page...)

		if len(page) < pageSize {
			return all, nil
		}
	}
}

// IsTrustworthy reports whether id is in the trustworthy set.
func (c *Client) IsTrustworthy(ctx context.Context, id message.Identity) (bool, error) {
	var resp struct {
		Trustworthy bool `json:"trustworthy"`
	}

	if err := c.httpGet(ctx, "/validators/"+id.String()+"/trustworthy", &resp); err != nil {
		return false, fmt.Errorf("trustworthy:\n%w", err)
	}

	return resp.Trustworthy, nil
}

// Select draws a roster of n validators for seed.
func (c *Client) Select(ctx context.Context, seed []byte, n uint32) (*Selection, error) {
	var sel Selection

	path := fmt.Sprintf("/selection?seed=%s&n=%d", hex.EncodeToString(seed), n)
	if err := c.httpGet(ctx, path, &sel); err != nil {
		return nil, fmt.Errorf("selection:\n%w", err)
	}

	return &sel, nil
}

// Snapshot downloads and verifies the credibility table of the node.
func (c *Client) Snapshot(ctx context.Context) (*snapshot.Snapshot, []byte, error) {
	data, err := c.do(ctx, http.MethodGet, "/snapshot", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot:\n%w", err)
	}

	snap, err := snapshot.Decode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot:\n%w", err)
	}

	return snap, data, nil
}
