package evaluation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RelayVerify/internal/aggregation"
	"RelayVerify/internal/credibility"
	"RelayVerify/internal/message"
	"RelayVerify/internal/network"
)

// newKey generates an ed25519 key.
func newKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	return priv
}

// remote is an evaluator served over QUIC.
type remote struct {
	svc    *Service
	server *network.Node
}

// startRemote serves a fresh service whose authority is the identity of authorityKey.
func startRemote(t *testing.T, authorityKey ed25519.PrivateKey) *remote {
	t.Helper()

	svc, _ := newTestService(t, 5000)
	svc.cfg.Authority = identityOf(t, authorityKey)

	server, err := network.NewNode(network.Config{PrivateKey: newKey(t), ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)

	NewHandler(svc, nil).Attach(server)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Close() })

	return &remote{svc: svc, server: server}
}

// dial creates a client node with key connected to r.
func (r *remote) dial(t *testing.T, key ed25519.PrivateKey) *Client {
	t.Helper()

	node, err := network.NewNode(network.Config{PrivateKey: key})
	require.NoError(t, err)
	t.Cleanup(func() { node.Close() })

	return NewClient(node, r.server.Addr(), r.server.Identity())
}

func identityOf(t *testing.T, key ed25519.PrivateKey) message.Identity {
	t.Helper()

	id, err := message.IdentityFromPublicKey(key.Public().(ed25519.PublicKey))
	require.NoError(t, err)

	return id
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func TestClientEndToEnd(t *testing.T) {
	authKey := newKey(t)
	r := startRemote(t, authKey)
	ctx := testContext(t)

	validatorKeys := []ed25519.PrivateKey{newKey(t), newKey(t), newKey(t)}
	ids := make([]message.Identity, len(validatorKeys))

	for i, key := range validatorKeys {
		ids[i] = identityOf(t, key)
		require.NoError(t, r.dial(t, key).Register(ctx))
	}

	// Registering twice comes back as the same sentinel
	err := r.dial(t, validatorKeys[0]).Register(ctx)
	assert.ErrorIs(t, err, credibility.ErrAlreadyRegistered)

	verifier := r.dial(t, authKey)

	unknown := identityOf(t, newKey(t))
	entries, err := verifier.GetCredibility(ctx, []message.Identity{ids[0], unknown})
	require.NoError(t, err)
	assert.Equal(t, []credibility.Entry{{Validator: ids[0], Value: 5000}, {Validator: unknown, Value: 0}}, entries)

	changes, err := verifier.UpdateReputation(ctx, ids[:1], ids[1:2], []aggregation.ExceptionGroup{{Validators: ids[2:], Weight: 5555}})
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, uint32(5050), changes[0].New)
	assert.Equal(t, uint32(4900), changes[1].New)
	assert.Equal(t, uint32(4978), changes[2].New)

	page, err := verifier.GetValidators(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].Validator)

	sel, err := verifier.SelectValidators(ctx, []byte("seed"), 2)
	require.NoError(t, err)
	assert.Len(t, sel.Validators(), 2)

	trusted, err := verifier.IsTrustworthy(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, trusted, "5050 is below the 6000 floor")

	require.NoError(t, r.dial(t, validatorKeys[2]).Unregister(ctx))
	entries, err = verifier.GetCredibility(ctx, ids[2:])
	require.NoError(t, err)
	assert.Equal(t, uint32(0), entries[0].Value)
}

func TestClientUnauthorizedUpdate(t *testing.T) {
	r := startRemote(t, newKey(t))
	ctx := testContext(t)

	key := newKey(t)
	c := r.dial(t, key)
	require.NoError(t, c.Register(ctx))

	_, err := c.UpdateReputation(ctx, []message.Identity{identityOf(t, key)}, nil, nil)
	assert.ErrorIs(t, err, ErrUnauthorized)

	value, _, err := r.svc.store.Get(identityOf(t, key))
	require.NoError(t, err)
	assert.Equal(t, uint32(5000), value)
}

func TestClientRefusesWrongEvaluator(t *testing.T) {
	r := startRemote(t, newKey(t))

	node, err := network.NewNode(network.Config{PrivateKey: newKey(t)})
	require.NoError(t, err)
	defer node.Close()

	c := NewClient(node, r.server.Addr(), identityOf(t, newKey(t)))
	_, err = c.GetCredibility(testContext(t), nil)
	assert.Error(t, err)
}

func TestClientTransportFailure(t *testing.T) {
	node, err := network.NewNode(network.Config{PrivateKey: newKey(t)})
	require.NoError(t, err)
	defer node.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	c := NewClient(node, "127.0.0.1:1", message.Identity{})
	_, err = c.GetCredibility(ctx, []message.Identity{testID(1)})
	assert.Error(t, err)
}
