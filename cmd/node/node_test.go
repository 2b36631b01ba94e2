package main

import (
	"context"
	"crypto/ed25519"
	"net/http/httptest"
	"strings"
	"testing"

	"RelayVerify/client"
	"RelayVerify/internal/message"
)

// testConfig returns a config with the documented defaults for mode.
func testConfig(t *testing.T, mode string) *Config {
	t.Helper()

	cfg := &Config{Mode: mode, DataPath: t.TempDir(), QUICAddress: "127.0.0.1:0"}
	cfg.Evaluator.InitialCredibilityValue = 5000
	cfg.Verifier.CredibilityWeightThreshold = 1000
	cfg.Verifier.TieBreak = "first_seen"
	cfg.Selection.MinTrustworthyRatio = 3000
	cfg.Selection.MaxTrustworthyRatio = 7000
	cfg.Selection.MinSelectedThreshold = 6000
	cfg.Metrics.Namespace = "test"

	return cfg
}

// mustKey generates a key or fails the test.
func mustKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	key, err := generateNewKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return key
}

// startNode creates a node, starts its network and serves its API over httptest.
func startNode(t *testing.T, cfg *Config, key ed25519.PrivateKey) (*Node, *client.Client) {
	t.Helper()

	if err := cfg.validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}

	node, err := NewNode(cfg, key)
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	t.Cleanup(node.Close)

	if cfg.QUICAddress != "" {
		if err := node.network.Start(); err != nil {
			t.Fatalf("start network: %v", err)
		}
	}

	srv := httptest.NewServer(node.api.Handler())
	t.Cleanup(srv.Close)

	c, err := client.NewClient(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	return node, c
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig(t, ModeStandalone)
	if err := cfg.validate(); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}

	bad := []func(*Config){
		func(c *Config) { c.Mode = "relay" },
		func(c *Config) { c.Mode = ModeEvaluator },
		func(c *Config) { c.Mode = ModeVerifier },
		func(c *Config) { c.Evaluator.InitialCredibilityValue = 10001 },
		func(c *Config) { c.Verifier.CredibilityWeightThreshold = 10001 },
		func(c *Config) { c.Verifier.TieBreak = "coin" },
		func(c *Config) { c.Selection.MinTrustworthyRatio = 8000 },
	}

	for i, mutate := range bad {
		cfg := testConfig(t, ModeStandalone)
		mutate(cfg)

		if err := cfg.validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestAuthorityDefaultsToSelf(t *testing.T) {
	cfg := testConfig(t, ModeStandalone)
	self := identityOf(mustKey(t))

	got, err := cfg.authority(self)
	if err != nil || got != self {
		t.Fatalf("expected self authority, got %s (%v)", got, err)
	}

	other := identityOf(mustKey(t))
	cfg.Evaluator.Authority = other.String()

	got, err = cfg.authority(self)
	if err != nil || got != other {
		t.Fatalf("expected configured authority, got %s (%v)", got, err)
	}
}

func TestStandaloneNode(t *testing.T) {
	cfg := testConfig(t, ModeStandalone)
	cfg.QUICAddress = ""

	node, c := startNode(t, cfg, mustKey(t))

	if c.Mode() != ModeStandalone || c.Identity() != node.identity {
		t.Fatalf("unexpected status: mode %q identity %s", c.Mode(), c.Identity())
	}

	// Relayers register through the local service in standalone mode
	relayers := make([]message.Identity, 3)
	for i := range relayers {
		relayers[i] = identityOf(mustKey(t))
		if err := node.service.Register(relayers[i]); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	resp, err := c.Verify(context.Background(), copiesFrom(relayers, "payload"), nil)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	if len(resp.Messages) != 1 {
		t.Fatalf("expected accepted message, got %+v", resp.Messages)
	}
}

func TestEvaluatorAndVerifierNodes(t *testing.T) {
	ctx := context.Background()
	verifierKey := mustKey(t)

	// Evaluator trusts only the verifier's key for updates
	evalCfg := testConfig(t, ModeEvaluator)
	evalCfg.Evaluator.Authority = identityOf(verifierKey).String()

	evaluator, evalClient := startNode(t, evalCfg, mustKey(t))

	// Relayers register themselves over QUIC
	relayers := make([]message.Identity, 5)
	for i := range relayers {
		key := mustKey(t)
		relayers[i] = identityOf(key)

		regCfg := testConfig(t, ModeRegister)
		regCfg.Evaluator.Address = evaluator.network.Addr()
		regCfg.Evaluator.Identity = evaluator.identity.String()

		if err := runRegistration(ctx, regCfg, key); err != nil {
			t.Fatalf("register relayer %d: %v", i, err)
		}

		// A second registration is a no-op
		if err := runRegistration(ctx, regCfg, key); err != nil {
			t.Fatalf("re-register relayer %d: %v", i, err)
		}
	}

	verCfg := testConfig(t, ModeVerifier)
	verCfg.QUICAddress = ""
	verCfg.Evaluator.Address = evaluator.network.Addr()
	verCfg.Evaluator.Identity = evaluator.identity.String()

	_, verClient := startNode(t, verCfg, verifierKey)

	resp, err := verClient.Verify(ctx, copiesFrom(relayers, "unlock 10"), nil)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	if len(resp.Messages) != 1 || resp.Messages[0].Content.Data != "unlock 10" {
		t.Fatalf("expected accepted message, got %+v", resp.Messages)
	}

	entries, err := evalClient.Credibility(ctx, relayers)
	if err != nil {
		t.Fatalf("credibility: %v", err)
	}

	for _, e := range entries {
		if e.Value != 5050 {
			t.Errorf("expected 5050 after a trusted round, got %d", e.Value)
		}
	}

	// The verifier proxies registry queries to the evaluator
	page, err := verClient.Validators(ctx, 0, 10)
	if err != nil {
		t.Fatalf("validators: %v", err)
	}

	if len(page) != len(relayers) || page[0].Validator != relayers[0] {
		t.Errorf("unexpected page from verifier: %+v", page)
	}

	// The evaluator has no verifier
	if _, err := evalClient.Verify(ctx, copiesFrom(relayers, "x"), nil); err == nil {
		t.Error("evaluator node should not run rounds")
	}
}

func copiesFrom(ids []message.Identity, data string) []message.MessageVerify {
	m := message.Message{
		FromChain: "ethereum",
		ToChain:   "near",
		Sender:    "0xabc",
		Signer:    "0xabc",
		Content:   message.Content{Contract: "bridge", Action: "unlock", Data: data},
	}

	out := make([]message.MessageVerify, len(ids))
	for i, id := range ids {
		out[i] = message.MessageVerify{Validator: id, Message: m}
	}

	return out
}
