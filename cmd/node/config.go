package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"github.com/ardanlabs/conf/v3"

	"RelayVerify/internal/aggregation"
	"RelayVerify/internal/message"
	"RelayVerify/internal/selection"
)

// envPrefix prefixes every environment variable, e.g. RELAYVERIFY_MODE.
const envPrefix = "RELAYVERIFY"

// Node modes.
const (
	ModeStandalone = "standalone" // ModeStandalone runs the evaluator and the verifier in one process
	ModeEvaluator  = "evaluator"  // ModeEvaluator owns credibility and serves it over QUIC
	ModeVerifier   = "verifier"   // ModeVerifier runs rounds against a remote evaluator
	ModeRegister   = "register"   // ModeRegister registers the node key with an evaluator and exits
	ModeUnregister = "unregister" // ModeUnregister unregisters the node key and exits
)

// Config holds the node configuration.
type Config struct {
	conf.Version

	// Mode selects which components the node runs.
	Mode string `conf:"default:standalone,help:standalone|evaluator|verifier|register|unregister"`

	// DataPath is the directory for persistent storage.
	DataPath string `conf:"default:./data"`

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string `conf:"default::8080"`

	// QUICAddress is the QUIC listen address, empty for a dial-only node.
	QUICAddress string `conf:"default::9000"`

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string `conf:"optional,help:generated and saved when missing"`

	Log struct {
		Level string `conf:"default:info"`
	}

	Evaluator struct {
		// Address is the QUIC address of the remote evaluator.
		Address string `conf:"optional"`
		// Identity is the expected key of the remote evaluator.
		Identity string `conf:"optional"`
		// Authority is the only identity allowed to update reputation. Defaults to the node key in standalone mode.
		Authority string `conf:"optional"`
		// InitialCredibilityValue seeds newly registered validators.
		InitialCredibilityValue uint32 `conf:"default:5000"`
		// SnapshotPath is restored into the store at startup when set.
		SnapshotPath string `conf:"optional"`
	}

	Verifier struct {
		CredibilityWeightThreshold uint32        `conf:"default:1000"`
		TieBreak                   string        `conf:"default:first_seen,help:first_seen|fingerprint|reject"`
		ReplayTTL                  time.Duration `conf:"default:0s,help:identical batches within this window reuse the recorded round without a reputation update"`
	}

	Selection struct {
		MinTrustworthyRatio  uint32 `conf:"default:3000"`
		MaxTrustworthyRatio  uint32 `conf:"default:7000"`
		MinSelectedThreshold uint32 `conf:"default:6000"`
		TrustworthyThreshold uint32 `conf:"default:0"`
	}

	Broker struct {
		BootstrapServers []string `conf:"optional"`
		ProduceTopic     string   `conf:"default:relayverify-accepted"`
	}

	Metrics struct {
		Namespace string `conf:"default:relayverify"`
	}
}

// parseConfig parses flags and environment into Config.
// On conf.ErrHelpWanted the returned string holds the usage or version text.
func parseConfig() (*Config, string, error) {
	cfg := &Config{
		Version: conf.Version{
			Build: build,
			Desc:  "RelayVerify cross-chain message verification node",
		},
	}

	help, err := conf.Parse(envPrefix, cfg)
	if err != nil {
		return nil, help, err
	}

	if err := cfg.validate(); err != nil {
		return nil, "", err
	}

	return cfg, "", nil
}

// validate checks mode-specific requirements.
func (c *Config) validate() error {
	switch c.Mode {
	case ModeStandalone:
	case ModeEvaluator:
		if c.Evaluator.Authority == "" {
			return fmt.Errorf("evaluator mode requires --evaluator-authority")
		}
	case ModeVerifier, ModeRegister, ModeUnregister:
		if c.Evaluator.Address == "" || c.Evaluator.Identity == "" {
			return fmt.Errorf("%s mode requires --evaluator-address and --evaluator-identity", c.Mode)
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}

	if c.Evaluator.InitialCredibilityValue > aggregation.WeightScale {
		return fmt.Errorf("initial credibility %d above %d", c.Evaluator.InitialCredibilityValue, aggregation.WeightScale)
	}

	if c.Verifier.CredibilityWeightThreshold > aggregation.WeightScale {
		return fmt.Errorf("weight threshold %d above %d", c.Verifier.CredibilityWeightThreshold, aggregation.WeightScale)
	}

	if _, err := aggregation.ParseTieBreak(c.Verifier.TieBreak); err != nil {
		return err
	}

	return c.selectionConfig().Validate()
}

// selectionConfig returns the selector parameters.
func (c *Config) selectionConfig() selection.Config {
	return selection.Config{
		MinSelectedThreshold: c.Selection.MinSelectedThreshold,
		MinTrustworthyRatio:  c.Selection.MinTrustworthyRatio,
		MaxTrustworthyRatio:  c.Selection.MaxTrustworthyRatio,
		TrustworthyThreshold: c.Selection.TrustworthyThreshold,
	}
}

// authority returns the identity allowed to update reputation.
func (c *Config) authority(self message.Identity) (message.Identity, error) {
	if c.Evaluator.Authority == "" {
		return self, nil
	}

	id, err := message.ParseIdentity(c.Evaluator.Authority)
	if err != nil {
		return message.Identity{}, fmt.Errorf("parse authority:\n%w", err)
	}

	return id, nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
