package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"RelayVerify/internal/credibility"
	"RelayVerify/internal/logger"
	"RelayVerify/internal/network"
)

// registrationTimeout bounds a one-shot register or unregister call.
const registrationTimeout = 30 * time.Second

// runRegistration registers or unregisters the node key with the remote
// evaluator. The evaluator identifies the caller by its QUIC key.
func runRegistration(ctx context.Context, cfg *Config, key ed25519.PrivateKey) error {
	node, err := network.NewNode(network.Config{PrivateKey: key})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}
	defer node.Close()

	n := &Node{cfg: cfg, network: node}

	client, err := n.evaluatorClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()

	switch cfg.Mode {
	case ModeRegister:
		err = client.Register(ctx)
		if errors.Is(err, credibility.ErrAlreadyRegistered) {
			logger.Info("already registered", "evaluator", cfg.Evaluator.Address)
			return nil
		}
	case ModeUnregister:
		err = client.Unregister(ctx)
		if errors.Is(err, credibility.ErrNotRegistered) {
			logger.Info("not registered", "evaluator", cfg.Evaluator.Address)
			return nil
		}
	}

	if err != nil {
		return fmt.Errorf("%s:\n%w", cfg.Mode, err)
	}

	logger.Info(cfg.Mode+" done", "evaluator", cfg.Evaluator.Address, "identity", identityOf(key).String())

	return nil
}
