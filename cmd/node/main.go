package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ardanlabs/conf/v3"

	"RelayVerify/internal/logger"
	"RelayVerify/internal/message"
)

// build is set at link time.
var build = "develop"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg, help, err := parseConfig()
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}

		return fmt.Errorf("parse config:\n%w", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger.Init(level)

	key, err := loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printStartupInfo(cfg, identityOf(key))

	switch cfg.Mode {
	case ModeRegister, ModeUnregister:
		return runRegistration(ctx, cfg, key)
	}

	node, err := NewNode(cfg, key)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	return node.Run(ctx)
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config, id message.Identity) {
	out, err := conf.String(cfg)
	if err == nil {
		logger.Debug("configuration", "config", out)
	}

	logger.Info("starting RelayVerify node",
		"mode", cfg.Mode,
		"identity", id.String(),
		"http", cfg.HTTPAddress,
		"quic", cfg.QUICAddress,
		"data", cfg.DataPath,
		"build", build,
	)
}
