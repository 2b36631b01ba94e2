package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"golang.org/x/sync/errgroup"

	"RelayVerify/internal/aggregation"
	"RelayVerify/internal/api"
	"RelayVerify/internal/credibility"
	"RelayVerify/internal/evaluation"
	"RelayVerify/internal/logger"
	"RelayVerify/internal/message"
	"RelayVerify/internal/metrics"
	"RelayVerify/internal/network"
	"RelayVerify/internal/publish"
	"RelayVerify/internal/selection"
	"RelayVerify/internal/storage"
	"RelayVerify/internal/verify"
)

// Node represents a running RelayVerify node.
type Node struct {
	cfg      *Config
	key      ed25519.PrivateKey
	identity message.Identity

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	storage  *storage.Storage    // storage is nil in verifier mode
	service  *evaluation.Service // service is nil in verifier mode
	network  *network.Node
	verifier *verify.Verifier // verifier is nil in evaluator mode
	kafka    *kgo.Client      // kafka is nil without brokers
	api      *api.Server
}

// identityOf returns the identity of an ed25519 private key.
func identityOf(key ed25519.PrivateKey) message.Identity {
	var id message.Identity
	copy(id[:], key.Public().(ed25519.PublicKey))

	return id
}

// NewNode creates and initializes a new node for cfg.Mode.
func NewNode(cfg *Config, key ed25519.PrivateKey) (*Node, error) {
	n := &Node{
		cfg:      cfg,
		key:      key,
		identity: identityOf(key),
		registry: prometheus.NewRegistry(),
	}

	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.metrics = metrics.New(cfg.Metrics.Namespace, n.registry)

	if err := n.init(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// init builds the components of the configured mode.
func (n *Node) init() error {
	var (
		evaluator verify.Evaluator
		registry  api.Registry
	)

	switch n.cfg.Mode {
	case ModeStandalone, ModeEvaluator:
		if err := n.initStorage(); err != nil {
			return err
		}

		if err := n.initService(); err != nil {
			return err
		}

		if err := n.initNetwork(n.cfg.QUICAddress); err != nil {
			return err
		}

		evaluation.NewHandler(n.service, n.metrics).Attach(n.network)

		local := evaluation.NewLocal(n.service, n.identity)
		evaluator, registry = local, local

	case ModeVerifier:
		if err := n.initNetwork(""); err != nil {
			return err
		}

		remote, err := n.evaluatorClient()
		if err != nil {
			return err
		}

		evaluator, registry = remote, remote
	}

	if n.cfg.Mode != ModeEvaluator {
		if err := n.initVerifier(evaluator); err != nil {
			return err
		}
	}

	n.initAPI(registry)

	return nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(n.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initService opens the credibility store and the evaluation service.
func (n *Node) initService() error {
	store, err := credibility.NewStore(n.storage)
	if err != nil {
		return fmt.Errorf("open credibility store:\n%w", err)
	}

	selector, err := selection.New(n.cfg.selectionConfig())
	if err != nil {
		return fmt.Errorf("init selector:\n%w", err)
	}

	authority, err := n.cfg.authority(n.identity)
	if err != nil {
		return err
	}

	svc, err := evaluation.NewService(evaluation.Config{
		Authority:          authority,
		InitialCredibility: n.cfg.Evaluator.InitialCredibilityValue,
	}, store, selector, n.metrics)
	if err != nil {
		return fmt.Errorf("init evaluation service:\n%w", err)
	}

	n.service = svc

	if path := n.cfg.Evaluator.SnapshotPath; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read snapshot:\n%w", err)
		}

		if _, err := svc.Restore(data); err != nil {
			return err
		}
	}

	logger.Info("evaluation service ready", "authority", authority.String(), "trustworthy", selector.Len())

	return nil
}

// initNetwork initializes the QUIC node. An empty listenAddr makes it dial-only.
func (n *Node) initNetwork(listenAddr string) error {
	node, err := network.NewNode(network.Config{
		PrivateKey: n.key,
		ListenAddr: listenAddr,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node

	return nil
}

// evaluatorClient returns a QUIC client for the configured remote evaluator.
func (n *Node) evaluatorClient() (*evaluation.Client, error) {
	expected, err := message.ParseIdentity(n.cfg.Evaluator.Identity)
	if err != nil {
		return nil, fmt.Errorf("parse evaluator identity:\n%w", err)
	}

	return evaluation.NewClient(n.network, n.cfg.Evaluator.Address, expected), nil
}

// initVerifier creates the verifier and its optional Kafka publisher.
func (n *Node) initVerifier(evaluator verify.Evaluator) error {
	tieBreak, err := aggregation.ParseTieBreak(n.cfg.Verifier.TieBreak)
	if err != nil {
		return err
	}

	var publisher verify.Publisher

	if len(n.cfg.Broker.BootstrapServers) > 0 {
		m := kprom.NewMetrics(n.cfg.Metrics.Namespace,
			kprom.Registerer(n.registry),
			kprom.Gatherer(n.registry))

		kcl, err := kgo.NewClient(
			kgo.WithHooks(m),
			kgo.SeedBrokers(n.cfg.Broker.BootstrapServers...),
			kgo.DefaultProduceTopic(n.cfg.Broker.ProduceTopic),
			kgo.ProducerBatchCompression(kgo.ZstdCompression()),
		)
		if err != nil {
			return fmt.Errorf("create kafka client:\n%w", err)
		}

		n.kafka = kcl
		publisher = publish.NewKafkaPublisher(kcl)
	}

	v, err := verify.New(verify.Config{
		Threshold: n.cfg.Verifier.CredibilityWeightThreshold,
		TieBreak:  tieBreak,
		ReplayTTL: n.cfg.Verifier.ReplayTTL,
	}, evaluator, publisher, n.metrics)
	if err != nil {
		return fmt.Errorf("init verifier:\n%w", err)
	}

	n.verifier = v

	return nil
}

// initAPI creates the HTTP server.
func (n *Node) initAPI(registry api.Registry) {
	var (
		verifier  api.Verifier
		snapshots api.Snapshotter
	)

	if n.verifier != nil {
		verifier = n.verifier
	}

	if n.service != nil {
		snapshots = n.service
	}

	n.api = api.New(api.Config{
		Addr:     n.cfg.HTTPAddress,
		Mode:     n.cfg.Mode,
		Identity: n.identity,
		Gatherer: n.registry,
	}, verifier, registry, snapshots)
}

// Run starts all components and blocks until ctx is cancelled or one fails.
func (n *Node) Run(ctx context.Context) error {
	defer n.Close()

	if err := n.network.Start(); err != nil && !errors.Is(err, network.ErrNoListenAddr) {
		return fmt.Errorf("start network:\n%w", err)
	}

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	if n.verifier != nil {
		g.Go(func() error { return n.verifier.Run(ctx) })
	}

	if n.kafka != nil {
		g.Go(func() error {
			if err := n.kafka.Ping(ctx); err != nil {
				logger.Warn("kafka unreachable", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	})

	return g.Wait()
}

// Close releases every component.
func (n *Node) Close() {
	if n.api != nil {
		n.api.Stop()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.kafka != nil {
		n.kafka.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}
}
