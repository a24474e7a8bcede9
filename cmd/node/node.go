package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"

	"OpBatch/internal/account"
	"OpBatch/internal/api"
	"OpBatch/internal/callvm"
	"OpBatch/internal/config"
	"OpBatch/internal/entrypoint"
	"OpBatch/internal/genesis"
	"OpBatch/internal/logger"
	"OpBatch/internal/metrics"
	"OpBatch/internal/state"
	"OpBatch/internal/storage"
)

// Node represents a running OpBatch node.
type Node struct {
	cfg      *config.Config
	flags    *Flags
	key      *ecdsa.PrivateKey
	storage  *storage.Storage
	pool     *callvm.Pool
	store    *state.Store
	registry *account.Registry
	metrics  *metrics.Collector
	orch     *entrypoint.Orchestrator
	api      *api.Server
}

// NewNode creates and initializes a new node.
func NewNode(cfg *config.Config, flags *Flags, key *ecdsa.PrivateKey) (*Node, error) {
	n := &Node{cfg: cfg, flags: flags, key: key}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if flags.ImportSnapshot != "" {
		if err := n.importSnapshot(flags.ImportSnapshot); err != nil {
			n.Close()
			return nil, err
		}
	}

	if err := n.initState(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initOrchestrator(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// initStorage opens the Pebble storage.
func (n *Node) initStorage() error {
	dataPath := n.cfg.Storage.Path

	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.Open(filepath.Join(dataPath, "db"), n.cfg.SyncInterval())
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initState opens the state store and applies the genesis on first start.
func (n *Node) initState() error {
	g, err := n.cfg.GenesisConfig()
	if err != nil {
		return fmt.Errorf("genesis config:\n%w", err)
	}

	n.store = state.New(n.storage)
	n.registry = account.NewRegistry()
	genesis.Trust(n.registry, g)

	if genesis.Seeded(n.store) {
		return nil
	}

	if err := genesis.Seed(n.store, g); err != nil {
		return fmt.Errorf("apply genesis:\n%w", err)
	}

	logger.Info("genesis applied",
		"accounts", len(g.Accounts),
		"sponsors", len(g.Sponsors),
		"contracts", len(g.Contracts),
	)

	return nil
}

// initOrchestrator builds the call machine and the orchestrator.
func (n *Node) initOrchestrator() error {
	params, err := n.cfg.Params()
	if err != nil {
		return fmt.Errorf("protocol params:\n%w", err)
	}

	n.pool = callvm.NewPool(context.Background())
	n.metrics = metrics.New()

	n.orch = entrypoint.New(
		params,
		n.store,
		callvm.NewMachine(n.pool),
		n.registry,
		entrypoint.WithRecorder(n.metrics),
	)

	return nil
}

// Run serves the HTTP API until a shutdown signal.
func (n *Node) Run() error {
	beneficiary := crypto.PubkeyToAddress(n.key.PublicKey)

	n.api = api.New(n.cfg.HTTP.Listen, n.orch, beneficiary, n.metrics.Handler())
	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.pool != nil {
		n.pool.Close(context.Background())
	}

	if n.storage != nil {
		return n.storage.Close()
	}

	return nil
}
