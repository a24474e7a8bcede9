package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/crypto"

	"OpBatch/internal/config"
	"OpBatch/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	flags := parseFlags()

	cfg, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("load config:\n%w", err)
	}

	logger.Init(cfg.LogLevel)

	key, err := loadOrGenerateKey(flags.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg, flags, key)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	if flags.ExportSnapshot != "" {
		defer node.Close()
		return node.exportSnapshot(flags.ExportSnapshot)
	}

	printStartupInfo(cfg, node)

	return node.Run()
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(flags *Flags) (*config.Config, error) {
	cfg := config.Default()

	if flags.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(flags.ConfigPath); err != nil {
			return nil, err
		}
	}

	if flags.DataPath != "" {
		cfg.Storage.Path = flags.DataPath
	}
	if flags.HTTPAddress != "" {
		cfg.HTTP.Listen = flags.HTTPAddress
	}
	if flags.LogLevel != "" {
		cfg.LogLevel = flags.LogLevel
	}

	return cfg, nil
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *config.Config, n *Node) {
	params := n.orch.Params()

	logger.Info("starting OpBatch node",
		"beneficiary", crypto.PubkeyToAddress(n.key.PublicKey).Hex(),
		"orchestrator", params.Address.Hex(),
		"chain", params.ChainID.Dec(),
		"http", cfg.HTTP.Listen,
		"data", cfg.Storage.Path,
	)
}
