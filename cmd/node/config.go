package main

import (
	"crypto/ecdsa"
	"flag"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
)

// Flags holds the command-line flags. Non-empty values override the config file.
type Flags struct {
	// ConfigPath is the YAML config file, empty for defaults.
	ConfigPath string

	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// KeyPath is the node's secp256k1 key file. Its address is the default beneficiary.
	KeyPath string

	LogLevel string

	// ExportSnapshot writes a ledger snapshot to this path and exits.
	ExportSnapshot string

	// ImportSnapshot restores a ledger snapshot into an empty data directory before start.
	ImportSnapshot string
}

// parseFlags parses command-line flags into Flags.
func parseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "", "YAML config file path")
	flag.StringVar(&f.DataPath, "data", "", "Data directory path")
	flag.StringVar(&f.HTTPAddress, "http", "", "HTTP API address")
	flag.StringVar(&f.KeyPath, "key", "", "secp256k1 key path (generates new if missing)")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.ExportSnapshot, "export-snapshot", "", "Write a ledger snapshot to this path and exit")
	flag.StringVar(&f.ImportSnapshot, "import-snapshot", "", "Restore a ledger snapshot before starting")
	flag.Parse()

	return f
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (*ecdsa.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	key, err := crypto.LoadECDSA(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	return key, nil
}

// generateNewKey creates a new secp256k1 private key.
func generateNewKey() (*ecdsa.PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return key, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (*ecdsa.PrivateKey, error) {
	key, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := crypto.SaveECDSA(path, key); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return key, nil
}
