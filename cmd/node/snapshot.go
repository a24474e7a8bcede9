package main

import (
	"fmt"
	"os"

	"OpBatch/internal/genesis"
	"OpBatch/internal/logger"
	"OpBatch/internal/snapshot"
	"OpBatch/internal/state"
)

// exportSnapshot writes the committed ledger to path.
func (n *Node) exportSnapshot(path string) error {
	if err := n.storage.Sync(); err != nil {
		return fmt.Errorf("sync storage:\n%w", err)
	}

	data, err := snapshot.Export(n.storage)
	if err != nil {
		return fmt.Errorf("export snapshot:\n%w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write snapshot to %s:\n%w", path, err)
	}

	logger.Info("snapshot exported", "path", path, "bytes", len(data))

	return nil
}

// importSnapshot restores a snapshot into a data directory without a ledger.
func (n *Node) importSnapshot(path string) error {
	if genesis.Seeded(state.New(n.storage)) {
		return fmt.Errorf("import snapshot: %s already holds a ledger", n.cfg.Storage.Path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read snapshot %s:\n%w", path, err)
	}

	count, err := snapshot.Import(n.storage, data)
	if err != nil {
		return fmt.Errorf("import snapshot:\n%w", err)
	}

	logger.Info("snapshot imported", "path", path, "entries", count)

	return nil
}
