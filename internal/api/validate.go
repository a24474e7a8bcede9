package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"OpBatch/internal/entrypoint"
	"OpBatch/internal/operation"
)

const (
	// maxBatchOps is the maximum number of operations per submitted batch.
	maxBatchOps = 256
)

// validateBatch checks request-level limits before the batch reaches the orchestrator.
// Per-operation checks belong to the orchestrator, which reports them in receipts.
func validateBatch(ops []*operation.Operation) error {
	if len(ops) == 0 {
		return errors.New("empty batch")
	}

	if len(ops) > maxBatchOps {
		return fmt.Errorf("too many operations: got %d, max %d", len(ops), maxBatchOps)
	}

	return nil
}

// batchErrorStatus maps a fatal HandleOps error to an HTTP status.
func batchErrorStatus(err error) int {
	switch {
	case errors.Is(err, entrypoint.ErrEmptyBatch),
		errors.Is(err, entrypoint.ErrZeroBeneficiary),
		errors.Is(err, entrypoint.ErrNilOperation):
		return http.StatusBadRequest
	case errors.Is(err, entrypoint.ErrBatchOutOfGas):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// parseAddress parses a 0x-prefixed 20-byte address.
func parseAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, fmt.Errorf("missing %s", field)
	}

	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid %s: %q", field, s)
	}

	return common.HexToAddress(s), nil
}

// parseHash parses a 0x-prefixed 32-byte hash.
func parseHash(field, s string) (common.Hash, error) {
	raw, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid %s: %v", field, err)
	}

	if len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid %s size: got %d, want %d", field, len(raw), common.HashLength)
	}

	return common.BytesToHash(raw), nil
}
