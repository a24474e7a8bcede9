// Package entrypoint is the orchestrator: it validates a batch of
// operations one by one, executes the valid ones, settles their gas among
// accounts, sponsors and the submitter, and records a receipt for each.
package entrypoint

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/zeebo/blake3"

	"OpBatch/internal/account"
	"OpBatch/internal/callvm"
	"OpBatch/internal/gas"
	"OpBatch/internal/ledger"
	"OpBatch/internal/logger"
	"OpBatch/internal/nonce"
	"OpBatch/internal/operation"
	"OpBatch/internal/state"
)

// headKey stores number(8) | timestamp(8) of the last settled batch.
var headKey = state.Key(state.PrefixMeta, []byte("head"))

// BatchResult is the outcome of HandleOps.
type BatchResult struct {
	BatchID     common.Hash    `json:"batchId"`
	Block       callvm.Block   `json:"-"`
	Receipts    []*Receipt     `json:"receipts"`
	Events      []callvm.Event `json:"events"`
	Collected   *uint256.Int   `json:"collected"`   // Collected is the sum of actual costs
	ProtocolFee *uint256.Int   `json:"protocolFee"` // ProtocolFee is the part of Collected paid to the fee recipient
}

// Orchestrator processes operation batches against a state store.
// All entry points are serialized.
type Orchestrator struct {
	params   Params
	store    *state.Store
	vm       *callvm.Machine
	registry *account.Registry
	ledger   *ledger.Ledger
	nonces   *nonce.Allocator
	recorder Recorder
	clock    func() time.Time

	mu       sync.Mutex
	number   uint64 // number of the last settled batch
	lastTime uint64 // lastTime keeps batch timestamps monotonic
}

// New creates an Orchestrator over store. It binds the orchestrator's calls
// to params.Address on vm and lets vm call into registry accounts.
func New(params Params, store *state.Store, vm *callvm.Machine, registry *account.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		params:   params,
		store:    store,
		vm:       vm,
		registry: registry,
		ledger:   ledger.New(store),
		nonces:   nonce.New(store),
		recorder: nopRecorder{},
		clock:    time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	vm.Register(params.Address, target{})
	vm.SetResolver(registry.Target)

	if head := store.Get(headKey); len(head) == 16 {
		o.number = binary.BigEndian.Uint64(head[:8])
		o.lastTime = binary.BigEndian.Uint64(head[8:])
	}

	return o
}

// Params returns the orchestrator's parameters.
func (o *Orchestrator) Params() Params {
	return o.params
}

// HandleOps processes ops in order and pays their collected cost to
// beneficiary. A failing operation never stops the next one; an error is
// returned only for a malformed batch or an aborted one, and then no state
// changes.
func (o *Orchestrator) HandleOps(ctx context.Context, ops []*operation.Operation, beneficiary common.Address) (*BatchResult, error) {
	if len(ops) == 0 {
		return nil, ErrEmptyBatch
	}
	if beneficiary == (common.Address{}) {
		return nil, ErrZeroBeneficiary
	}
	for i, op := range ops {
		if op == nil {
			return nil, fmt.Errorf("operation %d: %w", i, ErrNilOperation)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	block := o.nextBlock()
	env := callvm.NewEnv(ctx, o.store, o.vm, block, o.params.Address, o.params.Schedule)

	res, err := o.processBatch(env, ops, beneficiary)
	if err == nil {
		err = o.store.Err()
	}
	if err != nil {
		o.store.Discard()
		logger.Warn("batch aborted", "ops", len(ops), "error", err)
		return nil, err
	}

	o.putHead(block)

	if err := o.store.Commit(); err != nil {
		o.store.Discard()
		return nil, fmt.Errorf("commit batch:\n%w", err)
	}

	o.number = block.Number
	o.lastTime = block.Timestamp

	o.recorder.BatchProcessed(len(ops), res.Collected)
	for _, r := range res.Receipts {
		o.recorder.OperationProcessed(r.Status.String(), r.ActualGas, r.PenaltyGas)
	}

	logger.Info("batch settled",
		"number", block.Number,
		"ops", len(ops),
		"collected", res.Collected.Dec(),
		"beneficiary", beneficiary.Hex(),
		logger.Timed(start),
	)

	return res, nil
}

// processBatch runs every operation and compensates the beneficiary.
func (o *Orchestrator) processBatch(env *callvm.Env, ops []*operation.Operation, beneficiary common.Address) (*BatchResult, error) {
	res := &BatchResult{
		BatchID:   blake3.Sum256(operation.EncodeBatch(ops, beneficiary)),
		Block:     env.Block,
		Receipts:  make([]*Receipt, 0, len(ops)),
		Collected: new(uint256.Int),
	}

	batchMeter := gas.NewMeter(o.params.BatchGasLimit)

	for i, op := range ops {
		r, err := o.processOp(env, batchMeter, op)
		if err != nil {
			return nil, fmt.Errorf("operation %d:\n%w", i, err)
		}

		r.BatchID = res.BatchID
		putReceipt(o.store, r)
		res.Receipts = append(res.Receipts, r)

		if r.Charged() {
			res.Collected.Add(res.Collected, r.ActualCost)
		}
	}

	fee, rest := new(uint256.Int), res.Collected
	if o.params.FeeRecipient != (common.Address{}) {
		fee, rest = gas.SplitBPS(res.Collected, o.params.ProtocolFeeBPS)
		if err := o.store.AddBalance(o.params.FeeRecipient, fee); err != nil {
			return nil, fmt.Errorf("pay protocol fee:\n%w", err)
		}
	}

	if err := o.store.AddBalance(beneficiary, rest); err != nil {
		return nil, fmt.Errorf("compensate beneficiary:\n%w", err)
	}

	res.ProtocolFee = fee

	if err := env.Emit(o.params.Address, "BatchSettled", map[string]string{
		"batchId":     res.BatchID.Hex(),
		"beneficiary": beneficiary.Hex(),
		"collected":   res.Collected.Dec(),
		"protocolFee": fee.Dec(),
		"ops":         strconv.Itoa(len(ops)),
	}); err != nil {
		return nil, err
	}

	res.Events = env.Events()

	return res, nil
}

// nextBlock returns the context of the next batch.
func (o *Orchestrator) nextBlock() callvm.Block {
	return callvm.Block{
		Number:    o.number + 1,
		Timestamp: o.now(),
		BaseFee:   orZero(o.params.BaseFee),
		ChainID:   orZero(o.params.ChainID),
	}
}

// now reads the clock, never going back before the last batch.
func (o *Orchestrator) now() uint64 {
	t := o.clock().Unix()
	if t < 0 || uint64(t) < o.lastTime {
		return o.lastTime
	}

	return uint64(t)
}

func (o *Orchestrator) putHead(b callvm.Block) {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], b.Number)
	binary.BigEndian.PutUint64(buf[8:], b.Timestamp)

	o.store.Set(headKey, buf[:])
}
