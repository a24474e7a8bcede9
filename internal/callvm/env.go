// Package callvm is the execution environment operations run in: a journaled
// store, gas metering, event logs, and dispatch of calls to native Go
// targets or WASM contracts.
package callvm

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/gas"
	"OpBatch/internal/state"
)

// Block is the environment clock and pricing for one batch.
type Block struct {
	Number    uint64       // Number counts batches
	Timestamp uint64       // Timestamp is unix seconds, monotonic across batches
	BaseFee   *uint256.Int // BaseFee is the protocol base price per gas
	ChainID   *uint256.Int // ChainID separates signature domains
}

// Event is a record emitted during processing.
type Event struct {
	Emitter common.Address    `json:"emitter"`
	Name    string            `json:"name"`
	Data    map[string]string `json:"data,omitempty"`
}

// Checkpoint identifies a point Revert can return to.
type Checkpoint struct {
	store  int
	events int
}

// Env carries everything a call needs. Copies made by WithMeter share the
// store and event log but meter gas separately.
type Env struct {
	Ctx          context.Context
	Store        *state.Store
	VM           *Machine
	Block        Block
	Orchestrator common.Address // Orchestrator is the address relayed calls come from
	Schedule     gas.Schedule
	Meter        *gas.Meter // Meter is nil for unmetered calls

	events *[]Event
}

// NewEnv creates an unmetered environment.
func NewEnv(ctx context.Context, store *state.Store, vm *Machine, block Block, orchestrator common.Address, schedule gas.Schedule) *Env {
	return &Env{
		Ctx:          ctx,
		Store:        store,
		VM:           vm,
		Block:        block,
		Orchestrator: orchestrator,
		Schedule:     schedule,
		events:       &[]Event{},
	}
}

// WithMeter returns a copy of e charging gas to m.
func (e *Env) WithMeter(m *gas.Meter) *Env {
	c := *e
	c.Meter = m

	return &c
}

// Charge consumes gas from the meter, if any.
func (e *Env) Charge(amount uint64, descriptor string) error {
	if e.Meter == nil {
		return nil
	}

	return e.Meter.Consume(amount, descriptor)
}

// Remaining returns the gas left in the meter, or MaxUint64 when unmetered.
func (e *Env) Remaining() uint64 {
	if e.Meter == nil {
		return ^uint64(0)
	}

	return e.Meter.Remaining()
}

// Emit charges for and appends an event.
func (e *Env) Emit(emitter common.Address, name string, data map[string]string) error {
	if err := e.Charge(e.Schedule.Event, "emit "+name); err != nil {
		return err
	}

	*e.events = append(*e.events, Event{Emitter: emitter, Name: name, Data: data})

	return nil
}

// Events returns the events emitted so far.
func (e *Env) Events() []Event {
	return *e.events
}

// Snapshot captures store and event log positions.
func (e *Env) Snapshot() Checkpoint {
	return Checkpoint{store: e.Store.Snapshot(), events: len(*e.events)}
}

// Revert undoes every write and event after cp.
func (e *Env) Revert(cp Checkpoint) {
	e.Store.RevertToSnapshot(cp.store)

	if cp.events <= len(*e.events) {
		*e.events = (*e.events)[:cp.events]
	}
}

// Call performs a sub-call from one address to another.
func (e *Env) Call(from, to common.Address, value *uint256.Int, data []byte) ([]byte, error) {
	return e.VM.Call(e, from, to, value, data)
}
