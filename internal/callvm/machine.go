package callvm

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/gas"
	"OpBatch/internal/state"
)

var (
	// ErrReverted is returned by targets that reject a call.
	ErrReverted = errors.New("execution reverted")

	// ErrCodeExists is returned when deploying to an address that has code.
	ErrCodeExists = errors.New("code already deployed")
)

// wasmMagic prefixes every WASM binary.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// Target is a call destination implemented in Go.
type Target interface {
	Call(env *Env, caller common.Address, value *uint256.Int, data []byte) ([]byte, error)
}

// TargetFunc adapts a function to Target.
type TargetFunc func(env *Env, caller common.Address, value *uint256.Int, data []byte) ([]byte, error)

// Call calls f.
func (f TargetFunc) Call(env *Env, caller common.Address, value *uint256.Int, data []byte) ([]byte, error) {
	return f(env, caller, value, data)
}

// Resolver finds a native target for an address from state, such as an
// account record. It is consulted after registered targets.
type Resolver func(store *state.Store, addr common.Address) (Target, bool)

// Machine dispatches calls to registered native targets, resolved targets,
// and WASM code stored in state. Addresses with none of these just receive value.
type Machine struct {
	pool     *Pool
	targets  map[common.Address]Target
	resolver Resolver
	mu       sync.RWMutex
}

// NewMachine creates a Machine running WASM code on pool.
func NewMachine(pool *Pool) *Machine {
	return &Machine{
		pool:    pool,
		targets: make(map[common.Address]Target),
	}
}

// Register binds a native target to addr.
func (m *Machine) Register(addr common.Address, t Target) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.targets[addr] = t
}

// SetResolver installs r as the fallback lookup for unregistered addresses.
func (m *Machine) SetResolver(r Resolver) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resolver = r
}

// Deploy validates a WASM module and stores it as the code of addr.
func (m *Machine) Deploy(env *Env, addr common.Address, code []byte) error {
	if env.Store.Code(addr) != nil {
		return fmt.Errorf("%s: %w", addr.Hex(), ErrCodeExists)
	}

	if !IsWASM(code) {
		return fmt.Errorf("deploy %s: not a wasm module", addr.Hex())
	}

	if _, err := m.pool.Load(env.Ctx, code); err != nil {
		return fmt.Errorf("deploy %s:\n%w", addr.Hex(), err)
	}

	env.Store.SetCode(addr, code)

	return nil
}

// Call moves value from one address to another and runs the destination.
// Any failure reverts the call's writes and events.
func (m *Machine) Call(env *Env, from, to common.Address, value *uint256.Int, data []byte) ([]byte, error) {
	if value == nil {
		value = new(uint256.Int)
	}

	cp := env.Snapshot()

	out, err := m.call(env, from, to, value, data)
	if err != nil {
		env.Revert(cp)
		return nil, fmt.Errorf("call %s:\n%w", to.Hex(), err)
	}

	return out, nil
}

func (m *Machine) call(env *Env, from, to common.Address, value *uint256.Int, data []byte) ([]byte, error) {
	if err := env.Charge(env.Schedule.CallBase, "call"); err != nil {
		return nil, err
	}

	if !value.IsZero() {
		if err := env.Charge(env.Schedule.ValueTransfer, "value transfer"); err != nil {
			return nil, err
		}

		if err := env.Store.Transfer(from, to, value); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	target, ok := m.targets[to]
	resolve := m.resolver
	m.mu.RUnlock()

	if !ok && resolve != nil {
		target, ok = resolve(env.Store, to)
	}

	if ok {
		return target.Call(env, from, value, data)
	}

	if code := env.Store.Code(to); IsWASM(code) {
		return m.runWASM(env, code, data)
	}

	return nil, nil
}

// runWASM executes code with the gas left in env's meter.
func (m *Machine) runWASM(env *Env, code, data []byte) ([]byte, error) {
	id, err := m.pool.Load(env.Ctx, code)
	if err != nil {
		return nil, err
	}

	out, used, err := m.pool.Execute(env.Ctx, id, data, env.Remaining())

	if errors.Is(err, ErrGasExhausted) {
		if env.Meter != nil {
			env.Meter.Exhaust()
		}
		return nil, fmt.Errorf("%w: %w", ErrGasExhausted, gas.ErrOutOfGas)
	}

	if chargeErr := env.Charge(used, "wasm"); chargeErr != nil {
		return nil, chargeErr
	}

	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrReverted, err)
	}

	return out, nil
}

// IsWASM reports whether code is a WASM binary.
func IsWASM(code []byte) bool {
	return bytes.HasPrefix(code, wasmMagic)
}
