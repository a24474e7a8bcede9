package callvm

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/gas"
	"OpBatch/internal/state"
)

// gasWASM imports env.gas and exports execute, which calls gas(500).
var gasWASM = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x08, 0x02, 0x60, 0x01, 0x7f, 0x00, 0x60, 0x00, 0x00,
	0x02, 0x0b, 0x01, 0x03, 0x65, 0x6e, 0x76, 0x03, 0x67, 0x61, 0x73, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x01,
	0x07, 0x0b, 0x01, 0x07, 0x65, 0x78, 0x65, 0x63, 0x75, 0x74, 0x65, 0x00, 0x01,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x41, 0xf4, 0x03, 0x10, 0x00, 0x0b,
}

// trapWASM has the same imports and an execute body of `unreachable`.
var trapWASM = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x08, 0x02, 0x60, 0x01, 0x7f, 0x00, 0x60, 0x00, 0x00,
	0x02, 0x0b, 0x01, 0x03, 0x65, 0x6e, 0x76, 0x03, 0x67, 0x61, 0x73, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x01,
	0x07, 0x0b, 0x01, 0x07, 0x65, 0x78, 0x65, 0x63, 0x75, 0x74, 0x65, 0x00, 0x01,
	0x0a, 0x05, 0x01, 0x03, 0x00, 0x00, 0x0b,
}

var (
	alice    = common.HexToAddress("0xa11ce00000000000000000000000000000000000")
	contract = common.HexToAddress("0xc0de000000000000000000000000000000000000")
)

// newTestEnv returns an environment metered at limit with alice funded.
func newTestEnv(t *testing.T, limit uint64) *Env {
	t.Helper()

	ctx := context.Background()
	pool := NewPool(ctx)
	t.Cleanup(func() { pool.Close(ctx) })

	store := state.NewMemory()
	store.SetBalance(alice, uint256.NewInt(1000))

	env := NewEnv(ctx, store, NewMachine(pool), Block{Timestamp: 1}, common.Address{}, gas.DefaultSchedule())

	return env.WithMeter(gas.NewMeter(limit))
}

func TestCall_PlainTransfer(t *testing.T) {
	env := newTestEnv(t, 100000)
	bob := common.HexToAddress("0xb0b")

	if _, err := env.Call(alice, bob, uint256.NewInt(250), nil); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	if got := env.Store.Balance(bob).Uint64(); got != 250 {
		t.Errorf("bob = %d, want 250", got)
	}

	want := env.Schedule.CallBase + env.Schedule.ValueTransfer
	if env.Meter.Consumed() != want {
		t.Errorf("gas = %d, want %d", env.Meter.Consumed(), want)
	}
}

func TestCall_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t, 100000)

	_, err := env.Call(alice, contract, uint256.NewInt(5000), nil)
	if !errors.Is(err, state.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}
}

func TestCall_NativeTargetRevertRollsBack(t *testing.T) {
	env := newTestEnv(t, 100000)

	env.VM.Register(contract, TargetFunc(func(env *Env, caller common.Address, value *uint256.Int, data []byte) ([]byte, error) {
		env.Store.Set([]byte("x:written"), []byte{1})
		_ = env.Emit(contract, "Touched", nil)
		return nil, ErrReverted
	}))

	_, err := env.Call(alice, contract, uint256.NewInt(10), nil)
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("got %v, want ErrReverted", err)
	}

	if env.Store.Has([]byte("x:written")) {
		t.Error("reverted write survived")
	}
	if len(env.Events()) != 0 {
		t.Errorf("got %d events, want 0", len(env.Events()))
	}
	if got := env.Store.Balance(alice).Uint64(); got != 1000 {
		t.Errorf("alice = %d, want 1000 after revert", got)
	}
}

func TestCall_NativeTargetOutput(t *testing.T) {
	env := newTestEnv(t, 100000)

	env.VM.Register(contract, TargetFunc(func(env *Env, caller common.Address, value *uint256.Int, data []byte) ([]byte, error) {
		return append([]byte("echo:"), data...), nil
	}))

	out, err := env.Call(alice, contract, nil, []byte("hi"))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	if string(out) != "echo:hi" {
		t.Errorf("out = %q, want echo:hi", out)
	}
}

func TestCall_WASMChargesHostGas(t *testing.T) {
	env := newTestEnv(t, 100000)

	if err := env.VM.Deploy(env, contract, gasWASM); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	if _, err := env.Call(alice, contract, nil, nil); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	want := env.Schedule.CallBase + 500
	if env.Meter.Consumed() != want {
		t.Errorf("gas = %d, want %d", env.Meter.Consumed(), want)
	}
}

func TestCall_WASMGasExhausted(t *testing.T) {
	env := newTestEnv(t, gas.DefaultSchedule().CallBase+100)

	if err := env.VM.Deploy(env, contract, gasWASM); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	_, err := env.Call(alice, contract, nil, nil)
	if !errors.Is(err, ErrGasExhausted) || !errors.Is(err, gas.ErrOutOfGas) {
		t.Fatalf("got %v, want ErrGasExhausted and ErrOutOfGas", err)
	}

	if env.Meter.Remaining() != 0 {
		t.Errorf("remaining = %d, want 0", env.Meter.Remaining())
	}
}

func TestCall_WASMTrapReverts(t *testing.T) {
	env := newTestEnv(t, 100000)

	if err := env.VM.Deploy(env, contract, trapWASM); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	_, err := env.Call(alice, contract, uint256.NewInt(1), nil)
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("got %v, want ErrReverted", err)
	}

	if got := env.Store.Balance(alice).Uint64(); got != 1000 {
		t.Errorf("alice = %d, want 1000 after trap", got)
	}
}

func TestDeploy_Errors(t *testing.T) {
	env := newTestEnv(t, 100000)

	if err := env.VM.Deploy(env, contract, []byte("not wasm")); err == nil {
		t.Error("deployed non-wasm code")
	}

	if err := env.VM.Deploy(env, contract, gasWASM); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	if err := env.VM.Deploy(env, contract, gasWASM); !errors.Is(err, ErrCodeExists) {
		t.Errorf("redeploy: got %v, want ErrCodeExists", err)
	}
}

func TestPool_ModuleNotFound(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(ctx)
	defer pool.Close(ctx)

	var unknownID [32]byte

	_, _, err := pool.Execute(ctx, unknownID, nil, 1000)
	if !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("got %v, want ErrModuleNotFound", err)
	}
}

func TestEnv_UnmeteredCharge(t *testing.T) {
	env := newTestEnv(t, 0)
	env.Meter = nil

	if err := env.Charge(1<<40, "anything"); err != nil {
		t.Errorf("unmetered charge failed: %v", err)
	}
}
