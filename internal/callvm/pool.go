package callvm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/zeebo/blake3"
)

var (
	// ErrModuleNotFound is returned when a module ID is not found in the pool.
	ErrModuleNotFound = errors.New("module not found")

	// ErrGasExhausted is returned when a WASM call runs out of gas.
	ErrGasExhausted = errors.New("gas exhausted")
)

// Pool compiles WASM call targets once and instantiates them per call.
// Modules are keyed by the blake3 hash of their code.
type Pool struct {
	runtime wazero.Runtime                     // runtime is the wazero runtime instance
	modules map[[32]byte]wazero.CompiledModule // modules maps code hash to compiled module
	mu      sync.RWMutex                       // mu protects modules
	runMu   sync.Mutex                         // runMu serializes runs, each registers its own "env"
}

// NewPool creates a Pool with an initialized wazero runtime.
func NewPool(ctx context.Context) *Pool {
	return &Pool{
		runtime: wazero.NewRuntime(ctx),
		modules: make(map[[32]byte]wazero.CompiledModule),
	}
}

// Load compiles code if needed and returns its module ID.
func (p *Pool) Load(ctx context.Context, code []byte) ([32]byte, error) {
	id := blake3.Sum256(code)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.modules[id]; exists {
		return id, nil
	}

	compiled, err := p.runtime.CompileModule(ctx, code)
	if err != nil {
		return [32]byte{}, fmt.Errorf("compile module:\n%w", err)
	}

	p.modules[id] = compiled

	return id, nil
}

// Execute runs a module's exported "execute" with input and a gas limit.
// Returns the output bytes and the gas consumed, also on failure.
func (p *Pool) Execute(ctx context.Context, id [32]byte, input []byte, gasLimit uint64) ([]byte, uint64, error) {
	p.mu.RLock()
	compiled, exists := p.modules[id]
	p.mu.RUnlock()

	if !exists {
		return nil, 0, ErrModuleNotFound
	}

	p.runMu.Lock()
	defer p.runMu.Unlock()

	return p.executeModule(ctx, compiled, input, gasLimit)
}

// executeModule instantiates and runs a compiled module.
func (p *Pool) executeModule(ctx context.Context, compiled wazero.CompiledModule, input []byte, gasLimit uint64) ([]byte, uint64, error) {
	execCtx := &execContext{
		input:    input,
		gasLimit: gasLimit,
	}

	hostModule, err := p.buildHostModule(ctx, execCtx)
	if err != nil {
		return nil, 0, fmt.Errorf("build host module:\n%w", err)
	}
	defer hostModule.Close(ctx)

	instance, err := p.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, execCtx.gasUsed, fmt.Errorf("instantiate module:\n%w", err)
	}
	defer instance.Close(ctx)

	execCtx.memory = instance.Memory()

	return p.callExecute(ctx, instance, execCtx)
}

// callExecute calls the execute function on the WASM instance.
func (p *Pool) callExecute(ctx context.Context, instance api.Module, execCtx *execContext) ([]byte, uint64, error) {
	executeFn := instance.ExportedFunction("execute")
	if executeFn == nil {
		return nil, execCtx.gasUsed, fmt.Errorf("execute function not exported")
	}

	if _, err := executeFn.Call(ctx); err != nil {
		if execCtx.gasExhausted {
			return nil, execCtx.gasLimit, ErrGasExhausted
		}

		return nil, execCtx.gasUsed, fmt.Errorf("execute:\n%w", err)
	}

	return execCtx.output, execCtx.gasUsed, nil
}

// Close releases all resources held by the pool.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, compiled := range p.modules {
		compiled.Close(ctx)
		delete(p.modules, id)
	}

	return p.runtime.Close(ctx)
}
