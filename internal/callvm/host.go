package callvm

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// execContext holds the state of a single WASM invocation.
type execContext struct {
	input        []byte     // input is the call data
	output       []byte     // output is the return data
	memory       api.Memory // memory is the WASM linear memory
	gasLimit     uint64     // gasLimit is the gas left in the caller's meter
	gasUsed      uint64     // gasUsed tracks consumed gas
	gasExhausted bool       // gasExhausted is true if gas limit was exceeded
}

// buildHostModule creates the "env" module with host functions.
func (p *Pool) buildHostModule(ctx context.Context, execCtx *execContext) (api.Module, error) {
	return p.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, cost uint32) {
			hostGas(execCtx, cost)
		}).
		Export("gas").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 {
			return uint32(len(execCtx.input))
		}).
		Export("input_len").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, ptr uint32) {
			hostReadInput(execCtx, ptr)
		}).
		Export("read_input").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, ptr, length uint32) {
			hostWriteOutput(execCtx, ptr, length)
		}).
		Export("write_output").
		Instantiate(ctx)
}

// hostGas charges cost. Panics past the limit to abort execution.
func hostGas(execCtx *execContext, cost uint32) {
	if uint64(cost) > execCtx.gasLimit-execCtx.gasUsed {
		execCtx.gasUsed = execCtx.gasLimit
		execCtx.gasExhausted = true
		panic("gas exhausted")
	}

	execCtx.gasUsed += uint64(cost)
}

// hostReadInput copies the input into WASM memory at ptr.
func hostReadInput(execCtx *execContext, ptr uint32) {
	if execCtx.memory == nil || len(execCtx.input) == 0 {
		return
	}

	execCtx.memory.Write(ptr, execCtx.input)
}

// hostWriteOutput copies length bytes at ptr out of WASM memory.
func hostWriteOutput(execCtx *execContext, ptr, length uint32) {
	if execCtx.memory == nil || length == 0 {
		return
	}

	data, ok := execCtx.memory.Read(ptr, length)
	if !ok {
		return
	}

	execCtx.output = make([]byte, length)
	copy(execCtx.output, data)
}
