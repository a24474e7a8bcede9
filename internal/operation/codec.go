package operation

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/holiman/uint256"

	"OpBatch/internal/types"
)

// ErrMalformed is returned when bytes do not decode to an operation or batch.
var ErrMalformed = errors.New("malformed encoding")

// Encode serializes op as a FlatBuffers Operation.
func Encode(op *Operation) []byte {
	builder := flatbuffers.NewBuilder(512 + len(op.InitPayload) + len(op.ExecPayload) + len(op.SponsorPayload))
	builder.Finish(buildOperation(builder, op))

	return builder.FinishedBytes()
}

// EncodeBatch serializes ops and the beneficiary as a FlatBuffers OperationBatch.
func EncodeBatch(ops []*Operation, beneficiary common.Address) []byte {
	builder := flatbuffers.NewBuilder(1024 * (len(ops) + 1))

	offsets := make([]flatbuffers.UOffsetT, len(ops))
	for i, op := range ops {
		offsets[i] = buildOperation(builder, op)
	}

	types.OperationBatchStartOperationsVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	opsVec := builder.EndVector(len(offsets))

	benVec := builder.CreateByteVector(beneficiary.Bytes())

	types.OperationBatchStart(builder)
	types.OperationBatchAddOperations(builder, opsVec)
	types.OperationBatchAddBeneficiary(builder, benVec)
	builder.Finish(types.OperationBatchEnd(builder))

	return builder.FinishedBytes()
}

// buildOperation writes op's table into builder.
func buildOperation(builder *flatbuffers.Builder, op *Operation) flatbuffers.UOffsetT {
	sender := builder.CreateByteVector(op.Sender.Bytes())
	nonce := builder.CreateByteVector(word(op.Nonce))
	initPayload := builder.CreateByteVector(op.InitPayload)
	execPayload := builder.CreateByteVector(op.ExecPayload)
	preVerif := builder.CreateByteVector(word(op.PreVerificationGas))
	verifLimit := builder.CreateByteVector(word(op.VerificationGasLimit))
	execLimit := builder.CreateByteVector(word(op.ExecutionGasLimit))
	maxFee := builder.CreateByteVector(word(op.MaxFeePerGas))
	maxPriority := builder.CreateByteVector(word(op.MaxPriorityFeePerGas))
	sponsor := builder.CreateByteVector(op.SponsorPayload)
	auth := builder.CreateByteVector(op.Authorization)

	types.OperationStart(builder)
	types.OperationAddSender(builder, sender)
	types.OperationAddNonce(builder, nonce)
	types.OperationAddInitPayload(builder, initPayload)
	types.OperationAddExecPayload(builder, execPayload)
	types.OperationAddPreVerificationGas(builder, preVerif)
	types.OperationAddVerificationGasLimit(builder, verifLimit)
	types.OperationAddExecutionGasLimit(builder, execLimit)
	types.OperationAddMaxFeePerGas(builder, maxFee)
	types.OperationAddMaxPriorityFeePerGas(builder, maxPriority)
	types.OperationAddSponsorPayload(builder, sponsor)
	types.OperationAddAuthorization(builder, auth)

	return types.OperationEnd(builder)
}

// Decode parses a FlatBuffers Operation.
func Decode(data []byte) (op *Operation, err error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short: %w", ErrMalformed)
	}

	defer recoverMalformed(&err)

	return fromTable(types.GetRootAsOperation(data, 0))
}

// DecodeBatch parses a FlatBuffers OperationBatch.
func DecodeBatch(data []byte) (ops []*Operation, beneficiary common.Address, err error) {
	if len(data) < 8 {
		return nil, common.Address{}, fmt.Errorf("data too short: %w", ErrMalformed)
	}

	defer recoverMalformed(&err)

	batch := types.GetRootAsOperationBatch(data, 0)

	ben := batch.BeneficiaryBytes()
	if len(ben) != common.AddressLength {
		return nil, common.Address{}, fmt.Errorf("beneficiary length %d: %w", len(ben), ErrMalformed)
	}
	beneficiary = common.BytesToAddress(ben)

	ops = make([]*Operation, batch.OperationsLength())
	var tbl types.Operation

	for i := range ops {
		if !batch.Operations(&tbl, i) {
			return nil, common.Address{}, fmt.Errorf("read operation %d: %w", i, ErrMalformed)
		}

		op, err := fromTable(&tbl)
		if err != nil {
			return nil, common.Address{}, fmt.Errorf("operation %d:\n%w", i, err)
		}
		ops[i] = op
	}

	return ops, beneficiary, nil
}

// fromTable copies a decoded table into an Operation.
func fromTable(t *types.Operation) (*Operation, error) {
	sender := t.SenderBytes()
	if len(sender) != common.AddressLength {
		return nil, fmt.Errorf("sender length %d: %w", len(sender), ErrMalformed)
	}

	op := &Operation{
		Sender:         common.BytesToAddress(sender),
		InitPayload:    clone(t.InitPayloadBytes()),
		ExecPayload:    clone(t.ExecPayloadBytes()),
		SponsorPayload: clone(t.SponsorPayloadBytes()),
		Authorization:  clone(t.AuthorizationBytes()),
	}

	nums := []struct {
		name string
		raw  []byte
		dst  **uint256.Int
	}{
		{"nonce", t.NonceBytes(), &op.Nonce},
		{"preVerificationGas", t.PreVerificationGasBytes(), &op.PreVerificationGas},
		{"verificationGasLimit", t.VerificationGasLimitBytes(), &op.VerificationGasLimit},
		{"executionGasLimit", t.ExecutionGasLimitBytes(), &op.ExecutionGasLimit},
		{"maxFeePerGas", t.MaxFeePerGasBytes(), &op.MaxFeePerGas},
		{"maxPriorityFeePerGas", t.MaxPriorityFeePerGasBytes(), &op.MaxPriorityFeePerGas},
	}

	for _, n := range nums {
		if len(n.raw) > 32 {
			return nil, fmt.Errorf("%s length %d: %w", n.name, len(n.raw), ErrMalformed)
		}
		*n.dst = new(uint256.Int).SetBytes(n.raw)
	}

	return op, nil
}

// recoverMalformed turns a FlatBuffers out-of-range panic into ErrMalformed.
func recoverMalformed(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("decode panic %v: %w", r, ErrMalformed)
	}
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}
