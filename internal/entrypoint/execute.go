package entrypoint

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"OpBatch/internal/callvm"
	"OpBatch/internal/gas"
	"OpBatch/internal/logger"
	"OpBatch/internal/operation"
	"OpBatch/internal/sponsor"
)

// processOp validates, executes and settles one operation. Per-operation
// failures end up in the receipt; only batch-level failures are returned.
func (o *Orchestrator) processOp(env *callvm.Env, batchMeter *gas.Meter, op *operation.Operation) (*Receipt, error) {
	hash := op.Hash(o.params.Address, o.params.ChainID)
	r := &Receipt{
		OpHash:     hash,
		Sender:     op.Sender,
		Nonce:      orZero(op.Nonce).Clone(),
		ActualCost: new(uint256.Int),
	}

	cp := env.Snapshot()

	v, rej := o.validate(env, op, hash)
	if rej != nil {
		env.Revert(cp)

		r.Status = StatusRejected
		r.Failure = rej.kind
		r.Reason = rej.err.Error()

		logger.Debug("operation rejected", "op", hash.Hex(), "sender", op.Sender.Hex(), "failure", rej.kind, "reason", r.Reason)

		return r, env.Emit(o.params.Address, "OperationRejected", eventData(r))
	}

	if v.sponsor != nil {
		r.Sponsor = v.sponsor.Address()
	}

	validationGas := gas.AddSaturating(gas.ClampUint64(op.PreVerificationGas), v.verificationGas, v.sponsorVerificationGas)
	if err := batchMeter.Consume(validationGas, "validation"); err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrBatchOutOfGas, err)
	}

	need := gas.AddSaturating(v.executionLimit, v.postOpLimit, o.params.SafetyMargin)
	if batchMeter.Remaining() <= need {
		return nil, fmt.Errorf("%d gas left, operation needs more than %d: %w", batchMeter.Remaining(), need, ErrBatchOutOfGas)
	}

	if err := o.execute(env, v, r); err != nil {
		return nil, err
	}

	if err := batchMeter.Consume(r.ActualGas-validationGas, "execution"); err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrBatchOutOfGas, err)
	}

	name := "OperationSettled"
	if r.Status == StatusReverted {
		logger.Warn("operation reverted", "op", hash.Hex(), "sender", op.Sender.Hex(), "failure", r.Failure, "reason", r.Reason)
		name = "OperationReverted"
	}

	return r, env.Emit(o.params.Address, name, eventData(r))
}

// execute runs the exec payload and sponsor post-processing of a
// validated operation, then settles its cost.
func (o *Orchestrator) execute(env *callvm.Env, v *validated, r *Receipt) error {
	price := gas.EffectivePrice(v.op.MaxFeePerGas, v.op.MaxPriorityFeePerGas, env.Block.BaseFee)

	execMeter := gas.NewMeter(v.executionLimit)
	execStart := env.Snapshot()

	r.Status = StatusSucceeded
	mode := sponsor.ModeSucceeded

	if err := v.account.Handle(env.WithMeter(execMeter), o.params.Address, v.op.ExecPayload); err != nil {
		env.Revert(execStart)

		r.Status = StatusReverted
		r.Failure = Reverted
		r.Reason = err.Error()
		mode = sponsor.ModeReverted
	}

	execPenalty := gas.ClampUint64(gas.UnusedPenalty(v.op.ExecutionGasLimit, execMeter.Consumed(), o.params.PenaltyPercent, o.params.PenaltyThreshold))

	actualGas := gas.AddSaturating(
		gas.ClampUint64(v.op.PreVerificationGas),
		v.verificationGas,
		v.sponsorVerificationGas,
		execMeter.Consumed(),
		execPenalty,
	)

	var postOpGas, postOpPenalty uint64

	if v.sponsor != nil {
		postMeter := gas.NewMeter(v.postOpLimit)
		costSoFar := new(uint256.Int).Mul(uint256.NewInt(actualGas), price)

		if err := v.sponsor.PostProcess(env.WithMeter(postMeter), mode, v.context, costSoFar); err != nil {
			env.Revert(execStart)

			r.Status = StatusReverted
			r.Failure = PostOpReverted
			r.Reason = err.Error()

			// The sponsor still pays, so the quota must still move.
			if err := v.sponsor.PostProcess(env.WithMeter(nil), sponsor.ModePostOpReverted, v.context, costSoFar); err != nil {
				return fmt.Errorf("tally sponsorship of %s:\n%w", v.op.Sender.Hex(), err)
			}
		}

		postOpGas = postMeter.Consumed()
		postOpPenalty = gas.ClampUint64(gas.UnusedPenalty(v.fields.PostOpGasLimit, postOpGas, o.params.PenaltyPercent, o.params.PenaltyThreshold))
	}

	r.ActualGas = gas.AddSaturating(actualGas, postOpGas, postOpPenalty)
	r.PenaltyGas = execPenalty + postOpPenalty

	return o.settle(v, r, price)
}

// settle charges the actual cost against the reservation and refunds the rest.
func (o *Orchestrator) settle(v *validated, r *Receipt, price *uint256.Int) error {
	cost, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(r.ActualGas), price)
	if overflow || cost.Gt(v.prefund) {
		cost = v.prefund.Clone()

		r.Status = StatusReverted
		r.Failure = PrefundBelowActualCost
		r.Reason = fmt.Sprintf("actual cost above prefund %s", v.prefund.Dec())
	}

	r.ActualCost = cost

	refund := new(uint256.Int).Sub(v.prefund, cost)
	if err := o.ledger.Credit(v.payer, refund); err != nil {
		return fmt.Errorf("refund %s:\n%w: %w", v.payer.Hex(), ErrLedgerInconsistent, err)
	}

	return nil
}

// newEnv returns an environment for the batch that would run next.
func (o *Orchestrator) newEnv(ctx context.Context) *callvm.Env {
	return callvm.NewEnv(ctx, o.store, o.vm, o.nextBlock(), o.params.Address, o.params.Schedule)
}
