package entrypoint

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/account"
	"OpBatch/internal/callvm"
	"OpBatch/internal/gas"
	"OpBatch/internal/operation"
	"OpBatch/internal/sponsor"
)

// validated is an operation that passed validation and holds a reservation.
type validated struct {
	op      *operation.Operation
	hash    common.Hash
	account account.Account

	sponsor *sponsor.Verifying // sponsor is nil for self-funded operations
	fields  operation.SponsorFields
	context []byte // context is handed to the sponsor's PostProcess

	payer   common.Address
	prefund *uint256.Int
	window  operation.Window

	verificationGas        uint64 // verificationGas is account creation plus authorization
	sponsorVerificationGas uint64
	executionLimit         uint64
	postOpLimit            uint64
}

// Simulation is the outcome of SimulateValidation.
type Simulation struct {
	OpHash          common.Hash      `json:"opHash"`
	Valid           bool             `json:"valid"`
	Failure         FailureKind      `json:"failure,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	Prefund         *uint256.Int     `json:"prefund"`
	Window          operation.Window `json:"window"`
	VerificationGas uint64           `json:"verificationGas"`
	SponsorGas      uint64           `json:"sponsorGas"`
}

// validate runs every pre-execution check of op and reserves its
// worst-case cost from the payer's deposit. Callers revert the store on
// rejection.
func (o *Orchestrator) validate(env *callvm.Env, op *operation.Operation, opHash common.Hash) (*validated, *rejection) {
	if err := op.CheckBounds(); err != nil {
		return nil, classify(err, NumericOverflow)
	}

	v := &validated{
		op:             op,
		hash:           opHash,
		payer:          op.Sender,
		executionLimit: gas.ClampUint64(op.ExecutionGasLimit),
	}

	if op.HasSponsor() {
		fields, err := op.Sponsor()
		if err != nil {
			return nil, classify(err, MalformedSponsorData)
		}
		v.fields = fields
		v.postOpLimit = gas.ClampUint64(fields.PostOpGasLimit)
	}

	// Limits that cannot fit even an empty batch fail this op alone.
	worstCase := gas.AddSaturating(
		gas.ClampUint64(op.PreVerificationGas),
		gas.ClampUint64(op.VerificationGasLimit),
		gas.ClampUint64(v.fields.VerificationGasLimit),
		v.executionLimit,
		v.postOpLimit,
		o.params.SafetyMargin,
	)
	if worstCase >= o.params.BatchGasLimit {
		return nil, reject(ExceedsBatchGasLimit, fmt.Errorf("worst case %d gas, batch limit %d", worstCase, o.params.BatchGasLimit))
	}

	verifMeter := gas.NewMeter(gas.ClampUint64(op.VerificationGasLimit))
	verifEnv := env.WithMeter(verifMeter)

	if rej := o.materialize(verifEnv, op); rej != nil {
		return nil, rej
	}

	if err := o.nonces.CheckAndConsume(op.Sender, op.Nonce); err != nil {
		return nil, classify(err, NonceMismatch)
	}

	v.prefund = gas.RequiredPrefund(op.MaxFeePerGas,
		op.VerificationGasLimit,
		op.ExecutionGasLimit,
		v.fields.VerificationGasLimit,
		v.fields.PostOpGasLimit,
		op.PreVerificationGas,
	)

	var quotaResetsAt uint64
	var sponsorWindow operation.Window

	if op.HasSponsor() {
		val, rej := o.validateSponsor(env, v)
		if rej != nil {
			return nil, rej
		}
		sponsorWindow = val.Window
		quotaResetsAt = val.QuotaResetsAt
	}

	acct, err := o.registry.Resolve(env.Store, op.Sender)
	if err != nil {
		return nil, classify(err, AccountNotDeployed)
	}
	v.account = acct

	missing := new(uint256.Int)
	if v.sponsor == nil {
		if deposit := o.ledger.BalanceOf(op.Sender); deposit.Lt(v.prefund) {
			missing.Sub(v.prefund, deposit)
		}
	}

	accountWindow, err := acct.ValidateOperation(verifEnv, o.params.Address, op, opHash, missing)
	v.verificationGas = verifMeter.Consumed()
	if err != nil {
		return nil, classify(err, InvalidSignature)
	}

	v.window = accountWindow.Intersect(sponsorWindow)
	if now := env.Block.Timestamp; !v.window.Contains(now) {
		return nil, reject(OutsideValidityWindow, fmt.Errorf("now %d outside [%d, %d]", now, v.window.ValidAfter, v.window.ValidUntil))
	}

	if quotaResetsAt != 0 && env.Block.Timestamp < quotaResetsAt {
		return nil, reject(DailyQuotaExceeded, fmt.Errorf("quota of %s with %s resets at %d", op.Sender.Hex(), v.fields.Sponsor.Hex(), quotaResetsAt))
	}

	if err := o.ledger.Debit(v.payer, v.prefund); err != nil {
		return nil, reject(InsufficientPrefund, err)
	}

	return v, nil
}

// materialize creates the sender from InitPayload, or checks that an
// existing sender carries none.
func (o *Orchestrator) materialize(env *callvm.Env, op *operation.Operation) *rejection {
	exists := o.registry.Exists(env.Store, op.Sender)

	if exists {
		if len(op.InitPayload) > 0 {
			return reject(AccountAlreadyDeployed, fmt.Errorf("%s exists but init payload given", op.Sender.Hex()))
		}
		return nil
	}

	factoryAddr, ok := op.InitFactory()
	if !ok {
		return reject(AccountNotDeployed, fmt.Errorf("%s has no account and no init payload", op.Sender.Hex()))
	}

	factory, ok := o.registry.Factory(factoryAddr)
	if !ok {
		return reject(AccountNotDeployed, fmt.Errorf("unknown factory %s", factoryAddr.Hex()))
	}

	addr, err := factory.Create(env, op.InitPayload[common.AddressLength:])
	if err != nil {
		return classify(err, AccountNotDeployed)
	}

	if addr != op.Sender {
		return reject(InitSenderMismatch, fmt.Errorf("factory created %s, sender is %s", addr.Hex(), op.Sender.Hex()))
	}

	if err := env.Emit(o.params.Address, "AccountDeployed", map[string]string{
		"account": addr.Hex(),
		"factory": factoryAddr.Hex(),
	}); err != nil {
		return classify(err, VerificationOOG)
	}

	return nil
}

// validateSponsor runs the sponsor's validation under its own meter and
// makes the sponsor the payer.
func (o *Orchestrator) validateSponsor(env *callvm.Env, v *validated) (*sponsor.Validation, *rejection) {
	sp, err := sponsor.Load(env.Store, v.fields.Sponsor)
	if err != nil {
		return nil, classify(err, UnknownSponsor)
	}

	minStake := orZero(o.params.MinSponsorStake)
	if !minStake.IsZero() || o.params.MinUnstakeDelay > 0 {
		if !o.ledger.IsStaked(sp.Address(), minStake, o.params.MinUnstakeDelay) {
			return nil, reject(SponsorNotStaked, fmt.Errorf("%s below stake %s or delay %d", sp.Address().Hex(), minStake.Dec(), o.params.MinUnstakeDelay))
		}
	}

	meter := gas.NewMeter(gas.ClampUint64(v.fields.VerificationGasLimit))

	val, err := sp.ValidateSponsorship(env.WithMeter(meter), v.op, v.fields, v.prefund)
	v.sponsorVerificationGas = meter.Consumed()
	if err != nil {
		return nil, classify(err, InvalidSignature)
	}

	if deposit := o.ledger.BalanceOf(sp.Address()); deposit.Lt(v.prefund) {
		return nil, reject(InsufficientPrefund, fmt.Errorf("sponsor deposit %s below prefund %s", deposit.Dec(), v.prefund.Dec()))
	}

	v.sponsor = sp
	v.context = val.Context
	v.payer = sp.Address()

	return val, nil
}

// SimulateValidation runs validation of op against current state and
// reverts everything it did. Submitters use it to filter operations.
func (o *Orchestrator) SimulateValidation(ctx context.Context, op *operation.Operation) (*Simulation, error) {
	if op == nil {
		return nil, ErrNilOperation
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	env := o.newEnv(ctx)
	cp := env.Snapshot()
	defer env.Revert(cp)

	hash := op.Hash(o.params.Address, o.params.ChainID)
	sim := &Simulation{OpHash: hash}

	v, rej := o.validate(env, op, hash)
	if rej != nil {
		sim.Failure = rej.kind
		sim.Reason = rej.err.Error()
		return sim, nil
	}

	sim.Valid = true
	sim.Prefund = v.prefund
	sim.Window = v.window
	sim.VerificationGas = v.verificationGas
	sim.SponsorGas = v.sponsorVerificationGas

	return sim, nil
}

// eventData renders the common fields of an operation event.
func eventData(r *Receipt) map[string]string {
	return map[string]string{
		"opHash":     r.OpHash.Hex(),
		"sender":     r.Sender.Hex(),
		"sponsor":    r.Sponsor.Hex(),
		"nonce":      orZero(r.Nonce).Dec(),
		"status":     r.Status.String(),
		"failure":    string(r.Failure),
		"actualGas":  strconv.FormatUint(r.ActualGas, 10),
		"actualCost": orZero(r.ActualCost).Dec(),
	}
}
