package entrypoint

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/callvm"
	"OpBatch/internal/ledger"
	"OpBatch/internal/nonce"
	"OpBatch/internal/sponsor"
)

// orchestratorABIJSON lists the calls accounts can make to the orchestrator
// address. The sponsor* methods act for a sponsor and require its owner as caller.
const orchestratorABIJSON = `[
  {"type":"function","name":"depositTo","stateMutability":"payable","inputs":[
    {"name":"account","type":"address"}]},
  {"type":"function","name":"withdrawTo","inputs":[
    {"name":"to","type":"address"},
    {"name":"amount","type":"uint256"}]},
  {"type":"function","name":"addStake","inputs":[
    {"name":"amount","type":"uint256"},
    {"name":"unstakeDelaySec","type":"uint32"}]},
  {"type":"function","name":"unlockStake","inputs":[]},
  {"type":"function","name":"withdrawStake","inputs":[
    {"name":"to","type":"address"}]},
  {"type":"function","name":"incrementNonce","inputs":[
    {"name":"key","type":"uint192"}]},
  {"type":"function","name":"setSponsorPolicy","inputs":[
    {"name":"sponsor","type":"address"},
    {"name":"enabled","type":"bool"},
    {"name":"maxCostPerOperation","type":"uint256"},
    {"name":"maxSponsorshipsPerDay","type":"uint64"},
    {"name":"signatureRequired","type":"bool"},
    {"name":"verifyingKey","type":"address"}]},
  {"type":"function","name":"sponsorWithdrawTo","inputs":[
    {"name":"sponsor","type":"address"},
    {"name":"to","type":"address"},
    {"name":"amount","type":"uint256"}]},
  {"type":"function","name":"sponsorAddStake","inputs":[
    {"name":"sponsor","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"unstakeDelaySec","type":"uint32"}]},
  {"type":"function","name":"sponsorUnlockStake","inputs":[
    {"name":"sponsor","type":"address"}]},
  {"type":"function","name":"sponsorWithdrawStake","inputs":[
    {"name":"sponsor","type":"address"},
    {"name":"to","type":"address"}]}
]`

var (
	// ErrUnknownCall is returned for calldata with no matching orchestrator method.
	ErrUnknownCall = errors.New("unknown orchestrator call")

	// ErrValueNotAccepted is returned when value is sent to a non-payable method.
	ErrValueNotAccepted = errors.New("method does not accept value")
)

var orchestratorABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(orchestratorABIJSON))
	if err != nil {
		panic(err)
	}

	return parsed
}

// EncodeCall packs a call to the orchestrator, for use as the data of an
// account's execute.
func EncodeCall(method string, args ...any) ([]byte, error) {
	for i, a := range args {
		if v, ok := a.(*uint256.Int); ok {
			args[i] = orZero(v).ToBig()
		}
	}

	return orchestratorABI.Pack(method, args...)
}

// target serves calls made to the orchestrator address from inside operations.
type target struct{}

// Call runs one orchestrator method for caller. Value sent along has
// already moved to the orchestrator address.
func (target) Call(env *callvm.Env, caller common.Address, value *uint256.Int, data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("calldata of %d bytes: %w", len(data), ErrUnknownCall)
	}

	method, err := orchestratorABI.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("%x: %w", data[:4], ErrUnknownCall)
	}

	if !method.IsPayable() && !value.IsZero() {
		return nil, fmt.Errorf("%s: %w", method.Name, ErrValueNotAccepted)
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack %s:\n%w", method.Name, err)
	}

	if err := env.Charge(env.Schedule.StorageWrite, method.Name); err != nil {
		return nil, err
	}

	switch method.Name {
	case "depositTo":
		return nil, depositFor(env, env.Orchestrator, args[0].(common.Address), value)
	case "withdrawTo":
		return nil, withdrawTo(env, caller, args[0].(common.Address), u256(args[1]))
	case "addStake":
		return nil, addStake(env, caller, u256(args[0]), args[1].(uint32))
	case "unlockStake":
		return nil, unlockStake(env, caller)
	case "withdrawStake":
		_, err := withdrawStake(env, caller, args[0].(common.Address))
		return nil, err
	case "incrementNonce":
		return nil, incrementNonce(env, caller, u256(args[0]))
	case "setSponsorPolicy":
		return nil, setSponsorPolicy(env, caller, args[0].(common.Address), sponsor.Policy{
			Enabled:               args[1].(bool),
			MaxCostPerOperation:   u256(args[2]),
			MaxSponsorshipsPerDay: args[3].(uint64),
			SignatureRequired:     args[4].(bool),
			VerifyingKey:          args[5].(common.Address),
		})
	case "sponsorWithdrawTo":
		return nil, sponsorWithdrawTo(env, caller, args[0].(common.Address), args[1].(common.Address), u256(args[2]))
	case "sponsorAddStake":
		return nil, sponsorAddStake(env, caller, args[0].(common.Address), u256(args[1]), args[2].(uint32))
	case "sponsorUnlockStake":
		return nil, sponsorUnlockStake(env, caller, args[0].(common.Address))
	case "sponsorWithdrawStake":
		_, err := sponsorWithdrawStake(env, caller, args[0].(common.Address), args[1].(common.Address))
		return nil, err
	}

	return nil, ErrUnknownCall
}

func depositFor(env *callvm.Env, payer, account common.Address, amount *uint256.Int) error {
	return ledger.New(env.Store).DepositFor(payer, account, amount)
}

func withdrawTo(env *callvm.Env, caller, to common.Address, amount *uint256.Int) error {
	return ledger.New(env.Store).WithdrawTo(caller, to, amount)
}

func addStake(env *callvm.Env, caller common.Address, amount *uint256.Int, unstakeDelaySec uint32) error {
	return ledger.New(env.Store).AddStake(caller, amount, unstakeDelaySec)
}

func unlockStake(env *callvm.Env, caller common.Address) error {
	return ledger.New(env.Store).UnlockStake(caller, env.Block.Timestamp)
}

func withdrawStake(env *callvm.Env, caller, to common.Address) (*uint256.Int, error) {
	return ledger.New(env.Store).WithdrawStake(caller, to, env.Block.Timestamp)
}

func incrementNonce(env *callvm.Env, caller common.Address, key *uint256.Int) error {
	return nonce.New(env.Store).Increment(caller, caller, key)
}

func setSponsorPolicy(env *callvm.Env, caller, addr common.Address, policy sponsor.Policy) error {
	sp, err := sponsor.Load(env.Store, addr)
	if err != nil {
		return err
	}

	return sp.SetPolicy(env.Store, caller, policy)
}

func sponsorWithdrawTo(env *callvm.Env, caller, addr, to common.Address, amount *uint256.Int) error {
	sp, err := sponsor.Load(env.Store, addr)
	if err != nil {
		return err
	}

	return sp.WithdrawTo(env.Store, caller, to, amount)
}

func sponsorAddStake(env *callvm.Env, caller, addr common.Address, amount *uint256.Int, unstakeDelaySec uint32) error {
	sp, err := sponsor.Load(env.Store, addr)
	if err != nil {
		return err
	}

	return sp.AddStake(env.Store, caller, amount, unstakeDelaySec)
}

func sponsorUnlockStake(env *callvm.Env, caller, addr common.Address) error {
	sp, err := sponsor.Load(env.Store, addr)
	if err != nil {
		return err
	}

	return sp.UnlockStake(env.Store, caller, env.Block.Timestamp)
}

func sponsorWithdrawStake(env *callvm.Env, caller, addr, to common.Address) (*uint256.Int, error) {
	sp, err := sponsor.Load(env.Store, addr)
	if err != nil {
		return nil, err
	}

	return sp.WithdrawStake(env.Store, caller, to, env.Block.Timestamp)
}

func u256(v any) *uint256.Int {
	out, overflow := uint256.FromBig(v.(*big.Int))
	if overflow {
		return new(uint256.Int).SetAllOne()
	}

	return out
}
