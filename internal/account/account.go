// Package account implements the accounts operations act for: owner-signed
// smart accounts created by a factory, and externally-owned identities that
// adopt account logic through a delegation marker.
package account

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/callvm"
	"OpBatch/internal/ledger"
	"OpBatch/internal/operation"
)

// ErrInvalidSignature is returned when an authorization does not match the owner.
var ErrInvalidSignature = errors.New("invalid signature")

// Account validates operations and performs their calls.
type Account interface {
	// Address is the account identifier.
	Address() common.Address

	// Owner is the credential that signs for the account.
	Owner() common.Address

	// ValidateOperation checks the operation's authorization and, when
	// missingFunds is non-zero, tops up the account's deposit from its
	// native balance. Only the orchestrator may call it.
	ValidateOperation(env *callvm.Env, caller common.Address, op *operation.Operation, opHash common.Hash, missingFunds *uint256.Int) (operation.Window, error)

	// Execute performs one call from the account.
	Execute(env *callvm.Env, caller, target common.Address, value *uint256.Int, data []byte) ([]byte, error)

	// ExecuteBatch performs calls atomically: one failure reverts them all.
	ExecuteBatch(env *callvm.Env, caller common.Address, calls []Call) error

	// Handle decodes and performs an exec payload.
	Handle(env *callvm.Env, caller common.Address, payload []byte) error
}

// base holds the logic shared by account variants.
type base struct {
	addr   common.Address
	owner  common.Address
	verify func(hash common.Hash, sig []byte) bool
}

func (b *base) Address() common.Address { return b.addr }

func (b *base) Owner() common.Address { return b.owner }

func (b *base) ValidateOperation(env *callvm.Env, caller common.Address, op *operation.Operation, opHash common.Hash, missingFunds *uint256.Int) (operation.Window, error) {
	if caller != env.Orchestrator {
		return operation.Window{}, ErrUnauthorized
	}

	if err := env.Charge(env.Schedule.SigVerify, "verify authorization"); err != nil {
		return operation.Window{}, err
	}

	if !b.verify(opHash, op.Authorization) {
		return operation.Window{}, ErrInvalidSignature
	}

	if missingFunds != nil && !missingFunds.IsZero() {
		if err := b.payPrefund(env, missingFunds); err != nil {
			return operation.Window{}, err
		}
	}

	return operation.Window{}, nil
}

// payPrefund moves missingFunds from the account's balance to its deposit.
// A short balance is not an error: the orchestrator's deposit check rejects.
func (b *base) payPrefund(env *callvm.Env, missingFunds *uint256.Int) error {
	if err := env.Charge(env.Schedule.StorageWrite, "pay prefund"); err != nil {
		return err
	}

	if env.Store.Balance(b.addr).Lt(missingFunds) {
		return nil
	}

	return ledger.New(env.Store).DepositFor(b.addr, b.addr, missingFunds)
}

func (b *base) Execute(env *callvm.Env, caller, target common.Address, value *uint256.Int, data []byte) ([]byte, error) {
	role, err := ResolveRole(caller, b.owner, env.Orchestrator)
	if err != nil {
		return nil, err
	}

	return b.execute(env, role, Call{Target: target, Value: value, Data: data})
}

func (b *base) ExecuteBatch(env *callvm.Env, caller common.Address, calls []Call) error {
	role, err := ResolveRole(caller, b.owner, env.Orchestrator)
	if err != nil {
		return err
	}

	return b.executeBatch(env, role, calls)
}

func (b *base) Handle(env *callvm.Env, caller common.Address, payload []byte) error {
	role, err := ResolveRole(caller, b.owner, env.Orchestrator)
	if err != nil {
		return err
	}

	if len(payload) == 0 {
		return nil
	}

	calls, batch, err := DecodeExecPayload(payload)
	if err != nil {
		return err
	}

	if batch {
		return b.executeBatch(env, role, calls)
	}

	_, err = b.execute(env, role, calls[0])

	return err
}

func (b *base) execute(env *callvm.Env, role Role, c Call) ([]byte, error) {
	out, err := env.Call(b.addr, c.Target, c.Value, c.Data)
	if err != nil {
		return nil, fmt.Errorf("%s call from %s:\n%w", role, b.addr.Hex(), err)
	}

	return out, nil
}

func (b *base) executeBatch(env *callvm.Env, role Role, calls []Call) error {
	cp := env.Snapshot()

	for i, c := range calls {
		if _, err := b.execute(env, role, c); err != nil {
			env.Revert(cp)
			return fmt.Errorf("sub-call %d:\n%w", i, err)
		}
	}

	return nil
}

// SimpleAccount is a smart account controlled by a single owner key.
// Operations are signed over the domain-prefixed operation hash.
type SimpleAccount struct {
	base
}

// NewSimpleAccount returns the account at addr owned by owner.
func NewSimpleAccount(addr, owner common.Address) *SimpleAccount {
	a := &SimpleAccount{base{addr: addr, owner: owner}}
	a.verify = func(hash common.Hash, sig []byte) bool {
		return RecoverPrefixed(hash, sig) == owner
	}

	return a
}
