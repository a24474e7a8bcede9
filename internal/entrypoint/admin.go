package entrypoint

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/callvm"
	"OpBatch/internal/ledger"
	"OpBatch/internal/nonce"
	"OpBatch/internal/operation"
	"OpBatch/internal/sponsor"
)

// mutate runs fn in an unmetered environment under the orchestrator lock
// and commits its writes, discarding them if fn fails. Calls made from
// inside operations reach the same functions through target.
func (o *Orchestrator) mutate(fn func(env *callvm.Env) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	env := o.newEnv(context.Background())
	cp := env.Snapshot()

	if err := fn(env); err != nil {
		env.Revert(cp)
		return err
	}

	if err := o.store.Commit(); err != nil {
		o.store.Discard()
		return fmt.Errorf("commit:\n%w", err)
	}

	return nil
}

// GetOperationHash returns the hash op must be signed over.
func (o *Orchestrator) GetOperationHash(op *operation.Operation) common.Hash {
	return op.Hash(o.params.Address, o.params.ChainID)
}

// Receipt returns the stored outcome of the operation with opHash.
func (o *Orchestrator) Receipt(opHash common.Hash) (*Receipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return getReceipt(o.store, opHash)
}

// GetNonce returns the next sequence of account in lane key.
func (o *Orchestrator) GetNonce(account common.Address, key *uint256.Int) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.nonces.Get(account, orZero(key))
}

// NextNonce returns the composite nonce of account's next operation in lane key.
func (o *Orchestrator) NextNonce(account common.Address, key *uint256.Int) *uint256.Int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.nonces.Next(account, orZero(key))
}

// IncrementNonce burns the current sequence of caller's lane key.
func (o *Orchestrator) IncrementNonce(caller common.Address, key *uint256.Int) error {
	return o.mutate(func(env *callvm.Env) error {
		return incrementNonce(env, caller, orZero(key))
	})
}

// DepositInfo returns the ledger entry of addr.
func (o *Orchestrator) DepositInfo(addr common.Address) (ledger.DepositInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.ledger.Info(addr)
}

// BalanceOf returns the spendable deposit of addr.
func (o *Orchestrator) BalanceOf(addr common.Address) *uint256.Int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.ledger.BalanceOf(addr)
}

// DepositFor moves amount from payer's native balance to target's deposit.
func (o *Orchestrator) DepositFor(payer, target common.Address, amount *uint256.Int) error {
	return o.mutate(func(env *callvm.Env) error {
		return depositFor(env, payer, target, amount)
	})
}

// WithdrawTo moves amount from caller's deposit to the native balance of to.
func (o *Orchestrator) WithdrawTo(caller, to common.Address, amount *uint256.Int) error {
	return o.mutate(func(env *callvm.Env) error {
		return withdrawTo(env, caller, to, amount)
	})
}

// AddStake locks amount of caller's native balance as stake.
func (o *Orchestrator) AddStake(caller common.Address, amount *uint256.Int, unstakeDelaySec uint32) error {
	return o.mutate(func(env *callvm.Env) error {
		return addStake(env, caller, amount, unstakeDelaySec)
	})
}

// UnlockStake starts the unstake delay of caller's stake.
func (o *Orchestrator) UnlockStake(caller common.Address) error {
	return o.mutate(func(env *callvm.Env) error {
		return unlockStake(env, caller)
	})
}

// WithdrawStake pays caller's unlocked stake to the native balance of to.
func (o *Orchestrator) WithdrawStake(caller, to common.Address) (*uint256.Int, error) {
	var amount *uint256.Int

	err := o.mutate(func(env *callvm.Env) error {
		var err error
		amount, err = withdrawStake(env, caller, to)
		return err
	})

	return amount, err
}

// SetSponsorPolicy replaces the policy of the sponsor at addr. Only its owner may.
func (o *Orchestrator) SetSponsorPolicy(caller, addr common.Address, policy sponsor.Policy) error {
	return o.mutate(func(env *callvm.Env) error {
		return setSponsorPolicy(env, caller, addr, policy)
	})
}

// SponsorWithdrawTo pays amount from the deposit of the sponsor at addr to
// the native balance of to. Only its owner may.
func (o *Orchestrator) SponsorWithdrawTo(caller, addr, to common.Address, amount *uint256.Int) error {
	return o.mutate(func(env *callvm.Env) error {
		return sponsorWithdrawTo(env, caller, addr, to, amount)
	})
}

// SponsorAddStake locks amount from the owner's native balance as the
// stake of the sponsor at addr.
func (o *Orchestrator) SponsorAddStake(caller, addr common.Address, amount *uint256.Int, unstakeDelaySec uint32) error {
	return o.mutate(func(env *callvm.Env) error {
		return sponsorAddStake(env, caller, addr, amount, unstakeDelaySec)
	})
}

// SponsorUnlockStake starts the unstake delay of the sponsor at addr.
func (o *Orchestrator) SponsorUnlockStake(caller, addr common.Address) error {
	return o.mutate(func(env *callvm.Env) error {
		return sponsorUnlockStake(env, caller, addr)
	})
}

// SponsorWithdrawStake pays the unlocked stake of the sponsor at addr to to.
func (o *Orchestrator) SponsorWithdrawStake(caller, addr, to common.Address) (*uint256.Int, error) {
	var amount *uint256.Int

	err := o.mutate(func(env *callvm.Env) error {
		var err error
		amount, err = sponsorWithdrawStake(env, caller, addr, to)
		return err
	})

	return amount, err
}

// NonceKey parses a decimal or 0x-prefixed lane key.
func NonceKey(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}

	key, err := uint256.FromDecimal(s)
	if err != nil {
		if key, err = uint256.FromHex(s); err != nil {
			return nil, fmt.Errorf("nonce key %q: %w", s, err)
		}
	}

	if key.BitLen() > 192 {
		return nil, nonce.ErrKeyTooLarge
	}

	return key, nil
}
