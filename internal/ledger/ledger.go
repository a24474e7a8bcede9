// Package ledger holds the deposits and stakes the orchestrator keeps on
// behalf of accounts and sponsors.
package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/state"
)

// recordSize is deposit(32) | staked(1) | stake(32) | unstakeDelaySec(4) | withdrawTime(8).
const recordSize = 32 + 1 + 32 + 4 + 8

var (
	// ErrInsufficientDeposit is returned when a debit exceeds a deposit.
	ErrInsufficientDeposit = errors.New("insufficient deposit")

	// ErrInvalidUnstakeDelay is returned for a zero or shortened unstake delay.
	ErrInvalidUnstakeDelay = errors.New("invalid unstake delay")

	// ErrNoStake is returned when staking nothing or unlocking an empty stake.
	ErrNoStake = errors.New("no stake")

	// ErrNotStaked is returned when unlocking a stake that is already unlocking.
	ErrNotStaked = errors.New("stake already unlocked")

	// ErrStakeLocked is returned when withdrawing a stake before its unlock time.
	ErrStakeLocked = errors.New("stake still locked")

	// ErrMalformedRecord is returned when a stored record has the wrong size.
	ErrMalformedRecord = errors.New("malformed deposit record")
)

// DepositInfo is the ledger entry of one address.
type DepositInfo struct {
	Deposit         *uint256.Int `json:"deposit"`         // Deposit is spendable on gas
	Staked          bool         `json:"staked"`          // Staked is false once unlocking started
	Stake           *uint256.Int `json:"stake"`           // Stake is locked collateral
	UnstakeDelaySec uint32       `json:"unstakeDelaySec"` // UnstakeDelaySec is the lock period after UnlockStake
	WithdrawTime    uint64       `json:"withdrawTime"`    // WithdrawTime is when the stake becomes withdrawable
}

// Ledger reads and writes DepositInfo records in a keyed store.
type Ledger struct {
	store *state.Store
}

// New creates a Ledger over store.
func New(store *state.Store) *Ledger {
	return &Ledger{store: store}
}

// Info returns the entry of addr. Missing entries are zero.
func (l *Ledger) Info(addr common.Address) (DepositInfo, error) {
	raw := l.store.Get(state.AddressKey(state.PrefixDeposit, addr))
	if raw == nil {
		return DepositInfo{Deposit: new(uint256.Int), Stake: new(uint256.Int)}, nil
	}

	return decodeInfo(raw)
}

// BalanceOf returns the spendable deposit of addr.
func (l *Ledger) BalanceOf(addr common.Address) *uint256.Int {
	info, err := l.Info(addr)
	if err != nil {
		return new(uint256.Int)
	}

	return info.Deposit
}

// DepositFor moves amount from payer's native balance into target's deposit.
func (l *Ledger) DepositFor(payer, target common.Address, amount *uint256.Int) error {
	if err := l.store.SubBalance(payer, amount); err != nil {
		return fmt.Errorf("fund deposit:\n%w", err)
	}

	return l.Credit(target, amount)
}

// WithdrawTo moves amount from caller's deposit to the native balance of to.
func (l *Ledger) WithdrawTo(caller, to common.Address, amount *uint256.Int) error {
	if err := l.Debit(caller, amount); err != nil {
		return err
	}

	return l.store.AddBalance(to, amount)
}

// Credit increases the deposit of addr.
func (l *Ledger) Credit(addr common.Address, amount *uint256.Int) error {
	info, err := l.Info(addr)
	if err != nil {
		return err
	}

	sum, overflow := new(uint256.Int).AddOverflow(info.Deposit, amount)
	if overflow {
		return fmt.Errorf("credit %s: %w", addr.Hex(), state.ErrBalanceOverflow)
	}

	info.Deposit = sum
	l.put(addr, info)

	return nil
}

// Debit decreases the deposit of addr, failing if it would go negative.
func (l *Ledger) Debit(addr common.Address, amount *uint256.Int) error {
	info, err := l.Info(addr)
	if err != nil {
		return err
	}

	if info.Deposit.Lt(amount) {
		return fmt.Errorf("%s has %s, needs %s: %w", addr.Hex(), info.Deposit.Dec(), amount.Dec(), ErrInsufficientDeposit)
	}

	info.Deposit = new(uint256.Int).Sub(info.Deposit, amount)
	l.put(addr, info)

	return nil
}

// AddStake locks amount from caller's native balance as stake.
// The unstake delay may only grow, and restaking cancels a pending unlock.
func (l *Ledger) AddStake(caller common.Address, amount *uint256.Int, unstakeDelaySec uint32) error {
	info, err := l.Info(caller)
	if err != nil {
		return err
	}

	if unstakeDelaySec == 0 || unstakeDelaySec < info.UnstakeDelaySec {
		return fmt.Errorf("delay %d below current %d: %w", unstakeDelaySec, info.UnstakeDelaySec, ErrInvalidUnstakeDelay)
	}

	stake, overflow := new(uint256.Int).AddOverflow(info.Stake, amount)
	if overflow {
		return fmt.Errorf("stake of %s: %w", caller.Hex(), state.ErrBalanceOverflow)
	}
	if stake.IsZero() {
		return ErrNoStake
	}

	if err := l.store.SubBalance(caller, amount); err != nil {
		return fmt.Errorf("fund stake:\n%w", err)
	}

	info.Stake = stake
	info.Staked = true
	info.UnstakeDelaySec = unstakeDelaySec
	info.WithdrawTime = 0
	l.put(caller, info)

	return nil
}

// UnlockStake starts the unstake delay of caller's stake.
func (l *Ledger) UnlockStake(caller common.Address, now uint64) error {
	info, err := l.Info(caller)
	if err != nil {
		return err
	}

	if info.Stake.IsZero() {
		return ErrNoStake
	}
	if !info.Staked {
		return ErrNotStaked
	}

	info.Staked = false
	info.WithdrawTime = now + uint64(info.UnstakeDelaySec)
	l.put(caller, info)

	return nil
}

// WithdrawStake pays caller's unlocked stake to the native balance of to.
func (l *Ledger) WithdrawStake(caller, to common.Address, now uint64) (*uint256.Int, error) {
	info, err := l.Info(caller)
	if err != nil {
		return nil, err
	}

	if info.Stake.IsZero() {
		return nil, ErrNoStake
	}
	if info.Staked || info.WithdrawTime == 0 {
		return nil, fmt.Errorf("call UnlockStake first: %w", ErrStakeLocked)
	}
	if now < info.WithdrawTime {
		return nil, fmt.Errorf("withdrawable at %d, now %d: %w", info.WithdrawTime, now, ErrStakeLocked)
	}

	amount := info.Stake
	info.Stake = new(uint256.Int)
	info.UnstakeDelaySec = 0
	info.WithdrawTime = 0
	l.put(caller, info)

	if err := l.store.AddBalance(to, amount); err != nil {
		return nil, err
	}

	return amount, nil
}

// IsStaked reports whether addr has at least minStake locked with at
// least minDelaySec unstake delay.
func (l *Ledger) IsStaked(addr common.Address, minStake *uint256.Int, minDelaySec uint32) bool {
	info, err := l.Info(addr)
	if err != nil {
		return false
	}

	return info.Staked && !info.Stake.Lt(minStake) && info.UnstakeDelaySec >= minDelaySec
}

func (l *Ledger) put(addr common.Address, info DepositInfo) {
	l.store.Set(state.AddressKey(state.PrefixDeposit, addr), encodeInfo(info))
}

func encodeInfo(info DepositInfo) []byte {
	buf := make([]byte, recordSize)

	copy(buf[0:32], state.EncodeUint(info.Deposit))
	if info.Staked {
		buf[32] = 1
	}
	copy(buf[33:65], state.EncodeUint(info.Stake))
	binary.BigEndian.PutUint32(buf[65:69], info.UnstakeDelaySec)
	binary.BigEndian.PutUint64(buf[69:77], info.WithdrawTime)

	return buf
}

func decodeInfo(buf []byte) (DepositInfo, error) {
	if len(buf) != recordSize {
		return DepositInfo{}, fmt.Errorf("size %d: %w", len(buf), ErrMalformedRecord)
	}

	return DepositInfo{
		Deposit:         state.DecodeUint(buf[0:32]),
		Staked:          buf[32] == 1,
		Stake:           state.DecodeUint(buf[33:65]),
		UnstakeDelaySec: binary.BigEndian.Uint32(buf[65:69]),
		WithdrawTime:    binary.BigEndian.Uint64(buf[69:77]),
	}, nil
}
