package ledger

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/state"
)

var (
	alice   = common.HexToAddress("0xa11ce00000000000000000000000000000000000")
	sponsor = common.HexToAddress("0x5905500000000000000000000000000000000000")
)

func newTestLedger(t *testing.T) (*Ledger, *state.Store) {
	t.Helper()

	store := state.NewMemory()
	store.SetBalance(alice, uint256.NewInt(1000))
	store.SetBalance(sponsor, uint256.NewInt(1000))

	return New(store), store
}

func TestDepositFor(t *testing.T) {
	l, store := newTestLedger(t)

	if err := l.DepositFor(alice, sponsor, uint256.NewInt(300)); err != nil {
		t.Fatalf("DepositFor failed: %v", err)
	}

	if got := l.BalanceOf(sponsor).Uint64(); got != 300 {
		t.Errorf("deposit = %d, want 300", got)
	}
	if got := store.Balance(alice).Uint64(); got != 700 {
		t.Errorf("alice balance = %d, want 700", got)
	}
}

func TestDepositFor_InsufficientBalance(t *testing.T) {
	l, _ := newTestLedger(t)

	err := l.DepositFor(alice, alice, uint256.NewInt(5000))
	if !errors.Is(err, state.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}
}

func TestWithdrawTo(t *testing.T) {
	l, store := newTestLedger(t)
	dest := common.HexToAddress("0xdead")

	_ = l.DepositFor(alice, alice, uint256.NewInt(500))

	if err := l.WithdrawTo(alice, dest, uint256.NewInt(200)); err != nil {
		t.Fatalf("WithdrawTo failed: %v", err)
	}

	if got := l.BalanceOf(alice).Uint64(); got != 300 {
		t.Errorf("deposit = %d, want 300", got)
	}
	if got := store.Balance(dest).Uint64(); got != 200 {
		t.Errorf("dest balance = %d, want 200", got)
	}

	if err := l.WithdrawTo(alice, dest, uint256.NewInt(301)); !errors.Is(err, ErrInsufficientDeposit) {
		t.Errorf("overdraw: got %v, want ErrInsufficientDeposit", err)
	}
}

func TestStakeLifecycle(t *testing.T) {
	l, store := newTestLedger(t)

	if err := l.AddStake(sponsor, uint256.NewInt(400), 86400); err != nil {
		t.Fatalf("AddStake failed: %v", err)
	}

	if !l.IsStaked(sponsor, uint256.NewInt(400), 86400) {
		t.Error("sponsor not reported staked")
	}

	// Stake is distinct from deposit.
	if got := l.BalanceOf(sponsor); !got.IsZero() {
		t.Errorf("deposit = %d, want 0", got.Uint64())
	}

	if _, err := l.WithdrawStake(sponsor, sponsor, 0); !errors.Is(err, ErrStakeLocked) {
		t.Fatalf("withdraw before unlock: got %v, want ErrStakeLocked", err)
	}

	if err := l.UnlockStake(sponsor, 1000); err != nil {
		t.Fatalf("UnlockStake failed: %v", err)
	}

	if l.IsStaked(sponsor, uint256.NewInt(1), 0) {
		t.Error("unlocking stake still reported staked")
	}

	if _, err := l.WithdrawStake(sponsor, sponsor, 1000+86399); !errors.Is(err, ErrStakeLocked) {
		t.Fatalf("withdraw during delay: got %v, want ErrStakeLocked", err)
	}

	amount, err := l.WithdrawStake(sponsor, sponsor, 1000+86400)
	if err != nil {
		t.Fatalf("WithdrawStake failed: %v", err)
	}

	if amount.Uint64() != 400 {
		t.Errorf("withdrawn = %d, want 400", amount.Uint64())
	}
	if got := store.Balance(sponsor).Uint64(); got != 1000 {
		t.Errorf("sponsor balance = %d, want 1000", got)
	}
}

func TestAddStake_DelayCannotShrink(t *testing.T) {
	l, _ := newTestLedger(t)

	if err := l.AddStake(sponsor, uint256.NewInt(10), 100); err != nil {
		t.Fatalf("AddStake failed: %v", err)
	}

	if err := l.AddStake(sponsor, uint256.NewInt(10), 50); !errors.Is(err, ErrInvalidUnstakeDelay) {
		t.Errorf("got %v, want ErrInvalidUnstakeDelay", err)
	}

	if err := l.AddStake(sponsor, uint256.NewInt(10), 0); !errors.Is(err, ErrInvalidUnstakeDelay) {
		t.Errorf("zero delay: got %v, want ErrInvalidUnstakeDelay", err)
	}
}

func TestAddStake_Overflow(t *testing.T) {
	l, store := newTestLedger(t)

	full := new(uint256.Int).SetAllOne()
	store.SetBalance(sponsor, full)
	if err := l.AddStake(sponsor, full, 100); err != nil {
		t.Fatalf("AddStake failed: %v", err)
	}

	store.SetBalance(sponsor, uint256.NewInt(1))
	if err := l.AddStake(sponsor, uint256.NewInt(1), 100); !errors.Is(err, state.ErrBalanceOverflow) {
		t.Fatalf("got %v, want ErrBalanceOverflow", err)
	}

	info, err := l.Info(sponsor)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if !info.Stake.Eq(full) {
		t.Errorf("stake = %s, want unchanged", info.Stake.Dec())
	}
	if got := store.Balance(sponsor).Uint64(); got != 1 {
		t.Errorf("balance = %d, want 1", got)
	}
}

func TestUnlockStake_Twice(t *testing.T) {
	l, _ := newTestLedger(t)

	_ = l.AddStake(sponsor, uint256.NewInt(10), 100)
	_ = l.UnlockStake(sponsor, 0)

	if err := l.UnlockStake(sponsor, 5); !errors.Is(err, ErrNotStaked) {
		t.Errorf("got %v, want ErrNotStaked", err)
	}
}

func TestInfo_Persisted(t *testing.T) {
	l, store := newTestLedger(t)

	_ = l.DepositFor(alice, alice, uint256.NewInt(42))
	_ = l.AddStake(alice, uint256.NewInt(7), 60)

	if err := store.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	info, err := l.Info(alice)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}

	if info.Deposit.Uint64() != 42 || info.Stake.Uint64() != 7 || !info.Staked || info.UnstakeDelaySec != 60 {
		t.Errorf("unexpected info %+v", info)
	}
}
