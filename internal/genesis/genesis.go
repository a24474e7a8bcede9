// Package genesis seeds a fresh ledger with balances, accounts and sponsors.
package genesis

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/account"
	"OpBatch/internal/callvm"
	"OpBatch/internal/ledger"
	"OpBatch/internal/sponsor"
	"OpBatch/internal/state"
)

// ErrAlreadySeeded is returned when the store already holds a genesis.
var ErrAlreadySeeded = errors.New("genesis already applied")

// markerKey records that Seed ran on this store.
var markerKey = state.Key(state.PrefixMeta, []byte("genesis"))

// Allocation credits Amount to Address.
type Allocation struct {
	Address common.Address
	Amount  *uint256.Int
}

// Account is a SimpleAccount installed at genesis.
type Account struct {
	Address common.Address
	Owner   common.Address
}

// Delegation makes Identity act through Provider's logic.
type Delegation struct {
	Identity common.Address
	Provider common.Address
}

// Contract is WASM code installed as a call target.
type Contract struct {
	Address common.Address
	Code    []byte
}

// Sponsor is a verifying sponsor registered at genesis.
// Deposit and Stake are minted, not taken from the owner.
type Sponsor struct {
	Address      common.Address
	Owner        common.Address
	Policy       sponsor.Policy
	Deposit      *uint256.Int
	Stake        *uint256.Int
	UnstakeDelay uint32
}

// Config describes the initial ledger.
type Config struct {
	// Factories are trusted to create accounts. Registered on every start.
	Factories []common.Address

	// Providers are trusted delegation targets. Registered on every start.
	Providers []common.Address

	Balances    []Allocation // Balances are native balances
	Deposits    []Allocation // Deposits are orchestrator deposits
	Accounts    []Account
	Delegations []Delegation
	Contracts   []Contract
	Sponsors    []Sponsor
}

// Trust registers the configured factories and providers.
func Trust(registry *account.Registry, cfg Config) {
	for _, f := range cfg.Factories {
		registry.AddFactory(account.NewFactory(f))
	}

	for _, p := range cfg.Providers {
		registry.AddProvider(p)
	}
}

// Seeded reports whether store already carries a genesis.
func Seeded(store *state.Store) bool {
	return store.Has(markerKey)
}

// Seed writes cfg into store and commits it.
// Nothing is written if any entry fails.
func Seed(store *state.Store, cfg Config) error {
	if Seeded(store) {
		return ErrAlreadySeeded
	}

	if err := seed(store, cfg); err != nil {
		store.Discard()
		return err
	}

	store.Set(markerKey, []byte{1})

	if err := store.Commit(); err != nil {
		return fmt.Errorf("commit genesis:\n%w", err)
	}

	return nil
}

func seed(store *state.Store, cfg Config) error {
	l := ledger.New(store)

	for _, a := range cfg.Balances {
		if err := store.AddBalance(a.Address, a.Amount); err != nil {
			return fmt.Errorf("balance of %s:\n%w", a.Address.Hex(), err)
		}
	}

	for _, a := range cfg.Deposits {
		if err := l.Credit(a.Address, a.Amount); err != nil {
			return fmt.Errorf("deposit of %s:\n%w", a.Address.Hex(), err)
		}
	}

	for _, a := range cfg.Accounts {
		if err := account.Install(store, a.Address, a.Owner); err != nil {
			return fmt.Errorf("install account:\n%w", err)
		}
	}

	for _, d := range cfg.Delegations {
		account.Delegate(store, d.Identity, d.Provider)
	}

	for _, c := range cfg.Contracts {
		if !callvm.IsWASM(c.Code) {
			return fmt.Errorf("contract %s: not a wasm module", c.Address.Hex())
		}
		if store.Code(c.Address) != nil {
			return fmt.Errorf("contract %s: %w", c.Address.Hex(), callvm.ErrCodeExists)
		}

		store.SetCode(c.Address, c.Code)
	}

	for _, s := range cfg.Sponsors {
		if err := seedSponsor(store, l, s); err != nil {
			return fmt.Errorf("sponsor %s:\n%w", s.Address.Hex(), err)
		}
	}

	return nil
}

func seedSponsor(store *state.Store, l *ledger.Ledger, s Sponsor) error {
	if _, err := sponsor.Register(store, s.Address, s.Owner, s.Policy); err != nil {
		return err
	}

	if s.Deposit != nil && !s.Deposit.IsZero() {
		if err := l.Credit(s.Address, s.Deposit); err != nil {
			return err
		}
	}

	if s.Stake == nil || s.Stake.IsZero() {
		return nil
	}

	// AddStake draws from the native balance, so mint the stake there first.
	if err := store.AddBalance(s.Address, s.Stake); err != nil {
		return err
	}

	return l.AddStake(s.Address, s.Stake, s.UnstakeDelay)
}
