// Package sponsor implements the verifying sponsor: a funded third party
// that pays for operations carrying an off-band signature from its
// verifying key, within a per-account daily quota.
package sponsor

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/ledger"
	"OpBatch/internal/state"
)

// recordSize is owner(20) | flags(1) | maxCost(32) | maxPerDay(8) | verifyingKey(20).
const recordSize = 20 + 1 + 32 + 8 + 20

const (
	flagEnabled           byte = 1 << 0
	flagSignatureRequired byte = 1 << 1
)

var (
	// ErrUnknownSponsor is returned when no sponsor is registered at an address.
	ErrUnknownSponsor = errors.New("unknown sponsor")

	// ErrSponsorExists is returned when registering over an existing sponsor.
	ErrSponsorExists = errors.New("sponsor already registered")

	// ErrNotOwner is returned when a non-owner calls an owner-gated operation.
	ErrNotOwner = errors.New("caller is not the sponsor owner")

	// ErrMalformedRecord is returned when a stored sponsor record has the wrong size.
	ErrMalformedRecord = errors.New("malformed sponsor record")
)

// Policy is the sponsor's configurable acceptance rule.
// Zero MaxCostPerOperation or MaxSponsorshipsPerDay means unlimited.
type Policy struct {
	Enabled               bool           `json:"enabled"`
	MaxCostPerOperation   *uint256.Int   `json:"maxCostPerOperation"`
	MaxSponsorshipsPerDay uint64         `json:"maxSponsorshipsPerDay"`
	SignatureRequired     bool           `json:"signatureRequired"`
	VerifyingKey          common.Address `json:"verifyingKey"`
}

// Verifying is a registered sponsor.
type Verifying struct {
	addr   common.Address
	owner  common.Address
	policy Policy
}

// Register stores a new sponsor at addr.
func Register(store *state.Store, addr, owner common.Address, policy Policy) (*Verifying, error) {
	key := state.AddressKey(state.PrefixSponsor, addr)
	if store.Has(key) {
		return nil, fmt.Errorf("%s: %w", addr.Hex(), ErrSponsorExists)
	}

	v := &Verifying{addr: addr, owner: owner, policy: normalize(policy)}
	v.save(store)

	return v, nil
}

// Load reads the sponsor registered at addr.
func Load(store *state.Store, addr common.Address) (*Verifying, error) {
	raw := store.Get(state.AddressKey(state.PrefixSponsor, addr))
	if raw == nil {
		return nil, fmt.Errorf("%s: %w", addr.Hex(), ErrUnknownSponsor)
	}

	if len(raw) != recordSize {
		return nil, fmt.Errorf("%s size %d: %w", addr.Hex(), len(raw), ErrMalformedRecord)
	}

	flags := raw[20]

	return &Verifying{
		addr:  addr,
		owner: common.BytesToAddress(raw[:20]),
		policy: Policy{
			Enabled:               flags&flagEnabled != 0,
			SignatureRequired:     flags&flagSignatureRequired != 0,
			MaxCostPerOperation:   state.DecodeUint(raw[21:53]),
			MaxSponsorshipsPerDay: binary.BigEndian.Uint64(raw[53:61]),
			VerifyingKey:          common.BytesToAddress(raw[61:81]),
		},
	}, nil
}

// Address returns the sponsor address.
func (v *Verifying) Address() common.Address { return v.addr }

// Owner returns the address allowed to administer the sponsor.
func (v *Verifying) Owner() common.Address { return v.owner }

// Policy returns the current policy.
func (v *Verifying) Policy() Policy { return v.policy }

// SetPolicy replaces the policy.
func (v *Verifying) SetPolicy(store *state.Store, caller common.Address, policy Policy) error {
	if caller != v.owner {
		return ErrNotOwner
	}

	v.policy = normalize(policy)
	v.save(store)

	return nil
}

// WithdrawTo pays amount from the sponsor's deposit to the native balance of to.
func (v *Verifying) WithdrawTo(store *state.Store, caller, to common.Address, amount *uint256.Int) error {
	if caller != v.owner {
		return ErrNotOwner
	}

	return ledger.New(store).WithdrawTo(v.addr, to, amount)
}

// AddStake locks amount from the owner's native balance as the sponsor's stake.
func (v *Verifying) AddStake(store *state.Store, caller common.Address, amount *uint256.Int, unstakeDelaySec uint32) error {
	if caller != v.owner {
		return ErrNotOwner
	}

	if err := store.Transfer(v.owner, v.addr, amount); err != nil {
		return fmt.Errorf("fund stake of %s:\n%w", v.addr.Hex(), err)
	}

	return ledger.New(store).AddStake(v.addr, amount, unstakeDelaySec)
}

// UnlockStake starts the sponsor's unstake delay.
func (v *Verifying) UnlockStake(store *state.Store, caller common.Address, now uint64) error {
	if caller != v.owner {
		return ErrNotOwner
	}

	return ledger.New(store).UnlockStake(v.addr, now)
}

// WithdrawStake pays the unlocked stake to the native balance of to.
func (v *Verifying) WithdrawStake(store *state.Store, caller, to common.Address, now uint64) (*uint256.Int, error) {
	if caller != v.owner {
		return nil, ErrNotOwner
	}

	return ledger.New(store).WithdrawStake(v.addr, to, now)
}

func (v *Verifying) save(store *state.Store) {
	buf := make([]byte, recordSize)
	copy(buf[:20], v.owner.Bytes())

	if v.policy.Enabled {
		buf[20] |= flagEnabled
	}
	if v.policy.SignatureRequired {
		buf[20] |= flagSignatureRequired
	}

	copy(buf[21:53], state.EncodeUint(v.policy.MaxCostPerOperation))
	binary.BigEndian.PutUint64(buf[53:61], v.policy.MaxSponsorshipsPerDay)
	copy(buf[61:81], v.policy.VerifyingKey.Bytes())

	store.Set(state.AddressKey(state.PrefixSponsor, v.addr), buf)
}

func normalize(p Policy) Policy {
	if p.MaxCostPerOperation == nil {
		p.MaxCostPerOperation = new(uint256.Int)
	}

	return p
}
