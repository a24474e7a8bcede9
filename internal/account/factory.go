package account

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"OpBatch/internal/callvm"
	"OpBatch/internal/state"
)

// factoryDataSize is owner(20) | salt(32).
const factoryDataSize = common.AddressLength + 32

// kindSimple tags SimpleAccount records.
const kindSimple byte = 1

var (
	// ErrAccountExists is returned when creating an account at a used address.
	ErrAccountExists = errors.New("account already exists")

	// ErrBadFactoryData is returned when factory data is not owner(20) | salt(32).
	ErrBadFactoryData = errors.New("bad factory data")
)

// Factory deterministically creates SimpleAccounts.
type Factory struct {
	addr common.Address
}

// NewFactory returns the factory deployed at addr.
func NewFactory(addr common.Address) *Factory {
	return &Factory{addr: addr}
}

// Address returns the factory address.
func (f *Factory) Address() common.Address {
	return f.addr
}

// AccountAddress computes keccak256(0xff | factory | salt | keccak256(owner))[12:].
func (f *Factory) AccountAddress(owner common.Address, salt common.Hash) common.Address {
	return crypto.CreateAddress2(f.addr, salt, crypto.Keccak256(owner.Bytes()))
}

// InitPayload returns the operation init payload creating owner's account.
func (f *Factory) InitPayload(owner common.Address, salt common.Hash) []byte {
	out := make([]byte, 0, common.AddressLength+factoryDataSize)
	out = append(out, f.addr.Bytes()...)
	out = append(out, owner.Bytes()...)

	return append(out, salt.Bytes()...)
}

// Create materializes the account described by data and returns its address.
func (f *Factory) Create(env *callvm.Env, data []byte) (common.Address, error) {
	if len(data) != factoryDataSize {
		return common.Address{}, fmt.Errorf("length %d: %w", len(data), ErrBadFactoryData)
	}

	owner := common.BytesToAddress(data[:20])
	salt := common.BytesToHash(data[20:])
	addr := f.AccountAddress(owner, salt)

	if err := env.Charge(env.Schedule.AccountCreation, "create account"); err != nil {
		return common.Address{}, err
	}

	if err := Install(env.Store, addr, owner); err != nil {
		return common.Address{}, err
	}

	return addr, nil
}

// Install writes a SimpleAccount record for addr.
func Install(store *state.Store, addr, owner common.Address) error {
	key := state.AddressKey(state.PrefixAccount, addr)
	if store.Has(key) {
		return fmt.Errorf("%s: %w", addr.Hex(), ErrAccountExists)
	}

	store.Set(key, append([]byte{kindSimple}, owner.Bytes()...))

	return nil
}
