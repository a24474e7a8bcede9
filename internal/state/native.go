package state

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds a native balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrBalanceOverflow is returned when a credit would exceed 2^256-1.
	ErrBalanceOverflow = errors.New("balance overflow")
)

// Balance returns the native balance of addr.
func (s *Store) Balance(addr common.Address) *uint256.Int {
	return DecodeUint(s.Get(AddressKey(PrefixBalance, addr)))
}

// SetBalance overwrites the native balance of addr.
func (s *Store) SetBalance(addr common.Address, v *uint256.Int) {
	s.Set(AddressKey(PrefixBalance, addr), EncodeUint(v))
}

// AddBalance credits addr.
func (s *Store) AddBalance(addr common.Address, v *uint256.Int) error {
	sum, overflow := new(uint256.Int).AddOverflow(s.Balance(addr), v)
	if overflow {
		return fmt.Errorf("credit %s to %s: %w", v.Dec(), addr.Hex(), ErrBalanceOverflow)
	}

	s.SetBalance(addr, sum)

	return nil
}

// SubBalance debits addr.
func (s *Store) SubBalance(addr common.Address, v *uint256.Int) error {
	bal := s.Balance(addr)
	if bal.Lt(v) {
		return fmt.Errorf("debit %s from %s (has %s): %w", v.Dec(), addr.Hex(), bal.Dec(), ErrInsufficientBalance)
	}

	s.SetBalance(addr, new(uint256.Int).Sub(bal, v))

	return nil
}

// Transfer moves v from one native balance to another.
func (s *Store) Transfer(from, to common.Address, v *uint256.Int) error {
	if v.IsZero() || from == to {
		return nil
	}

	if err := s.SubBalance(from, v); err != nil {
		return err
	}

	return s.AddBalance(to, v)
}

// Code returns the code stored at addr, or nil.
func (s *Store) Code(addr common.Address) []byte {
	return s.Get(AddressKey(PrefixCode, addr))
}

// SetCode stores code at addr.
func (s *Store) SetCode(addr common.Address, code []byte) {
	s.Set(AddressKey(PrefixCode, addr), code)
}
