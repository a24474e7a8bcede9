// Package nonce implements multi-lane replay protection.
// A nonce is (key << 64) | sequence; each (account, key) lane counts independently.
package nonce

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/state"
)

var (
	// ErrNonceMismatch is returned when a sequence is not the lane's next value.
	ErrNonceMismatch = errors.New("nonce mismatch")

	// ErrUnauthorized is returned when someone other than the account burns a lane.
	ErrUnauthorized = errors.New("only the account may advance its nonce")

	// ErrKeyTooLarge is returned when a lane key does not fit in 192 bits.
	ErrKeyTooLarge = errors.New("nonce key above 192 bits")
)

// keySize is the byte width of a lane key.
const keySize = 24

// Allocator tracks the next sequence of every lane in a keyed store.
type Allocator struct {
	store *state.Store
}

// New creates an Allocator over store.
func New(store *state.Store) *Allocator {
	return &Allocator{store: store}
}

// Split decomposes a composite nonce into its lane key and sequence.
func Split(n *uint256.Int) (key *uint256.Int, seq uint64) {
	if n == nil {
		return new(uint256.Int), 0
	}

	return new(uint256.Int).Rsh(n, 64), n[0]
}

// Compose builds a composite nonce from a lane key and sequence.
func Compose(key *uint256.Int, seq uint64) *uint256.Int {
	n := new(uint256.Int).Lsh(key, 64)
	n[0] = seq

	return n
}

// Get returns the next expected sequence of (account, key).
func (a *Allocator) Get(account common.Address, key *uint256.Int) uint64 {
	raw := a.store.Get(laneKey(account, key))
	if len(raw) != 8 {
		return 0
	}

	return binary.BigEndian.Uint64(raw)
}

// Next returns the composite nonce of the next operation in (account, key).
func (a *Allocator) Next(account common.Address, key *uint256.Int) *uint256.Int {
	return Compose(key, a.Get(account, key))
}

// CheckAndConsume advances the lane named by n iff its sequence is the
// lane's next value.
func (a *Allocator) CheckAndConsume(account common.Address, n *uint256.Int) error {
	key, seq := Split(n)

	current := a.Get(account, key)
	if current != seq {
		return fmt.Errorf("lane %s of %s expects %d, got %d: %w", key.Hex(), account.Hex(), current, seq, ErrNonceMismatch)
	}

	a.set(account, key, current+1)

	return nil
}

// Increment advances (account, key) without executing an operation,
// burning the current sequence. Only the account itself may call it.
func (a *Allocator) Increment(caller, account common.Address, key *uint256.Int) error {
	if caller != account {
		return ErrUnauthorized
	}

	if key.BitLen() > keySize*8 {
		return ErrKeyTooLarge
	}

	a.set(account, key, a.Get(account, key)+1)

	return nil
}

func (a *Allocator) set(account common.Address, key *uint256.Int, seq uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)

	a.store.Set(laneKey(account, key), buf[:])
}

// laneKey is "n:" | account(20) | key(24).
func laneKey(account common.Address, key *uint256.Int) []byte {
	k := key.Bytes32()
	return state.Key(state.PrefixNonce, account.Bytes(), k[32-keySize:])
}
