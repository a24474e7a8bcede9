package account

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"

	"OpBatch/internal/state"
)

// delegationTag prefixes the code of an identity that adopted account logic.
var delegationTag = []byte{0xef, 0x01, 0x00}

// DelegationMarkerSize is tag(3) | provider(20).
const DelegationMarkerSize = 23

var (
	// MagicValue is returned by IsValidSignature for a valid signature.
	MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

	// InvalidValue is returned by IsValidSignature otherwise.
	InvalidValue = [4]byte{0xff, 0xff, 0xff, 0xff}
)

// DelegatedAccount is an externally-owned identity running account logic.
// The identity is its own owner and keeps its address.
type DelegatedAccount struct {
	base
	provider common.Address
}

// NewDelegatedAccount returns identity running the logic of provider.
func NewDelegatedAccount(identity, provider common.Address) *DelegatedAccount {
	a := &DelegatedAccount{base: base{addr: identity, owner: identity}, provider: provider}
	a.verify = a.signedBySelf

	return a
}

// Provider returns the logic provider the identity delegates to.
func (a *DelegatedAccount) Provider() common.Address {
	return a.provider
}

// IsValidSignature checks a signature for any caller, not only the
// orchestrator. It follows the operation rule: raw or prefixed digest.
func (a *DelegatedAccount) IsValidSignature(hash common.Hash, sig []byte) [4]byte {
	if a.signedBySelf(hash, sig) {
		return MagicValue
	}

	return InvalidValue
}

func (a *DelegatedAccount) signedBySelf(hash common.Hash, sig []byte) bool {
	if Recover(hash, sig) == a.addr {
		return true
	}

	return RecoverPrefixed(hash, sig) == a.addr
}

// DelegationMarker returns the code an identity holds while delegating to provider.
func DelegationMarker(provider common.Address) []byte {
	marker := make([]byte, 0, DelegationMarkerSize)
	marker = append(marker, delegationTag...)

	return append(marker, provider.Bytes()...)
}

// ParseDelegation extracts the provider from a delegation marker.
func ParseDelegation(code []byte) (common.Address, bool) {
	if len(code) != DelegationMarkerSize || !bytes.HasPrefix(code, delegationTag) {
		return common.Address{}, false
	}

	return common.BytesToAddress(code[3:]), true
}

// Delegate installs the delegation marker on identity.
func Delegate(store *state.Store, identity, provider common.Address) {
	store.SetCode(identity, DelegationMarker(provider))
}

// IsDelegated reports whether identity currently delegates to provider.
func IsDelegated(store *state.Store, identity, provider common.Address) bool {
	got, ok := ParseDelegation(store.Code(identity))
	return ok && got == provider
}
