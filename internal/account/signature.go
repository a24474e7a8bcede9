package account

import (
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Recover returns the signer of a raw 32-byte digest, or the zero address.
// Accepts v as 0/1 or 27/28.
func Recover(digest common.Hash, sig []byte) common.Address {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}
	}

	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)

	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(digest[:], normalized)
	if err != nil {
		return common.Address{}
	}

	return crypto.PubkeyToAddress(*pub)
}

// RecoverPrefixed returns the signer of the "\x19Ethereum Signed Message:\n32"
// wrapping of hash, or the zero address.
func RecoverPrefixed(hash common.Hash, sig []byte) common.Address {
	return Recover(common.BytesToHash(accounts.TextHash(hash[:])), sig)
}
