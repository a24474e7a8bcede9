package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Key prefixes of the ledger keyspace.
var (
	PrefixBalance = []byte("b:") // native balance per address
	PrefixCode    = []byte("c:") // code or delegation marker per address
	PrefixAccount = []byte("a:") // account record per address
	PrefixDeposit = []byte("d:") // deposit and stake per address
	PrefixNonce   = []byte("n:") // nonce lane per (account, key)
	PrefixSponsor = []byte("s:") // sponsor record per address
	PrefixQuota   = []byte("q:") // sponsorship usage per (sponsor, account)
	PrefixReceipt = []byte("o:") // operation receipt per op hash
	PrefixMeta    = []byte("m:") // node metadata
)

// Key concatenates a prefix and key parts.
func Key(prefix []byte, parts ...[]byte) []byte {
	n := len(prefix)
	for _, p := range parts {
		n += len(p)
	}

	key := make([]byte, 0, n)
	key = append(key, prefix...)
	for _, p := range parts {
		key = append(key, p...)
	}

	return key
}

// AddressKey is Key(prefix, addr).
func AddressKey(prefix []byte, addr common.Address) []byte {
	return Key(prefix, addr.Bytes())
}

// EncodeUint encodes v as 32 big-endian bytes.
func EncodeUint(v *uint256.Int) []byte {
	b := v.Bytes32()
	return b[:]
}

// DecodeUint decodes big-endian bytes. Nil or empty input decodes to zero.
func DecodeUint(b []byte) *uint256.Int {
	return new(uint256.Int).SetBytes(b)
}
