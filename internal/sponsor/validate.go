package sponsor

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"OpBatch/internal/callvm"
	"OpBatch/internal/operation"
	"OpBatch/internal/state"
)

const (
	// timestampSize is the width of validUntil and validAfter.
	timestampSize = 6

	// SignedPrefixSize is validUntil(6) | validAfter(6) | userTag(1) | extra(32),
	// the part of the sponsor data covered by the signature.
	SignedPrefixSize = 2*timestampSize + 1 + 32

	// DataSize is the full sponsor data: signed prefix | signature(65).
	DataSize = SignedPrefixSize + crypto.SignatureLength

	// maxTimestamp is the largest 6-byte timestamp.
	maxTimestamp = 1<<48 - 1
)

var (
	// ErrSponsorshipDisabled is returned when the sponsor's policy is disabled.
	ErrSponsorshipDisabled = errors.New("sponsorship disabled")

	// ErrCostExceedsLimit is returned when the operation's worst-case cost
	// exceeds the policy's per-operation limit.
	ErrCostExceedsLimit = errors.New("cost exceeds sponsor limit")

	// ErrInvalidSignature is returned when the sponsor data is not signed by the verifying key.
	ErrInvalidSignature = errors.New("invalid sponsor signature")

	// ErrMalformedSponsorData is returned when sponsor data does not follow the wire layout.
	ErrMalformedSponsorData = errors.New("malformed sponsor data")
)

// Data is the decoded sponsor authorization.
type Data struct {
	ValidUntil uint64
	ValidAfter uint64
	UserTag    byte
	Extra      common.Hash
	Signature  []byte
}

// Validation is the result of ValidateSponsorship.
type Validation struct {
	// Context is handed back to PostProcess after execution.
	Context []byte

	// Window bounds when the sponsorship may be used.
	Window operation.Window

	// QuotaResetsAt is non-zero when the account has used its daily quota:
	// the sponsorship is refused before that time.
	QuotaResetsAt uint64
}

// ParseData decodes sponsor data. The signature is optional on the wire.
func ParseData(data []byte) (Data, error) {
	if len(data) < SignedPrefixSize {
		return Data{}, fmt.Errorf("length %d below %d: %w", len(data), SignedPrefixSize, ErrMalformedSponsorData)
	}

	d := Data{
		ValidUntil: uint48(data[0:6]),
		ValidAfter: uint48(data[6:12]),
		UserTag:    data[12],
		Extra:      common.BytesToHash(data[13:45]),
	}

	if len(data) > SignedPrefixSize {
		d.Signature = data[SignedPrefixSize:]
	}

	return d, nil
}

// EncodeData builds sponsor data from its fields. sig may be nil.
func EncodeData(validUntil, validAfter uint64, userTag byte, extra common.Hash, sig []byte) []byte {
	out := make([]byte, SignedPrefixSize, SignedPrefixSize+len(sig))
	putUint48(out[0:6], validUntil)
	putUint48(out[6:12], validAfter)
	out[12] = userTag
	copy(out[13:45], extra[:])

	return append(out, sig...)
}

// HashForSigning returns the digest the verifying key signs, before the
// "\x19Ethereum Signed Message:\n32" wrapping.
func HashForSigning(orchestrator, sponsor, sender common.Address, nonce *uint256.Int, data []byte) (common.Hash, error) {
	if len(data) < SignedPrefixSize {
		return common.Hash{}, fmt.Errorf("length %d below %d: %w", len(data), SignedPrefixSize, ErrMalformedSponsorData)
	}

	if nonce == nil {
		nonce = new(uint256.Int)
	}

	n := nonce.Bytes32()

	return crypto.Keccak256Hash(
		orchestrator.Bytes(),
		sponsor.Bytes(),
		sender.Bytes(),
		n[:],
		data[0:6],
		data[6:12],
		data[:SignedPrefixSize],
	), nil
}

// ValidateSponsorship decides whether the sponsor pays for op, whose
// worst-case cost is maxCost. It reads no clock and writes no state: the
// window and quota are returned for the caller to enforce.
func (v *Verifying) ValidateSponsorship(env *callvm.Env, op *operation.Operation, fields operation.SponsorFields, maxCost *uint256.Int) (*Validation, error) {
	if err := env.Charge(env.Schedule.StorageRead, "load sponsor policy"); err != nil {
		return nil, err
	}

	if !v.policy.Enabled {
		return nil, ErrSponsorshipDisabled
	}

	if limit := v.policy.MaxCostPerOperation; !limit.IsZero() && maxCost.Gt(limit) {
		return nil, fmt.Errorf("cost %s above %s: %w", maxCost.Dec(), limit.Dec(), ErrCostExceedsLimit)
	}

	var d Data
	if len(fields.Data) > 0 || v.policy.SignatureRequired {
		var err error
		if d, err = ParseData(fields.Data); err != nil {
			return nil, err
		}
	}

	if v.policy.SignatureRequired {
		if len(d.Signature) != crypto.SignatureLength {
			return nil, fmt.Errorf("signature length %d: %w", len(d.Signature), ErrMalformedSponsorData)
		}

		if err := env.Charge(env.Schedule.SigVerify, "verify sponsor signature"); err != nil {
			return nil, err
		}

		digest, err := HashForSigning(env.Orchestrator, v.addr, op.Sender, op.Nonce, fields.Data)
		if err != nil {
			return nil, err
		}

		if signerOf(digest, d.Signature) != v.policy.VerifyingKey {
			return nil, ErrInvalidSignature
		}
	}

	if err := env.Charge(env.Schedule.StorageRead, "load sponsorship usage"); err != nil {
		return nil, err
	}

	usage, err := LoadUsage(env.Store, v.addr, op.Sender)
	if err != nil {
		return nil, err
	}

	res := &Validation{
		Context: encodeContext(op.Sender, maxCost, d.UserTag),
		Window:  operation.Window{ValidAfter: d.ValidAfter, ValidUntil: d.ValidUntil},
	}

	if limit := v.policy.MaxSponsorshipsPerDay; limit != 0 && usage.Count >= limit {
		res.QuotaResetsAt = usage.Last + QuotaPeriod + 1
	}

	return res, nil
}

// signerOf returns the signer of the prefixed digest, or the zero address.
func signerOf(digest common.Hash, sig []byte) common.Address {
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)

	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(digest[:]), normalized)
	if err != nil {
		return common.Address{}
	}

	return crypto.PubkeyToAddress(*pub)
}

func uint48(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}

	return v
}

func putUint48(b []byte, v uint64) {
	if v > maxTimestamp {
		v = maxTimestamp
	}

	for i := timestampSize - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// usageKey is "q:" | sponsor(20) | account(20).
func usageKey(sponsor, account common.Address) []byte {
	return state.Key(state.PrefixQuota, sponsor.Bytes(), account.Bytes())
}
