// Package operation defines the user-authored operation processed by the
// orchestrator, its canonical hash, and its wire encoding.
package operation

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"OpBatch/internal/gas"
)

const (
	// sponsorPayloadHeader is sponsor(20) | verificationGasLimit(16) | postOpGasLimit(16).
	sponsorPayloadHeader = common.AddressLength + 16 + 16
)

var (
	// ErrFieldOverflow is returned when a numeric field exceeds gas.MaxFieldValue.
	ErrFieldOverflow = errors.New("numeric field above ceiling")

	// ErrMalformedSponsorPayload is returned when a sponsor payload is shorter than its header.
	ErrMalformedSponsorPayload = errors.New("malformed sponsor payload")
)

// Operation is one self-contained intent to act on behalf of an account.
type Operation struct {
	Sender               common.Address // Sender is the account the operation acts for
	Nonce                *uint256.Int   // Nonce is (key << 64) | sequence
	InitPayload          []byte         // InitPayload is factory(20) | factory data, empty once deployed
	ExecPayload          []byte         // ExecPayload is the call the account performs
	PreVerificationGas   *uint256.Int   // PreVerificationGas compensates the submitter's overhead
	VerificationGasLimit *uint256.Int   // VerificationGasLimit bounds account creation and authorization
	ExecutionGasLimit    *uint256.Int   // ExecutionGasLimit bounds ExecPayload
	MaxFeePerGas         *uint256.Int   // MaxFeePerGas caps the gas price
	MaxPriorityFeePerGas *uint256.Int   // MaxPriorityFeePerGas is the tip over the base fee
	SponsorPayload       []byte         // SponsorPayload is sponsor(20) | gas limits | sponsor data
	Authorization        []byte         // Authorization is the account's signature over Hash
}

// SponsorFields is the parsed sponsor payload.
type SponsorFields struct {
	Sponsor              common.Address // Sponsor pays for the operation
	VerificationGasLimit *uint256.Int   // VerificationGasLimit bounds sponsor validation
	PostOpGasLimit       *uint256.Int   // PostOpGasLimit bounds sponsor post-processing
	Data                 []byte         // Data is the sponsor-specific authorization
}

// CheckBounds verifies every numeric field fits gas.MaxFieldValue,
// including the sponsor gas limits packed in SponsorPayload.
func (op *Operation) CheckBounds() error {
	fields := []struct {
		name string
		v    *uint256.Int
	}{
		{"preVerificationGas", op.PreVerificationGas},
		{"verificationGasLimit", op.VerificationGasLimit},
		{"executionGasLimit", op.ExecutionGasLimit},
		{"maxFeePerGas", op.MaxFeePerGas},
		{"maxPriorityFeePerGas", op.MaxPriorityFeePerGas},
	}

	for _, f := range fields {
		if !gas.FitsField(f.v) {
			return fmt.Errorf("%s: %w", f.name, ErrFieldOverflow)
		}
	}

	if !op.HasSponsor() {
		return nil
	}

	sf, err := op.Sponsor()
	if err != nil {
		return err
	}

	if !gas.FitsField(sf.VerificationGasLimit) {
		return fmt.Errorf("sponsorVerificationGasLimit: %w", ErrFieldOverflow)
	}
	if !gas.FitsField(sf.PostOpGasLimit) {
		return fmt.Errorf("sponsorPostOpGasLimit: %w", ErrFieldOverflow)
	}

	return nil
}

// HasSponsor reports whether the operation names a sponsor.
func (op *Operation) HasSponsor() bool {
	return len(op.SponsorPayload) > 0
}

// Sponsor parses SponsorPayload.
func (op *Operation) Sponsor() (SponsorFields, error) {
	p := op.SponsorPayload
	if len(p) < sponsorPayloadHeader {
		return SponsorFields{}, fmt.Errorf("length %d below %d: %w", len(p), sponsorPayloadHeader, ErrMalformedSponsorPayload)
	}

	return SponsorFields{
		Sponsor:              common.BytesToAddress(p[:20]),
		VerificationGasLimit: new(uint256.Int).SetBytes(p[20:36]),
		PostOpGasLimit:       new(uint256.Int).SetBytes(p[36:52]),
		Data:                 p[52:],
	}, nil
}

// EncodeSponsorPayload packs sponsor gas limits and data into a SponsorPayload.
// Limits above 2^128-1 are truncated to their low 16 bytes.
func EncodeSponsorPayload(sponsor common.Address, verificationGasLimit, postOpGasLimit *uint256.Int, data []byte) []byte {
	out := make([]byte, sponsorPayloadHeader+len(data))
	copy(out, sponsor.Bytes())

	v := verificationGasLimit.Bytes32()
	copy(out[20:36], v[16:])

	p := postOpGasLimit.Bytes32()
	copy(out[36:52], p[16:])

	copy(out[52:], data)

	return out
}

// InitFactory returns the factory address named by InitPayload.
func (op *Operation) InitFactory() (common.Address, bool) {
	if len(op.InitPayload) < common.AddressLength {
		return common.Address{}, false
	}

	return common.BytesToAddress(op.InitPayload[:20]), true
}

// Hash returns the canonical hash the account signs. It binds every field
// except Authorization, plus the orchestrator address and chain ID.
func (op *Operation) Hash(orchestrator common.Address, chainID *uint256.Int) common.Hash {
	inner := crypto.Keccak256(op.pack())

	return crypto.Keccak256Hash(
		inner,
		common.LeftPadBytes(orchestrator.Bytes(), 32),
		word(chainID),
	)
}

// pack lays out the signed fields as 32-byte words; byte fields are hashed.
func (op *Operation) pack() []byte {
	words := [][]byte{
		common.LeftPadBytes(op.Sender.Bytes(), 32),
		word(op.Nonce),
		crypto.Keccak256(op.InitPayload),
		crypto.Keccak256(op.ExecPayload),
		word(op.PreVerificationGas),
		word(op.VerificationGasLimit),
		word(op.ExecutionGasLimit),
		word(op.MaxFeePerGas),
		word(op.MaxPriorityFeePerGas),
		crypto.Keccak256(op.SponsorPayload),
	}

	out := make([]byte, 0, 32*len(words))
	for _, w := range words {
		out = append(out, w...)
	}

	return out
}

// word encodes v as a 32-byte big-endian word. Nil encodes as zero.
func word(v *uint256.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}

	b := v.Bytes32()

	return b[:]
}
