package entrypoint

import (
	"errors"
	"fmt"

	"OpBatch/internal/account"
	"OpBatch/internal/gas"
	"OpBatch/internal/ledger"
	"OpBatch/internal/nonce"
	"OpBatch/internal/operation"
	"OpBatch/internal/sponsor"
)

var (
	// ErrEmptyBatch is returned for a batch without operations.
	ErrEmptyBatch = errors.New("empty batch")

	// ErrZeroBeneficiary is returned when the batch names no beneficiary.
	ErrZeroBeneficiary = errors.New("zero beneficiary")

	// ErrNilOperation is returned when a batch contains a nil operation.
	ErrNilOperation = errors.New("nil operation in batch")

	// ErrBatchOutOfGas is returned when the batch cannot fit an operation's
	// execution and post-processing limits. The whole batch is aborted.
	ErrBatchOutOfGas = errors.New("batch out of gas")

	// ErrLedgerInconsistent is returned when settlement finds the ledger in
	// a state reservation should have made impossible.
	ErrLedgerInconsistent = errors.New("ledger inconsistent")

	// ErrReceiptNotFound is returned when no receipt exists for an operation hash.
	ErrReceiptNotFound = errors.New("receipt not found")
)

// FailureKind names why an operation was rejected or reverted.
type FailureKind string

// Validation failures. Rejected operations move no funds and consume no nonce.
const (
	NonceMismatch          FailureKind = "NonceMismatch"
	NumericOverflow        FailureKind = "NumericOverflow"
	VerificationOOG        FailureKind = "VerificationOOG"
	CostExceedsLimit       FailureKind = "CostExceedsLimit"
	InvalidSignature       FailureKind = "InvalidSignature"
	SponsorshipDisabled    FailureKind = "SponsorshipDisabled"
	DailyQuotaExceeded     FailureKind = "DailyQuotaExceeded"
	InsufficientPrefund    FailureKind = "InsufficientPrefund"
	AccountNotDeployed     FailureKind = "AccountNotDeployed"
	AccountAlreadyDeployed FailureKind = "AccountAlreadyDeployed"
	InitSenderMismatch     FailureKind = "InitSenderMismatch"
	OutsideValidityWindow  FailureKind = "OutsideValidityWindow"
	SponsorNotStaked       FailureKind = "SponsorNotStaked"
	UnknownSponsor         FailureKind = "UnknownSponsor"
	MalformedSponsorData   FailureKind = "MalformedSponsorData"
	ExceedsBatchGasLimit   FailureKind = "ExceedsBatchGasLimit"
)

// Execution failures. The operation is still charged.
const (
	Reverted               FailureKind = "Reverted"
	PostOpReverted         FailureKind = "PostOpReverted"
	PrefundBelowActualCost FailureKind = "PrefundBelowActualCost"
)

// rejection is a per-operation validation failure.
type rejection struct {
	kind FailureKind
	err  error
}

func (r *rejection) Error() string {
	return fmt.Sprintf("%s: %v", r.kind, r.err)
}

func (r *rejection) Unwrap() error {
	return r.err
}

func reject(kind FailureKind, err error) *rejection {
	return &rejection{kind: kind, err: err}
}

// classified maps package sentinels to failure kinds. Order matters:
// out-of-gas wins over whatever the metered call was doing.
var classified = []struct {
	target error
	kind   FailureKind
}{
	{gas.ErrOutOfGas, VerificationOOG},
	{operation.ErrFieldOverflow, NumericOverflow},
	{operation.ErrMalformedSponsorPayload, MalformedSponsorData},
	{nonce.ErrNonceMismatch, NonceMismatch},
	{sponsor.ErrSponsorshipDisabled, SponsorshipDisabled},
	{sponsor.ErrCostExceedsLimit, CostExceedsLimit},
	{sponsor.ErrInvalidSignature, InvalidSignature},
	{sponsor.ErrMalformedSponsorData, MalformedSponsorData},
	{sponsor.ErrUnknownSponsor, UnknownSponsor},
	{account.ErrInvalidSignature, InvalidSignature},
	{account.ErrAccountExists, AccountAlreadyDeployed},
	{account.ErrNoAccount, AccountNotDeployed},
	{account.ErrBadFactoryData, AccountNotDeployed},
	{ledger.ErrInsufficientDeposit, InsufficientPrefund},
}

// classify wraps err as a rejection, defaulting to fallback.
func classify(err error, fallback FailureKind) *rejection {
	var r *rejection
	if errors.As(err, &r) {
		return r
	}

	for _, c := range classified {
		if errors.Is(err, c.target) {
			return reject(c.kind, err)
		}
	}

	return reject(fallback, err)
}
