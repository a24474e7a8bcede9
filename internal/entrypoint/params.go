package entrypoint

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/gas"
)

// Params holds the protocol constants of an orchestrator.
type Params struct {
	ChainID          *uint256.Int   // ChainID separates operation hashes across deployments
	Address          common.Address // Address is the orchestrator's own identifier
	BatchGasLimit    uint64         // BatchGasLimit bounds the gas of one batch
	SafetyMargin     uint64         // SafetyMargin is kept free beyond an operation's execution and post-op limits
	PenaltyPercent   uint64         // PenaltyPercent of unused execution or post-op gas is charged
	PenaltyThreshold uint64         // PenaltyThreshold is the unused gas below which no penalty applies
	ProtocolFeeBPS   uint64         // ProtocolFeeBPS of collected fees go to FeeRecipient
	FeeRecipient     common.Address // FeeRecipient receives the protocol fee, zero disables it
	BaseFee          *uint256.Int   // BaseFee is the protocol price per gas
	MinSponsorStake  *uint256.Int   // MinSponsorStake is required of sponsors, zero disables the check
	MinUnstakeDelay  uint32         // MinUnstakeDelay is required of sponsor stakes
	Schedule         gas.Schedule   // Schedule prices metered steps
}

// DefaultParams returns parameters for a local deployment.
func DefaultParams() Params {
	return Params{
		ChainID:          uint256.NewInt(1337),
		Address:          common.HexToAddress("0x0000000000000000000000000000000000004337"),
		BatchGasLimit:    30_000_000,
		SafetyMargin:     10_000,
		PenaltyPercent:   10,
		PenaltyThreshold: 40_000,
		BaseFee:          uint256.NewInt(1),
		MinSponsorStake:  new(uint256.Int),
		Schedule:         gas.DefaultSchedule(),
	}
}

// Recorder observes batch processing. internal/metrics implements it.
type Recorder interface {
	BatchProcessed(ops int, collected *uint256.Int)
	OperationProcessed(status string, actualGas, penaltyGas uint64)
}

type nopRecorder struct{}

func (nopRecorder) BatchProcessed(int, *uint256.Int)          {}
func (nopRecorder) OperationProcessed(string, uint64, uint64) {}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock batches are timestamped with.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		o.clock = clock
	}
}

// WithRecorder reports batch outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}
