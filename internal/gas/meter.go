package gas

import (
	"errors"
	"fmt"
)

// ErrOutOfGas is returned when a charge exceeds the meter's remaining gas.
var ErrOutOfGas = errors.New("out of gas")

// Meter tracks gas consumption against a fixed limit.
// Running out of gas exhausts the meter: the whole limit counts as consumed.
type Meter struct {
	limit    uint64
	consumed uint64
}

// NewMeter creates a meter with the given limit.
func NewMeter(limit uint64) *Meter {
	return &Meter{limit: limit}
}

// Consume charges amount for the named operation.
func (m *Meter) Consume(amount uint64, descriptor string) error {
	if amount > m.limit-m.consumed {
		m.consumed = m.limit
		return fmt.Errorf("%s needs %d gas: %w", descriptor, amount, ErrOutOfGas)
	}

	m.consumed += amount

	return nil
}

// Exhaust marks the whole limit as consumed.
func (m *Meter) Exhaust() {
	m.consumed = m.limit
}

// Remaining returns the gas left.
func (m *Meter) Remaining() uint64 {
	return m.limit - m.consumed
}

// Consumed returns the gas used so far.
func (m *Meter) Consumed() uint64 {
	return m.consumed
}

// Limit returns the meter's limit.
func (m *Meter) Limit() uint64 {
	return m.limit
}

// Schedule holds the gas cost of each metered protocol step.
type Schedule struct {
	SigVerify       uint64 `yaml:"sigVerify"`       // SigVerify is one signature recovery
	StorageRead     uint64 `yaml:"storageRead"`     // StorageRead is one keyed-store read
	StorageWrite    uint64 `yaml:"storageWrite"`    // StorageWrite is one keyed-store write
	CallBase        uint64 `yaml:"callBase"`        // CallBase is the fixed cost of a sub-call
	ValueTransfer   uint64 `yaml:"valueTransfer"`   // ValueTransfer is added when a call moves value
	AccountCreation uint64 `yaml:"accountCreation"` // AccountCreation is charged to materialize an account
	Event           uint64 `yaml:"event"`           // Event is the cost of one emitted event
}

// DefaultSchedule returns costs modelled on the EVM's.
func DefaultSchedule() Schedule {
	return Schedule{
		SigVerify:       3000,
		StorageRead:     2100,
		StorageWrite:    5000,
		CallBase:        2600,
		ValueTransfer:   9000,
		AccountCreation: 32000,
		Event:           375,
	}
}
