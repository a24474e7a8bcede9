package entrypoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/holiman/uint256"

	"OpBatch/internal/state"
	"OpBatch/internal/types"
)

// Status is the outcome of one operation.
type Status uint8

const (
	// StatusSucceeded means the operation executed and was charged.
	StatusSucceeded Status = iota + 1

	// StatusReverted means execution or post-processing failed; the operation was still charged.
	StatusReverted

	// StatusRejected means validation failed: nothing moved and no nonce was used.
	StatusRejected
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusReverted:
		return "reverted"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the status name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}

	for _, st := range []Status{StatusSucceeded, StatusReverted, StatusRejected} {
		if st.String() == name {
			*s = st
			return nil
		}
	}

	return fmt.Errorf("unknown status %q", name)
}

// Receipt is the queryable outcome of one operation.
type Receipt struct {
	OpHash     common.Hash    `json:"opHash"`
	Sender     common.Address `json:"sender"`
	Nonce      *uint256.Int   `json:"nonce"`
	Sponsor    common.Address `json:"sponsor"` // Sponsor is zero for self-funded operations
	Status     Status         `json:"status"`
	Failure    FailureKind    `json:"failure,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	ActualGas  uint64         `json:"actualGas"`
	ActualCost *uint256.Int   `json:"actualCost"`
	PenaltyGas uint64         `json:"penaltyGas"`
	BatchID    common.Hash    `json:"batchId"`
}

// Charged reports whether the operation paid for gas.
func (r *Receipt) Charged() bool {
	return r.Status == StatusSucceeded || r.Status == StatusReverted
}

// encodeReceipt serializes r as a FlatBuffers Receipt.
func encodeReceipt(r *Receipt) []byte {
	builder := flatbuffers.NewBuilder(256 + len(r.Reason))

	var gasBuf, penaltyBuf [8]byte
	binary.BigEndian.PutUint64(gasBuf[:], r.ActualGas)
	binary.BigEndian.PutUint64(penaltyBuf[:], r.PenaltyGas)

	opHash := builder.CreateByteVector(r.OpHash.Bytes())
	sender := builder.CreateByteVector(r.Sender.Bytes())
	nonce := builder.CreateByteVector(state.EncodeUint(orZero(r.Nonce)))
	sponsor := builder.CreateByteVector(r.Sponsor.Bytes())
	failure := builder.CreateString(string(r.Failure))
	reason := builder.CreateString(r.Reason)
	actualGas := builder.CreateByteVector(gasBuf[:])
	actualCost := builder.CreateByteVector(state.EncodeUint(orZero(r.ActualCost)))
	penaltyGas := builder.CreateByteVector(penaltyBuf[:])
	batchID := builder.CreateByteVector(r.BatchID.Bytes())

	types.ReceiptStart(builder)
	types.ReceiptAddOpHash(builder, opHash)
	types.ReceiptAddSender(builder, sender)
	types.ReceiptAddNonce(builder, nonce)
	types.ReceiptAddSponsor(builder, sponsor)
	types.ReceiptAddStatus(builder, byte(r.Status))
	types.ReceiptAddFailure(builder, failure)
	types.ReceiptAddReason(builder, reason)
	types.ReceiptAddActualGas(builder, actualGas)
	types.ReceiptAddActualCost(builder, actualCost)
	types.ReceiptAddPenaltyGas(builder, penaltyGas)
	types.ReceiptAddBatchId(builder, batchID)
	builder.Finish(types.ReceiptEnd(builder))

	return builder.FinishedBytes()
}

// decodeReceipt parses a stored receipt.
func decodeReceipt(data []byte) (r *Receipt, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("decode receipt: %v", p)
		}
	}()

	t := types.GetRootAsReceipt(data, 0)

	if len(t.ActualGasBytes()) != 8 || len(t.PenaltyGasBytes()) != 8 {
		return nil, fmt.Errorf("decode receipt: bad gas fields")
	}

	return &Receipt{
		OpHash:     common.BytesToHash(t.OpHashBytes()),
		Sender:     common.BytesToAddress(t.SenderBytes()),
		Nonce:      state.DecodeUint(t.NonceBytes()),
		Sponsor:    common.BytesToAddress(t.SponsorBytes()),
		Status:     Status(t.Status()),
		Failure:    FailureKind(t.Failure()),
		Reason:     string(t.Reason()),
		ActualGas:  binary.BigEndian.Uint64(t.ActualGasBytes()),
		ActualCost: state.DecodeUint(t.ActualCostBytes()),
		PenaltyGas: binary.BigEndian.Uint64(t.PenaltyGasBytes()),
		BatchID:    common.BytesToHash(t.BatchIdBytes()),
	}, nil
}

// putReceipt stores r. A rejection never replaces an earlier receipt, so
// replaying a settled operation cannot hide its outcome.
func putReceipt(store *state.Store, r *Receipt) {
	key := state.Key(state.PrefixReceipt, r.OpHash.Bytes())
	if r.Status == StatusRejected && store.Has(key) {
		return
	}

	store.Set(key, encodeReceipt(r))
}

func getReceipt(store *state.Store, opHash common.Hash) (*Receipt, error) {
	raw := store.Get(state.Key(state.PrefixReceipt, opHash.Bytes()))
	if raw == nil {
		return nil, fmt.Errorf("%s: %w", opHash.Hex(), ErrReceiptNotFound)
	}

	return decodeReceipt(raw)
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}

	return v
}
