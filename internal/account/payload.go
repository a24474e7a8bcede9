package account

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const accountABIJSON = `[
  {"type":"function","name":"execute","inputs":[
    {"name":"target","type":"address"},
    {"name":"value","type":"uint256"},
    {"name":"data","type":"bytes"}]},
  {"type":"function","name":"executeBatch","inputs":[
    {"name":"targets","type":"address[]"},
    {"name":"values","type":"uint256[]"},
    {"name":"datas","type":"bytes[]"}]}
]`

var (
	// ErrUnknownMethod is returned for an exec payload with an unknown selector.
	ErrUnknownMethod = errors.New("unknown account method")

	// ErrWrongArrayLengths is returned when executeBatch arrays differ in length.
	ErrWrongArrayLengths = errors.New("wrong array lengths")
)

var accountABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(accountABIJSON))
	if err != nil {
		panic(err)
	}

	return parsed
}

// Call is one sub-call of an exec payload.
type Call struct {
	Target common.Address
	Value  *uint256.Int
	Data   []byte
}

// EncodeExecute builds an exec payload for a single call.
func EncodeExecute(target common.Address, value *uint256.Int, data []byte) ([]byte, error) {
	return accountABI.Pack("execute", target, toBig(value), data)
}

// EncodeExecuteBatch builds an exec payload for an atomic group of calls.
func EncodeExecuteBatch(calls []Call) ([]byte, error) {
	targets := make([]common.Address, len(calls))
	values := make([]*big.Int, len(calls))
	datas := make([][]byte, len(calls))

	for i, c := range calls {
		targets[i] = c.Target
		values[i] = toBig(c.Value)
		datas[i] = c.Data
	}

	return accountABI.Pack("executeBatch", targets, values, datas)
}

// DecodeExecPayload parses an exec payload into its calls.
// batch reports whether the payload was executeBatch.
func DecodeExecPayload(payload []byte) (calls []Call, batch bool, err error) {
	if len(payload) < 4 {
		return nil, false, fmt.Errorf("payload of %d bytes: %w", len(payload), ErrUnknownMethod)
	}

	method, err := accountABI.MethodById(payload[:4])
	if err != nil {
		return nil, false, fmt.Errorf("%x: %w", payload[:4], ErrUnknownMethod)
	}

	args, err := method.Inputs.Unpack(payload[4:])
	if err != nil {
		return nil, false, fmt.Errorf("unpack %s:\n%w", method.Name, err)
	}

	switch method.Name {
	case "execute":
		return []Call{{
			Target: args[0].(common.Address),
			Value:  fromBig(args[1].(*big.Int)),
			Data:   args[2].([]byte),
		}}, false, nil

	case "executeBatch":
		calls, err := zipBatch(args[0].([]common.Address), args[1].([]*big.Int), args[2].([][]byte))
		return calls, true, err
	}

	return nil, false, ErrUnknownMethod
}

// zipBatch combines executeBatch arrays. An empty values array means no value.
func zipBatch(targets []common.Address, values []*big.Int, datas [][]byte) ([]Call, error) {
	if len(targets) != len(datas) || (len(values) != 0 && len(values) != len(targets)) {
		return nil, fmt.Errorf("%d targets, %d values, %d datas: %w", len(targets), len(values), len(datas), ErrWrongArrayLengths)
	}

	calls := make([]Call, len(targets))
	for i := range targets {
		calls[i] = Call{Target: targets[i], Value: new(uint256.Int), Data: datas[i]}
		if len(values) != 0 {
			calls[i].Value = fromBig(values[i])
		}
	}

	return calls, nil
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}

	return v.ToBig()
}

func fromBig(b *big.Int) *uint256.Int {
	v, _ := uint256.FromBig(b)
	return v
}
