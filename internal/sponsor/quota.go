package sponsor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/callvm"
	"OpBatch/internal/state"
)

// QuotaPeriod is the length of the sponsorship quota window in seconds.
const QuotaPeriod = 24 * 60 * 60

// contextSize is account(20) | maxCost(32) | userTag(1).
const contextSize = 20 + 32 + 1

// ErrMalformedContext is returned when PostProcess receives a context
// ValidateSponsorship did not produce.
var ErrMalformedContext = errors.New("malformed sponsorship context")

// Mode tells PostProcess how execution ended.
type Mode uint8

const (
	// ModeSucceeded means the account's calls completed.
	ModeSucceeded Mode = iota

	// ModeReverted means the account's calls reverted but gas was still spent.
	ModeReverted

	// ModePostOpReverted means an earlier PostProcess failed and its effects
	// were rolled back. The sponsor still pays, so the sponsorship is tallied again.
	ModePostOpReverted
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeReverted:
		return "reverted"
	case ModePostOpReverted:
		return "postOpReverted"
	default:
		return "succeeded"
	}
}

// Usage is the sponsorship history of one account with one sponsor.
type Usage struct {
	Last  uint64 `json:"last"`  // Last is the timestamp of the latest sponsorship
	Count uint64 `json:"count"` // Count is the sponsorships since the window started
}

// LoadUsage reads the usage of account with sponsor.
func LoadUsage(store *state.Store, sponsor, account common.Address) (Usage, error) {
	raw := store.Get(usageKey(sponsor, account))
	if raw == nil {
		return Usage{}, nil
	}

	if len(raw) != 16 {
		return Usage{}, fmt.Errorf("usage of %s size %d: %w", account.Hex(), len(raw), ErrMalformedRecord)
	}

	return Usage{
		Last:  binary.BigEndian.Uint64(raw[0:8]),
		Count: binary.BigEndian.Uint64(raw[8:16]),
	}, nil
}

func saveUsage(store *state.Store, sponsor, account common.Address, u Usage) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], u.Last)
	binary.BigEndian.PutUint64(buf[8:16], u.Count)

	store.Set(usageKey(sponsor, account), buf)
}

// PostProcess settles a sponsorship after execution. It is the only place
// the quota counter moves and the only sponsor step that reads the clock.
func (v *Verifying) PostProcess(env *callvm.Env, mode Mode, context []byte, actualCost *uint256.Int) error {
	account, maxCost, userTag, err := decodeContext(context)
	if err != nil {
		return err
	}

	if err := env.Charge(env.Schedule.StorageRead, "load sponsorship usage"); err != nil {
		return err
	}

	usage, err := LoadUsage(env.Store, v.addr, account)
	if err != nil {
		return err
	}

	now := env.Block.Timestamp
	if now > usage.Last+QuotaPeriod {
		usage.Count = 1
	} else {
		usage.Count++
	}
	usage.Last = now

	if err := env.Charge(env.Schedule.StorageWrite, "save sponsorship usage"); err != nil {
		return err
	}

	saveUsage(env.Store, v.addr, account, usage)

	name := "Sponsored"
	if mode != ModeSucceeded {
		name = "SponsorshipFailed"
	}

	return env.Emit(v.addr, name, map[string]string{
		"account":    account.Hex(),
		"actualCost": actualCost.Dec(),
		"maxCost":    maxCost.Dec(),
		"userTag":    strconv.Itoa(int(userTag)),
		"count":      strconv.FormatUint(usage.Count, 10),
		"mode":       mode.String(),
	})
}

func encodeContext(account common.Address, maxCost *uint256.Int, userTag byte) []byte {
	out := make([]byte, contextSize)
	copy(out[:20], account.Bytes())
	copy(out[20:52], state.EncodeUint(maxCost))
	out[52] = userTag

	return out
}

func decodeContext(ctx []byte) (common.Address, *uint256.Int, byte, error) {
	if len(ctx) != contextSize {
		return common.Address{}, nil, 0, fmt.Errorf("length %d: %w", len(ctx), ErrMalformedContext)
	}

	return common.BytesToAddress(ctx[:20]), state.DecodeUint(ctx[20:52]), ctx[52], nil
}
