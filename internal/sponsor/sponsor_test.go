package sponsor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"OpBatch/internal/callvm"
	"OpBatch/internal/gas"
	"OpBatch/internal/ledger"
	"OpBatch/internal/operation"
	"OpBatch/internal/state"
)

var (
	orchestrator = common.HexToAddress("0x0000000000000000000000000000000000004337")
	sponsorAddr  = common.HexToAddress("0x5050000000000000000000000000000000000000")
	ownerAddr    = common.HexToAddress("0x0a0a000000000000000000000000000000000000")
	sender       = common.HexToAddress("0xacc0000000000000000000000000000000000001")
)

type fixture struct {
	store *state.Store
	key   *ecdsa.PrivateKey
	sp    *Verifying
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	policy.VerifyingKey = crypto.PubkeyToAddress(key.PublicKey)

	store := state.NewMemory()
	sp, err := Register(store, sponsorAddr, ownerAddr, policy)
	require.NoError(t, err)

	return &fixture{store: store, key: key, sp: sp}
}

func (f *fixture) env(t *testing.T, now uint64) *callvm.Env {
	t.Helper()

	ctx := context.Background()
	pool := callvm.NewPool(ctx)
	t.Cleanup(func() { pool.Close(ctx) })

	env := callvm.NewEnv(ctx, f.store, callvm.NewMachine(pool), callvm.Block{Timestamp: now}, orchestrator, gas.DefaultSchedule())

	return env.WithMeter(gas.NewMeter(100_000))
}

// signedData signs sponsor data for op with the fixture's verifying key.
func (f *fixture) signedData(t *testing.T, op *operation.Operation, sponsor common.Address, validUntil, validAfter uint64) []byte {
	t.Helper()

	unsigned := EncodeData(validUntil, validAfter, 7, common.Hash{1}, nil)

	digest, err := HashForSigning(orchestrator, sponsor, op.Sender, op.Nonce, unsigned)
	require.NoError(t, err)

	sig, err := crypto.Sign(accounts.TextHash(digest[:]), f.key)
	require.NoError(t, err)
	sig[64] += 27

	return EncodeData(validUntil, validAfter, 7, common.Hash{1}, sig)
}

func fieldsFor(data []byte) operation.SponsorFields {
	return operation.SponsorFields{
		Sponsor:              sponsorAddr,
		VerificationGasLimit: uint256.NewInt(50_000),
		PostOpGasLimit:       uint256.NewInt(50_000),
		Data:                 data,
	}
}

func testOp(seq uint64) *operation.Operation {
	return &operation.Operation{Sender: sender, Nonce: uint256.NewInt(seq)}
}

func enabled() Policy {
	return Policy{
		Enabled:               true,
		MaxCostPerOperation:   uint256.NewInt(1_000_000),
		MaxSponsorshipsPerDay: 5,
		SignatureRequired:     true,
	}
}

func TestRegisterAndLoad(t *testing.T) {
	f := newFixture(t, enabled())

	got, err := Load(f.store, sponsorAddr)
	require.NoError(t, err)
	require.Equal(t, ownerAddr, got.Owner())
	require.Equal(t, f.sp.Policy().VerifyingKey, got.Policy().VerifyingKey)
	require.Equal(t, uint64(5), got.Policy().MaxSponsorshipsPerDay)
	require.True(t, got.Policy().Enabled)
	require.True(t, got.Policy().SignatureRequired)
	require.Equal(t, uint64(1_000_000), got.Policy().MaxCostPerOperation.Uint64())

	_, err = Register(f.store, sponsorAddr, ownerAddr, enabled())
	require.ErrorIs(t, err, ErrSponsorExists)

	_, err = Load(f.store, common.HexToAddress("0x99"))
	require.ErrorIs(t, err, ErrUnknownSponsor)
}

func TestSetPolicy_OwnerOnly(t *testing.T) {
	f := newFixture(t, enabled())

	p := f.sp.Policy()
	p.Enabled = false

	require.ErrorIs(t, f.sp.SetPolicy(f.store, sender, p), ErrNotOwner)
	require.NoError(t, f.sp.SetPolicy(f.store, ownerAddr, p))

	got, err := Load(f.store, sponsorAddr)
	require.NoError(t, err)
	require.False(t, got.Policy().Enabled)
}

func TestValidate_Accepts(t *testing.T) {
	f := newFixture(t, enabled())
	op := testOp(3)
	env := f.env(t, 1000)

	data := f.signedData(t, op, sponsorAddr, 2000, 500)
	journal := f.store.Snapshot()

	res, err := f.sp.ValidateSponsorship(env, op, fieldsFor(data), uint256.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, operation.Window{ValidAfter: 500, ValidUntil: 2000}, res.Window)
	require.Zero(t, res.QuotaResetsAt)

	account, maxCost, tag, err := decodeContext(res.Context)
	require.NoError(t, err)
	require.Equal(t, sender, account)
	require.Equal(t, uint64(100), maxCost.Uint64())
	require.Equal(t, byte(7), tag)

	require.Equal(t, journal, f.store.Snapshot(), "validation must not write")
}

func TestValidate_SignatureBinding(t *testing.T) {
	f := newFixture(t, enabled())
	op := testOp(3)
	data := f.signedData(t, op, sponsorAddr, 0, 0)

	tests := []struct {
		name string
		op   *operation.Operation
		data []byte
	}{
		{"different nonce", testOp(4), data},
		{"different sender", &operation.Operation{Sender: common.HexToAddress("0x77"), Nonce: uint256.NewInt(3)}, data},
		{"different sponsor", op, f.signedData(t, op, common.HexToAddress("0x88"), 0, 0)},
		{"different window", op, append(EncodeData(9999, 0, 7, common.Hash{1}, nil), data[SignedPrefixSize:]...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.sp.ValidateSponsorship(f.env(t, 1000), tt.op, fieldsFor(tt.data), uint256.NewInt(100))
			if !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("got %v, want ErrInvalidSignature", err)
			}
		})
	}
}

func TestValidate_RecoveryIDZeroOne(t *testing.T) {
	f := newFixture(t, enabled())
	op := testOp(0)

	data := f.signedData(t, op, sponsorAddr, 0, 0)
	data[len(data)-1] -= 27

	_, err := f.sp.ValidateSponsorship(f.env(t, 1000), op, fieldsFor(data), uint256.NewInt(1))
	require.NoError(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	op := testOp(0)

	t.Run("disabled", func(t *testing.T) {
		p := enabled()
		p.Enabled = false
		f := newFixture(t, p)

		_, err := f.sp.ValidateSponsorship(f.env(t, 1000), op, fieldsFor(nil), uint256.NewInt(1))
		require.ErrorIs(t, err, ErrSponsorshipDisabled)
	})

	t.Run("cost above limit", func(t *testing.T) {
		f := newFixture(t, enabled())
		data := f.signedData(t, op, sponsorAddr, 0, 0)

		_, err := f.sp.ValidateSponsorship(f.env(t, 1000), op, fieldsFor(data), uint256.NewInt(1_000_001))
		require.ErrorIs(t, err, ErrCostExceedsLimit)
	})

	t.Run("short data", func(t *testing.T) {
		f := newFixture(t, enabled())

		_, err := f.sp.ValidateSponsorship(f.env(t, 1000), op, fieldsFor(make([]byte, 20)), uint256.NewInt(1))
		require.ErrorIs(t, err, ErrMalformedSponsorData)
	})

	t.Run("missing signature", func(t *testing.T) {
		f := newFixture(t, enabled())

		_, err := f.sp.ValidateSponsorship(f.env(t, 1000), op, fieldsFor(EncodeData(0, 0, 0, common.Hash{}, nil)), uint256.NewInt(1))
		require.ErrorIs(t, err, ErrMalformedSponsorData)
	})

	t.Run("verification out of gas", func(t *testing.T) {
		f := newFixture(t, enabled())
		data := f.signedData(t, op, sponsorAddr, 0, 0)
		env := f.env(t, 1000).WithMeter(gas.NewMeter(100))

		_, err := f.sp.ValidateSponsorship(env, op, fieldsFor(data), uint256.NewInt(1))
		require.ErrorIs(t, err, gas.ErrOutOfGas)
	})
}

func TestValidate_NoSignatureRequired(t *testing.T) {
	p := enabled()
	p.SignatureRequired = false
	f := newFixture(t, p)

	res, err := f.sp.ValidateSponsorship(f.env(t, 1000), testOp(0), fieldsFor(nil), uint256.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, operation.Window{}, res.Window)
}

func TestQuota_ValidationReportsExhaustion(t *testing.T) {
	f := newFixture(t, enabled())
	op := testOp(0)
	data := f.signedData(t, op, sponsorAddr, 0, 0)

	for i := 0; i < 5; i++ {
		env := f.env(t, 1000+uint64(i))

		res, err := f.sp.ValidateSponsorship(env, op, fieldsFor(data), uint256.NewInt(1))
		require.NoError(t, err)
		require.Zero(t, res.QuotaResetsAt, "sponsorship %d", i)

		require.NoError(t, f.sp.PostProcess(env, ModeSucceeded, res.Context, uint256.NewInt(1)))
	}

	usage, err := LoadUsage(f.store, sponsorAddr, sender)
	require.NoError(t, err)
	require.Equal(t, Usage{Last: 1004, Count: 5}, usage)

	res, err := f.sp.ValidateSponsorship(f.env(t, 1005), op, fieldsFor(data), uint256.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, uint64(1004+QuotaPeriod+1), res.QuotaResetsAt)
}

func TestPostProcess_WindowReset(t *testing.T) {
	f := newFixture(t, enabled())
	saveUsage(f.store, sponsorAddr, sender, Usage{Last: 1000, Count: 5})

	ctx := encodeContext(sender, uint256.NewInt(10), 0)

	// Exactly one period later is still the same window.
	env := f.env(t, 1000+QuotaPeriod)
	require.NoError(t, f.sp.PostProcess(env, ModeReverted, ctx, uint256.NewInt(3)))

	usage, err := LoadUsage(f.store, sponsorAddr, sender)
	require.NoError(t, err)
	require.Equal(t, uint64(6), usage.Count)

	env = f.env(t, 1000+2*QuotaPeriod+1)
	require.NoError(t, f.sp.PostProcess(env, ModeSucceeded, ctx, uint256.NewInt(3)))

	usage, err = LoadUsage(f.store, sponsorAddr, sender)
	require.NoError(t, err)
	require.Equal(t, Usage{Last: 1000 + 2*QuotaPeriod + 1, Count: 1}, usage)
}

func TestPostProcess_Events(t *testing.T) {
	f := newFixture(t, enabled())
	ctx := encodeContext(sender, uint256.NewInt(10), 4)
	env := f.env(t, 1000)

	require.NoError(t, f.sp.PostProcess(env, ModeSucceeded, ctx, uint256.NewInt(3)))
	require.NoError(t, f.sp.PostProcess(env, ModeReverted, ctx, uint256.NewInt(3)))
	require.NoError(t, f.sp.PostProcess(env, ModePostOpReverted, ctx, uint256.NewInt(3)))

	events := env.Events()
	require.Len(t, events, 3)
	require.Equal(t, "Sponsored", events[0].Name)
	require.Equal(t, "SponsorshipFailed", events[1].Name)
	require.Equal(t, "SponsorshipFailed", events[2].Name)
	require.Equal(t, "postOpReverted", events[2].Data["mode"])
	require.Equal(t, "4", events[0].Data["userTag"])
	require.Equal(t, sponsorAddr, events[0].Emitter)

	// Every mode counts against the quota.
	usage, err := LoadUsage(f.store, sponsorAddr, sender)
	require.NoError(t, err)
	require.Equal(t, uint64(3), usage.Count)

	require.ErrorIs(t, f.sp.PostProcess(env, ModeSucceeded, []byte{1}, uint256.NewInt(3)), ErrMalformedContext)
}

func TestAdmin_StakeLifecycle(t *testing.T) {
	f := newFixture(t, enabled())
	f.store.SetBalance(ownerAddr, uint256.NewInt(1000))

	require.ErrorIs(t, f.sp.AddStake(f.store, sender, uint256.NewInt(100), 60), ErrNotOwner)
	require.NoError(t, f.sp.AddStake(f.store, ownerAddr, uint256.NewInt(100), 60))

	l := ledger.New(f.store)
	require.True(t, l.IsStaked(sponsorAddr, uint256.NewInt(100), 60))

	require.NoError(t, f.sp.UnlockStake(f.store, ownerAddr, 500))

	_, err := f.sp.WithdrawStake(f.store, ownerAddr, ownerAddr, 520)
	require.ErrorIs(t, err, ledger.ErrStakeLocked)

	amount, err := f.sp.WithdrawStake(f.store, ownerAddr, ownerAddr, 560)
	require.NoError(t, err)
	require.Equal(t, uint64(100), amount.Uint64())
	require.Equal(t, uint64(1000), f.store.Balance(ownerAddr).Uint64())
}

func TestAdmin_WithdrawDeposit(t *testing.T) {
	f := newFixture(t, enabled())
	l := ledger.New(f.store)
	require.NoError(t, l.Credit(sponsorAddr, uint256.NewInt(50)))

	require.ErrorIs(t, f.sp.WithdrawTo(f.store, sender, sender, uint256.NewInt(10)), ErrNotOwner)
	require.NoError(t, f.sp.WithdrawTo(f.store, ownerAddr, sender, uint256.NewInt(10)))

	require.Equal(t, uint64(40), l.BalanceOf(sponsorAddr).Uint64())
	require.Equal(t, uint64(10), f.store.Balance(sender).Uint64())
}
