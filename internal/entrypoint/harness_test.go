package entrypoint

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"OpBatch/internal/account"
	"OpBatch/internal/callvm"
	"OpBatch/internal/ledger"
	"OpBatch/internal/operation"
	"OpBatch/internal/sponsor"
	"OpBatch/internal/state"
)

var (
	factoryAddr  = common.HexToAddress("0xfac7000000000000000000000000000000000000")
	providerAddr = common.HexToAddress("0x7702000000000000000000000000000000000000")
	burnerAddr   = common.HexToAddress("0xb0b0000000000000000000000000000000000000")
	reverterAddr = common.HexToAddress("0xdead000000000000000000000000000000000000")
	recipient    = common.HexToAddress("0x7e57000000000000000000000000000000000000")
	beneficiary  = common.HexToAddress("0xbe7e000000000000000000000000000000000000")
	sponsorAddr  = common.HexToAddress("0x5050000000000000000000000000000000000000")
	sponsorOwner = common.HexToAddress("0x0a0a000000000000000000000000000000000000")
)

// genesisTime is the harness clock.
var genesisTime = time.Unix(1_700_000_000, 0)

type harness struct {
	t        *testing.T
	o        *Orchestrator
	store    *state.Store
	factory  *account.Factory
	now      time.Time
	sponsorK *ecdsa.PrivateKey
}

type user struct {
	key   *ecdsa.PrivateKey
	owner common.Address
	addr  common.Address
}

func newHarness(t *testing.T, tweak func(*Params)) *harness {
	t.Helper()

	ctx := context.Background()
	pool := callvm.NewPool(ctx)
	t.Cleanup(func() { pool.Close(ctx) })

	vm := callvm.NewMachine(pool)
	vm.Register(burnerAddr, callvm.TargetFunc(func(env *callvm.Env, _ common.Address, _ *uint256.Int, data []byte) ([]byte, error) {
		return nil, env.Charge(binary.BigEndian.Uint64(data), "burn")
	}))
	vm.Register(reverterAddr, callvm.TargetFunc(func(*callvm.Env, common.Address, *uint256.Int, []byte) ([]byte, error) {
		return nil, callvm.ErrReverted
	}))

	factory := account.NewFactory(factoryAddr)
	registry := account.NewRegistry()
	registry.AddFactory(factory)
	registry.AddProvider(providerAddr)

	params := DefaultParams()
	if tweak != nil {
		tweak(&params)
	}

	h := &harness{t: t, store: state.NewMemory(), factory: factory, now: genesisTime}
	h.o = New(params, h.store, vm, registry, WithClock(func() time.Time { return h.now }))

	return h
}

// newUser installs a funded SimpleAccount with the given deposit.
func (h *harness) newUser(deposit uint64) *user {
	h.t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(h.t, err)

	owner := crypto.PubkeyToAddress(key.PublicKey)
	u := &user{key: key, owner: owner, addr: h.factory.AccountAddress(owner, common.Hash{})}

	require.NoError(h.t, account.Install(h.store, u.addr, owner))
	h.store.SetBalance(u.addr, uint256.NewInt(1_000_000))
	if deposit > 0 {
		require.NoError(h.t, ledger.New(h.store).Credit(u.addr, uint256.NewInt(deposit)))
	}
	require.NoError(h.t, h.store.Commit())

	return u
}

// newSponsor registers the verifying sponsor with a deposit.
func (h *harness) newSponsor(policy sponsor.Policy, deposit uint64) {
	h.t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(h.t, err)
	h.sponsorK = key

	policy.VerifyingKey = crypto.PubkeyToAddress(key.PublicKey)

	_, err = sponsor.Register(h.store, sponsorAddr, sponsorOwner, policy)
	require.NoError(h.t, err)
	require.NoError(h.t, ledger.New(h.store).Credit(sponsorAddr, uint256.NewInt(deposit)))
	require.NoError(h.t, h.store.Commit())
}

// transfer builds an exec payload sending value to recipient.
func (h *harness) transfer(value uint64) []byte {
	h.t.Helper()

	payload, err := account.EncodeExecute(recipient, uint256.NewInt(value), nil)
	require.NoError(h.t, err)

	return payload
}

// burn builds an exec payload whose execution uses exactly total gas.
func (h *harness) burn(total uint64) []byte {
	h.t.Helper()

	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, total-h.o.params.Schedule.CallBase)

	payload, err := account.EncodeExecute(burnerAddr, new(uint256.Int), data)
	require.NoError(h.t, err)

	return payload
}

func (h *harness) revert() []byte {
	h.t.Helper()

	payload, err := account.EncodeExecute(reverterAddr, new(uint256.Int), nil)
	require.NoError(h.t, err)

	return payload
}

// op builds an unsigned operation with generous limits and a unit gas price.
func (h *harness) op(u *user, seq uint64, exec []byte) *operation.Operation {
	return &operation.Operation{
		Sender:               u.addr,
		Nonce:                uint256.NewInt(seq),
		ExecPayload:          exec,
		PreVerificationGas:   uint256.NewInt(21_000),
		VerificationGasLimit: uint256.NewInt(100_000),
		ExecutionGasLimit:    uint256.NewInt(100_000),
		MaxFeePerGas:         uint256.NewInt(1),
		MaxPriorityFeePerGas: new(uint256.Int),
	}
}

// sponsored attaches a signed sponsor payload valid within [after, until].
func (h *harness) sponsored(op *operation.Operation, until, after uint64) *operation.Operation {
	h.t.Helper()

	unsigned := sponsor.EncodeData(until, after, 0, common.Hash{}, nil)
	digest, err := sponsor.HashForSigning(h.o.params.Address, sponsorAddr, op.Sender, op.Nonce, unsigned)
	require.NoError(h.t, err)

	sig, err := crypto.Sign(accounts.TextHash(digest[:]), h.sponsorK)
	require.NoError(h.t, err)
	sig[64] += 27

	data := sponsor.EncodeData(until, after, 0, common.Hash{}, sig)
	op.SponsorPayload = operation.EncodeSponsorPayload(sponsorAddr, uint256.NewInt(50_000), uint256.NewInt(50_000), data)

	return op
}

// sign sets the owner's authorization over the operation hash.
func (h *harness) sign(u *user, op *operation.Operation) *operation.Operation {
	h.t.Helper()

	hash := h.o.GetOperationHash(op)
	sig, err := crypto.Sign(accounts.TextHash(hash[:]), u.key)
	require.NoError(h.t, err)
	sig[64] += 27

	op.Authorization = sig

	return op
}

func (h *harness) handle(ops ...*operation.Operation) *BatchResult {
	h.t.Helper()

	res, err := h.o.HandleOps(context.Background(), ops, beneficiary)
	require.NoError(h.t, err)
	require.Len(h.t, res.Receipts, len(ops))

	return res
}

func (h *harness) deposit(addr common.Address) uint64 {
	return h.o.BalanceOf(addr).Uint64()
}

func (h *harness) balance(addr common.Address) uint64 {
	return h.store.Balance(addr).Uint64()
}

func defaultPolicy() sponsor.Policy {
	return sponsor.Policy{
		Enabled:               true,
		MaxCostPerOperation:   uint256.NewInt(1_000_000_000),
		MaxSponsorshipsPerDay: 5,
		SignatureRequired:     true,
	}
}

func newOwner(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	return key, crypto.PubkeyToAddress(key.PublicKey)
}

// signDigest signs hash without the message prefix.
func signDigest(t *testing.T, key *ecdsa.PrivateKey, hash common.Hash) []byte {
	t.Helper()

	sig, err := crypto.Sign(hash[:], key)
	require.NoError(t, err)
	sig[64] += 27

	return sig
}
