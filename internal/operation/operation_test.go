package operation

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/gas"
)

var (
	testOrchestrator = common.HexToAddress("0x0000000000000000000000000000000000004337")
	testChainID      = uint256.NewInt(1337)
)

func sampleOp() *Operation {
	return &Operation{
		Sender:               common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Nonce:                uint256.NewInt(7),
		ExecPayload:          []byte{0xb6, 0x1d, 0x27, 0xf6},
		PreVerificationGas:   uint256.NewInt(21000),
		VerificationGasLimit: uint256.NewInt(100000),
		ExecutionGasLimit:    uint256.NewInt(200000),
		MaxFeePerGas:         uint256.NewInt(10),
		MaxPriorityFeePerGas: uint256.NewInt(1),
		Authorization:        []byte{1, 2, 3},
	}
}

func TestHash_BindsFields(t *testing.T) {
	op := sampleOp()
	base := op.Hash(testOrchestrator, testChainID)

	changed := sampleOp()
	changed.Nonce = uint256.NewInt(8)
	if changed.Hash(testOrchestrator, testChainID) == base {
		t.Error("hash ignores nonce")
	}

	changed = sampleOp()
	changed.SponsorPayload = []byte{1}
	if changed.Hash(testOrchestrator, testChainID) == base {
		t.Error("hash ignores sponsor payload")
	}

	if op.Hash(common.HexToAddress("0x01"), testChainID) == base {
		t.Error("hash ignores orchestrator")
	}

	if op.Hash(testOrchestrator, uint256.NewInt(1)) == base {
		t.Error("hash ignores chain id")
	}

	changed = sampleOp()
	changed.Authorization = []byte{9, 9}
	if changed.Hash(testOrchestrator, testChainID) != base {
		t.Error("hash depends on authorization")
	}
}

func TestCheckBounds(t *testing.T) {
	op := sampleOp()
	if err := op.CheckBounds(); err != nil {
		t.Fatalf("CheckBounds failed: %v", err)
	}

	op.MaxFeePerGas = new(uint256.Int).Add(gas.MaxFieldValue, uint256.NewInt(1))
	if err := op.CheckBounds(); !errors.Is(err, ErrFieldOverflow) {
		t.Errorf("got %v, want ErrFieldOverflow", err)
	}
}

func TestCheckBounds_SponsorLimits(t *testing.T) {
	op := sampleOp()

	over := new(uint256.Int).Lsh(uint256.NewInt(1), 121)
	op.SponsorPayload = EncodeSponsorPayload(common.HexToAddress("0x22"), over, uint256.NewInt(1), nil)

	if err := op.CheckBounds(); !errors.Is(err, ErrFieldOverflow) {
		t.Errorf("got %v, want ErrFieldOverflow", err)
	}

	op.SponsorPayload = []byte{1, 2, 3}
	if err := op.CheckBounds(); !errors.Is(err, ErrMalformedSponsorPayload) {
		t.Errorf("got %v, want ErrMalformedSponsorPayload", err)
	}
}

func TestSponsor_Parse(t *testing.T) {
	sponsor := common.HexToAddress("0x2222222222222222222222222222222222222222")
	data := []byte("sponsor data")

	op := sampleOp()
	op.SponsorPayload = EncodeSponsorPayload(sponsor, uint256.NewInt(50000), uint256.NewInt(40000), data)

	sf, err := op.Sponsor()
	if err != nil {
		t.Fatalf("Sponsor failed: %v", err)
	}

	if sf.Sponsor != sponsor {
		t.Errorf("sponsor = %s, want %s", sf.Sponsor.Hex(), sponsor.Hex())
	}
	if sf.VerificationGasLimit.Uint64() != 50000 {
		t.Errorf("verification limit = %d, want 50000", sf.VerificationGasLimit.Uint64())
	}
	if sf.PostOpGasLimit.Uint64() != 40000 {
		t.Errorf("post-op limit = %d, want 40000", sf.PostOpGasLimit.Uint64())
	}
	if !bytes.Equal(sf.Data, data) {
		t.Errorf("data = %q, want %q", sf.Data, data)
	}
}

func TestInitFactory(t *testing.T) {
	op := sampleOp()
	if _, ok := op.InitFactory(); ok {
		t.Error("empty init payload reported a factory")
	}

	factory := common.HexToAddress("0xfac7")
	op.InitPayload = append(factory.Bytes(), 0xaa)

	got, ok := op.InitFactory()
	if !ok || got != factory {
		t.Errorf("got %s/%v, want %s", got.Hex(), ok, factory.Hex())
	}
}

func TestCodec_Batch(t *testing.T) {
	a := sampleOp()
	b := sampleOp()
	b.Nonce = new(uint256.Int).Lsh(uint256.NewInt(3), 64)
	b.SponsorPayload = EncodeSponsorPayload(common.HexToAddress("0x22"), uint256.NewInt(1), uint256.NewInt(2), []byte{7})
	b.InitPayload = []byte{0xfa}

	beneficiary := common.HexToAddress("0xbeef")

	ops, gotBen, err := DecodeBatch(EncodeBatch([]*Operation{a, b}, beneficiary))
	if err != nil {
		t.Fatalf("DecodeBatch failed: %v", err)
	}

	if gotBen != beneficiary {
		t.Errorf("beneficiary = %s, want %s", gotBen.Hex(), beneficiary.Hex())
	}
	if len(ops) != 2 {
		t.Fatalf("got %d ops, want 2", len(ops))
	}

	// Every signed field survives, so the hash does too.
	for i, want := range []*Operation{a, b} {
		if ops[i].Hash(testOrchestrator, testChainID) != want.Hash(testOrchestrator, testChainID) {
			t.Errorf("op %d hash changed across encoding", i)
		}
		if !bytes.Equal(ops[i].Authorization, want.Authorization) {
			t.Errorf("op %d authorization = %x, want %x", i, ops[i].Authorization, want.Authorization)
		}
	}
}

func TestDecode_Single(t *testing.T) {
	op := sampleOp()

	got, err := Decode(Encode(op))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if got.Sender != op.Sender || !got.Nonce.Eq(op.Nonce) {
		t.Errorf("got sender=%s nonce=%d", got.Sender.Hex(), got.Nonce.Uint64())
	}
}

func TestDecode_Malformed(t *testing.T) {
	if _, err := Decode([]byte{1, 2}); !errors.Is(err, ErrMalformed) {
		t.Errorf("short input: got %v, want ErrMalformed", err)
	}

	garbage := bytes.Repeat([]byte{0xff}, 64)
	if _, _, err := DecodeBatch(garbage); !errors.Is(err, ErrMalformed) {
		t.Errorf("garbage input: got %v, want ErrMalformed", err)
	}
}

func TestWindow(t *testing.T) {
	w := Window{ValidAfter: 100, ValidUntil: 200}

	if w.Contains(99) || !w.Contains(100) || !w.Contains(200) || w.Contains(201) {
		t.Error("window bounds are not inclusive [100, 200]")
	}

	if !(Window{}).Contains(1 << 40) {
		t.Error("zero window should be unbounded")
	}

	got := w.Intersect(Window{ValidAfter: 150})
	if got.ValidAfter != 150 || got.ValidUntil != 200 {
		t.Errorf("intersect = %+v, want {150 200}", got)
	}

	got = (Window{}).Intersect(Window{ValidUntil: 50})
	if got.ValidUntil != 50 {
		t.Errorf("intersect until = %d, want 50", got.ValidUntil)
	}
}
