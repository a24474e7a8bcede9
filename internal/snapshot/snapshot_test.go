package snapshot

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/ledger"
	"OpBatch/internal/state"
	"OpBatch/internal/storage"
	"OpBatch/internal/types"
)

// newTestStorage opens a Pebble storage under t.TempDir.
func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return db
}

// seed writes a few ledger records through a state.Store.
func seed(t *testing.T, backend state.Backend) {
	t.Helper()

	store := state.New(backend)
	l := ledger.New(store)

	alice := common.HexToAddress("0xa11ce")
	bob := common.HexToAddress("0xb0b")

	if err := store.AddBalance(alice, uint256.NewInt(5000)); err != nil {
		t.Fatalf("AddBalance: %v", err)
	}
	if err := l.Credit(bob, uint256.NewInt(750)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	store.Set([]byte("m:head"), []byte{0, 0, 0, 0, 0, 0, 0, 7})

	if err := store.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestCreate_Empty(t *testing.T) {
	raw, err := Create(state.NewMemoryBackend())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	snap := types.GetRootAsSnapshot(raw, 0)

	if snap.Version() != formatVersion {
		t.Errorf("version = %d, want %d", snap.Version(), formatVersion)
	}
	if snap.EntriesLength() != 0 {
		t.Errorf("entries = %d, want 0", snap.EntriesLength())
	}
	if snap.ChecksumLength() != checksumSize {
		t.Errorf("checksum length = %d, want %d", snap.ChecksumLength(), checksumSize)
	}
}

func TestCreate_Deterministic(t *testing.T) {
	a := state.NewMemoryBackend()
	b := state.NewMemoryBackend()
	seed(t, a)
	seed(t, b)

	rawA, err := Create(a)
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	rawB, err := Create(b)
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}

	if !bytes.Equal(rawA, rawB) {
		t.Error("identical keyspaces produced different snapshots")
	}
}

func TestExportImport_MemoryToPebble(t *testing.T) {
	src := state.NewMemoryBackend()
	seed(t, src)

	data, err := Export(src)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	db := newTestStorage(t)

	n, err := Import(db, data)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != src.Len() {
		t.Errorf("imported %d entries, want %d", n, src.Len())
	}

	store := state.New(db)
	if got := store.Balance(common.HexToAddress("0xa11ce")); got.Uint64() != 5000 {
		t.Errorf("balance = %s, want 5000", got.Dec())
	}
	if got := ledger.New(store).BalanceOf(common.HexToAddress("0xb0b")); got.Uint64() != 750 {
		t.Errorf("deposit = %s, want 750", got.Dec())
	}
}

func TestExportImport_PebbleRoundTrip(t *testing.T) {
	src := newTestStorage(t)
	seed(t, src)

	first, err := Export(src)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst := newTestStorage(t)
	if _, err := Import(dst, first); err != nil {
		t.Fatalf("Import: %v", err)
	}

	second, err := Export(dst)
	if err != nil {
		t.Fatalf("Export restored: %v", err)
	}

	rawFirst, _ := Decompress(first)
	rawSecond, _ := Decompress(second)

	if !bytes.Equal(rawFirst, rawSecond) {
		t.Error("restored keyspace differs from source")
	}
}

func TestApply_ChecksumMismatch(t *testing.T) {
	src := state.NewMemoryBackend()
	src.SetBatch([]storage.KeyValue{{Key: []byte("x:key"), Value: []byte("original-value")}})

	raw, err := Create(src)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	i := bytes.Index(raw, []byte("original-value"))
	if i < 0 {
		t.Fatal("value not found in snapshot bytes")
	}
	raw[i] ^= 0xff

	dst := state.NewMemoryBackend()

	_, err = Apply(dst, raw)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Apply error = %v, want ErrChecksumMismatch", err)
	}
	if dst.Len() != 0 {
		t.Errorf("tampered snapshot wrote %d entries", dst.Len())
	}
}

func TestApply_UnsupportedVersion(t *testing.T) {
	raw, err := Create(state.NewMemoryBackend())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	types.GetRootAsSnapshot(raw, 0).MutateVersion(formatVersion + 1)

	if _, err := Apply(state.NewMemoryBackend(), raw); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("Apply error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestApply_Malformed(t *testing.T) {
	if _, err := Apply(state.NewMemoryBackend(), []byte{1, 2, 3}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Apply error = %v, want ErrMalformed", err)
	}
}

func TestImport_NotCompressed(t *testing.T) {
	if _, err := Import(state.NewMemoryBackend(), []byte("not a zstd frame")); err == nil {
		t.Fatal("Import accepted garbage")
	}
}

func TestImport_OverwritesExisting(t *testing.T) {
	src := state.NewMemoryBackend()
	src.SetBatch([]storage.KeyValue{{Key: []byte("k"), Value: []byte("new")}})

	data, err := Export(src)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst := state.NewMemoryBackend()
	dst.SetBatch([]storage.KeyValue{
		{Key: []byte("k"), Value: []byte("old")},
		{Key: []byte("other"), Value: []byte("kept")},
	})

	if _, err := Import(dst, data); err != nil {
		t.Fatalf("Import: %v", err)
	}

	if got, _ := dst.Get([]byte("k")); string(got) != "new" {
		t.Errorf("k = %q, want new", got)
	}
	if got, _ := dst.Get([]byte("other")); string(got) != "kept" {
		t.Errorf("other = %q, want kept", got)
	}
}
