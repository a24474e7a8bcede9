package state

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/storage"
)

func TestStore_SetGetDelete(t *testing.T) {
	s := NewMemory()

	key := []byte("n:lane")
	s.Set(key, []byte{1})

	if got := s.Get(key); !bytes.Equal(got, []byte{1}) {
		t.Errorf("got %x, want 01", got)
	}

	s.Delete(key)

	if s.Has(key) {
		t.Error("key still present after Delete")
	}
}

func TestStore_RevertToSnapshot(t *testing.T) {
	s := NewMemory()

	s.Set([]byte("a"), []byte("1"))
	snap := s.Snapshot()

	s.Set([]byte("a"), []byte("2"))
	s.Set([]byte("b"), []byte("3"))
	s.Delete([]byte("a"))

	s.RevertToSnapshot(snap)

	if got := s.Get([]byte("a")); string(got) != "1" {
		t.Errorf("a = %q, want 1", got)
	}
	if s.Has([]byte("b")) {
		t.Error("b survived revert")
	}
}

func TestStore_NestedSnapshots(t *testing.T) {
	s := NewMemory()

	outer := s.Snapshot()
	s.Set([]byte("x"), []byte("outer"))

	inner := s.Snapshot()
	s.Set([]byte("x"), []byte("inner"))
	s.RevertToSnapshot(inner)

	if got := s.Get([]byte("x")); string(got) != "outer" {
		t.Errorf("x = %q after inner revert, want outer", got)
	}

	s.RevertToSnapshot(outer)

	if s.Has([]byte("x")) {
		t.Error("x survived outer revert")
	}
}

func TestStore_CommitToBackend(t *testing.T) {
	backend := NewMemoryBackend()
	backend.SetBatch([]storage.KeyValue{{Key: []byte("gone"), Value: []byte("v")}})

	s := New(backend)
	s.Set([]byte("kept"), []byte("v"))
	s.Delete([]byte("gone"))

	if err := s.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if s.Pending() != 0 {
		t.Errorf("pending = %d after commit, want 0", s.Pending())
	}

	if v, _ := backend.Get([]byte("kept")); string(v) != "v" {
		t.Errorf("backend kept = %q, want v", v)
	}
	if v, _ := backend.Get([]byte("gone")); v != nil {
		t.Errorf("backend gone = %q, want nil", v)
	}
}

func TestStore_Discard(t *testing.T) {
	backend := NewMemoryBackend()
	s := New(backend)

	s.Set([]byte("k"), []byte("v"))
	s.Discard()

	if s.Has([]byte("k")) {
		t.Error("discarded write still visible")
	}
	if backend.Len() != 0 {
		t.Errorf("backend has %d keys, want 0", backend.Len())
	}
}

type failingBackend struct{ *MemoryBackend }

var errDisk = errors.New("disk failure")

func (failingBackend) Get([]byte) ([]byte, error) { return nil, errDisk }

func TestStore_StickyReadError(t *testing.T) {
	s := New(failingBackend{NewMemoryBackend()})

	if v := s.Get([]byte("k")); v != nil {
		t.Errorf("got %x, want nil", v)
	}

	if !errors.Is(s.Err(), errDisk) {
		t.Fatalf("Err = %v, want %v", s.Err(), errDisk)
	}

	if err := s.Commit(); !errors.Is(err, errDisk) {
		t.Errorf("Commit = %v, want %v", err, errDisk)
	}
}

func TestStore_PebbleBackend(t *testing.T) {
	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("storage.New failed: %v", err)
	}
	defer db.Close()

	addr := common.HexToAddress("0x1000000000000000000000000000000000000001")

	s := New(db)
	s.SetBalance(addr, uint256.NewInt(77))

	if err := s.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	fresh := New(db)
	if got := fresh.Balance(addr); got.Uint64() != 77 {
		t.Errorf("balance = %d, want 77", got.Uint64())
	}
}

func TestBalance_TransferAndErrors(t *testing.T) {
	s := NewMemory()
	a := common.HexToAddress("0xaa")
	b := common.HexToAddress("0xbb")

	s.SetBalance(a, uint256.NewInt(100))

	if err := s.Transfer(a, b, uint256.NewInt(30)); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	if got := s.Balance(a).Uint64(); got != 70 {
		t.Errorf("a = %d, want 70", got)
	}
	if got := s.Balance(b).Uint64(); got != 30 {
		t.Errorf("b = %d, want 30", got)
	}

	if err := s.SubBalance(b, uint256.NewInt(31)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("SubBalance = %v, want ErrInsufficientBalance", err)
	}

	full := new(uint256.Int).SetAllOne()
	s.SetBalance(b, full)
	if err := s.AddBalance(b, uint256.NewInt(1)); !errors.Is(err, ErrBalanceOverflow) {
		t.Errorf("AddBalance = %v, want ErrBalanceOverflow", err)
	}
}

func TestKey(t *testing.T) {
	got := Key(PrefixQuota, []byte{1}, []byte{2, 3})
	want := []byte{'q', ':', 1, 2, 3}

	if !bytes.Equal(got, want) {
		t.Errorf("Key = %x, want %x", got, want)
	}
}
