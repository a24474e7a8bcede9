// Package snapshot dumps and restores the committed ledger keyspace.
// A snapshot is a FlatBuffers Snapshot table, zstd-compressed, carrying a
// blake3 checksum over the sorted entries.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"OpBatch/internal/storage"
	"OpBatch/internal/types"
)

const (
	// formatVersion is the current snapshot format version.
	formatVersion = 1

	checksumSize = 32
)

var (
	// ErrChecksumMismatch is returned when a snapshot's entries do not match its checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrUnsupportedVersion is returned for snapshots of an unknown format version.
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")

	// ErrMalformed is returned when the bytes are not a snapshot.
	ErrMalformed = errors.New("malformed snapshot")
)

// Source is a keyspace that can be walked in key order.
// *storage.Storage and *state.MemoryBackend satisfy it.
type Source interface {
	Iterate(fn func(key, value []byte) error) error
}

// Sink receives restored entries in one atomic batch.
type Sink interface {
	SetBatch(pairs []storage.KeyValue) error
}

// entry is one key-value pair of the dump.
type entry struct {
	key   []byte
	value []byte
}

// Export dumps src into a compressed snapshot.
func Export(src Source) ([]byte, error) {
	raw, err := Create(src)
	if err != nil {
		return nil, err
	}

	return Compress(raw)
}

// Import restores a compressed snapshot into dst and returns the number of entries written.
// Existing keys that the snapshot also holds are overwritten; other keys are left alone.
func Import(dst Sink, data []byte) (int, error) {
	raw, err := Decompress(data)
	if err != nil {
		return 0, fmt.Errorf("decompress:\n%w", err)
	}

	return Apply(dst, raw)
}

// Create builds an uncompressed snapshot of every entry in src.
func Create(src Source) ([]byte, error) {
	entries, err := collect(src)
	if err != nil {
		return nil, fmt.Errorf("collect entries:\n%w", err)
	}

	return build(entries), nil
}

// collect copies all pairs out of src; iterator buffers are reused.
func collect(src Source) ([]entry, error) {
	var entries []entry

	err := src.Iterate(func(key, value []byte) error {
		entries = append(entries, entry{
			key:   bytes.Clone(key),
			value: bytes.Clone(value),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// build encodes sorted entries and their checksum.
func build(entries []entry) []byte {
	sortEntries(entries)
	checksum := computeChecksum(formatVersion, entries)

	size := 64
	for _, e := range entries {
		size += len(e.key) + len(e.value) + 16
	}
	builder := flatbuffers.NewBuilder(size)

	offsets := make([]flatbuffers.UOffsetT, len(entries))
	for i, e := range entries {
		key := builder.CreateByteVector(e.key)
		value := builder.CreateByteVector(e.value)

		types.SnapshotEntryStart(builder)
		types.SnapshotEntryAddKey(builder, key)
		types.SnapshotEntryAddValue(builder, value)
		offsets[i] = types.SnapshotEntryEnd(builder)
	}

	types.SnapshotStartEntriesVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	entriesVec := builder.EndVector(len(offsets))

	checksumVec := builder.CreateByteVector(checksum[:])

	types.SnapshotStart(builder)
	types.SnapshotAddVersion(builder, formatVersion)
	types.SnapshotAddEntries(builder, entriesVec)
	types.SnapshotAddChecksum(builder, checksumVec)
	builder.Finish(types.SnapshotEnd(builder))

	return builder.FinishedBytes()
}

func sortEntries(entries []entry) {
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].key, entries[j].key) < 0
	})
}

// computeChecksum hashes version (4 bytes) then, per entry,
// len(key) | key | len(value) | value with 4-byte big-endian lengths.
func computeChecksum(version uint32, entries []entry) [checksumSize]byte {
	hasher := blake3.New()

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], version)
	hasher.Write(buf[:])

	for _, e := range entries {
		binary.BigEndian.PutUint32(buf[:], uint32(len(e.key)))
		hasher.Write(buf[:])
		hasher.Write(e.key)

		binary.BigEndian.PutUint32(buf[:], uint32(len(e.value)))
		hasher.Write(buf[:])
		hasher.Write(e.value)
	}

	var sum [checksumSize]byte
	hasher.Sum(sum[:0])

	return sum
}

// Compress compresses snapshot bytes with zstd.
func Compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}

// Apply verifies an uncompressed snapshot and writes its entries to dst atomically.
func Apply(dst Sink, data []byte) (int, error) {
	entries, err := read(data)
	if err != nil {
		return 0, err
	}

	pairs := make([]storage.KeyValue, len(entries))
	for i, e := range entries {
		pairs[i] = storage.KeyValue{Key: e.key, Value: e.value}
	}

	if err := dst.SetBatch(pairs); err != nil {
		return 0, fmt.Errorf("write entries:\n%w", err)
	}

	return len(pairs), nil
}

// read decodes and verifies an uncompressed snapshot.
func read(data []byte) (entries []entry, err error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("size %d: %w", len(data), ErrMalformed)
	}

	defer func() {
		if r := recover(); r != nil {
			entries, err = nil, fmt.Errorf("decode panic %v: %w", r, ErrMalformed)
		}
	}()

	snap := types.GetRootAsSnapshot(data, 0)
	if snap.Version() != formatVersion {
		return nil, fmt.Errorf("version %d: %w", snap.Version(), ErrUnsupportedVersion)
	}

	stored := snap.ChecksumBytes()
	if len(stored) != checksumSize {
		return nil, fmt.Errorf("checksum length %d: %w", len(stored), ErrMalformed)
	}

	entries = make([]entry, snap.EntriesLength())
	var e types.SnapshotEntry

	for i := range entries {
		if !snap.Entries(&e, i) {
			return nil, fmt.Errorf("read entry %d: %w", i, ErrMalformed)
		}

		value := e.ValueBytes()
		if value == nil {
			value = []byte{}
		}

		entries[i] = entry{key: bytes.Clone(e.KeyBytes()), value: bytes.Clone(value)}
	}

	sortEntries(entries)
	computed := computeChecksum(snap.Version(), entries)

	if !bytes.Equal(computed[:], stored) {
		return nil, ErrChecksumMismatch
	}

	return entries, nil
}
