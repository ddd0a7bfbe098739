package recmap

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// The map lives in two files sharing a path prefix.
//
// Path+".buckets": header, then one bucket table per generation from the
// initial generation up to the current one. Table g holds primes[g] int32
// chain heads; -1 marks an empty bucket.
//
// Path+".entries": header (with the recovery journal), one shadow entry,
// then entries of fixed stride:
//
//	[hash code int32][next int32][key][value][pad to 8]
//
// A negative hash code marks a free entry; next is -1 at the end of a chain
// or of the free list.
const (
	bucketsMagic  = "TSMB"
	entriesMagic  = "TSME"
	formatVersion = 1

	// HeaderSize is the fixed header prefix of both files.
	HeaderSize = 256

	offMagic      = 0x00
	offVersion    = 0x04
	offHeaderSize = 0x08
)

// Buckets file header.
const (
	offKeySize      = 0x0C
	offValueSize    = 0x10
	offOwner        = 0x14 // atomic int32: pid holding the write lock, 0 when free
	offWriteVersion = 0x18 // atomic int64
	offNextVersion  = 0x20 // atomic int64
	offCount        = 0x28 // atomic int32: entries allocated, free ones included
	offFreeHead     = 0x2C // atomic int32
	offFreeCount    = 0x30 // atomic int32
	offGeneration   = 0x34 // atomic int32
	offInitialGen   = 0x38
)

// Entries file header. Everything after offFlags is scratch space owned by
// the write lock holder; it is meaningful only while its flag is set.
const (
	offStride        = 0x0C
	offFlags         = 0x10 // atomic int32: pending recovery steps
	offFreeHeadCopy  = 0x14
	offFreeCountCopy = 0x18
	offCountCopy     = 0x1C
	offLinkCopy      = 0x20 // previous bucket head or previous entry's next
	offIndexCopy     = 0x24
	offLinkGen       = 0x28
	offLinkBucket    = 0x2C
	offLastIndexCopy = 0x30
	offFreeNextCopy  = 0x34
)

// Entry layout.
const (
	entryOffHash = 0
	entryOffNext = 4
	entryOffKey  = 8

	freeHash int32 = -1
	noEntry  int32 = -1
)

// MaxKeySize and MaxValueSize bound the fixed key and value widths.
const (
	MaxKeySize   = 1024
	MaxValueSize = 64 << 10
)

// primes are the bucket table and entry capacities per generation. They
// roughly double. The sequence is part of the file format.
var primes = [...]int32{
	3, 7, 17, 37, 89, 197, 431, 919, 1931, 4049, 8419, 17519, 36353, 75431,
	156437, 324449, 672827, 1395263, 2893249, 5999471, 12418921, 25707181,
	53213891, 110152769,
}

// maxGeneration is the last generation the map can grow to.
const maxGeneration = int32(len(primes) - 1)

// generationFor returns the first generation whose capacity is >= capacity.
func generationFor(capacity int) (int32, error) {
	for g, p := range primes {
		if int(p) >= capacity {
			return int32(g), nil
		}
	}

	return 0, fmt.Errorf("capacity %d exceeds max %d: %w", capacity, primes[maxGeneration], ErrInvalidInput)
}

// hashCode returns the non-negative 31-bit hash stored with each entry.
func hashCode(key []byte) int32 {
	return int32(xxhash.Sum64(key) & 0x7fffffff)
}

// entryStride is the aligned size of one entry.
func entryStride(keySize, valueSize int) int64 {
	return align8(int64(entryOffKey + keySize + valueSize))
}

func align8(n int64) int64 {
	return (n + 7) &^ 7
}

// tableOffset is the buckets file offset of generation g's table.
func tableOffset(initial, g int32) int64 {
	off := int64(HeaderSize)
	for i := initial; i < g; i++ {
		off += 4 * int64(primes[i])
	}

	return off
}

// bucketsFileSize is the buckets file size needed through generation g.
func bucketsFileSize(initial, g int32) int64 {
	return tableOffset(initial, g) + 4*int64(primes[g])
}

// entriesFileSize is the entries file size needed for generation g.
func entriesFileSize(stride int64, g int32) int64 {
	return HeaderSize + stride*(1+int64(primes[g]))
}

type layout struct {
	KeySize    int32
	ValueSize  int32
	InitialGen int32
}

func (l layout) stride() int64 {
	return entryStride(int(l.KeySize), int(l.ValueSize))
}

// encodeBuckets returns a new buckets file: header plus the initial table
// with every bucket empty. Written in one piece so no reader ever sees a
// zeroed table.
func encodeBuckets(l layout) []byte {
	buf := make([]byte, bucketsFileSize(l.InitialGen, l.InitialGen))

	copy(buf[offMagic:], bucketsMagic)
	binary.LittleEndian.PutUint32(buf[offVersion:], formatVersion)
	binary.LittleEndian.PutUint32(buf[offHeaderSize:], HeaderSize)
	binary.LittleEndian.PutUint32(buf[offKeySize:], uint32(l.KeySize))
	binary.LittleEndian.PutUint32(buf[offValueSize:], uint32(l.ValueSize))
	none := noEntry
	binary.LittleEndian.PutUint32(buf[offFreeHead:], uint32(none))
	binary.LittleEndian.PutUint32(buf[offGeneration:], uint32(l.InitialGen))
	binary.LittleEndian.PutUint32(buf[offInitialGen:], uint32(l.InitialGen))

	fillEmpty(buf[HeaderSize:])

	return buf
}

func encodeEntries(l layout) []byte {
	buf := make([]byte, HeaderSize)

	copy(buf[offMagic:], entriesMagic)
	binary.LittleEndian.PutUint32(buf[offVersion:], formatVersion)
	binary.LittleEndian.PutUint32(buf[offHeaderSize:], HeaderSize)
	binary.LittleEndian.PutUint32(buf[offStride:], uint32(l.stride()))

	return buf
}

// decodeLayout validates both headers and returns the layout they agree on.
func decodeLayout(buckets, entries []byte) (layout, error) {
	for _, f := range []struct {
		name  string
		magic string
		buf   []byte
	}{
		{"buckets", bucketsMagic, buckets},
		{"entries", entriesMagic, entries},
	} {
		if len(f.buf) < HeaderSize {
			return layout{}, fmt.Errorf("%s header truncated: %w", f.name, ErrCorrupt)
		}

		if string(f.buf[offMagic:offMagic+4]) != f.magic {
			return layout{}, fmt.Errorf("%s magic %q: %w", f.name, f.buf[offMagic:offMagic+4], ErrIncompatible)
		}

		if v := binary.LittleEndian.Uint32(f.buf[offVersion:]); v != formatVersion {
			return layout{}, fmt.Errorf("%s format version %d: %w", f.name, v, ErrIncompatible)
		}

		if hs := binary.LittleEndian.Uint32(f.buf[offHeaderSize:]); hs != HeaderSize {
			return layout{}, fmt.Errorf("%s header size %d: %w", f.name, hs, ErrIncompatible)
		}
	}

	l := layout{
		KeySize:    int32(binary.LittleEndian.Uint32(buckets[offKeySize:])),
		ValueSize:  int32(binary.LittleEndian.Uint32(buckets[offValueSize:])),
		InitialGen: int32(binary.LittleEndian.Uint32(buckets[offInitialGen:])),
	}

	if l.KeySize < 1 || l.KeySize > MaxKeySize || l.ValueSize < 0 || l.ValueSize > MaxValueSize {
		return layout{}, fmt.Errorf("key size %d, value size %d: %w", l.KeySize, l.ValueSize, ErrCorrupt)
	}

	if l.InitialGen < 0 || l.InitialGen > maxGeneration {
		return layout{}, fmt.Errorf("initial generation %d: %w", l.InitialGen, ErrCorrupt)
	}

	if s := int64(binary.LittleEndian.Uint32(entries[offStride:])); s != l.stride() {
		return layout{}, fmt.Errorf("entry stride %d, want %d: %w", s, l.stride(), ErrCorrupt)
	}

	return l, nil
}

// fillEmpty marks every bucket in b empty.
func fillEmpty(b []byte) {
	none := noEntry
	for i := 0; i+4 <= len(b); i += 4 {
		binary.LittleEndian.PutUint32(b[i:], uint32(none))
	}
}
