// Package journal turns map mutations into append log frames and replays
// them against a map.
//
// A [Writer] claims a frame per mutation and encodes the record in place. A
// [Replayer] is an [applog.Handler] that applies records to a
// [recmap.Map] as the poller delivers them, so the map always reflects a
// prefix of the log.
package journal

import (
	"errors"
	"fmt"
)

// Op is the mutation a record describes.
type Op uint8

const (
	// OpSet inserts a key or overwrites its value.
	OpSet Op = 1
	// OpRemove deletes a key.
	OpRemove Op = 2
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpRemove:
		return "remove"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Record layout: [op u8][reserved 7][key][value]. Remove records carry a
// zeroed value so every record of one map has the same size.
const recordHeaderSize = 8

var (
	// ErrMalformed indicates a frame that does not decode to a record.
	ErrMalformed = errors.New("journal: malformed record")

	// ErrInvalidInput indicates a key or value of the wrong length.
	ErrInvalidInput = errors.New("journal: invalid input")
)

// Record is one map mutation.
type Record struct {
	Op    Op
	Key   []byte
	Value []byte
}

// Codec encodes records for fixed key and value sizes.
type Codec struct {
	keySize   int
	valueSize int
}

// NewCodec returns a codec for keySize-byte keys and valueSize-byte values.
func NewCodec(keySize, valueSize int) (Codec, error) {
	if keySize < 1 || valueSize < 0 {
		return Codec{}, fmt.Errorf("key size %d, value size %d: %w", keySize, valueSize, ErrInvalidInput)
	}

	return Codec{keySize: keySize, valueSize: valueSize}, nil
}

// Size is the encoded size of every record.
func (c Codec) Size() int {
	return recordHeaderSize + c.keySize + c.valueSize
}

// Encode writes r into dst, which must be exactly Size bytes.
func (c Codec) Encode(dst []byte, r Record) error {
	if len(dst) != c.Size() {
		return fmt.Errorf("buffer of %d bytes, record needs %d: %w", len(dst), c.Size(), ErrInvalidInput)
	}

	if len(r.Key) != c.keySize {
		return fmt.Errorf("key length %d != %d: %w", len(r.Key), c.keySize, ErrInvalidInput)
	}

	switch r.Op {
	case OpSet:
		if len(r.Value) != c.valueSize {
			return fmt.Errorf("value length %d != %d: %w", len(r.Value), c.valueSize, ErrInvalidInput)
		}
	case OpRemove:
	default:
		return fmt.Errorf("op %s: %w", r.Op, ErrInvalidInput)
	}

	clear(dst)
	dst[0] = byte(r.Op)
	copy(dst[recordHeaderSize:], r.Key)
	copy(dst[recordHeaderSize+c.keySize:], r.Value)

	return nil
}

// Decode parses src. The returned slices alias src.
func (c Codec) Decode(src []byte) (Record, error) {
	if len(src) != c.Size() {
		return Record{}, fmt.Errorf("record of %d bytes, want %d: %w", len(src), c.Size(), ErrMalformed)
	}

	r := Record{
		Op:  Op(src[0]),
		Key: src[recordHeaderSize : recordHeaderSize+c.keySize],
	}

	switch r.Op {
	case OpSet:
		r.Value = src[recordHeaderSize+c.keySize:]
	case OpRemove:
	default:
		return Record{}, fmt.Errorf("op %s: %w", r.Op, ErrMalformed)
	}

	return r, nil
}
