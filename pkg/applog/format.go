package applog

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// TSL1 file layout. All offsets are from the start of the file.
const (
	formatMagic   = "TSL1"
	formatVersion = 1

	// HeaderSize is the fixed header prefix before the first term.
	HeaderSize = 256

	offMagic         = 0x00
	offVersion       = 0x04
	offHeaderSize    = 0x08
	offTermLength    = 0x0C
	offInitialTermID = 0x10
	offActiveCount   = 0x14 // atomic int32: active term id - initial term id
	offLogID         = 0x18 // 16-byte UUID
	offSubscriber    = 0x28 // atomic int64: persisted poll position
	offMaxPayload    = 0x30
	offRawTail       = 0x40 // 3 x atomic int64
	offStatus        = 0x58 // 3 x atomic int32

	// PartitionCount is the number of terms the log cycles through.
	PartitionCount = 3
)

// Frame layout: [length int32][term id int32][stream id int32][flags u8][type u8][reserved u16][payload].
//
// length is the total frame length (header + payload). 0 means not yet
// written and -1 marks the end of a term. Frames start 8-byte aligned.
const (
	FrameHeaderSize = 16
	FrameAlignment  = 8

	frameOffLength   = 0
	frameOffTermID   = 4
	frameOffStreamID = 8
	frameOffFlags    = 12
	frameOffType     = 13

	endOfTerm int32 = -1
)

// Frame types.
const (
	frameTypeData    uint8 = 1
	frameTypePadding uint8 = 2
)

// Term length bounds. The upper bound keeps tail offsets of losing claims far
// from overflowing the low 32 bits of a raw tail.
const (
	MinTermLength     = 256
	MaxTermLength     = 1 << 30
	DefaultTermLength = 64 << 10
)

// Status is a partition's lifecycle state, stored in the header.
type Status int32

const (
	// StatusClean means the term bytes are zero and the tail points at
	// offset 0 of the next term the partition will host.
	StatusClean Status = iota
	// StatusActive marks the single partition writers claim in.
	StatusActive
	// StatusNeedsCleaning marks a retired partition waiting for the cleaner.
	StatusNeedsCleaning
	// StatusCleaning marks a partition being zeroed.
	StatusCleaning
)

func (s Status) String() string {
	switch s {
	case StatusClean:
		return "clean"
	case StatusActive:
		return "active"
	case StatusNeedsCleaning:
		return "needs-cleaning"
	case StatusCleaning:
		return "cleaning"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

func (s Status) valid() bool {
	return s >= StatusClean && s <= StatusCleaning
}

// packTail builds a raw tail word from a term id and offset.
func packTail(termID int32, offset int32) int64 {
	return int64(termID)<<32 | int64(uint32(offset))
}

// tailTermID extracts the term id from a raw tail.
func tailTermID(raw int64) int32 {
	return int32(raw >> 32)
}

// tailOffset extracts the term offset from a raw tail.
func tailOffset(raw int64) int64 {
	return int64(uint32(raw))
}

func align(n, a int64) int64 {
	return (n + a - 1) &^ (a - 1)
}

// frameSize is the aligned number of bytes a payload of length n occupies.
func frameSize(n int) int64 {
	return align(int64(FrameHeaderSize+n), FrameAlignment)
}

// header mirrors the immutable header fields.
type header struct {
	TermLength    int32
	InitialTermID int32
	ID            uuid.UUID
	MaxPayload    int32
}

// encodeHeader builds the header block written at creation. Partition 0 is
// active and hosts the initial term; partitions 1 and 2 are clean and already
// point at the terms they will host next.
func encodeHeader(h header) []byte {
	buf := make([]byte, HeaderSize)

	copy(buf[offMagic:], formatMagic)
	binary.LittleEndian.PutUint32(buf[offVersion:], formatVersion)
	binary.LittleEndian.PutUint32(buf[offHeaderSize:], HeaderSize)
	binary.LittleEndian.PutUint32(buf[offTermLength:], uint32(h.TermLength))
	binary.LittleEndian.PutUint32(buf[offInitialTermID:], uint32(h.InitialTermID))
	copy(buf[offLogID:offLogID+16], h.ID[:])
	binary.LittleEndian.PutUint32(buf[offMaxPayload:], uint32(h.MaxPayload))

	for i := range PartitionCount {
		raw := packTail(h.InitialTermID+int32(i), 0)
		binary.LittleEndian.PutUint64(buf[offRawTail+8*i:], uint64(raw))
	}

	binary.LittleEndian.PutUint32(buf[offStatus:], uint32(StatusActive))

	return buf
}

// decodeHeader validates the immutable header fields.
func decodeHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, fmt.Errorf("header is %d bytes: %w", len(buf), ErrCorrupt)
	}

	if string(buf[offMagic:offMagic+4]) != formatMagic {
		return header{}, fmt.Errorf("bad magic %q: %w", buf[offMagic:offMagic+4], ErrIncompatible)
	}

	if v := binary.LittleEndian.Uint32(buf[offVersion:]); v != formatVersion {
		return header{}, fmt.Errorf("format version %d, want %d: %w", v, formatVersion, ErrIncompatible)
	}

	if hs := binary.LittleEndian.Uint32(buf[offHeaderSize:]); hs != HeaderSize {
		return header{}, fmt.Errorf("header size %d, want %d: %w", hs, HeaderSize, ErrIncompatible)
	}

	h := header{
		TermLength:    int32(binary.LittleEndian.Uint32(buf[offTermLength:])),
		InitialTermID: int32(binary.LittleEndian.Uint32(buf[offInitialTermID:])),
		MaxPayload:    int32(binary.LittleEndian.Uint32(buf[offMaxPayload:])),
	}
	copy(h.ID[:], buf[offLogID:offLogID+16])

	err := validateTermLength(int(h.TermLength))
	if err != nil {
		return header{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	if h.MaxPayload <= 0 || frameSize(int(h.MaxPayload)) > int64(h.TermLength) {
		return header{}, fmt.Errorf("max payload %d for term length %d: %w", h.MaxPayload, h.TermLength, ErrCorrupt)
	}

	return h, nil
}

func validateTermLength(n int) error {
	if n < MinTermLength || n > MaxTermLength || n%FrameAlignment != 0 {
		return fmt.Errorf("term length %d must be a multiple of %d in [%d, %d]: %w",
			n, FrameAlignment, MinTermLength, MaxTermLength, ErrInvalidInput)
	}

	return nil
}

// defaultMaxPayload limits a frame to an eighth of a term so a rotation
// never wastes more than that.
func defaultMaxPayload(termLength int) int {
	return termLength/8 - FrameHeaderSize
}

// fileSize returns the total file size for a term length.
func fileSize(termLength int32) int64 {
	return HeaderSize + PartitionCount*int64(termLength)
}
