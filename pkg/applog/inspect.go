package applog

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/exp/mmap"
)

// Snapshot is a read-only view of a log file, for diagnostics.
//
// Fields are read without synchronisation with writers, so a snapshot of a
// live log may be slightly inconsistent.
type Snapshot struct {
	ID                 uuid.UUID
	TermLength         int
	MaxPayload         int
	InitialTermID      int32
	ActiveTermID       int32
	SubscriberPosition int64
	Partitions         [PartitionCount]PartitionSnapshot
}

// PartitionSnapshot describes one partition.
type PartitionSnapshot struct {
	Index  int
	Status Status
	// TermID is the term the partition hosts (or will host when clean).
	TermID int32
	// TailOffset is the raw tail offset, which may exceed the term length
	// after claims lost a rotation race.
	TailOffset    int64
	DataFrames    int
	PaddingFrames int
	PayloadBytes  int64
	// Sealed reports that the term ends with an end-of-term sentinel.
	Sealed bool
	// Pending reports that the frame walk stopped at a claimed but not yet
	// committed frame.
	Pending bool
}

// Inspect maps the log at path read-only and summarises its header and
// partitions. It takes no locks and never writes.
func Inspect(path string) (Snapshot, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open %s: %w", path, err)
	}

	defer func() { _ = r.Close() }()

	buf := make([]byte, HeaderSize)

	_, err = r.ReadAt(buf, 0)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read header: %w: %w", ErrCorrupt, err)
	}

	h, err := decodeHeader(buf)
	if err != nil {
		return Snapshot{}, err
	}

	if int64(r.Len()) < fileSize(h.TermLength) {
		return Snapshot{}, fmt.Errorf("file is %d bytes, need %d: %w", r.Len(), fileSize(h.TermLength), ErrCorrupt)
	}

	s := Snapshot{
		ID:                 h.ID,
		TermLength:         int(h.TermLength),
		MaxPayload:         int(h.MaxPayload),
		InitialTermID:      h.InitialTermID,
		ActiveTermID:       h.InitialTermID + int32(binary.LittleEndian.Uint32(buf[offActiveCount:])),
		SubscriberPosition: int64(binary.LittleEndian.Uint64(buf[offSubscriber:])),
	}

	term := make([]byte, h.TermLength)

	for i := range PartitionCount {
		raw := int64(binary.LittleEndian.Uint64(buf[offRawTail+8*i:]))

		p := PartitionSnapshot{
			Index:      i,
			Status:     Status(binary.LittleEndian.Uint32(buf[offStatus+4*i:])),
			TermID:     tailTermID(raw),
			TailOffset: tailOffset(raw),
		}

		_, err = r.ReadAt(term, HeaderSize+int64(i)*int64(h.TermLength))
		if err != nil {
			return Snapshot{}, fmt.Errorf("read partition %d: %w", i, err)
		}

		err = walkTerm(term, &p)
		if err != nil {
			return Snapshot{}, fmt.Errorf("partition %d: %w", i, err)
		}

		s.Partitions[i] = p
	}

	return s, nil
}

// walkTerm counts frames in a copied term until the first unwritten frame,
// the end-of-term sentinel or the end of the term.
func walkTerm(term []byte, p *PartitionSnapshot) error {
	var off int64

	for off < int64(len(term)) {
		length := int32(binary.LittleEndian.Uint32(term[off:]))

		switch {
		case length == 0:
			p.Pending = off < min(p.TailOffset, int64(len(term)))

			return nil
		case length == endOfTerm:
			p.Sealed = true

			return nil
		case length < FrameHeaderSize || int64(length) > int64(len(term))-off:
			return fmt.Errorf("frame at offset %d has length %d: %w", off, length, ErrCorrupt)
		}

		if term[off+frameOffType] == frameTypePadding {
			p.PaddingFrames++
		} else {
			p.DataFrames++
			p.PayloadBytes += int64(length) - FrameHeaderSize
		}

		off += align(int64(length), FrameAlignment)
	}

	return nil
}
