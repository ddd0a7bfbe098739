package applog

import (
	"encoding/binary"
	"fmt"
)

// Frame is a committed data frame handed to a [Handler].
type Frame struct {
	// Position is the log position of the frame's first byte.
	Position int64
	TermID   int32
	StreamID int32
	Flags    uint8

	// Payload is only valid for the duration of the callback.
	Payload []byte
}

// Handler consumes frames in log order.
//
// A non-nil error stops the poll before the frame is consumed; the same frame
// is dispatched again on the next poll.
type Handler interface {
	OnFrame(f Frame) error
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(f Frame) error

// OnFrame calls fn(f).
func (fn HandlerFunc) OnFrame(f Frame) error {
	return fn(f)
}

// Poll dispatches up to limit committed data frames, starting at the
// persisted subscriber position, and returns how many it dispatched.
//
// Padding frames are skipped. At an end-of-term sentinel (or the physical
// end of a term) the subscriber moves to the next term once writers have
// activated it. Poll stops early at the first frame that is not yet
// committed. The subscriber position is advanced after every frame.
//
// Only one poller may run per log across all processes. Poll returns
// [ErrLapped] if writers reused the partition the subscriber was reading.
func (l *Log) Poll(h Handler, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	l.pollMu.Lock()
	defer l.pollMu.Unlock()

	if l.closed.Load() {
		return 0, ErrClosed
	}

	dispatched := 0
	rotated := false

	defer func() {
		if dispatched > 0 {
			l.metrics.FramesPolled(dispatched)
		}

		if rotated {
			l.signalCleaner()
		}
	}()

	for dispatched < limit {
		pos := l.subscriber.Load()
		count := int32(pos / l.termLength)
		offset := pos % l.termLength
		termID := l.initialTermID + count
		partition := l.partitionOf(count)

		active := l.activeCount.Load()
		if count > active {
			if count == active+1 && offset == 0 {
				// The previous term ended exactly at its capacity and the
				// next claim has not rotated yet.
				return dispatched, nil
			}

			return dispatched, fmt.Errorf("subscriber term %d ahead of active term %d: %w",
				termID, l.initialTermID+active, ErrCorrupt)
		}

		err := l.checkNotLapped(partition, termID, active)
		if err != nil {
			return dispatched, err
		}

		frameStart := l.termStart(partition) + offset
		length := l.region.MustInt32(frameStart + frameOffLength).Load()

		switch {
		case length == 0:
			return dispatched, nil
		case length == endOfTerm:
			if count == active {
				// Sentinel written but the rotation is not published yet.
				return dispatched, nil
			}

			l.subscriber.Store(int64(count+1) * l.termLength)
			rotated = true

			continue
		case length < FrameHeaderSize || int(length) > FrameHeaderSize+l.maxPayload ||
			int64(length) > l.termLength-offset:
			return dispatched, fmt.Errorf("frame at position %d has length %d: %w", pos, length, ErrCorrupt)
		}

		hdr, err := l.region.Slice(frameStart, FrameHeaderSize)
		if err != nil {
			return dispatched, err
		}

		frameTerm := int32(binary.LittleEndian.Uint32(hdr[frameOffTermID:]))
		if frameTerm != termID {
			return dispatched, fmt.Errorf("frame at position %d belongs to term %d, reading term %d: %w",
				pos, frameTerm, termID, ErrLapped)
		}

		next := pos + align(int64(length), FrameAlignment)
		if next%l.termLength == 0 {
			rotated = true
		}

		if hdr[frameOffType] == frameTypePadding {
			l.subscriber.Store(next)

			continue
		}

		f := Frame{
			Position: pos,
			TermID:   termID,
			StreamID: int32(binary.LittleEndian.Uint32(hdr[frameOffStreamID:])),
			Flags:    hdr[frameOffFlags],
		}

		payloadLen := int(length) - FrameHeaderSize
		f.Payload = l.pollBuf[:payloadLen]

		_, err = l.region.ReadAt(f.Payload, frameStart+FrameHeaderSize)
		if err != nil {
			return dispatched, err
		}

		// The copy is only trustworthy if the partition was not recycled
		// while we read it.
		err = l.checkNotLapped(partition, termID, l.activeCount.Load())
		if err != nil {
			return dispatched, err
		}

		err = h.OnFrame(f)
		if err != nil {
			return dispatched, err
		}

		l.subscriber.Store(next)
		dispatched++
	}

	return dispatched, nil
}

// checkNotLapped verifies partition still hosts termID.
func (l *Log) checkNotLapped(partition int, termID int32, active int32) error {
	if l.initialTermID+active-termID >= PartitionCount {
		return fmt.Errorf("reading term %d, active term %d: %w", termID, l.initialTermID+active, ErrLapped)
	}

	hosted := tailTermID(l.tails[partition].Load())
	if hosted != termID {
		return fmt.Errorf("partition %d now hosts term %d, reading term %d: %w", partition, hosted, termID, ErrLapped)
	}

	return nil
}
