package applog

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/calvinalkan/tsstore/internal/spin"
)

// Claim is a reserved, not yet visible frame. The claiming goroutine fills
// [Claim.Buffer] and then calls exactly one of [Claim.Commit] or
// [Claim.Abort]. A Claim is not safe for concurrent use.
type Claim struct {
	log      *Log
	frame    []byte // whole frame, header included
	length   *atomic.Int32
	termID   int32
	position int64
	done     bool
}

// Buffer returns the payload bytes of the claim. It aliases the mapping and
// must not be used after Commit or Abort.
func (c *Claim) Buffer() []byte {
	return c.frame[FrameHeaderSize:]
}

// Position returns the log position of the frame's first byte.
func (c *Claim) Position() int64 {
	return c.position
}

// TermID returns the term the frame was claimed in.
func (c *Claim) TermID() int32 {
	return c.termID
}

// Commit publishes the frame as data. The payload and header fields are
// written first; the length word is stored last, so a reader that observes a
// non-zero length also observes the payload.
func (c *Claim) Commit(streamID int32, flags uint8) error {
	return c.finish(frameTypeData, streamID, flags)
}

// Abort publishes the frame as padding. The poller skips it.
func (c *Claim) Abort() error {
	return c.finish(frameTypePadding, 0, 0)
}

func (c *Claim) finish(typ uint8, streamID int32, flags uint8) error {
	if c.done {
		return ErrClaimDone
	}

	c.done = true

	binary.LittleEndian.PutUint32(c.frame[frameOffTermID:], uint32(c.termID))
	binary.LittleEndian.PutUint32(c.frame[frameOffStreamID:], uint32(streamID))
	c.frame[frameOffFlags] = flags
	c.frame[frameOffType] = typ

	if hook := c.log.beforeLengthStore; hook != nil {
		hook()
	}

	c.length.Store(int32(len(c.frame)))

	if typ == frameTypeData {
		c.log.metrics.FrameCommitted(len(c.frame) - FrameHeaderSize)
	} else {
		c.log.metrics.FrameAborted()
	}

	return nil
}

// Offer claims a frame for payload, copies it in and commits it. It returns
// the frame's position.
func (l *Log) Offer(streamID int32, payload []byte) (int64, error) {
	c, err := l.Claim(len(payload))
	if err != nil {
		return 0, err
	}

	copy(c.Buffer(), payload)

	err = c.Commit(streamID, 0)
	if err != nil {
		return 0, err
	}

	return c.position, nil
}

// Claim reserves a frame with room for length payload bytes.
//
// Allocation is a single atomic add on the active partition's tail, so
// concurrent claims never overlap. The one claim whose range crosses the end
// of the term performs the rotation: it writes the end-of-term sentinel,
// makes sure the next partition is clean, publishes the next term and wakes
// the cleaner. When frames fill a term to its last byte, the next claim
// starts exactly at the end and rotates without a sentinel. Claims that land
// entirely past the end wait for the rotation and retry.
//
// Claim never blocks on readers. A subscriber that falls two terms behind
// is lapped (see [ErrLapped]).
func (l *Log) Claim(length int) (*Claim, error) {
	if length < 0 || length > l.maxPayload {
		return nil, fmt.Errorf("claim of %d bytes, max payload %d: %w", length, l.maxPayload, ErrInvalidInput)
	}

	size := frameSize(length)

	var backoff spin.Backoff

	for {
		if l.closed.Load() {
			return nil, ErrClosed
		}

		count := l.activeCount.Load()
		partition := l.partitionOf(count)
		termID := l.initialTermID + count
		tail := l.tails[partition]

		// A tail exactly at the term length is a term filled to the last
		// byte: the next add lands on the boundary and rotates without a
		// sentinel. Past it, a rotation is in progress.
		raw := tail.Load()
		if tailTermID(raw) != termID || tailOffset(raw) > l.termLength {
			backoff.Wait()

			continue
		}

		old := tail.Add(size) - size
		oldTerm, oldOffset := tailTermID(old), tailOffset(old)
		newOffset := oldOffset + size

		if newOffset <= l.termLength {
			return l.newClaim(partition, oldTerm, oldOffset, length), nil
		}

		if oldOffset <= l.termLength {
			err := l.rotate(partition, oldTerm, oldOffset)
			if err != nil {
				return nil, err
			}

			backoff.Reset()

			continue
		}

		backoff.Wait()
	}
}

func (l *Log) newClaim(partition int, termID int32, offset int64, length int) *Claim {
	start := l.termStart(partition) + offset

	frame, err := l.region.Slice(start, int64(FrameHeaderSize+length))
	if err != nil {
		panic(fmt.Sprintf("applog: claim outside mapping: %v", err))
	}

	return &Claim{
		log:      l,
		frame:    frame,
		length:   l.region.MustInt32(start + frameOffLength),
		termID:   termID,
		position: int64(termID-l.initialTermID)*l.termLength + offset,
	}
}

// rotate retires termID (hosted by partition) and activates termID+1.
// offset is where the straddling claim began.
func (l *Log) rotate(partition int, termID int32, offset int64) error {
	if offset < l.termLength {
		l.region.MustInt32(l.termStart(partition) + offset + frameOffLength).Store(endOfTerm)
	}

	count := termID - l.initialTermID

	// A claim can only straddle a term that is active or about to become
	// active (stale writers may land in a cleaned, future partition).
	var backoff spin.Backoff
	for l.activeCount.Load() != count {
		if l.closed.Load() {
			return ErrClosed
		}

		backoff.Wait()
	}

	next := l.partitionOf(count + 1)

	err := l.ensureClean(next, termID+1)
	if err != nil {
		return err
	}

	l.statuses[partition].Store(int32(StatusNeedsCleaning))
	l.statuses[next].Store(int32(StatusActive))

	if !l.activeCount.CompareAndSwap(count, count+1) {
		return fmt.Errorf("term %d rotated twice: %w", termID, ErrCorrupt)
	}

	l.metrics.Rotated(termID + 1)
	l.logger.Debug("rotated term",
		zap.Int32("term_id", termID+1),
		zap.Int("partition", next),
	)

	l.signalCleaner()

	return nil
}

// ensureClean waits until partition is clean and ready to host termID,
// cleaning it itself when the cleaner has not.
func (l *Log) ensureClean(partition int, termID int32) error {
	var backoff spin.Backoff

	for {
		switch status := Status(l.statuses[partition].Load()); status {
		case StatusClean:
			raw := l.tails[partition].Load()
			if tailTermID(raw) != termID {
				return fmt.Errorf("clean partition %d prepared for term %d, need %d: %w",
					partition, tailTermID(raw), termID, ErrCorrupt)
			}

			return nil
		case StatusNeedsCleaning:
			_, err := l.clean(partition, true)
			if err != nil {
				return err
			}
		case StatusCleaning:
			if l.closed.Load() {
				return ErrClosed
			}

			backoff.Wait()
		default:
			return fmt.Errorf("next partition %d is %s: %w", partition, status, ErrCorrupt)
		}
	}
}
