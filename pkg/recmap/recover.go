package recmap

import (
	"fmt"

	"go.uber.org/zap"
)

// Recovery flag bits. A mutation sets a step's bit after saving what the
// step overwrites and before touching the map, and clears all bits once the
// whole mutation is done. Every step is undone on recovery, so an
// interrupted mutation leaves the map exactly as it was before it started.
const (
	stepUpdateValue  int32 = 1 << 1 // value overwritten in place
	stepFreeListPop  int32 = 1 << 2 // entry taken from the free list
	stepCountExtend  int32 = 1 << 3 // entry taken past count
	stepBucketLink   int32 = 1 << 4 // entry linked in as bucket head
	stepUnlinkBucket int32 = 1 << 5 // bucket head moved past the removed entry
	stepUnlinkNext   int32 = 1 << 6 // previous entry's next moved past the removed entry
	stepFreeListPush int32 = 1 << 7 // removed entry pushed on the free list

	knownSteps = stepUpdateValue | stepFreeListPop | stepCountExtend | stepBucketLink |
		stepUnlinkBucket | stepUnlinkNext | stepFreeListPush
)

// pendingStep is one interrupted mutation step and the pre-image needed to
// undo it.
type pendingStep interface {
	bit() int32
}

type (
	// updateValue: the shadow entry holds the pre-image of entry index.
	updateValue struct{ index int32 }

	// freeListPop: head was popped; next was its free list link.
	freeListPop struct{ head, count, next int32 }

	// countExtend: count was the entry count before the allocation.
	countExtend struct{ count int32 }

	// bucketLink: head was the bucket's chain head before the link.
	bucketLink struct{ gen, bucket, head int32 }

	// unlinkBucket: head was the bucket's chain head before the unlink.
	unlinkBucket struct{ gen, bucket, head int32 }

	// unlinkNext: next was entry last's next before the unlink.
	unlinkNext struct{ last, next int32 }

	// freeListPush: the shadow entry holds the pre-image of entry index;
	// head and count describe the free list before the push.
	freeListPush struct{ index, head, count int32 }
)

func (updateValue) bit() int32  { return stepUpdateValue }
func (freeListPop) bit() int32  { return stepFreeListPop }
func (countExtend) bit() int32  { return stepCountExtend }
func (bucketLink) bit() int32   { return stepBucketLink }
func (unlinkBucket) bit() int32 { return stepUnlinkBucket }
func (unlinkNext) bit() int32   { return stepUnlinkNext }
func (freeListPush) bit() int32 { return stepFreeListPush }

// pendingSteps decodes flags into steps, highest bit first.
func (m *Map) pendingSteps(flags int32) ([]pendingStep, error) {
	if flags&^knownSteps != 0 {
		return nil, fmt.Errorf("recovery flags %#x: %w", flags, ErrCorrupt)
	}

	var steps []pendingStep

	for bit := stepFreeListPush; bit >= stepUpdateValue; bit >>= 1 {
		if flags&bit == 0 {
			continue
		}

		var s pendingStep

		switch bit {
		case stepUpdateValue:
			s = updateValue{index: m.journal(offIndexCopy)}
		case stepFreeListPop:
			s = freeListPop{
				head:  m.journal(offFreeHeadCopy),
				count: m.journal(offFreeCountCopy),
				next:  m.journal(offFreeNextCopy),
			}
		case stepCountExtend:
			s = countExtend{count: m.journal(offCountCopy)}
		case stepBucketLink:
			s = bucketLink{gen: m.journal(offLinkGen), bucket: m.journal(offLinkBucket), head: m.journal(offLinkCopy)}
		case stepUnlinkBucket:
			s = unlinkBucket{gen: m.journal(offLinkGen), bucket: m.journal(offLinkBucket), head: m.journal(offLinkCopy)}
		case stepUnlinkNext:
			s = unlinkNext{last: m.journal(offLastIndexCopy), next: m.journal(offLinkCopy)}
		case stepFreeListPush:
			s = freeListPush{
				index: m.journal(offIndexCopy),
				head:  m.journal(offFreeHeadCopy),
				count: m.journal(offFreeCountCopy),
			}
		}

		steps = append(steps, s)
	}

	return steps, nil
}

// recoverPending undoes every pending step. Each undo only writes saved values, so
// running it again after a crash mid-recovery gives the same result.
// Must hold the write lock.
func (m *Map) recoverPending() error {
	flags := m.flags.Load()
	if flags == 0 {
		return nil
	}

	steps, err := m.pendingSteps(flags)
	if err != nil {
		return err
	}

	for _, s := range steps {
		err = m.undo(s)
		if err != nil {
			return fmt.Errorf("undo step %#x: %w", s.bit(), err)
		}

		m.flags.And(^s.bit())
	}

	m.logger.Warn("recovered interrupted mutation",
		zap.Int("steps", len(steps)),
		zap.Int32("flags", flags),
	)
	m.metrics.Recovered(len(steps))

	return nil
}

func (m *Map) undo(s pendingStep) error {
	switch s := s.(type) {
	case updateValue:
		err := m.checkIndex(s.index)
		if err != nil {
			return err
		}

		return m.entries.Copy(m.entryOff(s.index), shadowOff, m.stride)

	case freeListPop:
		err := m.checkIndex(s.head)
		if err != nil {
			return err
		}

		err = m.writeFree(s.head, s.next)
		if err != nil {
			return err
		}

		m.freeHead.Store(s.head)
		m.freeCount.Store(s.count)

		return nil

	case countExtend:
		if s.count < 0 || s.count >= primes[m.generation.Load()] {
			return fmt.Errorf("saved count %d: %w", s.count, ErrCorrupt)
		}

		err := m.entries.Zero(m.entryOff(s.count), m.stride)
		if err != nil {
			return err
		}

		m.count.Store(s.count)

		return nil

	case bucketLink:
		return m.restoreBucket(s.gen, s.bucket, s.head)

	case unlinkBucket:
		return m.restoreBucket(s.gen, s.bucket, s.head)

	case unlinkNext:
		err := m.checkIndex(s.last)
		if err != nil {
			return err
		}

		return m.setNext(s.last, s.next)

	case freeListPush:
		err := m.checkIndex(s.index)
		if err != nil {
			return err
		}

		err = m.entries.Copy(m.entryOff(s.index), shadowOff, m.stride)
		if err != nil {
			return err
		}

		m.freeHead.Store(s.head)
		m.freeCount.Store(s.count)

		return nil

	default:
		return fmt.Errorf("unknown step %T: %w", s, ErrCorrupt)
	}
}

func (m *Map) restoreBucket(gen, bucket, head int32) error {
	if gen < m.layout.InitialGen || gen > m.generation.Load() || bucket < 0 || bucket >= primes[gen] {
		return fmt.Errorf("saved bucket %d/%d: %w", gen, bucket, ErrCorrupt)
	}

	return m.setBucket(gen, bucket, head)
}

// checkIndex rejects a saved entry index outside the allocated entries.
func (m *Map) checkIndex(i int32) error {
	if i < 0 || i >= primes[m.generation.Load()] {
		return fmt.Errorf("saved entry index %d: %w", i, ErrCorrupt)
	}

	return nil
}
