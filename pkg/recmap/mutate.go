package recmap

import (
	"bytes"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// location is where find found a key: entry idx, chained from bucket of
// generation gen, preceded by prev (noEntry when idx is the chain head).
type location struct {
	gen, bucket, idx, prev int32
}

// find looks key up in every generation, newest first. Generations are
// layered, never merged, so a key lives in the table that was current when
// it was inserted.
//
// Any state that cannot come from a completed mutation yields errOverlap.
func (m *Map) find(key []byte, hash int32) (location, bool, error) {
	gen := m.generation.Load()
	if gen < m.layout.InitialGen || gen > maxGeneration {
		return location{}, false, errOverlap
	}

	err := m.ensureMapped(gen)
	if err != nil {
		return location{}, false, err
	}

	count := m.count.Load()
	if count < 0 || count > primes[gen] {
		return location{}, false, errOverlap
	}

	for g := gen; g >= m.layout.InitialGen; g-- {
		b := hash % primes[g]

		idx, err := m.bucket(g, b)
		if err != nil {
			return location{}, false, errOverlap
		}

		prev := noEntry

		for steps := int32(0); idx != noEntry; steps++ {
			if idx < 0 || idx >= count || steps >= count {
				return location{}, false, errOverlap
			}

			h, err := m.entryHash(idx)
			if err != nil {
				return location{}, false, errOverlap
			}

			if h == hash {
				k, err := m.entryKey(idx)
				if err != nil {
					return location{}, false, errOverlap
				}

				if bytes.Equal(k, key) {
					return location{gen: g, bucket: b, idx: idx, prev: prev}, true, nil
				}
			}

			next, err := m.entryNext(idx)
			if err != nil {
				return location{}, false, errOverlap
			}

			prev, idx = idx, next
		}
	}

	return location{}, false, nil
}

// findLocked is find for the write lock holder, where an impossible state
// is corruption rather than a race.
func (m *Map) findLocked(key []byte, hash int32) (location, bool, error) {
	loc, found, err := m.find(key, hash)
	if errors.Is(err, errOverlap) {
		return location{}, false, fmt.Errorf("lookup under write lock: %w", ErrCorrupt)
	}

	return loc, found, err
}

// insert adds key or, unless add is set, overwrites its value.
// Must hold the write lock.
func (m *Map) insert(key, value []byte, add bool) error {
	hash := hashCode(key)

	loc, found, err := m.findLocked(key, hash)
	if err != nil {
		return err
	}

	if found {
		if add {
			return ErrDuplicateKey
		}

		return m.updateValue(loc.idx, value)
	}

	if m.count.Load() >= primes[m.generation.Load()] && m.freeCount.Load() == 0 {
		err = m.resize()
		if err != nil {
			return err
		}
	}

	idx, err := m.allocate()
	if err != nil {
		return err
	}

	err = m.link(idx, hash, key, value)
	if err != nil {
		return err
	}

	m.flags.Store(0)

	return nil
}

func (m *Map) updateValue(idx int32, value []byte) error {
	err := m.entries.Copy(shadowOff, m.entryOff(idx), m.stride)
	if err != nil {
		return err
	}

	m.setJournal(offIndexCopy, idx)
	m.flags.Or(stepUpdateValue)

	dst, err := m.entryValue(idx)
	if err != nil {
		return err
	}

	copy(dst, value)
	m.crashPoint(stepUpdateValue)

	m.flags.Store(0)

	return nil
}

// allocate takes an entry from the free list, or the first never-used one.
func (m *Map) allocate() (int32, error) {
	count := m.count.Load()

	if head := m.freeHead.Load(); head != noEntry {
		freeCount := m.freeCount.Load()
		if head < 0 || head >= count || freeCount <= 0 {
			return 0, fmt.Errorf("free list head %d, free count %d, count %d: %w", head, freeCount, count, ErrCorrupt)
		}

		next, err := m.entryNext(head)
		if err != nil {
			return 0, err
		}

		m.setJournal(offFreeHeadCopy, head)
		m.setJournal(offFreeCountCopy, freeCount)
		m.setJournal(offFreeNextCopy, next)
		m.flags.Or(stepFreeListPop)

		m.freeHead.Store(next)
		m.freeCount.Store(freeCount - 1)
		m.crashPoint(stepFreeListPop)

		return head, nil
	}

	if count >= primes[m.generation.Load()] {
		return 0, fmt.Errorf("count %d at capacity with empty free list: %w", count, ErrCorrupt)
	}

	m.setJournal(offCountCopy, count)
	m.flags.Or(stepCountExtend)

	m.count.Store(count + 1)
	m.crashPoint(stepCountExtend)

	return count, nil
}

// link writes entry idx and makes it the head of its bucket in the current
// generation.
func (m *Map) link(idx, hash int32, key, value []byte) error {
	g := m.generation.Load()
	b := hash % primes[g]

	head, err := m.bucket(g, b)
	if err != nil {
		return err
	}

	m.setJournal(offLinkGen, g)
	m.setJournal(offLinkBucket, b)
	m.setJournal(offLinkCopy, head)
	m.setJournal(offIndexCopy, idx)
	m.flags.Or(stepBucketLink)

	e, err := m.entries.Slice(m.entryOff(idx), m.stride)
	if err != nil {
		return err
	}

	clear(e[entryOffKey:])
	copy(e[entryOffKey:], key)
	copy(e[entryOffKey+m.keySize:], value)

	err = m.setNext(idx, head)
	if err != nil {
		return err
	}

	m.entries.MustInt32(m.entryOff(idx) + entryOffHash).Store(hash)

	err = m.setBucket(g, b, idx)
	if err != nil {
		return err
	}

	m.crashPoint(stepBucketLink)

	return nil
}

// remove unlinks key and pushes its entry on the free list.
// Must hold the write lock.
func (m *Map) remove(key []byte) (bool, error) {
	loc, found, err := m.findLocked(key, hashCode(key))
	if err != nil || !found {
		return false, err
	}

	next, err := m.entryNext(loc.idx)
	if err != nil {
		return false, err
	}

	if loc.prev == noEntry {
		m.setJournal(offLinkGen, loc.gen)
		m.setJournal(offLinkBucket, loc.bucket)
		m.setJournal(offLinkCopy, loc.idx)
		m.flags.Or(stepUnlinkBucket)

		err = m.setBucket(loc.gen, loc.bucket, next)
		if err != nil {
			return false, err
		}

		m.crashPoint(stepUnlinkBucket)
	} else {
		m.setJournal(offLastIndexCopy, loc.prev)
		m.setJournal(offLinkCopy, loc.idx)
		m.flags.Or(stepUnlinkNext)

		err = m.setNext(loc.prev, next)
		if err != nil {
			return false, err
		}

		m.crashPoint(stepUnlinkNext)
	}

	err = m.entries.Copy(shadowOff, m.entryOff(loc.idx), m.stride)
	if err != nil {
		return false, err
	}

	freeHead, freeCount := m.freeHead.Load(), m.freeCount.Load()

	m.setJournal(offIndexCopy, loc.idx)
	m.setJournal(offFreeHeadCopy, freeHead)
	m.setJournal(offFreeCountCopy, freeCount)
	m.flags.Or(stepFreeListPush)

	err = m.writeFree(loc.idx, freeHead)
	if err != nil {
		return false, err
	}

	m.freeHead.Store(loc.idx)
	m.freeCount.Store(freeCount + 1)
	m.crashPoint(stepFreeListPush)

	m.flags.Store(0)

	return true, nil
}

// resize layers a new, larger generation on top of the current one. Files
// are grown and the new table filled before the generation is published, so
// a crash part way leaves only unused file space behind.
func (m *Map) resize() error {
	g := m.generation.Load()
	if g >= maxGeneration {
		return fmt.Errorf("generation %d holds %d entries: %w", g, primes[g], ErrFull)
	}

	next := g + 1

	err := m.ensureMapped(next)
	if err != nil {
		return err
	}

	table, err := m.buckets.Slice(m.tableOffs[next], 4*int64(primes[next]))
	if err != nil {
		return err
	}

	fillEmpty(table)
	m.generation.Store(next)

	m.logger.Debug("resized map",
		zap.Int32("generation", next),
		zap.Int32("capacity", primes[next]),
	)
	m.metrics.Resized(int(next))

	return nil
}
