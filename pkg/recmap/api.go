package recmap

import (
	"bytes"
	"fmt"
	"iter"
)

// Entry is a key-value pair copied out of the map.
type Entry struct {
	Key   []byte
	Value []byte
}

// Get returns a copy of the value stored for key.
//
// Possible errors: [ErrKeyNotFound], [ErrInvalidInput], [ErrCorrupt], [ErrClosed].
func (m *Map) Get(key []byte) ([]byte, error) {
	value, ok, err := m.TryGet(key)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, ErrKeyNotFound
	}

	return value, nil
}

// TryGet returns a copy of the value stored for key and whether it exists.
func (m *Map) TryGet(key []byte) ([]byte, bool, error) {
	err := m.checkKey(key)
	if err != nil {
		return nil, false, err
	}

	hash := hashCode(key)

	var (
		value []byte
		found bool
	)

	err = m.read(func() error {
		loc, ok, err := m.find(key, hash)
		if err != nil || !ok {
			found = false

			return err
		}

		v, err := m.entryValue(loc.idx)
		if err != nil {
			return errOverlap
		}

		value, found = bytes.Clone(v), true

		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if found && value == nil {
		value = []byte{}
	}

	return value, found, nil
}

// ContainsKey reports whether key is present.
func (m *Map) ContainsKey(key []byte) (bool, error) {
	_, ok, err := m.TryGet(key)

	return ok, err
}

// Add inserts key. It fails with [ErrDuplicateKey] if key is present.
func (m *Map) Add(key, value []byte) error {
	err := m.checkPair(key, value)
	if err != nil {
		return err
	}

	return m.writeLock(func() error {
		return m.insert(key, value, true)
	})
}

// Set inserts key or overwrites its value.
func (m *Map) Set(key, value []byte) error {
	err := m.checkPair(key, value)
	if err != nil {
		return err
	}

	return m.writeLock(func() error {
		return m.insert(key, value, false)
	})
}

// Remove deletes key and reports whether it was present.
func (m *Map) Remove(key []byte) (bool, error) {
	err := m.checkKey(key)
	if err != nil {
		return false, err
	}

	var removed bool

	err = m.writeLock(func() error {
		var err error

		removed, err = m.remove(key)

		return err
	})

	return removed, err
}

// Len returns the number of keys.
func (m *Map) Len() (int, error) {
	var n int

	err := m.read(func() error {
		count, free := m.count.Load(), m.freeCount.Load()
		if count < 0 || free < 0 || free > count {
			return errOverlap
		}

		n = int(count - free)

		return nil
	})

	return n, err
}

// Scan returns a copy of every entry, in storage order.
func (m *Map) Scan() ([]Entry, error) {
	var out []Entry

	err := m.read(func() error {
		out = out[:0]

		gen := m.generation.Load()
		if gen < m.layout.InitialGen || gen > maxGeneration {
			return errOverlap
		}

		err := m.ensureMapped(gen)
		if err != nil {
			return err
		}

		count := m.count.Load()
		if count < 0 || count > primes[gen] {
			return errOverlap
		}

		for i := range count {
			h, err := m.entryHash(i)
			if err != nil {
				return errOverlap
			}

			if h < 0 {
				continue
			}

			k, err := m.entryKey(i)
			if err != nil {
				return errOverlap
			}

			v, err := m.entryValue(i)
			if err != nil {
				return errOverlap
			}

			out = append(out, Entry{Key: bytes.Clone(k), Value: bytes.Clone(v)})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// All returns a snapshot of every entry as a sequence of key-value pairs.
// The snapshot is taken before All returns; later writes are not seen.
func (m *Map) All() (iter.Seq2[[]byte, []byte], error) {
	entries, err := m.Scan()
	if err != nil {
		return nil, err
	}

	return func(yield func([]byte, []byte) bool) {
		for _, e := range entries {
			if !yield(e.Key, e.Value) {
				return
			}
		}
	}, nil
}

func (m *Map) checkKey(key []byte) error {
	if len(key) != m.keySize {
		return fmt.Errorf("key length %d != key size %d: %w", len(key), m.keySize, ErrInvalidInput)
	}

	return nil
}

func (m *Map) checkPair(key, value []byte) error {
	err := m.checkKey(key)
	if err != nil {
		return err
	}

	if len(value) != m.valueSize {
		return fmt.Errorf("value length %d != value size %d: %w", len(value), m.valueSize, ErrInvalidInput)
	}

	return nil
}
