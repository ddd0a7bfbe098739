package recmap

import (
	"encoding/binary"
	"fmt"
	"iter"
)

// Typed is a [Map] of fixed-size Go values, encoded little-endian with
// [encoding/binary]. K and V must have a fixed encoded size: integers of
// explicit width, floats, bools, and arrays or structs of those.
type Typed[K comparable, V any] struct {
	m *Map
}

// OpenTyped opens a map whose key and value sizes are derived from K and V.
// opts.KeySize and opts.ValueSize are ignored.
func OpenTyped[K comparable, V any](opts Options) (*Typed[K, V], error) {
	var (
		k K
		v V
	)

	keySize, valueSize := binary.Size(k), binary.Size(v)
	if keySize <= 0 || valueSize < 0 {
		return nil, fmt.Errorf("%T/%T have no fixed binary size: %w", k, v, ErrInvalidInput)
	}

	opts.KeySize, opts.ValueSize = keySize, valueSize

	m, err := Open(opts)
	if err != nil {
		return nil, err
	}

	return &Typed[K, V]{m: m}, nil
}

// Map returns the underlying byte map.
func (t *Typed[K, V]) Map() *Map {
	return t.m
}

// Get returns the value for key, or [ErrKeyNotFound].
func (t *Typed[K, V]) Get(key K) (V, error) {
	v, ok, err := t.TryGet(key)
	if err != nil {
		return v, err
	}

	if !ok {
		return v, ErrKeyNotFound
	}

	return v, nil
}

// TryGet returns the value for key and whether it exists.
func (t *Typed[K, V]) TryGet(key K) (V, bool, error) {
	var v V

	kb, err := encode(key)
	if err != nil {
		return v, false, err
	}

	raw, ok, err := t.m.TryGet(kb)
	if err != nil || !ok {
		return v, false, err
	}

	v, err = decode[V](raw)

	return v, err == nil, err
}

// Add inserts key, failing with [ErrDuplicateKey] if present.
func (t *Typed[K, V]) Add(key K, value V) error {
	kb, vb, err := encodePair(key, value)
	if err != nil {
		return err
	}

	return t.m.Add(kb, vb)
}

// Set inserts key or overwrites its value.
func (t *Typed[K, V]) Set(key K, value V) error {
	kb, vb, err := encodePair(key, value)
	if err != nil {
		return err
	}

	return t.m.Set(kb, vb)
}

// Remove deletes key and reports whether it was present.
func (t *Typed[K, V]) Remove(key K) (bool, error) {
	kb, err := encode(key)
	if err != nil {
		return false, err
	}

	return t.m.Remove(kb)
}

// Len returns the number of keys.
func (t *Typed[K, V]) Len() (int, error) {
	return t.m.Len()
}

// All returns a snapshot of the map as a sequence.
func (t *Typed[K, V]) All() (iter.Seq2[K, V], error) {
	all, err := t.m.All()
	if err != nil {
		return nil, err
	}

	var (
		keys   []K
		values []V
	)

	for k, v := range all {
		dk, err := decode[K](k)
		if err != nil {
			return nil, err
		}

		dv, err := decode[V](v)
		if err != nil {
			return nil, err
		}

		keys = append(keys, dk)
		values = append(values, dv)
	}

	return func(yield func(K, V) bool) {
		for i := range keys {
			if !yield(keys[i], values[i]) {
				return
			}
		}
	}, nil
}

// Close closes the underlying map.
func (t *Typed[K, V]) Close() error {
	return t.m.Close()
}

func encode[T any](x T) ([]byte, error) {
	b, err := binary.Append(nil, binary.LittleEndian, x)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w: %w", x, ErrInvalidInput, err)
	}

	return b, nil
}

func encodePair[K, V any](k K, v V) ([]byte, []byte, error) {
	kb, err := encode(k)
	if err != nil {
		return nil, nil, err
	}

	vb, err := encode(v)
	if err != nil {
		return nil, nil, err
	}

	return kb, vb, nil
}

func decode[T any](b []byte) (T, error) {
	var x T

	_, err := binary.Decode(b, binary.LittleEndian, &x)
	if err != nil {
		return x, fmt.Errorf("decode %T: %w: %w", x, ErrCorrupt, err)
	}

	return x, nil
}
