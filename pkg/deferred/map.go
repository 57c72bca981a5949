// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package deferred

import (
	"io"
)

// Map is an insertion-ordered collection of units addressed by key.
// Insertion order is the on-disk order and defines the row index.
type Map[K comparable, V Value] struct {
	keys   []K
	values map[K]V

	index map[K]int
	dirty bool

	frozen  bool
	written bool
}

// NewMap creates an empty Map.
func NewMap[K comparable, V Value]() *Map[K, V] {
	return &Map[K, V]{
		values: make(map[K]V),
	}
}

// Add appends a row.
func (m *Map[K, V]) Add(key K, v V) error {
	return m.InsertAt(len(m.keys), key, v)
}

// InsertAt inserts a row at position i, shifting the following rows.
func (m *Map[K, V]) InsertAt(i int, key K, v V) error {
	if m.frozen {
		return ErrFrozen
	}
	if _, ok := m.values[key]; ok {
		return &DuplicateKeyError{Key: key}
	}
	if i < 0 || i > len(m.keys) {
		i = len(m.keys)
	}

	m.keys = append(m.keys, key)
	copy(m.keys[i+1:], m.keys[i:])
	m.keys[i] = key
	m.values[key] = v
	m.dirty = true
	return nil
}

// Find returns the row registered under key.
func (m *Map[K, V]) Find(key K) (V, bool) {
	v, ok := m.values[key]
	return v, ok
}

// IndexOf returns the current row index of key.
// Once the map is frozen IndexOf does not mutate it and is safe for
// concurrent use.
func (m *Map[K, V]) IndexOf(key K) (int, bool) {
	if m.index == nil || m.dirty {
		m.reindex()
	}
	i, ok := m.index[key]
	return i, ok
}

func (m *Map[K, V]) reindex() {
	m.index = make(map[K]int, len(m.keys))
	for i, k := range m.keys {
		m.index[k] = i
	}
	m.dirty = false
}

// Len returns the number of rows.
func (m *Map[K, V]) Len() int {
	return len(m.keys)
}

// Keys returns the keys in row order.
func (m *Map[K, V]) Keys() []K {
	keys := make([]K, len(m.keys))
	copy(keys, m.keys)
	return keys
}

// Values returns the rows in order.
func (m *Map[K, V]) Values() []V {
	vs := make([]V, 0, len(m.keys))
	for _, k := range m.keys {
		vs = append(vs, m.values[k])
	}
	return vs
}

// Freeze rejects any further insertion.
func (m *Map[K, V]) Freeze() {
	if m.frozen {
		return
	}
	m.frozen = true
	m.reindex()
}

// Size freezes the map and returns the sum of its row sizes.
func (m *Map[K, V]) Size() uint64 {
	m.Freeze()
	var size uint64
	for _, k := range m.keys {
		size += m.values[k].Size()
	}
	return size
}

// WriteTo materializes every row in order.
func (m *Map[K, V]) WriteTo(w io.Writer) (int64, error) {
	if m.written {
		return 0, ErrAlreadySerialized
	}
	m.written = true
	m.Freeze()

	var total int64
	for _, k := range m.keys {
		n, err := m.values[k].WriteTo(w)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// List is an insertion-ordered collection of units.
type List[V Value] struct {
	values  []V
	frozen  bool
	written bool
}

// NewList creates an empty List.
func NewList[V Value]() *List[V] {
	return &List[V]{}
}

// Add appends a row.
func (l *List[V]) Add(v V) error {
	if l.frozen {
		return ErrFrozen
	}
	l.values = append(l.values, v)
	return nil
}

// Len returns the number of rows.
func (l *List[V]) Len() int {
	return len(l.values)
}

// Values returns the rows in order.
func (l *List[V]) Values() []V {
	vs := make([]V, len(l.values))
	copy(vs, l.values)
	return vs
}

// Freeze rejects any further insertion.
func (l *List[V]) Freeze() {
	if !l.frozen {
		l.frozen = true
	}
}

// Size freezes the list and returns the sum of its row sizes.
func (l *List[V]) Size() uint64 {
	l.Freeze()
	var size uint64
	for _, v := range l.values {
		size += v.Size()
	}
	return size
}

// WriteTo materializes every row in order.
func (l *List[V]) WriteTo(w io.Writer) (int64, error) {
	if l.written {
		return 0, ErrAlreadySerialized
	}
	l.written = true
	l.Freeze()

	var total int64
	for _, v := range l.values {
		n, err := v.WriteTo(w)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
