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

// Package deferred provides output content whose size is known early and
// whose bytes are produced late.
//
// Every unit goes through three phases:
//   - declare: the unit is created and its size becomes computable without
//     knowing any final address,
//   - layout: an external pass freezes sizes and assigns offsets/addresses,
//   - materialize: WriteTo is called exactly once and writes exactly Size() bytes.
//
// Separating the shape of the content from its bytes means the output layout
// is solved in one pass per phase instead of iterating to a fixed point.
package deferred

import (
	"io"
)

// Value is a unit of deferred output content.
type Value interface {
	// Size returns the number of bytes WriteTo will produce.
	// Once observed it never changes.
	Size() uint64
	// WriteTo materializes the content. It may be called only once.
	io.WriterTo
}

// Measurer is implemented by content whose size depends on the file offset
// of the content placed before it. The layout pass calls Measure exactly once,
// in layout order, before the unit itself is placed.
type Measurer interface {
	Measure() error
}

// Encoder writes a single fixed-size record.
type Encoder[T any] func(w io.Writer, v *T) error

// Row is a single fixed-size record whose fields may be completed at
// serialization time by fix-up functions.
type Row[T any] struct {
	elem    T
	size    uint64
	encode  Encoder[T]
	fixups  []func(*T) error
	written bool
}

// NewRow creates a row of the given encoded size.
func NewRow[T any](elem T, size uint64, encode Encoder[T]) *Row[T] {
	return &Row[T]{
		elem:   elem,
		size:   size,
		encode: encode,
	}
}

// Elem returns the record. Fields set through it during the declare phase
// are the row's static values.
func (r *Row[T]) Elem() *T {
	return &r.elem
}

// AddFunction registers a fix-up that runs against the record right before
// it is encoded. Fix-ups run in registration order.
func (r *Row[T]) AddFunction(f func(*T) error) {
	r.fixups = append(r.fixups, f)
}

// Size returns the encoded size of the record.
func (r *Row[T]) Size() uint64 {
	return r.size
}

// WriteTo runs the fix-ups and encodes the record.
func (r *Row[T]) WriteTo(w io.Writer) (int64, error) {
	if r.written {
		return 0, ErrAlreadySerialized
	}
	r.written = true

	for _, f := range r.fixups {
		if err := f(&r.elem); err != nil {
			return 0, err
		}
	}

	cw := &countingWriter{w: w}
	err := r.encode(cw, &r.elem)
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
