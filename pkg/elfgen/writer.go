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

package elfgen

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/parca-dev/elfgen/pkg/deferred"
)

// writer writes fixed-width fields, remembering the first error.
type writer struct {
	w     io.Writer
	order binary.ByteOrder
	n     int64
	err   error
}

func newWriter(w io.Writer, order binary.ByteOrder) *writer {
	return &writer{w: w, order: order}
}

// here returns the number of bytes written so far.
func (w *writer) here() int64 {
	return w.n
}

func (w *writer) write(buf []byte) {
	if w.err != nil {
		return
	}
	n, err := w.w.Write(buf)
	w.n += int64(n)
	if err != nil {
		w.err = err
	}
}

// padTo writes zero bytes up to offset.
func (w *writer) padTo(offset int64) {
	if offset > w.n {
		w.write(make([]byte, offset-w.n))
	}
}

func (w *writer) u8(n uint8) {
	w.write([]byte{n})
}

func (w *writer) u16(n uint16) {
	var buf [2]byte
	w.order.PutUint16(buf[:], n)
	w.write(buf[:])
}

func (w *writer) u32(n uint32) {
	var buf [4]byte
	w.order.PutUint32(buf[:], n)
	w.write(buf[:])
}

func (w *writer) u64(n uint64) {
	var buf [8]byte
	w.order.PutUint64(buf[:], n)
	w.write(buf[:])
}

// word writes an address-sized field.
func (w *writer) word(is64 bool, n uint64) {
	if is64 {
		w.u64(n)
		return
	}
	if n > math.MaxUint32 {
		if w.err == nil {
			w.err = deferred.Layoutf("encode", "%#x does not fit a 32-bit field", n)
		}
		return
	}
	w.u32(uint32(n))
}

// Write lets content be serialized through the writer.
func (w *writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.write(p)
	return len(p), w.err
}
