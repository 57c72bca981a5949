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

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// Zeros is content made of n zero bytes.
type Zeros struct {
	n       uint64
	written bool
}

// NewZeros creates zero-filled content of size n.
func NewZeros(n uint64) *Zeros {
	return &Zeros{n: n}
}

func (z *Zeros) Size() uint64 {
	return z.n
}

func (z *Zeros) WriteTo(w io.Writer) (int64, error) {
	if z.written {
		return 0, ErrAlreadySerialized
	}
	z.written = true
	return io.CopyN(w, zeroReader{}, int64(z.n))
}

// Bytes is content whose bytes are already known at declare time.
type Bytes struct {
	data    []byte
	written bool
}

// NewBytes wraps data. The slice must not be modified afterwards.
func NewBytes(data []byte) *Bytes {
	return &Bytes{data: data}
}

func (b *Bytes) Size() uint64 {
	return uint64(len(b.data))
}

func (b *Bytes) WriteTo(w io.Writer) (int64, error) {
	if b.written {
		return 0, ErrAlreadySerialized
	}
	b.written = true
	n, err := w.Write(b.data)
	return int64(n), err
}
