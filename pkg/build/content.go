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

package build

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/parca-dev/elfgen/pkg/deferred"
)

// slot is a field of section content whose value is only known once the
// image is laid out: a pointer or a pc-relative displacement.
type slot struct {
	offset uint64
	width  uint64
	// signed values must fit the field as two's complement.
	signed bool
	value  func() (uint64, error)
}

// slotContent is section content with slots filled in when it is written.
type slotContent struct {
	data  []byte
	order binary.ByteOrder
	slots []slot

	written bool
}

var _ deferred.Value = (*slotContent)(nil)

// newSlotContent holds data zero-extended to size bytes.
func newSlotContent(data []byte, size uint64, order binary.ByteOrder) *slotContent {
	buf := make([]byte, max(size, uint64(len(data))))
	copy(buf, data)
	return &slotContent{data: buf, order: order}
}

func (c *slotContent) addSlot(s slot) error {
	if c.written {
		return deferred.ErrAlreadySerialized
	}
	if s.width != 4 && s.width != 8 {
		return fmt.Errorf("unsupported slot width %d", s.width)
	}
	if s.offset+s.width > uint64(len(c.data)) {
		return fmt.Errorf("slot at %#x of width %d is outside of content of size %#x", s.offset, s.width, len(c.data))
	}
	c.slots = append(c.slots, s)
	return nil
}

func (c *slotContent) Size() uint64 {
	return uint64(len(c.data))
}

func (c *slotContent) WriteTo(w io.Writer) (int64, error) {
	if c.written {
		return 0, deferred.ErrAlreadySerialized
	}
	c.written = true

	buf := make([]byte, len(c.data))
	copy(buf, c.data)
	for _, s := range c.slots {
		v, err := s.value()
		if err != nil {
			return 0, fmt.Errorf("slot at %#x: %w", s.offset, err)
		}
		field := buf[s.offset : s.offset+s.width]
		switch s.width {
		case 4:
			if s.signed {
				if sv := int64(v); sv < math.MinInt32 || sv > math.MaxInt32 {
					return 0, fmt.Errorf("slot at %#x: value %d does not fit 32 bits", s.offset, sv)
				}
			} else if v > math.MaxUint32 {
				return 0, fmt.Errorf("slot at %#x: value %#x does not fit 32 bits", s.offset, v)
			}
			c.order.PutUint32(field, uint32(v))
		case 8:
			c.order.PutUint64(field, v)
		}
	}

	n, err := w.Write(buf)
	return int64(n), err
}
