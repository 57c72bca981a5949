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
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// StringList is an ELF string table: a leading NUL followed by
// NUL-terminated strings. Identical strings share one entry.
// http://www.sco.com/developers/gabi/2003-12-17/ch4.strtab.html
type StringList struct {
	data    []byte
	offsets map[string]uint32

	frozen  bool
	written bool
}

// NewStringList creates a string table holding only the empty string.
func NewStringList() *StringList {
	return &StringList{
		data:    []byte{0},
		offsets: map[string]uint32{"": 0},
	}
}

// Add appends str and returns its offset in the table.
func (s *StringList) Add(str string) (uint32, error) {
	if off, ok := s.offsets[str]; ok {
		return off, nil
	}
	if s.frozen {
		return 0, ErrFrozen
	}
	data, err := unix.ByteSliceFromString(str)
	if err != nil {
		return 0, fmt.Errorf("invalid string table entry %q: %w", str, err)
	}
	off := uint32(len(s.data))
	s.data = append(s.data, data...)
	s.offsets[str] = off
	return off, nil
}

// Offset returns the offset of a previously added string.
func (s *StringList) Offset(str string) (uint32, bool) {
	off, ok := s.offsets[str]
	return off, ok
}

// Size freezes the table and returns its size.
func (s *StringList) Size() uint64 {
	if !s.frozen {
		s.frozen = true
	}
	return uint64(len(s.data))
}

func (s *StringList) WriteTo(w io.Writer) (int64, error) {
	if s.written {
		return 0, ErrAlreadySerialized
	}
	s.written = true
	if !s.frozen {
		s.frozen = true
	}

	n, err := w.Write(s.data)
	return int64(n), err
}
