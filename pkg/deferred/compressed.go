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
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Compressed is SHF_COMPRESSED section content: a compression header
// followed by a zlib stream. Compression happens at construction so the size
// is fixed before layout.
type Compressed struct {
	data    []byte
	written bool
}

// NewCompressed compresses data for a section of the given class and
// alignment.
func NewCompressed(data []byte, class elf.Class, order binary.ByteOrder, addralign uint64) (*Compressed, error) {
	buf := bytes.NewBuffer(nil)

	switch class {
	case elf.ELFCLASS32:
		ch := elf.Chdr32{
			Type:      uint32(elf.COMPRESS_ZLIB),
			Size:      uint32(len(data)),
			Addralign: uint32(addralign),
		}
		if err := binary.Write(buf, order, &ch); err != nil {
			return nil, err
		}
	case elf.ELFCLASS64:
		ch := elf.Chdr64{
			Type:      uint32(elf.COMPRESS_ZLIB),
			Size:      uint64(len(data)),
			Addralign: addralign,
		}
		if err := binary.Write(buf, order, &ch); err != nil {
			return nil, err
		}
	case elf.ELFCLASSNONE:
		fallthrough
	default:
		return nil, fmt.Errorf("unknown ELF class: %v", class)
	}

	zw := zlib.NewWriter(buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return &Compressed{data: buf.Bytes()}, nil
}

func (c *Compressed) Size() uint64 {
	return uint64(len(c.data))
}

func (c *Compressed) WriteTo(w io.Writer) (int64, error) {
	if c.written {
		return 0, ErrAlreadySerialized
	}
	c.written = true
	n, err := w.Write(c.data)
	return int64(n), err
}
