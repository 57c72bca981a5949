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
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/parca-dev/elfgen/pkg/deferred"
)

// ElfHeaderContent is the ELF file header. Table offsets, counts and the
// entry point are read when the header is written.
type ElfHeaderContent struct {
	enc  Encoding
	typ  elf.Type
	abi  elf.OSABI
	flag uint32

	phdrs    *Section
	shdrs    *Section
	shdrRows *ShdrTableContent
	entry    func() (uint64, error)

	written bool
}

var _ deferred.Value = (*ElfHeaderContent)(nil)

// NewElfHeaderContent creates a header for a file of type typ.
func NewElfHeaderContent(enc Encoding, typ elf.Type) *ElfHeaderContent {
	return &ElfHeaderContent{
		enc: enc,
		typ: typ,
		abi: elf.ELFOSABI_NONE,
	}
}

// SetProgramHeaders sets the pseudo section holding the program header table.
func (h *ElfHeaderContent) SetProgramHeaders(sec *Section) {
	h.phdrs = sec
}

// SetSectionHeaders sets the pseudo section holding the section header table
// and the table itself, which knows where .shstrtab is.
func (h *ElfHeaderContent) SetSectionHeaders(sec *Section, rows *ShdrTableContent) {
	h.shdrs = sec
	h.shdrRows = rows
}

// SetEntry sets the thunk producing e_entry.
func (h *ElfHeaderContent) SetEntry(f func() (uint64, error)) {
	h.entry = f
}

// SetFlags sets e_flags.
func (h *ElfHeaderContent) SetFlags(flags uint32) {
	h.flag = flags
}

func (h *ElfHeaderContent) Size() uint64 {
	return h.enc.EhdrSize()
}

func (h *ElfHeaderContent) WriteTo(dst io.Writer) (int64, error) {
	if h.written {
		return 0, deferred.ErrAlreadySerialized
	}
	h.written = true

	var entry, phoff, phnum, shoff, shnum, shstrndx uint64
	if h.entry != nil {
		var err error
		if entry, err = h.entry(); err != nil {
			return 0, fmt.Errorf("entry point: %w", err)
		}
	}
	if h.phdrs != nil {
		off, err := h.phdrs.Offset()
		if err != nil {
			return 0, err
		}
		phoff = off
		phnum = h.phdrs.FileSize() / h.enc.PhdrSize()
	}
	if h.shdrs != nil {
		off, err := h.shdrs.Offset()
		if err != nil {
			return 0, err
		}
		shoff = off
		shnum = h.shdrs.FileSize() / h.enc.ShdrSize()
		if h.shdrRows != nil {
			if i, ok := h.shdrRows.IndexOfName(".shstrtab"); ok {
				shstrndx = uint64(i)
			}
		}
	}
	if phnum >= 0xffff || shnum >= uint64(elf.SHN_LORESERVE) {
		return 0, errors.New("too many headers for the ELF header fields")
	}

	is64 := h.enc.is64()
	w := newWriter(dst, h.enc.ByteOrder)
	// e_ident
	w.write([]byte{
		0x7f, 'E', 'L', 'F', // Magic number
		byte(h.enc.Class),
		byte(h.enc.Data()),
		byte(elf.EV_CURRENT),
		byte(h.abi),
		0,                   // ABI version
		0, 0, 0, 0, 0, 0, 0, // Padding
	})
	w.u16(uint16(h.typ))         // e_type
	w.u16(uint16(h.enc.Machine)) // e_machine
	w.u32(uint32(elf.EV_CURRENT))
	w.word(is64, entry) // e_entry
	w.word(is64, phoff) // e_phoff
	w.word(is64, shoff) // e_shoff
	w.u32(h.flag)
	w.u16(uint16(h.enc.EhdrSize()))
	w.u16(uint16(h.enc.PhdrSize()))
	w.u16(uint16(phnum))
	w.u16(uint16(h.enc.ShdrSize()))
	w.u16(uint16(shnum))
	w.u16(uint16(shstrndx))

	if w.err != nil {
		return w.here(), fmt.Errorf("failed to write file header: %w", w.err)
	}
	// Sanity check, size of file header should be the same as ehsize
	if uint64(w.here()) != h.enc.EhdrSize() {
		return w.here(), errors.New("internal error, ELF header size")
	}
	return w.here(), nil
}
