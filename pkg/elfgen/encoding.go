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

// Package elfgen generates ELF images whose contents depend on addresses that
// are only known once the whole output has been laid out.
//
// Builders declare rows and their sizes first, the Image lays the sections
// out, and only then is every row materialized, exactly once.
//
// Only features needed to rebuild a rewritten program are implemented,
// notably missing:
// - Debug information sections
// - Incremental output
package elfgen

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/parca-dev/elfgen/pkg/deferred"
)

// Sym is a class-neutral symbol table row.
type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

// Rela is a class-neutral relocation row with addend.
type Rela struct {
	Off    uint64
	Sym    uint32
	Type   uint32
	Addend int64
}

// Shdr is a class-neutral section header row.
type Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Off       uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// Phdr is a class-neutral program header row.
type Phdr struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Dyn is a class-neutral dynamic section row.
type Dyn struct {
	Tag int64
	Val uint64
}

// relocTypes are the machine-specific relocation numbers the builders emit.
type relocTypes struct {
	abs      uint32
	pcrel    uint32
	plt      uint32
	tpoff    uint32
	globDat  uint32
	relative uint32
}

var machineRelocs = map[elf.Machine]relocTypes{
	elf.EM_X86_64: {
		abs:      uint32(elf.R_X86_64_64),
		pcrel:    uint32(elf.R_X86_64_PC32),
		plt:      uint32(elf.R_X86_64_PLT32),
		tpoff:    uint32(elf.R_X86_64_TPOFF64),
		globDat:  uint32(elf.R_X86_64_GLOB_DAT),
		relative: uint32(elf.R_X86_64_RELATIVE),
	},
	elf.EM_AARCH64: {
		abs:      uint32(elf.R_AARCH64_ABS64),
		pcrel:    uint32(elf.R_AARCH64_PREL32),
		plt:      uint32(elf.R_AARCH64_CALL26),
		tpoff:    uint32(elf.R_AARCH64_TLS_TPREL64),
		globDat:  uint32(elf.R_AARCH64_GLOB_DAT),
		relative: uint32(elf.R_AARCH64_RELATIVE),
	},
	elf.EM_386: {
		abs:      uint32(elf.R_386_32),
		pcrel:    uint32(elf.R_386_PC32),
		plt:      uint32(elf.R_386_PLT32),
		tpoff:    uint32(elf.R_386_TLS_TPOFF),
		globDat:  uint32(elf.R_386_GLOB_DAT),
		relative: uint32(elf.R_386_RELATIVE),
	},
}

// Encoding describes the class, byte order and machine of the output.
type Encoding struct {
	Class     elf.Class
	ByteOrder binary.ByteOrder
	Machine   elf.Machine

	relocs relocTypes
}

// NewEncoding validates the parameters of the output.
func NewEncoding(class elf.Class, order binary.ByteOrder, machine elf.Machine) (Encoding, error) {
	if order == nil {
		return Encoding{}, errors.New("byte order has to be specified")
	}

	switch class {
	case elf.ELFCLASS32, elf.ELFCLASS64:
	// Ok
	case elf.ELFCLASSNONE:
		fallthrough
	default:
		return Encoding{}, errors.New("unknown ELF class")
	}

	relocs, ok := machineRelocs[machine]
	if !ok {
		return Encoding{}, fmt.Errorf("unsupported machine: %v", machine)
	}
	return Encoding{
		Class:     class,
		ByteOrder: order,
		Machine:   machine,
		relocs:    relocs,
	}, nil
}

// Data returns the ELF data encoding matching the byte order.
func (e Encoding) Data() elf.Data {
	if e.ByteOrder == binary.BigEndian {
		return elf.ELFDATA2MSB
	}
	return elf.ELFDATA2LSB
}

func (e Encoding) is64() bool {
	return e.Class == elf.ELFCLASS64
}

// EhdrSize is the size of the file header.
func (e Encoding) EhdrSize() uint64 {
	if e.is64() {
		return 64
	}
	return 52
}

// PhdrSize is the size of a program header.
func (e Encoding) PhdrSize() uint64 {
	if e.is64() {
		return 56
	}
	return 32
}

// ShdrSize is the size of a section header.
func (e Encoding) ShdrSize() uint64 {
	if e.is64() {
		return 64
	}
	return 40
}

// SymSize is the size of a symbol table row.
func (e Encoding) SymSize() uint64 {
	if e.is64() {
		return 24
	}
	return 16
}

// RelaSize is the size of a relocation row.
func (e Encoding) RelaSize() uint64 {
	if e.is64() {
		return 24
	}
	return 12
}

// DynSize is the size of a dynamic section row.
func (e Encoding) DynSize() uint64 {
	if e.is64() {
		return 16
	}
	return 8
}

// PtrSize is the size of an address.
func (e Encoding) PtrSize() uint64 {
	if e.is64() {
		return 8
	}
	return 4
}

func (e Encoding) encodeSym(w io.Writer, s *Sym) error {
	if e.is64() {
		return binary.Write(w, e.ByteOrder, &elf.Sym64{
			Name:  s.Name,
			Info:  s.Info,
			Other: s.Other,
			Shndx: s.Shndx,
			Value: s.Value,
			Size:  s.Size,
		})
	}
	n := narrower{row: "symbol"}
	row := &elf.Sym32{
		Name:  s.Name,
		Value: n.u32("value", s.Value),
		Size:  n.u32("size", s.Size),
		Info:  s.Info,
		Other: s.Other,
		Shndx: s.Shndx,
	}
	if n.err != nil {
		return n.err
	}
	return binary.Write(w, e.ByteOrder, row)
}

func (e Encoding) encodeRela(w io.Writer, r *Rela) error {
	if e.is64() {
		return binary.Write(w, e.ByteOrder, &elf.Rela64{
			Off:    r.Off,
			Info:   elf.R_INFO(r.Sym, r.Type),
			Addend: r.Addend,
		})
	}
	n := narrower{row: "relocation"}
	row := &elf.Rela32{
		Off:    n.u32("offset", r.Off),
		Info:   elf.R_INFO32(r.Sym, r.Type),
		Addend: n.i32("addend", r.Addend),
	}
	if r.Sym > 0xffffff {
		return deferred.Layoutf("encode", "relocation symbol index %d does not fit ELFCLASS32", r.Sym)
	}
	if n.err != nil {
		return n.err
	}
	return binary.Write(w, e.ByteOrder, row)
}

func (e Encoding) encodeShdr(w io.Writer, s *Shdr) error {
	if e.is64() {
		return binary.Write(w, e.ByteOrder, &elf.Section64{
			Name:      s.Name,
			Type:      s.Type,
			Flags:     s.Flags,
			Addr:      s.Addr,
			Off:       s.Off,
			Size:      s.Size,
			Link:      s.Link,
			Info:      s.Info,
			Addralign: s.Addralign,
			Entsize:   s.Entsize,
		})
	}
	n := narrower{row: "section header"}
	row := &elf.Section32{
		Name:      s.Name,
		Type:      s.Type,
		Flags:     n.u32("flags", s.Flags),
		Addr:      n.u32("address", s.Addr),
		Off:       n.u32("offset", s.Off),
		Size:      n.u32("size", s.Size),
		Link:      s.Link,
		Info:      s.Info,
		Addralign: n.u32("alignment", s.Addralign),
		Entsize:   n.u32("entry size", s.Entsize),
	}
	if n.err != nil {
		return n.err
	}
	return binary.Write(w, e.ByteOrder, row)
}

func (e Encoding) encodePhdr(w io.Writer, p *Phdr) error {
	if e.is64() {
		return binary.Write(w, e.ByteOrder, &elf.Prog64{
			Type:   p.Type,
			Flags:  p.Flags,
			Off:    p.Off,
			Vaddr:  p.Vaddr,
			Paddr:  p.Paddr,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Align:  p.Align,
		})
	}
	n := narrower{row: "program header"}
	row := &elf.Prog32{
		Type:   p.Type,
		Off:    n.u32("offset", p.Off),
		Vaddr:  n.u32("vaddr", p.Vaddr),
		Paddr:  n.u32("paddr", p.Paddr),
		Filesz: n.u32("filesz", p.Filesz),
		Memsz:  n.u32("memsz", p.Memsz),
		Flags:  p.Flags,
		Align:  n.u32("align", p.Align),
	}
	if n.err != nil {
		return n.err
	}
	return binary.Write(w, e.ByteOrder, row)
}

func (e Encoding) encodeDyn(w io.Writer, d *Dyn) error {
	if e.is64() {
		return binary.Write(w, e.ByteOrder, &elf.Dyn64{Tag: d.Tag, Val: d.Val})
	}
	n := narrower{row: "dynamic entry"}
	row := &elf.Dyn32{Tag: n.i32("tag", d.Tag), Val: n.u32("value", d.Val)}
	if n.err != nil {
		return n.err
	}
	return binary.Write(w, e.ByteOrder, row)
}

// narrower converts the fields of one ELFCLASS32 row and remembers the first
// value that does not fit.
type narrower struct {
	row string
	err error
}

func (n *narrower) u32(field string, v uint64) uint32 {
	if v > math.MaxUint32 && n.err == nil {
		n.err = deferred.Layoutf("encode", "%s %s %#x does not fit ELFCLASS32", n.row, field, v)
	}
	return uint32(v)
}

func (n *narrower) i32(field string, v int64) int32 {
	if (v < math.MinInt32 || v > math.MaxInt32) && n.err == nil {
		n.err = deferred.Layoutf("encode", "%s %s %d does not fit ELFCLASS32", n.row, field, v)
	}
	return int32(v)
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}
