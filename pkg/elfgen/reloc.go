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
	"fmt"
	"io"

	"github.com/parca-dev/elfgen/pkg/chunk"
	"github.com/parca-dev/elfgen/pkg/deferred"
)

// relocTable holds relocation rows keyed by source address.
type relocTable struct {
	builder string
	enc     Encoding
	rows    *deferred.Map[uint64, *deferred.Row[Rela]]
	kinds   map[string]int
}

func newRelocTable(builder string, enc Encoding) relocTable {
	return relocTable{
		builder: builder,
		enc:     enc,
		rows:    deferred.NewMap[uint64, *deferred.Row[Rela]](),
		kinds:   make(map[string]int),
	}
}

func (t *relocTable) add(key uint64, link chunk.Link, typ uint32, fixup func(*Rela) error) error {
	row := deferred.NewRow(Rela{Type: typ}, t.enc.RelaSize(), t.enc.encodeRela)
	row.AddFunction(fixup)
	if err := t.rows.Add(key, row); err != nil {
		return fmt.Errorf("%s: %w", t.builder, err)
	}
	t.kinds[chunk.KindOf(link)]++
	return nil
}

func (t *relocTable) unsupported(source chunk.Chunk, link chunk.Link) error {
	return &UnsupportedLinkTypeError{Builder: t.builder, Source: source, Link: link}
}

// LinkKinds returns the number of rows per link kind.
func (t *relocTable) LinkKinds() map[string]int {
	kinds := make(map[string]int, len(t.kinds))
	for k, n := range t.kinds {
		kinds[k] = n
	}
	return kinds
}

// Keys returns the source addresses in row order.
func (t *relocTable) Keys() []uint64 {
	return t.rows.Keys()
}

func (t *relocTable) Len() int {
	return t.rows.Len()
}

func (t *relocTable) Size() uint64 {
	return t.rows.Size()
}

func (t *relocTable) WriteTo(w io.Writer) (int64, error) {
	return t.rows.WriteTo(w)
}

func sourceAddress(source chunk.Chunk) (uint64, error) {
	addr, err := source.Address()
	if err != nil {
		return 0, fmt.Errorf("relocation source: %w", err)
	}
	return addr, nil
}

// RelocSectionContent holds the relocations of code in one section, with
// offsets relative to that section.
type RelocSectionContent struct {
	relocTable

	target   *Section
	symtab   *SymbolTableContent
	sections *SectionList
}

var _ deferred.Value = (*RelocSectionContent)(nil)

// NewRelocSectionContent creates the relocation table of target.
func NewRelocSectionContent(enc Encoding, target *Section, symtab *SymbolTableContent, sections *SectionList) *RelocSectionContent {
	return &RelocSectionContent{
		relocTable: newRelocTable("RelocSectionContent", enc),
		target:     target,
		symtab:     symtab,
		sections:   sections,
	}
}

// TargetSection returns the section the relocations apply to.
func (r *RelocSectionContent) TargetSection() *Section {
	return r.target
}

// Add adds the relocation of the instruction source for link.
func (r *RelocSectionContent) Add(source chunk.Chunk, link chunk.Link) error {
	insn, ok := source.(*chunk.Instruction)
	if !ok {
		return r.unsupported(source, link)
	}
	addr, err := sourceAddress(insn)
	if err != nil {
		return err
	}
	// The displacement is relative to the end of the instruction.
	tail := int64(insn.Size) - int64(insn.DispOffset)
	offset := func(rel *Rela) error {
		base, err := r.target.Address()
		if err != nil {
			return err
		}
		rel.Off = addr + insn.DispOffset - base
		return nil
	}

	switch l := link.(type) {
	case *chunk.DataOffsetLink:
		return r.add(addr, link, r.enc.relocs.pcrel, func(rel *Rela) error {
			i, err := r.symtab.IndexOfSectionSymbol(l.Section.Name(), r.sections)
			if err != nil {
				return err
			}
			rel.Sym = uint32(i)
			rel.Addend = int64(l.Offset) - tail
			return offset(rel)
		})
	case *chunk.PLTLink:
		return r.add(addr, link, r.enc.relocs.plt, func(rel *Rela) error {
			i, err := r.symtab.IndexOfSymbol(l.Symbol())
			if err != nil {
				return err
			}
			rel.Sym = uint32(i)
			rel.Addend = -tail
			return offset(rel)
		})
	case *chunk.SymbolOnlyLink:
		return r.add(addr, link, r.enc.relocs.pcrel, func(rel *Rela) error {
			i, err := r.symtab.IndexOfSymbol(l.Symbol)
			if err != nil {
				return err
			}
			rel.Sym = uint32(i)
			rel.Addend = -tail
			return offset(rel)
		})
	default:
		return r.unsupported(source, link)
	}
}

// DataRefRelocContent holds data to data relocations of one section, each
// expressed against the section symbol of the target's section.
type DataRefRelocContent struct {
	relocTable

	other    *Section
	symtab   *SymbolTableContent
	sections *SectionList
}

var _ deferred.Value = (*DataRefRelocContent)(nil)

// NewDataRefRelocContent creates the relocation table of the data section other.
func NewDataRefRelocContent(enc Encoding, other *Section, symtab *SymbolTableContent, sections *SectionList) *DataRefRelocContent {
	return &DataRefRelocContent{
		relocTable: newRelocTable("DataRefRelocContent", enc),
		other:      other,
		symtab:     symtab,
		sections:   sections,
	}
}

// AddDataRef adds a relocation of the pointer at source to target, which
// lives in targetSection.
func (r *DataRefRelocContent) AddDataRef(source chunk.Chunk, target chunk.Link, targetSection *Section) error {
	switch target.(type) {
	case *chunk.DataOffsetLink, *chunk.SymbolOnlyLink:
	default:
		return r.unsupported(source, target)
	}
	addr, err := sourceAddress(source)
	if err != nil {
		return err
	}
	return r.add(addr, target, r.enc.relocs.abs, func(rel *Rela) error {
		base, err := r.other.Address()
		if err != nil {
			return err
		}
		rel.Off = addr - base

		i, err := r.symtab.IndexOfSectionSymbol(targetSection.Name(), r.sections)
		if err != nil {
			return err
		}
		rel.Sym = uint32(i)

		dest, err := target.TargetAddress()
		if err != nil {
			return err
		}
		secAddr, err := targetSection.Address()
		if err != nil {
			return err
		}
		if dest < secAddr || dest > secAddr+targetSection.MemSize() {
			return fmt.Errorf("target %#x is outside of section %s", dest, targetSection.Name())
		}
		rel.Addend = int64(dest - secAddr)
		return nil
	})
}

// DataRelocSectionContent holds dynamic relocations of data with absolute
// offsets: references to symbols the loader resolves, data to data
// pointers and thread-local offsets.
type DataRelocSectionContent struct {
	relocTable

	symtab *SymbolTableContent
}

var _ deferred.Value = (*DataRelocSectionContent)(nil)

// NewDataRelocSectionContent creates a dynamic relocation table whose
// symbol indices refer to symtab.
func NewDataRelocSectionContent(enc Encoding, symtab *SymbolTableContent) *DataRelocSectionContent {
	return &DataRelocSectionContent{
		relocTable: newRelocTable("DataRelocSectionContent", enc),
		symtab:     symtab,
	}
}

// Add dispatches on the kind of link.
func (r *DataRelocSectionContent) Add(source chunk.Chunk, link chunk.Link) error {
	switch l := link.(type) {
	case *chunk.LoaderLink:
		return r.AddUndefinedRef(source, l)
	case *chunk.TLSDataOffsetLink:
		return r.AddTLSOffsetRef(source, l)
	case *chunk.DataOffsetLink, *chunk.SymbolOnlyLink:
		return r.AddDataRef(source, l)
	default:
		return r.unsupported(source, link)
	}
}

// AddUndefinedRef adds a slot the loader fills with the address of a symbol
// from another module.
func (r *DataRelocSectionContent) AddUndefinedRef(source chunk.Chunk, link *chunk.LoaderLink) error {
	addr, err := sourceAddress(source)
	if err != nil {
		return err
	}
	return r.add(addr, link, r.enc.relocs.globDat, func(rel *Rela) error {
		i, err := r.symtab.IndexOfName(link.Name)
		if err != nil {
			return err
		}
		rel.Off = addr
		rel.Sym = uint32(i)
		return nil
	})
}

// AddDataRef adds a pointer to data that the loader rebases.
func (r *DataRelocSectionContent) AddDataRef(source chunk.Chunk, link chunk.Link) error {
	switch link.(type) {
	case *chunk.DataOffsetLink, *chunk.SymbolOnlyLink:
	default:
		return r.unsupported(source, link)
	}
	addr, err := sourceAddress(source)
	if err != nil {
		return err
	}
	return r.add(addr, link, r.enc.relocs.relative, func(rel *Rela) error {
		if l, ok := link.(*chunk.DataOffsetLink); ok && l.Offset > l.Section.Size {
			return fmt.Errorf("offset %#x is outside of %s", l.Offset, l.Section.Name())
		}
		dest, err := link.TargetAddress()
		if err != nil {
			return err
		}
		rel.Off = addr
		rel.Addend = int64(dest)
		return nil
	})
}

// AddTLSOffsetRef adds a slot holding the offset of a thread-local variable.
// Variables of the output's own TLS block are static offsets; others go
// through the symbol.
func (r *DataRelocSectionContent) AddTLSOffsetRef(source chunk.Chunk, link *chunk.TLSDataOffsetLink) error {
	addr, err := sourceAddress(source)
	if err != nil {
		return err
	}
	return r.add(addr, link, r.enc.relocs.tpoff, func(rel *Rela) error {
		rel.Off = addr
		if link.Region == nil {
			if link.Symbol == nil {
				return fmt.Errorf("tls reference at %#x has neither region nor symbol", addr)
			}
			i, err := r.symtab.IndexOfSymbol(link.Symbol)
			if err != nil {
				return err
			}
			rel.Sym = uint32(i)
			return nil
		}
		off, err := link.TLSOffset()
		if err != nil {
			return err
		}
		rel.Addend = int64(off)
		return nil
	})
}
