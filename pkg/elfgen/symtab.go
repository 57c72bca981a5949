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
	"fmt"
	"io"

	"github.com/parca-dev/elfgen/pkg/chunk"
	"github.com/parca-dev/elfgen/pkg/deferred"
	"github.com/parca-dev/elfgen/pkg/symbol"
)

// SymbolKind orders the rows of a symbol table. ELF requires every
// non-global row to precede the global ones.
type SymbolKind int

const (
	SymbolNull SymbolKind = iota
	SymbolSection
	SymbolLocal
	SymbolUndefined
	SymbolGlobal

	numSymbolKinds
)

func (k SymbolKind) String() string {
	switch k {
	case SymbolNull:
		return "NULL"
	case SymbolSection:
		return "SECTION"
	case SymbolLocal:
		return "LOCAL"
	case SymbolUndefined:
		return "UNDEF"
	case SymbolGlobal:
		return "GLOBAL"
	default:
		return fmt.Sprintf("SymbolKind(%d)", int(k))
	}
}

// SymbolInTable is the key of a symbol table row.
type SymbolInTable struct {
	Kind   SymbolKind
	Symbol *symbol.Symbol
}

func (s SymbolInTable) String() string {
	if s.Symbol == nil {
		return s.Kind.String()
	}
	return fmt.Sprintf("%s %s", s.Kind, s.Symbol.Name)
}

// SymbolTableContent builds .symtab or .dynsym. Rows are ordered by kind and,
// within a kind, by insertion order.
type SymbolTableContent struct {
	enc    Encoding
	strtab *deferred.StringList
	shdrs  *ShdrTableContent

	rows     *deferred.Map[SymbolInTable, *deferred.Row[Sym]]
	counts   [numSymbolKinds]int
	byName   map[string]SymbolInTable
	sections map[string]SymbolInTable
}

var _ deferred.Value = (*SymbolTableContent)(nil)

// NewSymbolTableContent creates an empty symbol table. Names go into strtab;
// section indices are looked up in shdrs when the table is written.
func NewSymbolTableContent(enc Encoding, strtab *deferred.StringList, shdrs *ShdrTableContent) *SymbolTableContent {
	return &SymbolTableContent{
		enc:      enc,
		strtab:   strtab,
		shdrs:    shdrs,
		rows:     deferred.NewMap[SymbolInTable, *deferred.Row[Sym]](),
		byName:   make(map[string]SymbolInTable),
		sections: make(map[string]SymbolInTable),
	}
}

// TypeFor returns the kind a defined symbol is filed under.
func TypeFor(sym *symbol.Symbol) SymbolKind {
	if sym.IsLocal() {
		return SymbolLocal
	}
	return SymbolGlobal
}

func (t *SymbolTableContent) insert(key SymbolInTable, row *deferred.Row[Sym]) error {
	pos := 0
	for k := SymbolNull; k <= key.Kind; k++ {
		pos += t.counts[k]
	}
	if err := t.rows.InsertAt(pos, key, row); err != nil {
		return fmt.Errorf("symbol table: %w", err)
	}
	t.counts[key.Kind]++
	return nil
}

func (t *SymbolTableContent) name(sym *symbol.Symbol) (uint32, error) {
	off, err := t.strtab.Add(sym.Name)
	if err != nil {
		return 0, fmt.Errorf("symbol %s: %w", sym.Name, err)
	}
	return off, nil
}

// AddNullSymbol adds the mandatory all-zero row 0.
func (t *SymbolTableContent) AddNullSymbol() error {
	return t.insert(SymbolInTable{Kind: SymbolNull}, deferred.NewRow(Sym{}, t.enc.SymSize(), t.enc.encodeSym))
}

// AddSectionSymbol adds the STT_SECTION row of the section called sym.Name.
// Its section index is resolved when the table is written.
func (t *SymbolTableContent) AddSectionSymbol(sym *symbol.Symbol) error {
	key := SymbolInTable{Kind: SymbolSection, Symbol: sym}
	row := deferred.NewRow(Sym{
		Info: elf.ST_INFO(elf.STB_LOCAL, elf.STT_SECTION),
	}, t.enc.SymSize(), t.enc.encodeSym)
	row.AddFunction(func(s *Sym) error {
		if t.shdrs == nil {
			return fmt.Errorf("no section headers to resolve section symbol %s", sym.Name)
		}
		i, ok := t.shdrs.IndexOfName(sym.Name)
		if !ok {
			return fmt.Errorf("section symbol %s: no such section header", sym.Name)
		}
		s.Shndx = uint16(i)
		return nil
	})
	if err := t.insert(key, row); err != nil {
		return err
	}
	t.sections[sym.Name] = key
	return nil
}

// AddSymbol adds a defined symbol. When fn is set the value, size and section
// index come from the function once layout has placed it; otherwise the
// symbol's own fields are used, and a missing section index is looked up
// from the symbol's value.
func (t *SymbolTableContent) AddSymbol(fn *chunk.Function, sym *symbol.Symbol) error {
	name, err := t.name(sym)
	if err != nil {
		return err
	}
	key := SymbolInTable{Kind: TypeFor(sym), Symbol: sym}
	row := deferred.NewRow(Sym{
		Name:  name,
		Info:  elf.ST_INFO(sym.Bind, sym.Type),
		Shndx: uint16(sym.SectionIndex),
		Value: sym.Value,
		Size:  sym.Size,
	}, t.enc.SymSize(), t.enc.encodeSym)
	switch {
	case fn != nil:
		row.AddFunction(func(s *Sym) error {
			addr, err := fn.Address()
			if err != nil {
				return err
			}
			s.Value = addr
			s.Size = fn.Size
			s.Shndx = t.sectionContaining(addr)
			return nil
		})
	case sym.SectionIndex == elf.SHN_UNDEF && t.shdrs != nil:
		row.AddFunction(func(s *Sym) error {
			s.Shndx = t.sectionContaining(s.Value)
			return nil
		})
	}
	if err := t.insert(key, row); err != nil {
		return err
	}
	t.index(sym, key)
	return nil
}

// AddSymbolIn adds a defined symbol of the section called section. The
// symbol's own value and size are used; the section index is looked up when
// the table is written. Thread-local symbols use it with their offset in the
// TLS block as value.
func (t *SymbolTableContent) AddSymbolIn(section string, sym *symbol.Symbol) error {
	name, err := t.name(sym)
	if err != nil {
		return err
	}
	key := SymbolInTable{Kind: TypeFor(sym), Symbol: sym}
	row := deferred.NewRow(Sym{
		Name:  name,
		Info:  elf.ST_INFO(sym.Bind, sym.Type),
		Value: sym.Value,
		Size:  sym.Size,
	}, t.enc.SymSize(), t.enc.encodeSym)
	row.AddFunction(func(s *Sym) error {
		if t.shdrs == nil {
			return fmt.Errorf("no section headers to resolve symbol %s", sym.Name)
		}
		i, ok := t.shdrs.IndexOfName(section)
		if !ok {
			return fmt.Errorf("symbol %s: no such section header %s", sym.Name, section)
		}
		s.Shndx = uint16(i)
		return nil
	})
	if err := t.insert(key, row); err != nil {
		return err
	}
	t.index(sym, key)
	return nil
}

// AddUndefinedSymbol adds a symbol defined by a module that is linked later.
func (t *SymbolTableContent) AddUndefinedSymbol(sym *symbol.Symbol) error {
	name, err := t.name(sym)
	if err != nil {
		return err
	}
	bind := sym.Bind
	if bind == elf.STB_LOCAL {
		bind = elf.STB_GLOBAL
	}
	key := SymbolInTable{Kind: SymbolUndefined, Symbol: sym}
	row := deferred.NewRow(Sym{
		Name:  name,
		Info:  elf.ST_INFO(bind, sym.Type),
		Shndx: uint16(elf.SHN_UNDEF),
	}, t.enc.SymSize(), t.enc.encodeSym)
	if err := t.insert(key, row); err != nil {
		return err
	}
	t.index(sym, key)
	return nil
}

func (t *SymbolTableContent) sectionContaining(addr uint64) uint16 {
	if t.shdrs == nil {
		return uint16(elf.SHN_ABS)
	}
	i, ok := t.shdrs.IndexContaining(addr)
	if !ok {
		return uint16(elf.SHN_ABS)
	}
	return uint16(i)
}

func (t *SymbolTableContent) index(sym *symbol.Symbol, key SymbolInTable) {
	if _, ok := t.byName[sym.Name]; !ok {
		t.byName[sym.Name] = key
	}
}

// IndexOfSectionSymbol returns the row of the section symbol of name, which
// must also be a section of sections.
func (t *SymbolTableContent) IndexOfSectionSymbol(name string, sections *SectionList) (int, error) {
	if sections != nil {
		if _, ok := sections.Find(name); !ok {
			return 0, fmt.Errorf("no section %s", name)
		}
	}
	key, ok := t.sections[name]
	if !ok {
		return 0, fmt.Errorf("no section symbol for %s", name)
	}
	i, ok := t.rows.IndexOf(key)
	if !ok {
		return 0, fmt.Errorf("no section symbol for %s", name)
	}
	return i, nil
}

// IndexOfSymbol returns the row of sym.
func (t *SymbolTableContent) IndexOfSymbol(sym *symbol.Symbol) (int, error) {
	for _, kind := range []SymbolKind{TypeFor(sym), SymbolUndefined} {
		if i, ok := t.rows.IndexOf(SymbolInTable{Kind: kind, Symbol: sym}); ok {
			return i, nil
		}
	}
	return t.IndexOfName(sym.Name)
}

// IndexOfName returns the row of the first symbol added under name.
func (t *SymbolTableContent) IndexOfName(name string) (int, error) {
	key, ok := t.byName[name]
	if !ok {
		key, ok = t.byName[symbol.BaseName(name)]
	}
	if !ok {
		return 0, &MissingSymbolError{Name: name}
	}
	i, _ := t.rows.IndexOf(key)
	return i, nil
}

// FirstGlobalIndex is the number of rows preceding the first global symbol,
// the sh_info of the table's section header.
func (t *SymbolTableContent) FirstGlobalIndex() int {
	return t.rows.Len() - t.counts[SymbolGlobal]
}

// Keys returns the rows' keys in table order.
func (t *SymbolTableContent) Keys() []SymbolInTable {
	return t.rows.Keys()
}

func (t *SymbolTableContent) Len() int {
	return t.rows.Len()
}

func (t *SymbolTableContent) Size() uint64 {
	return t.rows.Size()
}

func (t *SymbolTableContent) WriteTo(w io.Writer) (int64, error) {
	return t.rows.WriteTo(w)
}
