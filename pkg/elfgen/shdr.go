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

	"github.com/parca-dev/elfgen/pkg/deferred"
)

// ShdrTableContent is the section header table. Row i describes the i-th
// section added; row 0 is the null header.
type ShdrTableContent struct {
	enc      Encoding
	shstrtab *deferred.StringList

	rows   *deferred.Map[*Section, *deferred.Row[Shdr]]
	byName map[string]*Section
}

var _ deferred.Value = (*ShdrTableContent)(nil)

// NewShdrTableContent creates an empty table whose names go into shstrtab.
func NewShdrTableContent(enc Encoding, shstrtab *deferred.StringList) *ShdrTableContent {
	return &ShdrTableContent{
		enc:      enc,
		shstrtab: shstrtab,
		rows:     deferred.NewMap[*Section, *deferred.Row[Shdr]](),
		byName:   make(map[string]*Section),
	}
}

// AddNullHeader adds the mandatory all-zero row 0.
func (t *ShdrTableContent) AddNullHeader() error {
	if t.rows.Len() != 0 {
		return fmt.Errorf("null section header must be the first row, table has %d rows", t.rows.Len())
	}
	return t.rows.Add(nil, deferred.NewRow(Shdr{}, t.enc.ShdrSize(), t.enc.encodeShdr))
}

// Add appends the header row of sec. Every field is read from sec when the
// table is written.
func (t *ShdrTableContent) Add(sec *Section) error {
	if sec == nil || !sec.HasHeader() {
		return fmt.Errorf("section %v has no section header", sec)
	}
	name, err := t.shstrtab.Add(sec.Name())
	if err != nil {
		return err
	}

	row := deferred.NewRow(Shdr{Name: name}, t.enc.ShdrSize(), t.enc.encodeShdr)
	row.AddFunction(func(h *Shdr) error {
		return t.fill(h, sec)
	})
	if err := t.rows.Add(sec, row); err != nil {
		return fmt.Errorf("section header for %s: %w", sec.Name(), err)
	}
	t.byName[sec.Name()] = sec
	return nil
}

func (t *ShdrTableContent) fill(h *Shdr, sec *Section) error {
	h.Type = uint32(sec.Type)
	h.Flags = uint64(sec.Flags)
	h.Size = sec.Size()
	h.Addralign = sec.Addralign
	h.Entsize = sec.Entsize

	if sec.Flags&elf.SHF_ALLOC != 0 || sec.HasAddress() {
		addr, err := sec.Address()
		if err != nil {
			return err
		}
		h.Addr = addr
	}
	off, err := sec.Offset()
	if err != nil {
		return err
	}
	h.Off = off

	if sec.Link != "" {
		i, ok := t.IndexOfName(sec.Link)
		if !ok {
			return fmt.Errorf("section %s links to unknown section %s", sec.Name(), sec.Link)
		}
		h.Link = uint32(i)
	}
	info, err := sec.info()
	if err != nil {
		return fmt.Errorf("info of section %s: %w", sec.Name(), err)
	}
	h.Info = info
	return nil
}

// IndexOf returns the header index of sec.
func (t *ShdrTableContent) IndexOf(sec *Section) (int, bool) {
	return t.rows.IndexOf(sec)
}

// IndexOfName returns the header index of the section called name.
func (t *ShdrTableContent) IndexOfName(name string) (int, bool) {
	sec, ok := t.byName[name]
	if !ok {
		return 0, false
	}
	return t.rows.IndexOf(sec)
}

// IndexContaining returns the header index of the allocated section whose
// address range contains addr.
func (t *ShdrTableContent) IndexContaining(addr uint64) (int, bool) {
	for i, sec := range t.rows.Keys() {
		if sec == nil || sec.Flags&elf.SHF_ALLOC == 0 || !sec.HasAddress() {
			continue
		}
		start, _ := sec.Address()
		if addr >= start && addr < start+sec.MemSize() {
			return i, true
		}
	}
	return 0, false
}

func (t *ShdrTableContent) Len() int {
	return t.rows.Len()
}

func (t *ShdrTableContent) Size() uint64 {
	return t.rows.Size()
}

func (t *ShdrTableContent) WriteTo(w io.Writer) (int64, error) {
	return t.rows.WriteTo(w)
}
