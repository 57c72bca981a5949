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
	"strings"

	"github.com/parca-dev/elfgen/pkg/chunk"
	"github.com/parca-dev/elfgen/pkg/deferred"
)

// pseudoPrefix marks sections that take file space but have no header row,
// e.g. the ELF header itself or padding.
const pseudoPrefix = "="

// Section is one region of the output file. Its content is deferred; its
// offset and address are assigned during layout.
type Section struct {
	name    string
	content deferred.Value

	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addralign uint64
	Entsize   uint64
	// Link names the section referenced by sh_link.
	Link string
	// Info is used for sh_info unless InfoFunc is set.
	Info     uint32
	InfoFunc func() (uint32, error)

	memSize uint64

	address chunk.Position
	offset  chunk.Position
}

// NewSection creates a section holding content.
func NewSection(name string, typ elf.SectionType, flags elf.SectionFlag, content deferred.Value) *Section {
	return &Section{
		name:      name,
		content:   content,
		Type:      typ,
		Flags:     flags,
		Addralign: 1,
	}
}

// NewPseudoSection creates a header-less section.
func NewPseudoSection(name string, content deferred.Value) *Section {
	if !strings.HasPrefix(name, pseudoPrefix) {
		name = pseudoPrefix + name
	}
	return NewSection(name, elf.SHT_NULL, 0, content)
}

// NewNobitsSection creates a SHT_NOBITS section occupying memSize bytes of
// memory and none of the file.
func NewNobitsSection(name string, flags elf.SectionFlag, memSize uint64) *Section {
	s := NewSection(name, elf.SHT_NOBITS, flags, nil)
	s.memSize = memSize
	return s
}

func (s *Section) Name() string {
	return s.name
}

// Content returns the deferred content, nil for SHT_NOBITS sections.
func (s *Section) Content() deferred.Value {
	return s.content
}

// HasHeader reports whether the section gets a section header row.
func (s *Section) HasHeader() bool {
	return !strings.HasPrefix(s.name, pseudoPrefix)
}

// FileSize is the number of bytes the section occupies in the file.
func (s *Section) FileSize() uint64 {
	if s.Type == elf.SHT_NOBITS || s.content == nil {
		return 0
	}
	return s.content.Size()
}

// Size is the value of sh_size.
func (s *Section) Size() uint64 {
	if s.Type == elf.SHT_NOBITS {
		return s.memSize
	}
	return s.FileSize()
}

// MemSize is the number of bytes the section occupies once loaded.
func (s *Section) MemSize() uint64 {
	return s.Size()
}

// Alignment returns the effective alignment, at least 1.
func (s *Section) Alignment() uint64 {
	if s.Addralign == 0 {
		return 1
	}
	return s.Addralign
}

func (s *Section) SetAddress(addr uint64) {
	s.address.Set(addr)
}

func (s *Section) HasAddress() bool {
	return s.address.IsSet()
}

// Address returns the virtual address assigned by layout.
func (s *Section) Address() (uint64, error) {
	return s.address.Resolve("address of section " + s.name)
}

func (s *Section) SetOffset(off uint64) {
	s.offset.Set(off)
}

func (s *Section) HasOffset() bool {
	return s.offset.IsSet()
}

// Offset returns the file offset assigned by layout.
func (s *Section) Offset() (uint64, error) {
	return s.offset.Resolve("offset of section " + s.name)
}

// FileEnd returns the offset of the first byte after the section.
func (s *Section) FileEnd() (uint64, error) {
	off, err := s.Offset()
	if err != nil {
		return 0, err
	}
	return off + s.FileSize(), nil
}

func (s *Section) info() (uint32, error) {
	if s.InfoFunc != nil {
		return s.InfoFunc()
	}
	return s.Info, nil
}

func (s *Section) String() string {
	return s.name
}

// SectionList is the ordered list of output sections. The order is the
// order of the sections in the file.
type SectionList struct {
	sections []*Section
	byName   map[string]int
}

func NewSectionList() *SectionList {
	return &SectionList{byName: make(map[string]int)}
}

// Add appends a section. Names are unique.
func (l *SectionList) Add(s *Section) error {
	if _, ok := l.byName[s.name]; ok {
		return fmt.Errorf("section %q already exists", s.name)
	}
	l.byName[s.name] = len(l.sections)
	l.sections = append(l.sections, s)
	return nil
}

// Find returns the section called name.
func (l *SectionList) Find(name string) (*Section, bool) {
	i, ok := l.byName[name]
	if !ok {
		return nil, false
	}
	return l.sections[i], true
}

// IndexOf returns the position of the section called name in the list.
func (l *SectionList) IndexOf(name string) (int, bool) {
	i, ok := l.byName[name]
	return i, ok
}

// Sections returns the sections in file order.
func (l *SectionList) Sections() []*Section {
	return l.sections
}

func (l *SectionList) Len() int {
	return len(l.sections)
}
