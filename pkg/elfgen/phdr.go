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

// SegmentInfo describes one program header and the sections it covers.
type SegmentInfo struct {
	Type      elf.ProgType
	Flags     elf.ProgFlag
	Alignment uint64
	// AdditionalMemSize is added to p_memsz after the last section.
	AdditionalMemSize uint64
	// Contains lists the sections in address order.
	Contains []*Section
}

// NewSegmentInfo creates a segment.
func NewSegmentInfo(typ elf.ProgType, flags elf.ProgFlag, alignment uint64) *SegmentInfo {
	return &SegmentInfo{Type: typ, Flags: flags, Alignment: alignment}
}

// AddContains appends sections to the segment.
func (s *SegmentInfo) AddContains(secs ...*Section) {
	s.Contains = append(s.Contains, secs...)
}

func (s *SegmentInfo) alignment() uint64 {
	if s.Alignment == 0 {
		return 1
	}
	return s.Alignment
}

// Bounds returns the file and memory extent of the segment.
func (s *SegmentInfo) Bounds() (off, filesz, vaddr, memsz uint64, err error) {
	if len(s.Contains) == 0 {
		return 0, 0, 0, s.AdditionalMemSize, nil
	}
	first := s.Contains[0]
	if off, err = first.Offset(); err != nil {
		return 0, 0, 0, 0, err
	}
	if vaddr, err = first.Address(); err != nil {
		return 0, 0, 0, 0, err
	}
	fileEnd, memEnd := off, vaddr
	for _, sec := range s.Contains {
		end, err := sec.FileEnd()
		if err != nil {
			return 0, 0, 0, 0, err
		}
		fileEnd = max(fileEnd, end)
		addr, err := sec.Address()
		if err != nil {
			return 0, 0, 0, 0, err
		}
		memEnd = max(memEnd, addr+sec.MemSize())
	}
	return off, fileEnd - off, vaddr, memEnd - vaddr + s.AdditionalMemSize, nil
}

type segmentEntry struct {
	seg    *SegmentInfo
	pinned bool
	addr   uint64
}

// PhdrTableContent is the program header table.
type PhdrTableContent struct {
	enc     Encoding
	entries []*segmentEntry
	rows    *deferred.List[*deferred.Row[Phdr]]
}

var _ deferred.Value = (*PhdrTableContent)(nil)

func NewPhdrTableContent(enc Encoding) *PhdrTableContent {
	return &PhdrTableContent{
		enc:  enc,
		rows: deferred.NewList[*deferred.Row[Phdr]](),
	}
}

// Add registers a segment whose address is chosen by AssignAddresses.
func (t *PhdrTableContent) Add(seg *SegmentInfo) error {
	return t.add(&segmentEntry{seg: seg})
}

// AddAt registers a segment pinned at addr.
func (t *PhdrTableContent) AddAt(seg *SegmentInfo, addr uint64) error {
	return t.add(&segmentEntry{seg: seg, pinned: true, addr: addr})
}

func (t *PhdrTableContent) add(e *segmentEntry) error {
	for _, other := range t.entries {
		if other.seg == e.seg {
			return fmt.Errorf("segment %v already registered", e.seg.Type)
		}
	}
	seg := e.seg
	row := deferred.NewRow(Phdr{
		Type:  uint32(seg.Type),
		Flags: uint32(seg.Flags),
		Align: seg.Alignment,
	}, t.enc.PhdrSize(), t.enc.encodePhdr)
	row.AddFunction(func(p *Phdr) error {
		off, filesz, vaddr, memsz, err := seg.Bounds()
		if err != nil {
			return fmt.Errorf("segment %v: %w", seg.Type, err)
		}
		p.Off = off
		p.Vaddr = vaddr
		p.Paddr = vaddr
		p.Filesz = filesz
		p.Memsz = memsz
		return nil
	})
	if err := t.rows.Add(row); err != nil {
		return err
	}
	t.entries = append(t.entries, e)
	return nil
}

// Segments returns the registered segments in table order.
func (t *PhdrTableContent) Segments() []*SegmentInfo {
	segs := make([]*SegmentInfo, 0, len(t.entries))
	for _, e := range t.entries {
		segs = append(segs, e.seg)
	}
	return segs
}

// AssignAddressesToSections places the sections of seg one after another
// starting at addr. Each section starts at the first address at or after
// the end of its predecessor that satisfies its own alignment. Sections
// that already have an address keep it if it does not overlap their
// predecessor.
func (t *PhdrTableContent) AssignAddressesToSections(seg *SegmentInfo, addr uint64) error {
	const op = "AssignAddressesToSections"

	cursor := addr
	for _, sec := range seg.Contains {
		if seg.Alignment != 0 && sec.Alignment() > seg.Alignment {
			return deferred.Layoutf(op, "section %s alignment %#x exceeds segment alignment %#x",
				sec.Name(), sec.Alignment(), seg.Alignment)
		}
		next := alignUp(cursor, sec.Alignment())
		if sec.HasAddress() {
			have, _ := sec.Address()
			if have < next || have%sec.Alignment() != 0 {
				return deferred.Layoutf(op, "section %s placed at %#x, segment %v needs it at or after %#x",
					sec.Name(), have, seg.Type, next)
			}
			next = have
		} else {
			sec.SetAddress(next)
		}
		cursor = next + sec.MemSize()
	}
	return nil
}

// AssignAddresses assigns addresses to every section of every segment.
// Pinned segments are placed first. Every other PT_LOAD segment is placed
// at the same distance from its file offset as the first pinned segment,
// moved up by whole alignments past the loaded memory so far, so that
// p_vaddr and p_offset stay congruent. Remaining segments reuse the
// addresses of their sections.
func (t *PhdrTableContent) AssignAddresses() error {
	const op = "AssignAddresses"

	var (
		bias    int64
		hasBias bool
		memEnd  uint64
	)
	for _, e := range t.entries {
		if !e.pinned {
			continue
		}
		if err := t.AssignAddressesToSections(e.seg, e.addr); err != nil {
			return err
		}
		_, _, vaddr, memsz, err := e.seg.Bounds()
		if err != nil {
			return err
		}
		memEnd = max(memEnd, vaddr+memsz)
		if !hasBias && len(e.seg.Contains) > 0 {
			off, err := e.seg.Contains[0].Offset()
			if err != nil {
				return err
			}
			bias = int64(e.addr) - int64(off)
			hasBias = true
		}
	}

	for _, e := range t.entries {
		if e.pinned || e.seg.Type != elf.PT_LOAD || len(e.seg.Contains) == 0 {
			continue
		}
		off, err := e.seg.Contains[0].Offset()
		if err != nil {
			return err
		}
		if int64(off)+bias < 0 {
			return deferred.Layoutf(op, "segment at offset %#x would start below address zero", off)
		}
		addr := uint64(int64(off) + bias)
		if addr < memEnd {
			addr += alignUp(memEnd-addr, e.seg.alignment())
		}
		e.addr = addr
		if err := t.AssignAddressesToSections(e.seg, addr); err != nil {
			return err
		}
		_, _, vaddr, memsz, err := e.seg.Bounds()
		if err != nil {
			return err
		}
		memEnd = max(memEnd, vaddr+memsz)
	}

	for _, e := range t.entries {
		if e.pinned || e.seg.Type == elf.PT_LOAD {
			continue
		}
		for _, sec := range e.seg.Contains {
			if !sec.HasAddress() {
				return deferred.Layoutf(op, "section %s of segment %v is not in a loadable segment",
					sec.Name(), e.seg.Type)
			}
		}
	}
	return nil
}

// Validate checks the placement of every segment: sections do not overlap
// and are aligned, loadable segments do not overlap each other and keep
// p_vaddr congruent to p_offset modulo p_align.
func (t *PhdrTableContent) Validate() error {
	const op = "Validate"

	type span struct{ start, end uint64 }
	var loads []span
	for _, e := range t.entries {
		seg := e.seg
		var prevEnd uint64
		for i, sec := range seg.Contains {
			addr, err := sec.Address()
			if err != nil {
				return err
			}
			if addr%sec.Alignment() != 0 {
				return deferred.Layoutf(op, "section %s at %#x is not aligned to %#x", sec.Name(), addr, sec.Alignment())
			}
			if i > 0 && addr < prevEnd {
				return deferred.Layoutf(op, "section %s at %#x overlaps its predecessor ending at %#x", sec.Name(), addr, prevEnd)
			}
			prevEnd = addr + sec.MemSize()
		}
		if seg.Type != elf.PT_LOAD || len(seg.Contains) == 0 {
			continue
		}
		off, _, vaddr, memsz, err := seg.Bounds()
		if err != nil {
			return err
		}
		if vaddr%seg.alignment() != off%seg.alignment() {
			return deferred.Layoutf(op, "segment at %#x is not congruent to its offset %#x modulo %#x", vaddr, off, seg.alignment())
		}
		for _, other := range loads {
			if vaddr < other.end && other.start < vaddr+memsz {
				return deferred.Layoutf(op, "segment [%#x, %#x) overlaps segment [%#x, %#x)", vaddr, vaddr+memsz, other.start, other.end)
			}
		}
		loads = append(loads, span{vaddr, vaddr + memsz})
	}
	return nil
}

func (t *PhdrTableContent) Len() int {
	return t.rows.Len()
}

func (t *PhdrTableContent) Size() uint64 {
	return t.rows.Size()
}

func (t *PhdrTableContent) WriteTo(w io.Writer) (int64, error) {
	return t.rows.WriteTo(w)
}
