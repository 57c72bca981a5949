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
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/elfgen/pkg/chunk"
	"github.com/parca-dev/elfgen/pkg/deferred"
	"github.com/parca-dev/elfgen/pkg/symbol"
)

func testEncoding(t *testing.T) Encoding {
	t.Helper()

	enc, err := NewEncoding(elf.ELFCLASS64, binary.LittleEndian, elf.EM_X86_64)
	require.NoError(t, err)
	return enc
}

func bytesSection(name string, typ elf.SectionType, flags elf.SectionFlag, size int) *Section {
	return NewSection(name, typ, flags, deferred.NewBytes(make([]byte, size)))
}

func keyNames(keys []SymbolInTable) []string {
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		if k.Symbol == nil {
			names = append(names, "NULL")
			continue
		}
		names = append(names, k.Symbol.Name)
	}
	return names
}

func TestNewEncoding(t *testing.T) {
	tests := []struct {
		name    string
		class   elf.Class
		order   binary.ByteOrder
		machine elf.Machine
		wantErr bool
	}{
		{name: "x86_64", class: elf.ELFCLASS64, order: binary.LittleEndian, machine: elf.EM_X86_64},
		{name: "aarch64", class: elf.ELFCLASS64, order: binary.LittleEndian, machine: elf.EM_AARCH64},
		{name: "i386", class: elf.ELFCLASS32, order: binary.LittleEndian, machine: elf.EM_386},
		{name: "no class", class: elf.ELFCLASSNONE, order: binary.LittleEndian, machine: elf.EM_X86_64, wantErr: true},
		{name: "no byte order", class: elf.ELFCLASS64, machine: elf.EM_X86_64, wantErr: true},
		{name: "unknown machine", class: elf.ELFCLASS64, order: binary.LittleEndian, machine: elf.EM_MIPS, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEncoding(tt.class, tt.order, tt.machine)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEncoding_RowSizes(t *testing.T) {
	enc64 := testEncoding(t)
	enc32, err := NewEncoding(elf.ELFCLASS32, binary.LittleEndian, elf.EM_386)
	require.NoError(t, err)

	for _, tc := range []struct {
		enc  Encoding
		want []uint64
	}{
		{enc: enc64, want: []uint64{64, 56, 64, 24, 24, 16, 8}},
		{enc: enc32, want: []uint64{52, 32, 40, 16, 12, 8, 4}},
	} {
		got := []uint64{
			tc.enc.EhdrSize(), tc.enc.PhdrSize(), tc.enc.ShdrSize(),
			tc.enc.SymSize(), tc.enc.RelaSize(), tc.enc.DynSize(), tc.enc.PtrSize(),
		}
		require.Equal(t, tc.want, got, tc.enc.Class.String())

		// Encoders must produce exactly the declared row sizes.
		var buf bytes.Buffer
		require.NoError(t, tc.enc.encodeSym(&buf, &Sym{}))
		require.NoError(t, tc.enc.encodeRela(&buf, &Rela{}))
		require.NoError(t, tc.enc.encodeShdr(&buf, &Shdr{}))
		require.NoError(t, tc.enc.encodePhdr(&buf, &Phdr{}))
		require.NoError(t, tc.enc.encodeDyn(&buf, &Dyn{}))
		require.Equal(t, int(tc.enc.SymSize()+tc.enc.RelaSize()+tc.enc.ShdrSize()+tc.enc.PhdrSize()+tc.enc.DynSize()), buf.Len())
	}
}

func TestEncoding_Class32Overflow(t *testing.T) {
	enc32, err := NewEncoding(elf.ELFCLASS32, binary.LittleEndian, elf.EM_386)
	require.NoError(t, err)

	tests := []struct {
		name   string
		encode func(w *bytes.Buffer) error
		want   string
	}{
		{
			name:   "symbol value",
			encode: func(w *bytes.Buffer) error { return enc32.encodeSym(w, &Sym{Value: 0x100000000}) },
			want:   "symbol value 0x100000000",
		},
		{
			name:   "relocation offset",
			encode: func(w *bytes.Buffer) error { return enc32.encodeRela(w, &Rela{Off: 0x100000000}) },
			want:   "relocation offset 0x100000000",
		},
		{
			name:   "relocation addend",
			encode: func(w *bytes.Buffer) error { return enc32.encodeRela(w, &Rela{Addend: 1 << 31}) },
			want:   "relocation addend 2147483648",
		},
		{
			name:   "section address",
			encode: func(w *bytes.Buffer) error { return enc32.encodeShdr(w, &Shdr{Addr: 0x100001000}) },
			want:   "section header address 0x100001000",
		},
		{
			name:   "segment vaddr",
			encode: func(w *bytes.Buffer) error { return enc32.encodePhdr(w, &Phdr{Vaddr: 0x100000000}) },
			want:   "program header vaddr 0x100000000",
		},
		{
			name:   "dynamic value",
			encode: func(w *bytes.Buffer) error { return enc32.encodeDyn(w, &Dyn{Tag: int64(elf.DT_STRTAB), Val: 0x100000000}) },
			want:   "dynamic entry value 0x100000000",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := tt.encode(&buf)
			var layoutErr *deferred.LayoutError
			require.ErrorAs(t, err, &layoutErr)
			require.ErrorContains(t, err, tt.want)
			require.Zero(t, buf.Len(), "nothing is written for a row that does not fit")
		})
	}

	// The same rows fit ELFCLASS64.
	var buf bytes.Buffer
	require.NoError(t, testEncoding(t).encodeSym(&buf, &Sym{Value: 0x100000000}))
	require.NoError(t, testEncoding(t).encodePhdr(&buf, &Phdr{Vaddr: 0x100000000}))
}

func TestElfHeaderContent_Class32EntryOverflow(t *testing.T) {
	enc32, err := NewEncoding(elf.ELFCLASS32, binary.LittleEndian, elf.EM_386)
	require.NoError(t, err)

	h := NewElfHeaderContent(enc32, elf.ET_EXEC)
	h.SetEntry(func() (uint64, error) { return 0x100001000, nil })
	_, err = h.WriteTo(&bytes.Buffer{})
	var layoutErr *deferred.LayoutError
	require.ErrorAs(t, err, &layoutErr)
}

func TestInitArraySectionContent_Class32Overflow(t *testing.T) {
	enc32, err := NewEncoding(elf.ELFCLASS32, binary.LittleEndian, elf.EM_386)
	require.NoError(t, err)

	a := NewInitArraySectionContent(enc32)
	require.NoError(t, a.AddPointer(func() (uint64, error) { return 0x100001000, nil }))
	_, err = a.WriteTo(&bytes.Buffer{})
	var layoutErr *deferred.LayoutError
	require.ErrorAs(t, err, &layoutErr)
}

func TestSymbolTableContent_Order(t *testing.T) {
	enc := testEncoding(t)
	st := NewSymbolTableContent(enc, deferred.NewStringList(), nil)

	s1 := symbol.New(".text", elf.STB_LOCAL, elf.STT_SECTION)
	sym1 := symbol.New("local_fn", elf.STB_LOCAL, elf.STT_FUNC)
	sym2 := symbol.New("puts", elf.STB_GLOBAL, elf.STT_FUNC)
	sym3 := symbol.New("main", elf.STB_GLOBAL, elf.STT_FUNC)

	require.NoError(t, st.AddNullSymbol())
	require.NoError(t, st.AddSectionSymbol(s1))
	require.NoError(t, st.AddSymbol(chunk.NewFunction(sym1, 0x10), sym1))
	require.NoError(t, st.AddUndefinedSymbol(sym2))
	require.NoError(t, st.AddSymbol(chunk.NewFunction(sym3, 0x20), sym3))

	if diff := cmp.Diff([]string{"NULL", ".text", "local_fn", "puts", "main"}, keyNames(st.Keys())); diff != "" {
		t.Errorf("symbol order mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 4, st.FirstGlobalIndex())

	i, err := st.IndexOfSymbol(sym3)
	require.NoError(t, err)
	require.Equal(t, 4, i)
	i, err = st.IndexOfName("puts@GLIBC_2.2.5")
	require.NoError(t, err)
	require.Equal(t, 3, i)

	sections := NewSectionList()
	require.NoError(t, sections.Add(bytesSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC, 1)))
	i, err = st.IndexOfSectionSymbol(".text", sections)
	require.NoError(t, err)
	require.Equal(t, 1, i)
	_, err = st.IndexOfSectionSymbol(".data", sections)
	require.Error(t, err)
}

func TestSymbolTableContent_ReverseInsertion(t *testing.T) {
	enc := testEncoding(t)
	st := NewSymbolTableContent(enc, deferred.NewStringList(), nil)

	g := symbol.New("g", elf.STB_GLOBAL, elf.STT_OBJECT)
	u := symbol.New("u", elf.STB_GLOBAL, elf.STT_FUNC)
	l := symbol.New("l", elf.STB_LOCAL, elf.STT_FUNC)
	s := symbol.New(".data", elf.STB_LOCAL, elf.STT_SECTION)

	require.NoError(t, st.AddSymbol(nil, g))
	require.NoError(t, st.AddUndefinedSymbol(u))
	require.NoError(t, st.AddSymbol(nil, l))
	require.NoError(t, st.AddSectionSymbol(s))
	require.NoError(t, st.AddNullSymbol())

	require.Equal(t, []string{"NULL", ".data", "l", "u", "g"}, keyNames(st.Keys()))
	require.Equal(t, 4, st.FirstGlobalIndex())
}

func TestSymbolTableContent_OrderProperty(t *testing.T) {
	enc := testEncoding(t)
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		st := NewSymbolTableContent(enc, deferred.NewStringList(), nil)
		require.NoError(t, st.AddNullSymbol())

		globals := 0
		for n := 0; n < 50; n++ {
			name := string(rune('a'+n%26)) + string(rune('a'+n/26))
			switch rng.Intn(4) {
			case 0:
				require.NoError(t, st.AddSectionSymbol(symbol.New(name, elf.STB_LOCAL, elf.STT_SECTION)))
			case 1:
				require.NoError(t, st.AddSymbol(nil, symbol.New(name, elf.STB_LOCAL, elf.STT_FUNC)))
			case 2:
				require.NoError(t, st.AddUndefinedSymbol(symbol.New(name, elf.STB_GLOBAL, elf.STT_FUNC)))
			case 3:
				require.NoError(t, st.AddSymbol(nil, symbol.New(name, elf.STB_GLOBAL, elf.STT_FUNC)))
				globals++
			}
		}

		keys := st.Keys()
		for i := 1; i < len(keys); i++ {
			require.LessOrEqual(t, keys[i-1].Kind, keys[i].Kind)
		}
		require.Equal(t, len(keys)-globals, st.FirstGlobalIndex())
		for i, k := range keys {
			require.Equal(t, k.Kind == SymbolGlobal, i >= st.FirstGlobalIndex())
		}
	}
}

func TestSymbolTableContent_Duplicate(t *testing.T) {
	st := NewSymbolTableContent(testEncoding(t), deferred.NewStringList(), nil)
	sym := symbol.New("f", elf.STB_GLOBAL, elf.STT_FUNC)
	require.NoError(t, st.AddSymbol(nil, sym))

	var dup *deferred.DuplicateKeyError
	require.ErrorAs(t, st.AddSymbol(nil, sym), &dup)
	require.NoError(t, st.AddNullSymbol())
	require.ErrorAs(t, st.AddNullSymbol(), &dup)
}

func TestSymbolTableContent_WriteTo(t *testing.T) {
	enc := testEncoding(t)
	strtab := deferred.NewStringList()
	shdrs := NewShdrTableContent(enc, deferred.NewStringList())
	require.NoError(t, shdrs.AddNullHeader())

	text := bytesSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x40)
	text.SetAddress(0x401000)
	text.SetOffset(0x1000)
	require.NoError(t, shdrs.Add(text))

	sym1 := symbol.New("local_fn", elf.STB_LOCAL, elf.STT_FUNC)
	f1 := chunk.NewFunction(sym1, 0x10)
	sym2 := symbol.New("puts", elf.STB_GLOBAL, elf.STT_FUNC)
	sym3 := symbol.New("main", elf.STB_GLOBAL, elf.STT_FUNC)
	f2 := chunk.NewFunction(sym3, 0x20)

	st := NewSymbolTableContent(enc, strtab, shdrs)
	require.NoError(t, st.AddNullSymbol())
	require.NoError(t, st.AddSectionSymbol(symbol.New(".text", elf.STB_LOCAL, elf.STT_SECTION)))
	require.NoError(t, st.AddSymbol(f1, sym1))
	require.NoError(t, st.AddUndefinedSymbol(sym2))
	require.NoError(t, st.AddSymbol(f2, sym3))

	// Addresses are only read when the table is written.
	f1.Position.Set(0x401000)
	f2.Position.Set(0x401010)

	var buf bytes.Buffer
	n, err := st.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(st.Size()), n)

	rows := make([]elf.Sym64, 5)
	require.NoError(t, binary.Read(&buf, binary.LittleEndian, rows))

	require.Equal(t, elf.Sym64{}, rows[0])
	require.Equal(t, elf.ST_INFO(elf.STB_LOCAL, elf.STT_SECTION), rows[1].Info)
	require.Equal(t, uint16(1), rows[1].Shndx)
	require.Equal(t, uint64(0x401000), rows[2].Value)
	require.Equal(t, uint64(0x10), rows[2].Size)
	require.Equal(t, uint16(1), rows[2].Shndx)
	require.Equal(t, uint16(elf.SHN_UNDEF), rows[3].Shndx)
	require.Equal(t, elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), rows[3].Info)
	require.Equal(t, uint64(0x401010), rows[4].Value)

	off, ok := strtab.Offset("main")
	require.True(t, ok)
	require.Equal(t, off, rows[4].Name)

	_, err = st.WriteTo(&buf)
	require.ErrorIs(t, err, deferred.ErrAlreadySerialized)
}

func TestSymbolTableContent_UnresolvedFunction(t *testing.T) {
	st := NewSymbolTableContent(testEncoding(t), deferred.NewStringList(), nil)
	sym := symbol.New("main", elf.STB_GLOBAL, elf.STT_FUNC)
	require.NoError(t, st.AddSymbol(chunk.NewFunction(sym, 1), sym))

	var buf bytes.Buffer
	_, err := st.WriteTo(&buf)
	var unresolved *chunk.UnresolvedReferenceError
	require.ErrorAs(t, err, &unresolved)
}

func TestPhdrTableContent_AssignAddressesToSections(t *testing.T) {
	tests := []struct {
		name      string
		sizes     []int
		aligns    []uint64
		segAlign  uint64
		start     uint64
		wantAddrs []uint64
		wantErr   bool
	}{
		{
			name:      "consecutive",
			sizes:     []int{0x10, 0x20},
			aligns:    []uint64{1, 1},
			segAlign:  0x1000,
			start:     0x400000,
			wantAddrs: []uint64{0x400000, 0x400010},
		},
		{
			name:      "rounded up to section alignment",
			sizes:     []int{0x3, 0x20, 0x1},
			aligns:    []uint64{1, 0x10, 0x8},
			segAlign:  0x1000,
			start:     0x400000,
			wantAddrs: []uint64{0x400000, 0x400010, 0x400030},
		},
		{
			name:     "section alignment exceeds segment alignment",
			sizes:    []int{0x10},
			aligns:   []uint64{0x2000},
			segAlign: 0x1000,
			start:    0x400000,
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPhdrTableContent(testEncoding(t))
			seg := NewSegmentInfo(elf.PT_LOAD, elf.PF_R|elf.PF_X, tt.segAlign)
			var secs []*Section
			for i, size := range tt.sizes {
				sec := bytesSection(string(rune('a'+i)), elf.SHT_PROGBITS, elf.SHF_ALLOC, size)
				sec.Addralign = tt.aligns[i]
				secs = append(secs, sec)
			}
			seg.AddContains(secs...)

			err := p.AssignAddressesToSections(seg, tt.start)
			if tt.wantErr {
				var layoutErr *deferred.LayoutError
				require.ErrorAs(t, err, &layoutErr)
				return
			}
			require.NoError(t, err)

			for i, sec := range secs {
				addr, err := sec.Address()
				require.NoError(t, err)
				require.Equal(t, tt.wantAddrs[i], addr)
				require.Zero(t, addr%sec.Alignment())
				if i > 0 {
					prev, _ := secs[i-1].Address()
					require.GreaterOrEqual(t, addr, prev+secs[i-1].MemSize())
				}
			}
		})
	}
}

func TestPhdrTableContent_EndOfSecondSection(t *testing.T) {
	p := NewPhdrTableContent(testEncoding(t))
	seg := NewSegmentInfo(elf.PT_LOAD, elf.PF_R, 0x1000)
	a := bytesSection(".a", elf.SHT_PROGBITS, elf.SHF_ALLOC, 0x10)
	b := bytesSection(".b", elf.SHT_PROGBITS, elf.SHF_ALLOC, 0x20)
	seg.AddContains(a, b)

	require.NoError(t, p.AssignAddressesToSections(seg, 0x400000))
	addr, err := b.Address()
	require.NoError(t, err)
	require.Equal(t, uint64(0x400010), addr)
	require.Equal(t, uint64(0x400030), addr+b.MemSize())
}

func TestPhdrTableContent_AssignAddresses(t *testing.T) {
	enc := testEncoding(t)

	text := bytesSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x100)
	text.SetOffset(0)
	data := bytesSection(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 0x40)
	data.SetOffset(0x200000)
	bss := NewNobitsSection(".bss", elf.SHF_ALLOC|elf.SHF_WRITE, 0x300000)
	bss.SetOffset(0x200040)
	dynamic := bytesSection(".dynamic", elf.SHT_DYNAMIC, elf.SHF_ALLOC|elf.SHF_WRITE, 0x10)
	dynamic.SetOffset(0x400000)
	dynamic.Addralign = 8

	rx := NewSegmentInfo(elf.PT_LOAD, elf.PF_R|elf.PF_X, PageSize)
	rx.AddContains(text)
	rw := NewSegmentInfo(elf.PT_LOAD, elf.PF_R|elf.PF_W, PageSize)
	rw.AddContains(data, bss)
	rw2 := NewSegmentInfo(elf.PT_LOAD, elf.PF_R|elf.PF_W, PageSize)
	rw2.AddContains(dynamic)
	dyn := NewSegmentInfo(elf.PT_DYNAMIC, elf.PF_R|elf.PF_W, 8)
	dyn.AddContains(dynamic)

	p := NewPhdrTableContent(enc)
	require.NoError(t, p.Add(dyn))
	require.NoError(t, p.AddAt(rx, 0x400000))
	require.NoError(t, p.Add(rw))
	require.NoError(t, p.Add(rw2))
	require.Error(t, p.Add(rw))

	require.NoError(t, p.AssignAddresses())
	require.NoError(t, p.Validate())

	for _, tc := range []struct {
		sec  *Section
		want uint64
	}{
		{text, 0x400000},
		{data, 0x600000},
		{bss, 0x600040},
		// .bss ends at 0x900040, bumped by whole pages to stay congruent.
		{dynamic, 0xa00000},
	} {
		addr, err := tc.sec.Address()
		require.NoError(t, err)
		require.Equal(t, tc.want, addr, tc.sec.Name())
	}

	off, filesz, vaddr, memsz, err := rw.Bounds()
	require.NoError(t, err)
	require.Equal(t, uint64(0x200000), off)
	require.Equal(t, uint64(0x40), filesz)
	require.Equal(t, uint64(0x600000), vaddr)
	require.Equal(t, uint64(0x300040), memsz)
}

func TestPhdrTableContent_Unplaced(t *testing.T) {
	p := NewPhdrTableContent(testEncoding(t))
	sec := bytesSection(".dynamic", elf.SHT_DYNAMIC, elf.SHF_ALLOC, 0x10)
	sec.SetOffset(0x1000)
	dyn := NewSegmentInfo(elf.PT_DYNAMIC, elf.PF_R, 8)
	dyn.AddContains(sec)
	require.NoError(t, p.Add(dyn))

	var layoutErr *deferred.LayoutError
	require.ErrorAs(t, p.AssignAddresses(), &layoutErr)
}

func TestPhdrTableContent_Validate(t *testing.T) {
	sec := bytesSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC, 0x10)
	sec.SetOffset(0)
	seg := NewSegmentInfo(elf.PT_LOAD, elf.PF_R, 0x1000)
	seg.AddContains(sec)

	p := NewPhdrTableContent(testEncoding(t))
	require.NoError(t, p.AddAt(seg, 0x400100))
	require.NoError(t, p.AssignAddresses())

	var layoutErr *deferred.LayoutError
	require.ErrorAs(t, p.Validate(), &layoutErr)
	require.Contains(t, layoutErr.Error(), "congruent")
}

func TestPagePaddingContent(t *testing.T) {
	tests := []struct {
		name     string
		prevOff  uint64
		prevSize int
		desired  uint64
		want     uint64
		wantErr  bool
	}{
		{name: "up to desired offset", prevOff: 0x1000, prevSize: 0x50, desired: 0x200000, want: 0x1FEFB0},
		{name: "next page boundary", prevOff: 0x1000, prevSize: 0x50, want: 0x1FEFB0},
		{name: "desired offset rounded up", prevOff: 0x1000, prevSize: 0x50, desired: 0x200001, want: 0x3FEFB0},
		{name: "already on a boundary", prevOff: 0x1FFF00, prevSize: 0x100, want: 0},
		{name: "desired offset before previous end", prevOff: 0x1000, prevSize: 0x50, desired: 0x1000, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := bytesSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC, tt.prevSize)
			prev.SetOffset(tt.prevOff)

			p, err := NewPagePaddingContent(prev, tt.desired)
			if tt.wantErr {
				var layoutErr *deferred.LayoutError
				require.ErrorAs(t, err, &layoutErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, p.Size())

			var buf bytes.Buffer
			n, err := p.WriteTo(&buf)
			require.NoError(t, err)
			require.Equal(t, int64(tt.want), n)
			require.True(t, bytes.Equal(make([]byte, tt.want), buf.Bytes()))
		})
	}
}

func TestPagePaddingContent_Deferred(t *testing.T) {
	prev := bytesSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC, 0x10)
	p, err := NewPagePaddingContent(prev, 0)
	require.NoError(t, err)

	var unresolved *chunk.UnresolvedReferenceError
	require.ErrorAs(t, p.Measure(), &unresolved)

	prev.SetOffset(0x100)
	require.NoError(t, p.Measure())
	require.Equal(t, uint64(PageSize-0x110), p.Size())
}

// relocFixture is a small program: .text at 0x401000 referring to .data at
// 0x600000 and .rodata at 0x500000.
type relocFixture struct {
	enc      Encoding
	sections *SectionList
	symtab   *SymbolTableContent

	text, data, rodata *Section
	dataChunk          *chunk.DataSection
	rodataChunk        *chunk.DataSection
	puts               *symbol.Symbol
}

func newRelocFixture(t *testing.T) *relocFixture {
	t.Helper()

	enc := testEncoding(t)
	f := &relocFixture{
		enc:      enc,
		sections: NewSectionList(),
		text:     bytesSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x100),
		data:     bytesSection(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 0x40),
		rodata:   bytesSection(".rodata", elf.SHT_PROGBITS, elf.SHF_ALLOC, 0x40),
		puts:     symbol.New("puts", elf.STB_GLOBAL, elf.STT_FUNC),
	}
	f.text.SetAddress(0x401000)
	f.data.SetAddress(0x600000)
	f.rodata.SetAddress(0x500000)
	for _, sec := range []*Section{f.text, f.rodata, f.data} {
		require.NoError(t, f.sections.Add(sec))
	}
	f.dataChunk = &chunk.DataSection{SectionName: ".data", Size: 0x40}
	f.dataChunk.Position.Set(0x600000)
	f.rodataChunk = &chunk.DataSection{SectionName: ".rodata", Size: 0x40}
	f.rodataChunk.Position.Set(0x500000)

	f.symtab = NewSymbolTableContent(enc, deferred.NewStringList(), nil)
	require.NoError(t, f.symtab.AddNullSymbol())
	for _, name := range []string{".text", ".rodata", ".data"} {
		require.NoError(t, f.symtab.AddSectionSymbol(symbol.New(name, elf.STB_LOCAL, elf.STT_SECTION)))
	}
	require.NoError(t, f.symtab.AddUndefinedSymbol(f.puts))
	return f
}

func readRelas(t *testing.T, content deferred.Value) []elf.Rela64 {
	t.Helper()

	var buf bytes.Buffer
	n, err := content.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(content.Size()), n)

	rows := make([]elf.Rela64, n/24)
	require.NoError(t, binary.Read(&buf, binary.LittleEndian, rows))
	return rows
}

func instruction(addr, size, disp uint64) *chunk.Instruction {
	insn := &chunk.Instruction{Size: size, DispOffset: disp}
	insn.Position.Set(addr)
	return insn
}

func TestRelocSectionContent(t *testing.T) {
	f := newRelocFixture(t)
	r := NewRelocSectionContent(f.enc, f.text, f.symtab, f.sections)
	require.Equal(t, f.text, r.TargetSection())

	lea := instruction(0x401005, 7, 3)
	require.NoError(t, r.Add(lea, &chunk.DataOffsetLink{Section: f.dataChunk, Offset: 0x8}))

	call := instruction(0x401010, 5, 1)
	require.NoError(t, r.Add(call, &chunk.PLTLink{Trampoline: &chunk.PLTTrampoline{Target: f.puts}}))

	var dup *deferred.DuplicateKeyError
	require.ErrorAs(t, r.Add(instruction(0x401005, 5, 1), &chunk.PLTLink{Trampoline: &chunk.PLTTrampoline{Target: f.puts}}), &dup)
	require.Equal(t, "RelocSectionContent: duplicate key 0x401005", r.Add(lea, &chunk.DataOffsetLink{Section: f.dataChunk}).Error())

	var unsupported *UnsupportedLinkTypeError
	require.ErrorAs(t, r.Add(instruction(0x401020, 5, 1), &chunk.LoaderLink{Name: "puts"}), &unsupported)
	require.ErrorAs(t, r.Add(&chunk.DataVariable{Section: f.dataChunk}, &chunk.DataOffsetLink{Section: f.dataChunk}), &unsupported)
	require.Equal(t, map[string]int{"data_offset": 1, "plt": 1}, r.LinkKinds())

	rows := readRelas(t, r)
	require.Len(t, rows, 2)
	require.Equal(t, elf.Rela64{
		Off:    0x8,
		Info:   elf.R_INFO(3, uint32(elf.R_X86_64_PC32)),
		Addend: 0x8 - 4,
	}, rows[0])
	require.Equal(t, elf.Rela64{
		Off:    0x11,
		Info:   elf.R_INFO(4, uint32(elf.R_X86_64_PLT32)),
		Addend: -4,
	}, rows[1])
}

func TestDataRefRelocContent(t *testing.T) {
	f := newRelocFixture(t)
	r := NewDataRefRelocContent(f.enc, f.data, f.symtab, f.sections)

	v := &chunk.DataVariable{Section: f.dataChunk, Offset: 0x18}
	require.NoError(t, r.AddDataRef(v, &chunk.DataOffsetLink{Section: f.rodataChunk, Offset: 0x4}, f.rodata))

	var unsupported *UnsupportedLinkTypeError
	require.ErrorAs(t, r.AddDataRef(&chunk.DataVariable{Section: f.dataChunk, Offset: 0x20}, &chunk.LoaderLink{Name: "x"}, f.rodata), &unsupported)

	rows := readRelas(t, r)
	require.Equal(t, []elf.Rela64{{
		Off:    0x18,
		Info:   elf.R_INFO(2, uint32(elf.R_X86_64_64)),
		Addend: 0x4,
	}}, rows)
}

func TestDataRelocSectionContent(t *testing.T) {
	f := newRelocFixture(t)
	r := NewDataRelocSectionContent(f.enc, f.symtab)

	tls := &chunk.TLSRegion{Size: 0x20}
	tls.Position.Set(0x700000)
	errno := symbol.New("errno", elf.STB_GLOBAL, elf.STT_TLS)
	require.NoError(t, f.symtab.AddUndefinedSymbol(errno))

	slot := func(off uint64) *chunk.DataVariable {
		return &chunk.DataVariable{Section: f.dataChunk, Offset: off}
	}
	require.NoError(t, r.Add(slot(0x0), &chunk.LoaderLink{Name: "puts"}))
	require.NoError(t, r.Add(slot(0x8), &chunk.DataOffsetLink{Section: f.rodataChunk, Offset: 0x10}))
	require.NoError(t, r.Add(slot(0x10), &chunk.TLSDataOffsetLink{Region: tls, Offset: 0x8}))
	require.NoError(t, r.AddTLSOffsetRef(slot(0x18), &chunk.TLSDataOffsetLink{Symbol: errno}))

	var dup *deferred.DuplicateKeyError
	require.ErrorAs(t, r.Add(slot(0x8), &chunk.LoaderLink{Name: "puts"}), &dup)
	var unsupported *UnsupportedLinkTypeError
	require.ErrorAs(t, r.Add(slot(0x20), &chunk.PLTLink{Trampoline: &chunk.PLTTrampoline{Target: f.puts}}), &unsupported)
	require.ErrorAs(t, r.Add(slot(0x20), nil), &unsupported)

	rows := readRelas(t, r)
	want := []elf.Rela64{
		{Off: 0x600000, Info: elf.R_INFO(4, uint32(elf.R_X86_64_GLOB_DAT))},
		{Off: 0x600008, Info: elf.R_INFO(0, uint32(elf.R_X86_64_RELATIVE)), Addend: 0x500010},
		{Off: 0x600010, Info: elf.R_INFO(0, uint32(elf.R_X86_64_TPOFF64)), Addend: 0x8},
		{Off: 0x600018, Info: elf.R_INFO(5, uint32(elf.R_X86_64_TPOFF64))},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("relocations mismatch (-want +got):\n%s", diff)
	}
}

func TestDataRelocSectionContent_Errors(t *testing.T) {
	f := newRelocFixture(t)

	t.Run("unresolved source", func(t *testing.T) {
		r := NewDataRelocSectionContent(f.enc, f.symtab)
		unplaced := &chunk.DataSection{SectionName: ".data"}
		var unresolved *chunk.UnresolvedReferenceError
		require.ErrorAs(t, r.Add(&chunk.DataVariable{Section: unplaced}, &chunk.LoaderLink{Name: "puts"}), &unresolved)
	})

	t.Run("missing symbol", func(t *testing.T) {
		r := NewDataRelocSectionContent(f.enc, f.symtab)
		require.NoError(t, r.Add(&chunk.DataVariable{Section: f.dataChunk}, &chunk.LoaderLink{Name: "nope"}))
		var missing *MissingSymbolError
		_, err := r.WriteTo(&bytes.Buffer{})
		require.ErrorAs(t, err, &missing)
	})

	t.Run("tls offset out of region", func(t *testing.T) {
		r := NewDataRelocSectionContent(f.enc, f.symtab)
		tls := &chunk.TLSRegion{Size: 0x8}
		tls.Position.Set(0x700000)
		require.NoError(t, r.Add(&chunk.DataVariable{Section: f.dataChunk}, &chunk.TLSDataOffsetLink{Region: tls, Offset: 0x10}))
		_, err := r.WriteTo(&bytes.Buffer{})
		require.Error(t, err)
	})
}

func TestDynamicSectionContent(t *testing.T) {
	enc := testEncoding(t)
	d := NewDynamicSectionContent(enc)

	strtab := bytesSection(".dynstr", elf.SHT_STRTAB, elf.SHF_ALLOC, 0x10)
	want := []elf.Dyn64{
		{Tag: int64(elf.DT_NEEDED), Val: 1},
		{Tag: int64(elf.DT_STRTAB), Val: 0x4000},
		{Tag: int64(elf.DT_STRSZ), Val: 0x10},
		{Tag: int64(elf.DT_NULL), Val: 0},
	}
	require.NoError(t, d.AddPair(elf.DT_NEEDED, 1))
	require.NoError(t, d.AddPairFunc(elf.DT_STRTAB, strtab.Address))
	require.NoError(t, d.AddPairFunc(elf.DT_STRSZ, func() (uint64, error) { return strtab.Size(), nil }))
	require.NoError(t, d.AddPair(elf.DT_NULL, 0))
	require.Equal(t, uint64(len(want))*enc.DynSize(), d.Size())
	require.ErrorIs(t, d.AddPair(elf.DT_DEBUG, 0), deferred.ErrFrozen)

	strtab.SetAddress(0x4000)

	var buf bytes.Buffer
	_, err := d.WriteTo(&buf)
	require.NoError(t, err)

	got := make([]elf.Dyn64, len(want))
	require.NoError(t, binary.Read(&buf, binary.LittleEndian, got))
	require.Equal(t, want, got)
}

func TestDynamicSectionContent_ValueError(t *testing.T) {
	d := NewDynamicSectionContent(testEncoding(t))
	errBoom := errors.New("boom")
	require.NoError(t, d.AddPairFunc(elf.DT_INIT, func() (uint64, error) { return 0, errBoom }))

	_, err := d.WriteTo(&bytes.Buffer{})
	require.ErrorIs(t, err, errBoom)
}

func TestInitArraySectionContent(t *testing.T) {
	enc32, err := NewEncoding(elf.ELFCLASS32, binary.LittleEndian, elf.EM_386)
	require.NoError(t, err)

	for _, enc := range []Encoding{testEncoding(t), enc32} {
		t.Run(enc.Class.String(), func(t *testing.T) {
			a := NewInitArraySectionContent(enc)

			var calls []int
			for i := 0; i < 3; i++ {
				require.NoError(t, a.AddCallback(func() error {
					calls = append(calls, i)
					return nil
				}))
			}
			ptr := func(v uint64) func() (uint64, error) {
				return func() (uint64, error) {
					// Callbacks run before any pointer is computed.
					require.Len(t, calls, 3)
					return v, nil
				}
			}
			require.NoError(t, a.AddPointer(ptr(0x401000)))
			require.NoError(t, a.AddPointer(ptr(0x401100)))

			require.Equal(t, 2*enc.PtrSize(), a.Size())
			require.ErrorIs(t, a.AddPointer(ptr(0)), deferred.ErrFrozen)

			var buf bytes.Buffer
			n, err := a.WriteTo(&buf)
			require.NoError(t, err)
			require.Equal(t, int64(a.Size()), n)
			require.Equal(t, []int{0, 1, 2}, calls)

			if enc.PtrSize() == 8 {
				require.Equal(t, uint64(0x401100), binary.LittleEndian.Uint64(buf.Bytes()[8:]))
			} else {
				require.Equal(t, uint32(0x401100), binary.LittleEndian.Uint32(buf.Bytes()[4:]))
			}
		})
	}
}

func TestInitArraySectionContent_CallbackError(t *testing.T) {
	a := NewInitArraySectionContent(testEncoding(t))
	errBoom := errors.New("boom")
	require.NoError(t, a.AddCallback(func() error { return errBoom }))

	_, err := a.WriteTo(&bytes.Buffer{})
	require.ErrorIs(t, err, errBoom)
	require.ErrorIs(t, a.AddCallback(func() error { return nil }), deferred.ErrAlreadySerialized)
}
