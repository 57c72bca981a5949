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

package build

import (
	"debug/elf"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/elfgen/pkg/chunk"
	"github.com/parca-dev/elfgen/pkg/config"
	"github.com/parca-dev/elfgen/pkg/deferred"
	"github.com/parca-dev/elfgen/pkg/elfgen"
	"github.com/parca-dev/elfgen/pkg/resolve"
	"github.com/parca-dev/elfgen/pkg/symbol"
)

// dataSymbol is a symbol defined in a data section or in the TLS block.
type dataSymbol struct {
	sym     *symbol.Symbol
	section string
}

// generator holds the state of one Build call.
type generator struct {
	logger  log.Logger
	cfg     *config.Config
	enc     elfgen.Encoding
	img     *elfgen.Image
	strict  bool
	dynamic bool

	shstrtab *deferred.StringList
	strtab   *deferred.StringList
	dynstr   *deferred.StringList
	shdrs    *elfgen.ShdrTableContent
	symtab   *elfgen.SymbolTableContent
	dynsym   *elfgen.SymbolTableContent
	phdrs    *elfgen.PhdrTableContent
	header   *elfgen.ElfHeaderContent

	text        *elfgen.Section
	textContent *slotContent
	textAddr    uint64

	data        []*elfgen.Section
	dataContent map[string]*slotContent
	dataChunks  map[string]*chunk.DataSection
	dataSymbols []dataSymbol

	tdata *elfgen.Section

	initArray        *elfgen.Section
	initArrayContent *elfgen.InitArraySectionContent
	initArrayChunk   *chunk.DataSection

	dynamicSec     *elfgen.Section
	dynamicContent *elfgen.DynamicSectionContent
	dynsymSec      *elfgen.Section
	dynstrSec      *elfgen.Section
	relaDynSec     *elfgen.Section
	relaDyn        *elfgen.DataRelocSectionContent

	relaText *elfgen.RelocSectionContent
	dataRefs map[string]*elfgen.DataRefRelocContent

	module    *chunk.Module
	program   *chunk.Program
	functions map[string]*chunk.Function
	plts      map[string]*chunk.PLTTrampoline
	// out maps a defined symbol to its .symtab entry; nil when relabeling
	// dropped it.
	out map[*symbol.Symbol]*symbol.Symbol
}

func newGenerator(logger log.Logger, cfg *config.Config, enc elfgen.Encoding, img *elfgen.Image, strict bool) *generator {
	g := &generator{
		logger:  logger,
		cfg:     cfg,
		enc:     enc,
		img:     img,
		strict:  strict,
		dynamic: cfg.Interpreter != "" || len(cfg.Needed) > 0 || cfg.ELFType() == elf.ET_DYN,

		shstrtab: deferred.NewStringList(),
		strtab:   deferred.NewStringList(),
		dynstr:   deferred.NewStringList(),

		dataContent: make(map[string]*slotContent),
		dataChunks:  make(map[string]*chunk.DataSection),
		dataRefs:    make(map[string]*elfgen.DataRefRelocContent),
		functions:   make(map[string]*chunk.Function),
		plts:        make(map[string]*chunk.PLTTrampoline),
		out:         make(map[*symbol.Symbol]*symbol.Symbol),

		module: &chunk.Module{
			Name:    "main",
			Exports: symbol.NewList(),
		},
	}
	g.shdrs = elfgen.NewShdrTableContent(enc, g.shstrtab)
	g.symtab = elfgen.NewSymbolTableContent(enc, g.strtab, g.shdrs)
	g.dynsym = elfgen.NewSymbolTableContent(enc, g.dynstr, g.shdrs)
	g.phdrs = elfgen.NewPhdrTableContent(enc)
	g.header = elfgen.NewElfHeaderContent(enc, cfg.ELFType())
	g.relaDyn = elfgen.NewDataRelocSectionContent(enc, g.dynsym)
	g.program = &chunk.Program{Modules: []*chunk.Module{g.module}}
	return g
}

func definedSymbol(name string, bind elf.SymBind, typ elf.SymType, value, size uint64) *symbol.Symbol {
	sym := symbol.New(name, bind, typ)
	sym.Value = value
	sym.Size = size
	sym.SectionIndex = elf.SHN_ABS
	return sym
}

// declareFunctions places every function in .text. The section is pinned
// at textOffset, so function addresses are known from here on.
func (g *generator) declareFunctions() error {
	g.textAddr = g.cfg.BaseAddress + textOffset

	var code []byte
	align := uint64(16)
	for _, f := range g.cfg.Functions {
		a := max(f.Align, 1)
		align = max(align, a)
		off := alignUp(uint64(len(code)), a)
		code = append(code, make([]byte, off-uint64(len(code)))...)

		sym := definedSymbol(f.Name, config.SymBind(f.Bind), elf.STT_FUNC, g.textAddr+off, uint64(len(f.Code)))
		fn := chunk.NewFunction(sym, uint64(len(f.Code)))
		fn.Position.Set(g.textAddr + off)
		code = append(code, f.Code...)

		g.functions[f.Name] = fn
		g.module.Functions = append(g.module.Functions, fn)
		g.module.Exports.Add(sym)
	}

	g.textContent = newSlotContent(code, uint64(len(code)), g.enc.ByteOrder)
	g.text = elfgen.NewSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, g.textContent)
	g.text.Addralign = align
	g.text.SetOffset(textOffset)
	g.text.SetAddress(g.textAddr)
	return nil
}

// declareData creates the writable sections. The ones code or data can
// point into get their address now: they are the first sections of the
// writable segment, which starts at the configured data address.
func (g *generator) declareData() error {
	ptr := g.enc.PtrSize()
	order := g.enc.ByteOrder
	addr := g.cfg.DataAddress
	place := func(sec *elfgen.Section, size uint64) uint64 {
		addr = alignUp(addr, sec.Alignment())
		start := addr
		addr += size
		return start
	}

	for i := range g.cfg.Data {
		d := &g.cfg.Data[i]
		content := newSlotContent(d.Bytes, d.MemSize(), order)
		flags := elf.SHF_ALLOC
		if d.Writable {
			flags |= elf.SHF_WRITE
		}
		sec := elfgen.NewSection(d.Name, elf.SHT_PROGBITS, flags, content)
		sec.Addralign = max(d.Align, 1)
		if len(d.Pointers) > 0 {
			sec.Addralign = max(sec.Addralign, ptr)
		}
		start := place(sec, d.MemSize())
		sec.SetAddress(start)

		ds := &chunk.DataSection{SectionName: d.Name, Size: d.MemSize()}
		ds.Position.Set(start)

		g.data = append(g.data, sec)
		g.dataContent[d.Name] = content
		g.dataChunks[d.Name] = ds
		g.module.DataSections = append(g.module.DataSections, ds)

		for _, s := range d.Symbols {
			sym := definedSymbol(s.Name, config.SymBind(s.Bind), elf.STT_OBJECT, start+s.Offset, s.Size)
			g.module.Exports.Add(sym)
			g.dataSymbols = append(g.dataSymbols, dataSymbol{sym: sym, section: d.Name})
		}
	}

	if tls := g.cfg.TLS; tls != nil {
		template := make([]byte, tls.MemSize())
		copy(template, tls.Bytes)
		g.tdata = elfgen.NewSection(".tdata", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE|elf.SHF_TLS, deferred.NewBytes(template))
		g.tdata.Addralign = ptr
		place(g.tdata, tls.MemSize())

		g.module.TLS = &chunk.TLSRegion{Size: tls.MemSize()}
		for _, s := range tls.Symbols {
			sym := definedSymbol(s.Name, config.SymBind(s.Bind), elf.STT_TLS, s.Offset, s.Size)
			g.module.Exports.Add(sym)
			g.dataSymbols = append(g.dataSymbols, dataSymbol{sym: sym, section: ".tdata"})
		}
	}

	if n := uint64(len(g.cfg.InitArray)); n > 0 {
		g.initArrayContent = elfgen.NewInitArraySectionContent(g.enc)
		g.initArray = elfgen.NewSection(".init_array", elf.SHT_INIT_ARRAY, elf.SHF_ALLOC|elf.SHF_WRITE, g.initArrayContent)
		g.initArray.Addralign = ptr
		g.initArray.Entsize = ptr
		start := place(g.initArray, n*ptr)
		g.initArray.SetAddress(start)

		g.initArrayChunk = &chunk.DataSection{SectionName: ".init_array", Size: n * ptr}
		g.initArrayChunk.Position.Set(start)
	}
	return nil
}

// declareSections adds every section in file order: the read-only and
// executable part, padding up to the data address, the writable part and
// finally the sections that are not loaded.
func (g *generator) declareSections() error {
	ptr := g.enc.PtrSize()

	ehdr := elfgen.NewPseudoSection("elfheader", g.header)
	phdr := elfgen.NewPseudoSection("phdrtable", g.phdrs)
	phdr.Addralign = ptr
	g.header.SetProgramHeaders(phdr)
	g.img.SetProgramHeaders(g.phdrs)

	rx := []*elfgen.Section{ehdr, phdr}
	var interp *elfgen.Section
	if g.cfg.Interpreter != "" {
		interp = elfgen.NewSection(".interp", elf.SHT_PROGBITS, elf.SHF_ALLOC, deferred.NewBytes(append([]byte(g.cfg.Interpreter), 0)))
		rx = append(rx, interp)
	}
	var note *elfgen.Section
	if g.cfg.BuildID {
		note = elfgen.NewSection(".note.gnu.build-id", elf.SHT_NOTE, elf.SHF_ALLOC, deferred.NewBytes(buildIDNote(g.enc.ByteOrder, buildID(g.cfg))))
		note.Addralign = 4
		rx = append(rx, note)
	}
	rx = append(rx, g.text)

	if g.dynamic {
		g.dynsymSec = elfgen.NewSection(".dynsym", elf.SHT_DYNSYM, elf.SHF_ALLOC, g.dynsym)
		g.dynsymSec.Addralign = ptr
		g.dynsymSec.Entsize = g.enc.SymSize()
		g.dynsymSec.Link = ".dynstr"
		g.dynsymSec.InfoFunc = firstGlobal(g.dynsym)

		g.dynstrSec = elfgen.NewSection(".dynstr", elf.SHT_STRTAB, elf.SHF_ALLOC, g.dynstr)

		g.relaDynSec = elfgen.NewSection(".rela.dyn", elf.SHT_RELA, elf.SHF_ALLOC, g.relaDyn)
		g.relaDynSec.Addralign = ptr
		g.relaDynSec.Entsize = g.enc.RelaSize()
		g.relaDynSec.Link = ".dynsym"

		rx = append(rx, g.dynsymSec, g.dynstrSec, g.relaDynSec)
	}

	rw := append([]*elfgen.Section{}, g.data...)
	if g.tdata != nil {
		rw = append(rw, g.tdata)
	}
	if g.initArray != nil {
		rw = append(rw, g.initArray)
	}
	if g.dynamic {
		g.dynamicContent = elfgen.NewDynamicSectionContent(g.enc)
		g.dynamicSec = elfgen.NewSection(".dynamic", elf.SHT_DYNAMIC, elf.SHF_ALLOC|elf.SHF_WRITE, g.dynamicContent)
		g.dynamicSec.Addralign = ptr
		g.dynamicSec.Entsize = g.enc.DynSize()
		g.dynamicSec.Link = ".dynstr"
		rw = append(rw, g.dynamicSec)
	}
	if g.cfg.BSSSize > 0 {
		bss := elfgen.NewNobitsSection(".bss", elf.SHF_ALLOC|elf.SHF_WRITE, g.cfg.BSSSize)
		bss.Addralign = ptr
		rw = append(rw, bss)
	}

	for _, sec := range rx {
		if err := g.img.AddSection(sec); err != nil {
			return err
		}
	}
	if len(rw) > 0 {
		pad, err := elfgen.NewPagePaddingContent(rx[len(rx)-1], g.cfg.DataAddress-g.cfg.BaseAddress)
		if err != nil {
			return err
		}
		if err := g.img.AddSection(elfgen.NewPseudoSection("datapadding", pad)); err != nil {
			return err
		}
		for _, sec := range rw {
			if err := g.img.AddSection(sec); err != nil {
				return err
			}
		}
	}

	if err := g.declareNonAlloc(); err != nil {
		return err
	}

	if err := g.declareSegments(rx, rw, phdr, interp, note); err != nil {
		return err
	}

	if err := g.shdrs.AddNullHeader(); err != nil {
		return err
	}
	for _, sec := range g.img.Sections().Sections() {
		if !sec.HasHeader() {
			continue
		}
		if err := g.shdrs.Add(sec); err != nil {
			return err
		}
	}
	return nil
}

func (g *generator) declareNonAlloc() error {
	ptr := g.enc.PtrSize()
	var secs []*elfgen.Section

	if g.cfg.Comment != "" {
		data := append([]byte(g.cfg.Comment), 0)
		var content deferred.Value = deferred.NewBytes(data)
		flags := elf.SHF_MERGE | elf.SHF_STRINGS
		align := uint64(1)
		if g.cfg.CompressComment {
			c, err := deferred.NewCompressed(data, g.enc.Class, g.enc.ByteOrder, 1)
			if err != nil {
				return err
			}
			content = c
			flags |= elf.SHF_COMPRESSED
			align = ptr
		}
		sec := elfgen.NewSection(".comment", elf.SHT_PROGBITS, flags, content)
		sec.Entsize = 1
		sec.Addralign = align
		secs = append(secs, sec)
	}

	var refs int
	for _, f := range g.cfg.Functions {
		refs += len(f.Refs)
	}
	if refs > 0 {
		g.relaText = elfgen.NewRelocSectionContent(g.enc, g.text, g.symtab, g.img.Sections())
		secs = append(secs, g.relocSection(".rela.text", g.relaText, ".text"))
	}
	for i, d := range g.cfg.Data {
		if len(d.Pointers) == 0 {
			continue
		}
		content := elfgen.NewDataRefRelocContent(g.enc, g.data[i], g.symtab, g.img.Sections())
		g.dataRefs[d.Name] = content
		secs = append(secs, g.relocSection(".rela"+d.Name, content, d.Name))
	}

	symtab := elfgen.NewSection(".symtab", elf.SHT_SYMTAB, 0, g.symtab)
	symtab.Addralign = ptr
	symtab.Entsize = g.enc.SymSize()
	symtab.Link = ".strtab"
	symtab.InfoFunc = firstGlobal(g.symtab)

	strtab := elfgen.NewSection(".strtab", elf.SHT_STRTAB, 0, g.strtab)
	shstrtab := elfgen.NewSection(".shstrtab", elf.SHT_STRTAB, 0, g.shstrtab)
	shdr := elfgen.NewPseudoSection("shdrtable", g.shdrs)
	shdr.Addralign = ptr
	g.header.SetSectionHeaders(shdr, g.shdrs)

	secs = append(secs, symtab, strtab, shstrtab, shdr)
	for _, sec := range secs {
		if err := g.img.AddSection(sec); err != nil {
			return err
		}
	}
	return nil
}

func (g *generator) relocSection(name string, content deferred.Value, target string) *elfgen.Section {
	sec := elfgen.NewSection(name, elf.SHT_RELA, elf.SHF_INFO_LINK, content)
	sec.Addralign = g.enc.PtrSize()
	sec.Entsize = g.enc.RelaSize()
	sec.Link = ".symtab"
	sec.InfoFunc = func() (uint32, error) {
		i, ok := g.shdrs.IndexOfName(target)
		if !ok {
			return 0, fmt.Errorf("%s: no section %s", name, target)
		}
		return uint32(i), nil
	}
	return sec
}

func firstGlobal(t *elfgen.SymbolTableContent) func() (uint32, error) {
	return func() (uint32, error) {
		return uint32(t.FirstGlobalIndex()), nil
	}
}

func (g *generator) declareSegments(rx, rw []*elfgen.Section, phdr, interp, note *elfgen.Section) error {
	ptr := g.enc.PtrSize()
	var segs []*elfgen.SegmentInfo

	if g.dynamic {
		seg := elfgen.NewSegmentInfo(elf.PT_PHDR, elf.PF_R, ptr)
		seg.AddContains(phdr)
		segs = append(segs, seg)
	}
	if interp != nil {
		seg := elfgen.NewSegmentInfo(elf.PT_INTERP, elf.PF_R, 1)
		seg.AddContains(interp)
		segs = append(segs, seg)
	}
	if note != nil {
		seg := elfgen.NewSegmentInfo(elf.PT_NOTE, elf.PF_R, 4)
		seg.AddContains(note)
		segs = append(segs, seg)
	}
	for _, seg := range segs {
		if err := g.phdrs.Add(seg); err != nil {
			return err
		}
	}

	text := elfgen.NewSegmentInfo(elf.PT_LOAD, elf.PF_R|elf.PF_X, segmentAlign)
	text.AddContains(rx...)
	if err := g.phdrs.AddAt(text, g.cfg.BaseAddress); err != nil {
		return err
	}

	segs = segs[:0]
	if len(rw) > 0 {
		seg := elfgen.NewSegmentInfo(elf.PT_LOAD, elf.PF_R|elf.PF_W, segmentAlign)
		seg.AddContains(rw...)
		segs = append(segs, seg)
	}
	if g.dynamicSec != nil {
		seg := elfgen.NewSegmentInfo(elf.PT_DYNAMIC, elf.PF_R|elf.PF_W, ptr)
		seg.AddContains(g.dynamicSec)
		segs = append(segs, seg)
	}
	if g.tdata != nil {
		seg := elfgen.NewSegmentInfo(elf.PT_TLS, elf.PF_R, g.tdata.Alignment())
		seg.AddContains(g.tdata)
		segs = append(segs, seg)
	}
	segs = append(segs, elfgen.NewSegmentInfo(elf.PT_GNU_STACK, elf.PF_R|elf.PF_W, 0x10))
	for _, seg := range segs {
		if err := g.phdrs.Add(seg); err != nil {
			return err
		}
	}
	return nil
}

// addSymbols fills .symtab with the section symbols and every defined
// symbol that survives relabeling.
func (g *generator) addSymbols() error {
	if err := g.symtab.AddNullSymbol(); err != nil {
		return err
	}
	sections := []string{".text"}
	for _, d := range g.cfg.Data {
		sections = append(sections, d.Name)
	}
	if g.tdata != nil {
		sections = append(sections, ".tdata")
	}
	for _, name := range sections {
		if err := g.symtab.AddSectionSymbol(symbol.New(name, elf.STB_LOCAL, elf.STT_SECTION)); err != nil {
			return err
		}
	}

	for _, fn := range g.module.Functions {
		out := g.relabel(fn.Symbol, ".text")
		if out == nil {
			continue
		}
		if err := g.symtab.AddSymbol(fn, out); err != nil {
			return err
		}
	}
	for _, ds := range g.dataSymbols {
		out := g.relabel(ds.sym, ds.section)
		if out == nil {
			continue
		}
		if err := g.symtab.AddSymbolIn(ds.section, out); err != nil {
			return err
		}
	}

	if g.dynamic {
		return g.dynsym.AddNullSymbol()
	}
	return nil
}

// addCode records the relocation of every code reference and patches the
// displacements that are known after layout.
func (g *generator) addCode() error {
	for _, f := range g.cfg.Functions {
		fn := g.functions[f.Name]
		fnAddr, err := fn.Address()
		if err != nil {
			return err
		}
		for _, ref := range f.Refs {
			insnAddr := fnAddr + ref.Offset
			insn := &chunk.Instruction{Function: fn, Size: ref.Size, DispOffset: ref.Disp}
			insn.Position.Set(insnAddr)

			link, err := g.codeLink(ref)
			if err != nil {
				return fmt.Errorf("function %s: %w", f.Name, err)
			}
			insn.Link = link
			if err := g.relaText.Add(insn, link); err != nil {
				return err
			}
			if _, ok := link.(*chunk.PLTLink); ok {
				continue
			}

			end := insnAddr + ref.Size
			if err := g.textContent.addSlot(slot{
				offset: insnAddr + ref.Disp - g.textAddr,
				width:  4,
				signed: true,
				value: func() (uint64, error) {
					target, err := link.TargetAddress()
					if err != nil {
						return 0, err
					}
					return target - end, nil
				},
			}); err != nil {
				return fmt.Errorf("function %s: %w", f.Name, err)
			}
		}
	}
	return nil
}

func (g *generator) codeLink(ref config.CodeRef) (chunk.Link, error) {
	switch {
	case ref.Data != nil:
		return &chunk.DataOffsetLink{Section: g.dataChunks[ref.Data.Section], Offset: ref.Data.Offset}, nil
	case ref.PLT != "":
		tramp, ok := g.plts[ref.PLT]
		if !ok {
			tramp = &chunk.PLTTrampoline{Target: symbol.New(ref.PLT, elf.STB_GLOBAL, elf.STT_FUNC)}
			if err := g.symtab.AddUndefinedSymbol(tramp.Target); err != nil {
				return nil, err
			}
			g.plts[ref.PLT] = tramp
			g.module.PLTs = append(g.module.PLTs, tramp)
		}
		return &chunk.PLTLink{Trampoline: tramp}, nil
	default:
		fn, ok := g.functions[ref.Symbol]
		if !ok {
			return nil, fmt.Errorf("unknown function %s", ref.Symbol)
		}
		out := g.out[fn.Symbol]
		if out == nil {
			return nil, fmt.Errorf("symbol %s is referenced by code and cannot be dropped", ref.Symbol)
		}
		return &chunk.SymbolOnlyLink{Symbol: out, Target: &fn.Position}, nil
	}
}

// addDataReferences binds every pointer of the data sections and records
// the relocations that describe them.
func (g *generator) addDataReferences() error {
	ptr := g.enc.PtrSize()

	for _, d := range g.cfg.Data {
		ds := g.dataChunks[d.Name]
		for _, p := range d.Pointers {
			v := &chunk.DataVariable{Section: ds, Offset: p.Offset}
			r := &chunk.Reloc{Variable: v, Addend: p.Addend}
			switch {
			case p.Data != nil:
				link := &chunk.DataOffsetLink{Section: g.dataChunks[p.Data.Section], Offset: p.Data.Offset + uint64(p.Addend)}
				v.Link, r.Link = link, link
			case p.TLS:
				if !g.dynamic {
					return fmt.Errorf("%s: thread-local pointer to %s needs the dynamic loader", v.Name(), p.Symbol)
				}
				r.Symbol = symbol.New(p.Symbol, elf.STB_GLOBAL, elf.STT_TLS)
			default:
				r.Symbol = symbol.New(p.Symbol, elf.STB_GLOBAL, elf.STT_NOTYPE)
			}
			g.module.Relocs = append(g.module.Relocs, r)
		}
	}

	// Position independent images rebase their constructor table.
	if g.initArrayChunk != nil && g.cfg.ELFType() == elf.ET_DYN {
		for i, name := range g.cfg.InitArray {
			fn := g.functions[name]
			v := &chunk.DataVariable{Section: g.initArrayChunk, Offset: uint64(i) * ptr}
			link := &chunk.SymbolOnlyLink{Symbol: fn.Symbol, Target: &fn.Position}
			v.Link = link
			g.module.Relocs = append(g.module.Relocs, &chunk.Reloc{Variable: v, Link: link})
		}
	}

	if err := g.addLibraries(); err != nil {
		return err
	}

	var opts []resolve.Option
	if g.dynamic {
		opts = append(opts, resolve.WithSink(g.relaDyn))
	}
	if g.strict || !g.dynamic {
		opts = append(opts, resolve.WithStrict())
	}
	if err := resolve.NewRelocDataPass(g.logger, opts...).Run(g.program); err != nil {
		return err
	}

	imported := make(map[string]bool)
	importSymbol := func(sym *symbol.Symbol) error {
		if imported[sym.Name] {
			return nil
		}
		imported[sym.Name] = true
		return g.dynsym.AddUndefinedSymbol(sym)
	}
	for _, r := range g.module.Relocs {
		if r.Variable.Section == g.initArrayChunk {
			continue
		}
		switch l := r.Link.(type) {
		case *chunk.LoaderLink:
			if err := importSymbol(r.Symbol); err != nil {
				return err
			}
		case *chunk.TLSDataOffsetLink:
			if l.Region == nil {
				if err := importSymbol(l.Symbol); err != nil {
					return err
				}
			}
		case *chunk.DataOffsetLink, *chunk.SymbolOnlyLink:
			name := r.Variable.Section.SectionName
			if err := g.dataContent[name].addSlot(slot{
				offset: r.Variable.Offset,
				width:  ptr,
				value:  l.TargetAddress,
			}); err != nil {
				return fmt.Errorf("%s: %w", r.Variable.Name(), err)
			}
			target := g.sectionOf(l)
			if target == nil {
				continue
			}
			if err := g.dataRefs[name].AddDataRef(r.Variable, l, target); err != nil {
				return err
			}
		}
	}
	return nil
}

// addLibraries turns the configured libraries into modules references can
// resolve to.
func (g *generator) addLibraries() error {
	for _, l := range g.cfg.Libraries {
		m := &chunk.Module{
			Name:     l.Name,
			Internal: l.Internal,
			Base:     l.Base,
			Exports:  symbol.NewList(),
		}
		for _, e := range l.Exports {
			typ := elf.STT_NOTYPE
			if e.TLS {
				typ = elf.STT_TLS
				if m.TLS == nil {
					m.TLS = &chunk.TLSRegion{}
				}
			}
			m.Exports.Add(definedSymbol(e.Name, elf.STB_GLOBAL, typ, e.Value, e.Size))
		}
		g.program.Libraries = append(g.program.Libraries, m)
	}
	return nil
}

// sectionOf returns the section of the image a resolved link points into,
// nil when it points outside of the image.
func (g *generator) sectionOf(link chunk.Link) *elfgen.Section {
	if l, ok := link.(*chunk.DataOffsetLink); ok {
		sec, _ := g.img.Sections().Find(l.Section.SectionName)
		return sec
	}
	addr, err := link.TargetAddress()
	if err != nil {
		return nil
	}
	candidates := append([]*elfgen.Section{g.text}, g.data...)
	for _, sec := range candidates {
		start, err := sec.Address()
		if err != nil {
			continue
		}
		if addr >= start && addr < start+sec.MemSize() {
			return sec
		}
	}
	return nil
}

// addDynamic fills .dynamic and the names it refers to.
func (g *generator) addDynamic() error {
	if !g.dynamic {
		return nil
	}
	d := g.dynamicContent
	for _, name := range g.cfg.Needed {
		off, err := g.dynstr.Add(name)
		if err != nil {
			return err
		}
		if err := d.AddPair(elf.DT_NEEDED, uint64(off)); err != nil {
			return err
		}
	}

	size := func(sec *elfgen.Section) func() (uint64, error) {
		return func() (uint64, error) {
			return sec.Size(), nil
		}
	}
	pairs := []dynPair{
		{elf.DT_STRTAB, g.dynstrSec.Address},
		{elf.DT_SYMTAB, g.dynsymSec.Address},
		{elf.DT_STRSZ, size(g.dynstrSec)},
		{elf.DT_SYMENT, constant(g.enc.SymSize())},
		{elf.DT_RELA, g.relaDynSec.Address},
		{elf.DT_RELASZ, size(g.relaDynSec)},
		{elf.DT_RELAENT, constant(g.enc.RelaSize())},
	}
	if g.initArray != nil {
		pairs = append(pairs,
			dynPair{elf.DT_INIT_ARRAY, g.initArray.Address},
			dynPair{elf.DT_INIT_ARRAYSZ, size(g.initArray)},
		)
	}
	for _, p := range pairs {
		if err := d.AddPairFunc(p.tag, p.value); err != nil {
			return err
		}
	}
	if g.cfg.ELFType() == elf.ET_EXEC {
		if err := d.AddPair(elf.DT_DEBUG, 0); err != nil {
			return err
		}
	}
	return d.AddPair(elf.DT_NULL, 0)
}

type dynPair struct {
	tag   elf.DynTag
	value func() (uint64, error)
}

func constant(v uint64) func() (uint64, error) {
	return func() (uint64, error) {
		return v, nil
	}
}

// addInitArray fills the constructor table.
func (g *generator) addInitArray() error {
	if g.initArray == nil {
		return nil
	}
	for _, name := range g.cfg.InitArray {
		if err := g.initArrayContent.AddPointer(g.functions[name].Address); err != nil {
			return err
		}
	}
	return g.initArrayContent.AddCallback(func() error {
		start, err := g.text.Address()
		if err != nil {
			return err
		}
		end := start + g.text.Size()
		for _, name := range g.cfg.InitArray {
			addr, err := g.functions[name].Address()
			if err != nil {
				return err
			}
			if addr < start || addr >= end {
				return fmt.Errorf("constructor %s at %#x is outside of .text", name, addr)
			}
		}
		return nil
	})
}

// addHeaders sets the entry point and propagates layout results back to
// the modules.
func (g *generator) addHeaders() error {
	if g.cfg.Entry != "" {
		g.header.SetEntry(g.functions[g.cfg.Entry].Address)
	}
	g.img.OnLayout(func() error {
		if g.tdata != nil {
			addr, err := g.tdata.Address()
			if err != nil {
				return err
			}
			g.module.TLS.Position.Set(addr)
		}
		level.Debug(g.logger).Log("msg", "writing module", "module", g.module.Name, "address", fmt.Sprintf("%#x", g.textAddr))
		for _, m := range g.program.Libraries {
			level.Debug(g.logger).Log("msg", "writing module", "module", m.Name, "address", fmt.Sprintf("%#x", m.Base))
		}
		return nil
	})
	return nil
}
