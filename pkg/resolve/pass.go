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

package resolve

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/elfgen/pkg/chunk"
	"github.com/parca-dev/elfgen/pkg/elfgen"
)

// ErrExportsNotBuilt is returned when the pass runs before every module has
// its export list.
var ErrExportsNotBuilt = errors.New("export list not built")

// SymbolResolutionError is returned in strict mode when a symbol is not
// defined by any module.
type SymbolResolutionError struct {
	Module string
	Symbol string
}

func (e *SymbolResolutionError) Error() string {
	return fmt.Sprintf("module %s: cannot resolve symbol %q", e.Module, e.Symbol)
}

// RelocDataPass binds the link of every data relocation. Symbols that no
// module defines are left to the dynamic loader.
type RelocDataPass struct {
	logger log.Logger
	strict bool
	sink   *elfgen.DataRelocSectionContent

	program *chunk.Program
}

var _ chunk.Visitor = (*RelocDataPass)(nil)

// Option configures a RelocDataPass.
type Option func(*RelocDataPass)

// WithStrict makes unresolved symbols an error instead of loader references.
func WithStrict() Option {
	return func(p *RelocDataPass) {
		p.strict = true
	}
}

// WithSink adds a dynamic relocation row for every bound relocation.
func WithSink(sink *elfgen.DataRelocSectionContent) Option {
	return func(p *RelocDataPass) {
		p.sink = sink
	}
}

func NewRelocDataPass(logger log.Logger, opts ...Option) *RelocDataPass {
	p := &RelocDataPass{
		logger: log.With(logger, "component", "reloc_data_pass"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run visits every module of program once.
func (p *RelocDataPass) Run(program *chunk.Program) error {
	return chunk.Walk(p, program)
}

// VisitProgram checks that the export lists the pass depends on exist.
func (p *RelocDataPass) VisitProgram(program *chunk.Program) error {
	var err error
	for _, m := range program.AllModules() {
		if m.Exports == nil {
			err = errors.Join(err, fmt.Errorf("%w: module %s", ErrExportsNotBuilt, m.Name))
		}
	}
	if err != nil {
		return err
	}
	p.program = program
	return nil
}

func (p *RelocDataPass) VisitModule(m *chunk.Module) error {
	finder := NewFindAnywhere(p.program, m)

	var resolved, loader, tls, skipped int
	for _, r := range m.Relocs {
		if r.Link == nil {
			if r.Symbol == nil {
				skipped++
				continue
			}
			link, err := p.bind(finder, m, r)
			if err != nil {
				return err
			}
			r.Link = link
		}

		switch r.Link.(type) {
		case *chunk.LoaderLink:
			loader++
		case *chunk.TLSDataOffsetLink:
			tls++
		default:
			resolved++
		}

		if p.sink != nil {
			if err := p.sink.Add(r.Variable, r.Link); err != nil {
				return fmt.Errorf("module %s: %w", m.Name, err)
			}
		}
	}

	level.Debug(p.logger).Log(
		"msg", "bound data relocations",
		"module", m.Name,
		"resolved", resolved,
		"loader", loader,
		"tls", tls,
		"skipped", skipped,
	)
	return nil
}

func (p *RelocDataPass) bind(finder *FindAnywhere, m *chunk.Module, r *chunk.Reloc) (chunk.Link, error) {
	sym := r.Symbol
	if sym.Type == elf.STT_TLS {
		if owner, off, ok := finder.FindTLS(sym); ok && owner == m {
			return &chunk.TLSDataOffsetLink{Region: m.TLS, Symbol: sym, Offset: off + uint64(r.Addend)}, nil
		}
		return &chunk.TLSDataOffsetLink{Symbol: sym}, nil
	}

	pos, ok := finder.Resolve(sym, true)
	if ok {
		if r.Addend != 0 {
			addr, err := pos.Address()
			if err != nil {
				return nil, fmt.Errorf("module %s: symbol %s: %w", m.Name, sym.Name, err)
			}
			pos = chunk.Fixed(addr + uint64(r.Addend))
		}
		return &chunk.SymbolOnlyLink{Symbol: sym, Target: pos}, nil
	}

	if p.strict {
		return nil, &SymbolResolutionError{Module: m.Name, Symbol: sym.Name}
	}
	level.Debug(p.logger).Log("msg", "symbol left to the dynamic loader", "module", m.Name, "symbol", sym.Name)
	return &chunk.LoaderLink{Name: sym.Name}, nil
}
