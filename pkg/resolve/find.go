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

// Package resolve binds the data relocations of parsed modules to the
// addresses they refer to, across every module of a program.
package resolve

import (
	"debug/elf"

	"github.com/parca-dev/elfgen/pkg/chunk"
	"github.com/parca-dev/elfgen/pkg/symbol"
)

// FindAnywhere looks symbols up across all modules of a program, starting
// with the module the reference comes from.
type FindAnywhere struct {
	program *chunk.Program
	module  *chunk.Module
}

func NewFindAnywhere(program *chunk.Program, module *chunk.Module) *FindAnywhere {
	return &FindAnywhere{program: program, module: module}
}

// ResolveName returns the address of sym. Matches in the current module
// and in internal modules are only considered when allowInternal is set.
func (f *FindAnywhere) ResolveName(sym *symbol.Symbol, allowInternal bool) (uint64, bool) {
	pos, ok := f.Resolve(sym, allowInternal)
	if !ok {
		return 0, false
	}
	addr, err := pos.Address()
	if err != nil {
		return 0, false
	}
	return addr, true
}

// Resolve is ResolveName returning the position of the definition. For
// functions this is the function's own position, which layout may still
// move.
func (f *FindAnywhere) Resolve(sym *symbol.Symbol, allowInternal bool) (*chunk.Position, bool) {
	if allowInternal && f.module != nil {
		if pos, ok := findIn(f.module, sym.Name); ok {
			return pos, true
		}
	}
	if f.program == nil {
		return nil, false
	}
	for _, m := range f.program.AllModules() {
		if m == f.module || (m.Internal && !allowInternal) {
			continue
		}
		if pos, ok := findIn(m, sym.Name); ok {
			return pos, true
		}
	}
	return nil, false
}

// FindTLS returns the module whose TLS block defines the thread-local
// symbol sym, and the symbol's offset in it.
func (f *FindAnywhere) FindTLS(sym *symbol.Symbol) (*chunk.Module, uint64, bool) {
	if f.module != nil {
		if off, ok := tlsOffset(f.module, sym.Name); ok {
			return f.module, off, true
		}
	}
	if f.program == nil {
		return nil, 0, false
	}
	for _, m := range f.program.AllModules() {
		if m == f.module {
			continue
		}
		if off, ok := tlsOffset(m, sym.Name); ok {
			return m, off, true
		}
	}
	return nil, 0, false
}

func findIn(m *chunk.Module, name string) (*chunk.Position, bool) {
	if fn, ok := m.FindFunction(name); ok {
		return &fn.Position, true
	}
	exported, ok := m.Exports.Find(name)
	if !ok || !defined(exported) || exported.Type == elf.STT_TLS {
		return nil, false
	}
	return chunk.Fixed(m.Base + exported.Value), true
}

func tlsOffset(m *chunk.Module, name string) (uint64, bool) {
	if m.TLS == nil {
		return 0, false
	}
	exported, ok := m.Exports.Find(name)
	if !ok || !defined(exported) || exported.Type != elf.STT_TLS {
		return 0, false
	}
	return exported.Value, true
}

func defined(sym *symbol.Symbol) bool {
	return sym.SectionIndex != elf.SHN_UNDEF
}
