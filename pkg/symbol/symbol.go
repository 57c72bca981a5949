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

// Package symbol holds the symbols parsed from the input modules.
package symbol

import (
	"debug/elf"
	"strings"
)

// Symbol is a symbol of an input module.
type Symbol struct {
	Name         string
	Bind         elf.SymBind
	Type         elf.SymType
	Value        uint64
	Size         uint64
	SectionIndex elf.SectionIndex
}

// New creates a symbol.
func New(name string, bind elf.SymBind, typ elf.SymType) *Symbol {
	return &Symbol{
		Name: name,
		Bind: bind,
		Type: typ,
	}
}

// BaseName strips the version suffix ("@VER" or "@@VER") from the name.
func (s *Symbol) BaseName() string {
	return BaseName(s.Name)
}

// IsLocal reports whether the symbol has local binding.
func (s *Symbol) IsLocal() bool {
	return s.Bind == elf.STB_LOCAL
}

func (s *Symbol) String() string {
	return s.Name
}

// BaseName strips the version suffix ("@VER" or "@@VER") from name.
func BaseName(name string) string {
	if i := strings.IndexByte(name, '@'); i > 0 {
		return name[:i]
	}
	return name
}

// List is an ordered set of symbols indexed by name.
type List struct {
	symbols []*Symbol
	byName  map[string]*Symbol
}

// NewList creates an empty list.
func NewList() *List {
	return &List{byName: make(map[string]*Symbol)}
}

// Add appends sym. A later symbol with the same name does not replace an
// earlier one, but is still reachable through Symbols.
func (l *List) Add(sym *Symbol) {
	l.symbols = append(l.symbols, sym)
	if _, ok := l.byName[sym.Name]; !ok {
		l.byName[sym.Name] = sym
	}
	base := sym.BaseName()
	if _, ok := l.byName[base]; !ok {
		l.byName[base] = sym
	}
}

// Find looks a symbol up by exact or unversioned name.
func (l *List) Find(name string) (*Symbol, bool) {
	if l == nil {
		return nil, false
	}
	if s, ok := l.byName[name]; ok {
		return s, true
	}
	s, ok := l.byName[BaseName(name)]
	return s, ok
}

// Symbols returns all symbols in insertion order.
func (l *List) Symbols() []*Symbol {
	if l == nil {
		return nil
	}
	return l.symbols
}

// Len returns the number of symbols.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.symbols)
}
