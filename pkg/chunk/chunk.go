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

// Package chunk is the already-resolved intermediate representation the ELF
// generator consumes: functions, instructions, data and the links between
// them.
package chunk

import (
	"fmt"

	"github.com/parca-dev/elfgen/pkg/symbol"
)

// UnresolvedReferenceError is returned when an address is read before the
// layout pass assigned it.
type UnresolvedReferenceError struct {
	Ref string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference to %s", e.Ref)
}

// Position is an address slot filled in by layout.
type Position struct {
	addr uint64
	set  bool
}

// Fixed returns a position that is already resolved.
func Fixed(addr uint64) *Position {
	return &Position{addr: addr, set: true}
}

// Set assigns the final address.
func (p *Position) Set(addr uint64) {
	p.addr = addr
	p.set = true
}

// IsSet reports whether the address was assigned.
func (p *Position) IsSet() bool {
	return p != nil && p.set
}

// Address returns the assigned address.
func (p *Position) Address() (uint64, error) {
	return p.Resolve("position")
}

// Resolve is Address with ref naming the referenced entity in the error.
func (p *Position) Resolve(ref string) (uint64, error) {
	if !p.IsSet() {
		return 0, &UnresolvedReferenceError{Ref: ref}
	}
	return p.addr, nil
}

// Chunk is a node of the intermediate representation that can be the source
// of a relocation.
type Chunk interface {
	Name() string
	Address() (uint64, error)
}

var (
	_ Chunk = (*Function)(nil)
	_ Chunk = (*Instruction)(nil)
	_ Chunk = (*PLTTrampoline)(nil)
	_ Chunk = (*DataSection)(nil)
	_ Chunk = (*DataVariable)(nil)
)

// Function is a function of a module.
type Function struct {
	Symbol   *symbol.Symbol
	Position Position
	Size     uint64
}

// NewFunction creates a function for sym.
func NewFunction(sym *symbol.Symbol, size uint64) *Function {
	return &Function{Symbol: sym, Size: size}
}

func (f *Function) Name() string {
	if f.Symbol == nil {
		return "<anonymous function>"
	}
	return f.Symbol.Name
}

func (f *Function) Address() (uint64, error) {
	return f.Position.Resolve("function " + f.Name())
}

// Instruction is an instruction carrying a reference to another chunk.
// DispOffset is the offset of the patched field inside the instruction.
type Instruction struct {
	Function   *Function
	Position   Position
	Size       uint64
	DispOffset uint64
	Link       Link
}

func (i *Instruction) Name() string {
	if i.Function == nil {
		return "instruction"
	}
	return "instruction in " + i.Function.Name()
}

func (i *Instruction) Address() (uint64, error) {
	return i.Position.Resolve(i.Name())
}

// PLTTrampoline is the indirect-call stub of an externally resolved function.
type PLTTrampoline struct {
	Target   *symbol.Symbol
	Position Position
}

func (t *PLTTrampoline) Name() string {
	return t.Target.Name + "@plt"
}

func (t *PLTTrampoline) Address() (uint64, error) {
	return t.Position.Resolve(t.Name())
}

// DataSection is a data region of a module that ends up in one output section.
type DataSection struct {
	SectionName string
	Position    Position
	Size        uint64
}

func (d *DataSection) Name() string {
	return d.SectionName
}

func (d *DataSection) Address() (uint64, error) {
	return d.Position.Resolve("data section " + d.SectionName)
}

// DataVariable is a pointer-sized slot inside a data section.
type DataVariable struct {
	Section *DataSection
	Offset  uint64
	Link    Link
}

func (v *DataVariable) Name() string {
	return fmt.Sprintf("%s+%#x", v.Section.Name(), v.Offset)
}

func (v *DataVariable) Address() (uint64, error) {
	base, err := v.Section.Address()
	if err != nil {
		return 0, err
	}
	return base + v.Offset, nil
}

// TLSRegion is the thread-local storage template of a module.
type TLSRegion struct {
	Position Position
	Size     uint64
}

func (r *TLSRegion) Address() (uint64, error) {
	return r.Position.Resolve("tls region")
}

// Reloc is a relocation found in a data section of an input module.
type Reloc struct {
	Variable *DataVariable
	Type     uint32
	Symbol   *symbol.Symbol
	Addend   int64

	// Link is bound by the relocation pass.
	Link Link
}

// Module is one parsed ELF input: the main program or a library.
type Module struct {
	Name         string
	Internal     bool
	Base         uint64
	Functions    []*Function
	PLTs         []*PLTTrampoline
	DataSections []*DataSection
	Relocs       []*Reloc
	TLS          *TLSRegion

	// Exports is nil until the export list of the module has been built.
	Exports *symbol.List
}

// FindFunction returns the function whose symbol matches name.
func (m *Module) FindFunction(name string) (*Function, bool) {
	base := symbol.BaseName(name)
	for _, f := range m.Functions {
		if f.Symbol == nil {
			continue
		}
		if f.Symbol.Name == name || f.Symbol.BaseName() == base {
			return f, true
		}
	}
	return nil, false
}

// Program is the root of the representation.
type Program struct {
	Modules   []*Module
	Libraries []*Module
}

// AllModules returns the modules followed by the libraries.
func (p *Program) AllModules() []*Module {
	all := make([]*Module, 0, len(p.Modules)+len(p.Libraries))
	all = append(all, p.Modules...)
	return append(all, p.Libraries...)
}
