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

// Package inspect summarizes ELF files: their layout and what produced them.
package inspect

import (
	"debug/elf"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/xyproto/ainur"
)

// Report is a summary of an ELF file.
type Report struct {
	Class   string `yaml:"class"`
	Data    string `yaml:"data"`
	Machine string `yaml:"machine"`
	Type    string `yaml:"type"`
	Entry   uint64 `yaml:"entry"`
	BuildID string `yaml:"build_id,omitempty"`

	Interpreter string   `yaml:"interpreter,omitempty"`
	Needed      []string `yaml:"needed,omitempty"`
	Imports     []string `yaml:"imports,omitempty"`
	Symbols     int      `yaml:"symbols"`

	Sections []Section `yaml:"sections"`
	Segments []Segment `yaml:"segments"`
	Compiler Compiler  `yaml:"compiler"`
}

type Section struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Flags  string `yaml:"flags,omitempty"`
	Addr   uint64 `yaml:"addr,omitempty"`
	Offset uint64 `yaml:"offset"`
	Size   uint64 `yaml:"size"`
}

type Segment struct {
	Type   string `yaml:"type"`
	Flags  string `yaml:"flags"`
	Offset uint64 `yaml:"offset"`
	Vaddr  uint64 `yaml:"vaddr"`
	Filesz uint64 `yaml:"filesz"`
	Memsz  uint64 `yaml:"memsz"`
	Align  uint64 `yaml:"align"`
}

// Compiler is what the .comment section and the symbols reveal about the
// toolchain that produced a file.
type Compiler struct {
	// Type is the raw detection result, e.g. "GCC 13.2.0".
	Type     string          `yaml:"type"`
	Name     string          `yaml:"name"`
	Version  *semver.Version `yaml:"-"`
	Static   bool            `yaml:"static"`
	Stripped bool            `yaml:"stripped"`
}

// MarshalYAML writes the version in its canonical form.
func (c Compiler) MarshalYAML() (interface{}, error) {
	type plain Compiler
	out := struct {
		plain   `yaml:",inline"`
		Version string `yaml:"version,omitempty"`
	}{plain: plain(c)}
	if c.Version != nil {
		out.Version = c.Version.String()
	}
	return out, nil
}

// Satisfies checks the compiler version against a constraint such as
// ">= 12".
func (c Compiler) Satisfies(constraint string) (bool, error) {
	cons, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("invalid constraint %q: %w", constraint, err)
	}
	if c.Version == nil {
		return false, nil
	}
	return cons.Check(c.Version), nil
}

// Open reads the ELF file at path.
func Open(path string) (*Report, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file %s: %w", path, err)
	}
	defer f.Close()

	return File(f)
}

// File summarizes f.
func File(f *elf.File) (*Report, error) {
	r := &Report{
		Class:   f.Class.String(),
		Data:    f.Data.String(),
		Machine: ainur.Describe(f.Machine),
		Type:    f.Type.String(),
		Entry:   f.Entry,
	}

	for _, s := range f.Sections {
		if s.Type == elf.SHT_NULL {
			continue
		}
		sec := Section{
			Name:   s.Name,
			Type:   s.Type.String(),
			Addr:   s.Addr,
			Offset: s.Offset,
			Size:   s.Size,
		}
		if s.Flags != 0 {
			sec.Flags = s.Flags.String()
		}
		r.Sections = append(r.Sections, sec)
	}
	for _, p := range f.Progs {
		r.Segments = append(r.Segments, Segment{
			Type:   p.Type.String(),
			Flags:  p.Flags.String(),
			Offset: p.Off,
			Vaddr:  p.Vaddr,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Align:  p.Align,
		})
		if p.Type == elf.PT_INTERP {
			data := make([]byte, p.Filesz)
			if _, err := p.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("failed to read interpreter: %w", err)
			}
			r.Interpreter = strings.TrimRight(string(data), "\x00")
		}
	}

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("failed to read symbols: %w", err)
	}
	r.Symbols = len(syms)

	if f.Section(".dynamic") != nil {
		needed, err := f.DynString(elf.DT_NEEDED)
		if err != nil {
			return nil, fmt.Errorf("failed to read dynamic section: %w", err)
		}
		r.Needed = needed
	}
	if f.Section(".dynsym") != nil {
		imported, err := f.ImportedSymbols()
		if err != nil {
			return nil, fmt.Errorf("failed to read imported symbols: %w", err)
		}
		for _, s := range imported {
			r.Imports = append(r.Imports, s.Name)
		}
	}

	r.BuildID, err = BuildID(f)
	if err != nil {
		return nil, err
	}

	cType := ainur.Compiler(f)
	r.Compiler = Compiler{
		Type:     cType,
		Name:     name(cType),
		Version:  version(cType),
		Static:   ainur.Static(f),
		Stripped: ainur.Stripped(f),
	}
	return r, nil
}

func name(cType string) string {
	parts := strings.Split(cType, " ")
	if len(parts) > 0 && parts[0] != "" {
		return parts[0]
	}
	return "unknown"
}

func version(cType string) *semver.Version {
	parts := strings.Split(cType, " ")
	if len(parts) < 2 {
		return nil
	}
	ver, err := semver.NewVersion(parts[1])
	if err != nil {
		return nil
	}
	return ver
}
