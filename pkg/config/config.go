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

// Package config loads image manifests: the functions, data and libraries
// an ELF file is generated from.
package config

import (
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/prometheus/prometheus/model/relabel"
	"gopkg.in/yaml.v3"
)

var ErrEmptyConfig = errors.New("empty config")

const (
	DefaultBaseAddress = 0x400000
	// DefaultDataDistance separates the writable data from the base address
	// when no data address is configured. It is one large page.
	DefaultDataDistance = 0x200000
	// MaxAlign is the largest supported alignment, one small page.
	MaxAlign = 0x1000
)

// Config is an image manifest.
type Config struct {
	Class       int    `yaml:"class,omitempty"`
	Machine     string `yaml:"machine,omitempty"`
	ByteOrder   string `yaml:"byte_order,omitempty"`
	Type        string `yaml:"type,omitempty"`
	BaseAddress uint64 `yaml:"base_address,omitempty"`
	DataAddress uint64 `yaml:"data_address,omitempty"`

	Entry       string   `yaml:"entry,omitempty"`
	Interpreter string   `yaml:"interpreter,omitempty"`
	Needed      []string `yaml:"needed,omitempty"`

	Comment         string `yaml:"comment,omitempty"`
	CompressComment bool   `yaml:"compress_comment,omitempty"`
	BSSSize         uint64 `yaml:"bss_size,omitempty"`
	// BuildID adds a .note.gnu.build-id derived from the manifest.
	BuildID bool `yaml:"build_id,omitempty"`

	Functions []Function `yaml:"functions,omitempty"`
	Data      []Data     `yaml:"data,omitempty"`
	TLS       *TLS       `yaml:"tls,omitempty"`
	InitArray []string   `yaml:"init_array,omitempty"`
	Libraries []Library  `yaml:"libraries,omitempty"`

	// SymbolRelabelConfigs rewrite or drop .symtab entries. Each symbol
	// carries the labels name, bind, type and section.
	SymbolRelabelConfigs []*relabel.Config `yaml:"symbol_relabel_configs,omitempty"`
}

// Function is a function placed in .text.
type Function struct {
	Name  string    `yaml:"name"`
	Bind  string    `yaml:"bind,omitempty"`
	Code  HexBytes  `yaml:"code"`
	Align uint64    `yaml:"align,omitempty"`
	Refs  []CodeRef `yaml:"refs,omitempty"`
}

// CodeRef is an instruction of a function whose displacement refers to
// another location. Exactly one of Data, PLT and Symbol is set.
type CodeRef struct {
	// Offset of the instruction in the function.
	Offset uint64 `yaml:"offset"`
	// Size of the instruction.
	Size uint64 `yaml:"size"`
	// Disp is the offset of the 32-bit displacement in the instruction.
	Disp uint64 `yaml:"disp"`

	Data   *DataTarget `yaml:"data,omitempty"`
	PLT    string      `yaml:"plt,omitempty"`
	Symbol string      `yaml:"symbol,omitempty"`
}

// DataTarget is an offset in a data section.
type DataTarget struct {
	Section string `yaml:"section"`
	Offset  uint64 `yaml:"offset,omitempty"`
}

// Data is a data section.
type Data struct {
	Name     string       `yaml:"name"`
	Writable bool         `yaml:"writable,omitempty"`
	Bytes    HexBytes     `yaml:"bytes,omitempty"`
	Size     uint64       `yaml:"size,omitempty"`
	Align    uint64       `yaml:"align,omitempty"`
	Symbols  []DataSymbol `yaml:"symbols,omitempty"`
	Pointers []Pointer    `yaml:"pointers,omitempty"`
}

// DataSymbol is a symbol defined at an offset of a data section or of the
// TLS block.
type DataSymbol struct {
	Name   string `yaml:"name"`
	Offset uint64 `yaml:"offset,omitempty"`
	Size   uint64 `yaml:"size,omitempty"`
	Bind   string `yaml:"bind,omitempty"`
}

// Pointer is a pointer-sized slot of a data section. Exactly one of Symbol
// and Data is set.
type Pointer struct {
	Offset uint64      `yaml:"offset"`
	Symbol string      `yaml:"symbol,omitempty"`
	TLS    bool        `yaml:"tls,omitempty"`
	Addend int64       `yaml:"addend,omitempty"`
	Data   *DataTarget `yaml:"data,omitempty"`
}

// TLS is the thread-local storage template.
type TLS struct {
	Bytes   HexBytes     `yaml:"bytes,omitempty"`
	Size    uint64       `yaml:"size,omitempty"`
	Symbols []DataSymbol `yaml:"symbols,omitempty"`
}

// Library is an already placed module whose exports references may resolve
// to.
type Library struct {
	Name     string   `yaml:"name"`
	Base     uint64   `yaml:"base,omitempty"`
	Internal bool     `yaml:"internal,omitempty"`
	Exports  []Export `yaml:"exports,omitempty"`
}

// Export is a symbol defined by a library, relative to its base.
type Export struct {
	Name  string `yaml:"name"`
	Value uint64 `yaml:"value,omitempty"`
	Size  uint64 `yaml:"size,omitempty"`
	TLS   bool   `yaml:"tls,omitempty"`
}

// HexBytes is a byte string written as hex digits, whitespace ignored.
type HexBytes []byte

func (b *HexBytes) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.Join(strings.Fields(s), "")
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid hex bytes: %w", value.Line, err)
	}
	*b = decoded
	return nil
}

func (b HexBytes) MarshalYAML() (interface{}, error) {
	return hex.EncodeToString(b), nil
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// Load parses the YAML input b into a Config, fills in defaults and
// validates it.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &Config{}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Class == 0 {
		c.Class = 64
	}
	if c.Machine == "" {
		c.Machine = "x86_64"
	}
	if c.ByteOrder == "" {
		c.ByteOrder = "little"
	}
	if c.Type == "" {
		c.Type = "exec"
	}
	if c.BaseAddress == 0 && c.Type == "exec" {
		c.BaseAddress = DefaultBaseAddress
	}
	if c.DataAddress == 0 {
		c.DataAddress = c.BaseAddress + DefaultDataDistance
	}
}

var machines = map[string]elf.Machine{
	"x86_64":  elf.EM_X86_64,
	"amd64":   elf.EM_X86_64,
	"aarch64": elf.EM_AARCH64,
	"arm64":   elf.EM_AARCH64,
	"386":     elf.EM_386,
	"i386":    elf.EM_386,
}

// reserved names the sections the generator creates itself.
var reserved = map[string]bool{
	".interp": true, ".text": true, ".dynsym": true, ".dynstr": true,
	".rela.dyn": true, ".tdata": true, ".init_array": true, ".dynamic": true,
	".bss": true, ".comment": true, ".rela.text": true, ".symtab": true,
	".strtab": true, ".shstrtab": true, ".note.gnu.build-id": true,
}

// ELFClass returns the configured file class.
func (c *Config) ELFClass() elf.Class {
	if c.Class == 32 {
		return elf.ELFCLASS32
	}
	return elf.ELFCLASS64
}

// ELFMachine returns the configured machine.
func (c *Config) ELFMachine() elf.Machine {
	return machines[strings.ToLower(c.Machine)]
}

// Order returns the configured byte order.
func (c *Config) Order() binary.ByteOrder {
	if c.ByteOrder == "big" {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// ELFType returns the configured file type.
func (c *Config) ELFType() elf.Type {
	if c.Type == "dyn" {
		return elf.ET_DYN
	}
	return elf.ET_EXEC
}

// PointerSize is the size of a data pointer in bytes.
func (c *Config) PointerSize() uint64 {
	if c.Class == 32 {
		return 4
	}
	return 8
}

// FindData returns the data section called name.
func (c *Config) FindData(name string) (*Data, bool) {
	for i := range c.Data {
		if c.Data[i].Name == name {
			return &c.Data[i], true
		}
	}
	return nil, false
}

// FindFunction returns the function called name.
func (c *Config) FindFunction(name string) (*Function, bool) {
	for i := range c.Functions {
		if c.Functions[i].Name == name {
			return &c.Functions[i], true
		}
	}
	return nil, false
}

// MemSize is the size of the section once loaded.
func (d *Data) MemSize() uint64 {
	return max(d.Size, uint64(len(d.Bytes)))
}

// MemSize is the size of the TLS block.
func (t *TLS) MemSize() uint64 {
	return max(t.Size, uint64(len(t.Bytes)))
}

// Validate reports every problem of the manifest at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Class != 32 && c.Class != 64 {
		add("class must be 32 or 64, got %d", c.Class)
	}
	if _, ok := machines[strings.ToLower(c.Machine)]; !ok {
		add("unsupported machine %q", c.Machine)
	}
	if c.ByteOrder != "little" && c.ByteOrder != "big" {
		add("byte_order must be little or big, got %q", c.ByteOrder)
	}
	if c.Type != "exec" && c.Type != "dyn" {
		add("type must be exec or dyn, got %q", c.Type)
	}
	if c.DataAddress <= c.BaseAddress {
		add("data_address %#x must be above base_address %#x", c.DataAddress, c.BaseAddress)
	}
	if (c.DataAddress-c.BaseAddress)%DefaultDataDistance != 0 {
		add("data_address %#x must be a multiple of %#x away from base_address", c.DataAddress, DefaultDataDistance)
	}
	if c.BaseAddress%MaxAlign != 0 {
		add("base_address %#x is not aligned to %#x", c.BaseAddress, MaxAlign)
	}
	if c.Class == 32 {
		if c.BaseAddress > math.MaxUint32 {
			add("base_address %#x does not fit a 32-bit image", c.BaseAddress)
		}
		if c.DataAddress > math.MaxUint32 {
			add("data_address %#x does not fit a 32-bit image", c.DataAddress)
		}
		for _, l := range c.Libraries {
			for _, e := range l.Exports {
				if l.Base+e.Value > math.MaxUint32 {
					add("library %s: export %s at %#x does not fit a 32-bit image", l.Name, e.Name, l.Base+e.Value)
				}
			}
		}
	}
	if c.Type == "exec" && len(c.Needed) > 0 && c.Interpreter == "" {
		add("needed libraries require an interpreter")
	}

	functions := make(map[string]bool, len(c.Functions))
	for _, f := range c.Functions {
		switch {
		case f.Name == "":
			add("function without a name")
			continue
		case functions[f.Name]:
			add("duplicate function %s", f.Name)
		}
		functions[f.Name] = true
		if !validBind(f.Bind) {
			add("function %s: unknown bind %q", f.Name, f.Bind)
		}
		if f.Align != 0 && f.Align&(f.Align-1) != 0 {
			add("function %s: alignment %d is not a power of two", f.Name, f.Align)
		}
		if f.Align > MaxAlign {
			add("function %s: alignment %#x exceeds %#x", f.Name, f.Align, MaxAlign)
		}
	}

	data := make(map[string]uint64, len(c.Data))
	for _, d := range c.Data {
		switch {
		case !strings.HasPrefix(d.Name, "."):
			add("data section %q must start with a dot", d.Name)
			continue
		case reserved[d.Name]:
			add("data section %s is reserved", d.Name)
			continue
		}
		if _, ok := data[d.Name]; ok {
			add("duplicate data section %s", d.Name)
		}
		data[d.Name] = d.MemSize()
		if d.Align != 0 && d.Align&(d.Align-1) != 0 {
			add("data section %s: alignment %d is not a power of two", d.Name, d.Align)
		}
		if d.Align > MaxAlign {
			add("data section %s: alignment %#x exceeds %#x", d.Name, d.Align, MaxAlign)
		}
	}

	checkTarget := func(where string, t *DataTarget) {
		size, ok := data[t.Section]
		if !ok {
			add("%s: unknown data section %s", where, t.Section)
			return
		}
		if t.Offset > size {
			add("%s: offset %#x is outside of %s", where, t.Offset, t.Section)
		}
	}

	for _, f := range c.Functions {
		for i, ref := range f.Refs {
			where := fmt.Sprintf("function %s ref %d", f.Name, i)
			n := 0
			if ref.Data != nil {
				n++
				checkTarget(where, ref.Data)
			}
			if ref.PLT != "" {
				n++
			}
			if ref.Symbol != "" {
				n++
				if !functions[ref.Symbol] {
					add("%s: unknown function %s", where, ref.Symbol)
				}
			}
			if n != 1 {
				add("%s: exactly one of data, plt and symbol must be set", where)
			}
			if ref.Offset+ref.Size > uint64(len(f.Code)) {
				add("%s: instruction at %#x of size %d is outside of the code", where, ref.Offset, ref.Size)
			}
			if ref.Disp+4 > ref.Size {
				add("%s: displacement at %d does not fit an instruction of size %d", where, ref.Disp, ref.Size)
			}
		}
	}

	for _, d := range c.Data {
		for _, s := range d.Symbols {
			if s.Name == "" || s.Offset > d.MemSize() {
				add("data section %s: invalid symbol %q at %#x", d.Name, s.Name, s.Offset)
			}
			if !validBind(s.Bind) {
				add("data section %s: symbol %s: unknown bind %q", d.Name, s.Name, s.Bind)
			}
		}
		for i, p := range d.Pointers {
			where := fmt.Sprintf("data section %s pointer %d", d.Name, i)
			if (p.Symbol == "") == (p.Data == nil) {
				add("%s: exactly one of symbol and data must be set", where)
			}
			if p.Data != nil {
				checkTarget(where, p.Data)
			}
			if p.TLS && p.Symbol == "" {
				add("%s: tls pointers need a symbol", where)
			}
			if p.Offset+c.PointerSize() > d.MemSize() {
				add("%s: slot at %#x is outside of the section", where, p.Offset)
			}
		}
	}

	if c.TLS != nil {
		for _, s := range c.TLS.Symbols {
			if s.Name == "" || s.Offset >= c.TLS.MemSize() {
				add("tls: invalid symbol %q at %#x", s.Name, s.Offset)
			}
		}
	}

	for _, name := range c.InitArray {
		if !functions[name] {
			add("init_array: unknown function %s", name)
		}
	}
	if c.Entry != "" && !functions[c.Entry] {
		add("entry: unknown function %s", c.Entry)
	}
	for _, l := range c.Libraries {
		if l.Name == "" {
			add("library without a name")
		}
	}

	return errors.Join(errs...)
}

func validBind(bind string) bool {
	switch bind {
	case "", "global", "local", "weak":
		return true
	default:
		return false
	}
}

// SymBind maps a manifest binding to its ELF value; the default is global.
func SymBind(bind string) elf.SymBind {
	switch bind {
	case "local":
		return elf.STB_LOCAL
	case "weak":
		return elf.STB_WEAK
	default:
		return elf.STB_GLOBAL
	}
}
