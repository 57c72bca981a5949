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

package chunk

import (
	"fmt"

	"github.com/parca-dev/elfgen/pkg/symbol"
)

// Link is a reference from one location of the rewritten binary to another.
// The set of implementations is closed; relocation builders switch on the
// concrete type.
type Link interface {
	// TargetAddress resolves the link once layout is final.
	TargetAddress() (uint64, error)

	isLink()
}

var (
	_ Link = (*DataOffsetLink)(nil)
	_ Link = (*PLTLink)(nil)
	_ Link = (*SymbolOnlyLink)(nil)
	_ Link = (*LoaderLink)(nil)
	_ Link = (*TLSDataOffsetLink)(nil)
)

// DataOffsetLink points at an offset inside a data section.
type DataOffsetLink struct {
	Section *DataSection
	Offset  uint64
}

func (l *DataOffsetLink) TargetAddress() (uint64, error) {
	base, err := l.Section.Address()
	if err != nil {
		return 0, err
	}
	return base + l.Offset, nil
}

func (*DataOffsetLink) isLink() {}

// PLTLink points at the PLT stub of an external function.
type PLTLink struct {
	Trampoline *PLTTrampoline
}

func (l *PLTLink) TargetAddress() (uint64, error) {
	return l.Trampoline.Address()
}

// Symbol returns the external symbol the stub calls.
func (l *PLTLink) Symbol() *symbol.Symbol {
	return l.Trampoline.Target
}

func (*PLTLink) isLink() {}

// SymbolOnlyLink refers to a target through its symbol.
type SymbolOnlyLink struct {
	Symbol *symbol.Symbol
	Target *Position
}

func (l *SymbolOnlyLink) TargetAddress() (uint64, error) {
	return l.Target.Resolve("symbol " + l.Symbol.Name)
}

func (*SymbolOnlyLink) isLink() {}

// LoaderLink refers to a symbol that only the dynamic loader can resolve.
type LoaderLink struct {
	Name string
}

// TargetAddress is always zero: the loader fills the slot at run time.
func (l *LoaderLink) TargetAddress() (uint64, error) {
	return 0, nil
}

func (*LoaderLink) isLink() {}

// TLSDataOffsetLink refers to a thread-local variable by its offset in the
// TLS block of its module.
type TLSDataOffsetLink struct {
	Region *TLSRegion
	Symbol *symbol.Symbol
	Offset uint64
}

func (l *TLSDataOffsetLink) TargetAddress() (uint64, error) {
	if l.Region == nil {
		// A foreign TLS symbol has no address in this image.
		ref := "tls symbol"
		if l.Symbol != nil {
			ref += " " + l.Symbol.Name
		}
		return 0, &UnresolvedReferenceError{Ref: ref}
	}
	base, err := l.Region.Address()
	if err != nil {
		return 0, err
	}
	return base + l.Offset, nil
}

// TLSOffset returns the offset of the target inside the TLS block.
func (l *TLSDataOffsetLink) TLSOffset() (uint64, error) {
	if l.Region != nil && l.Offset >= l.Region.Size {
		return 0, fmt.Errorf("tls offset %#x out of region of size %#x", l.Offset, l.Region.Size)
	}
	return l.Offset, nil
}

func (*TLSDataOffsetLink) isLink() {}

// KindOf names the concrete kind of a link, for diagnostics and metrics.
func KindOf(l Link) string {
	switch l.(type) {
	case *DataOffsetLink:
		return "data_offset"
	case *PLTLink:
		return "plt"
	case *SymbolOnlyLink:
		return "symbol_only"
	case *LoaderLink:
		return "loader"
	case *TLSDataOffsetLink:
		return "tls_offset"
	case nil:
		return "none"
	default:
		return fmt.Sprintf("%T", l)
	}
}
