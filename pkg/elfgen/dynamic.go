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

// DynamicSectionContent is the .dynamic section: (tag, value) rows in the
// order they were added.
type DynamicSectionContent struct {
	enc  Encoding
	rows *deferred.List[*deferred.Row[Dyn]]
}

var _ deferred.Value = (*DynamicSectionContent)(nil)

func NewDynamicSectionContent(enc Encoding) *DynamicSectionContent {
	return &DynamicSectionContent{
		enc:  enc,
		rows: deferred.NewList[*deferred.Row[Dyn]](),
	}
}

// AddPair adds a row with a known value.
func (d *DynamicSectionContent) AddPair(tag elf.DynTag, value uint64) error {
	return d.rows.Add(deferred.NewRow(Dyn{Tag: int64(tag), Val: value}, d.enc.DynSize(), d.enc.encodeDyn))
}

// AddPairFunc adds a row whose value is computed when the section is written.
func (d *DynamicSectionContent) AddPairFunc(tag elf.DynTag, value func() (uint64, error)) error {
	row := deferred.NewRow(Dyn{Tag: int64(tag)}, d.enc.DynSize(), d.enc.encodeDyn)
	row.AddFunction(func(dyn *Dyn) error {
		v, err := value()
		if err != nil {
			return fmt.Errorf("dynamic entry %v: %w", tag, err)
		}
		dyn.Val = v
		return nil
	})
	return d.rows.Add(row)
}

func (d *DynamicSectionContent) Len() int {
	return d.rows.Len()
}

func (d *DynamicSectionContent) Size() uint64 {
	return d.rows.Size()
}

func (d *DynamicSectionContent) WriteTo(w io.Writer) (int64, error) {
	return d.rows.WriteTo(w)
}

// InitArraySectionContent is an array of function pointers. Callbacks
// registered with AddCallback run, in order, when the array is written and
// before any pointer is computed.
type InitArraySectionContent struct {
	enc       Encoding
	pointers  []func() (uint64, error)
	callbacks []func() error

	frozen  bool
	written bool
}

var _ deferred.Value = (*InitArraySectionContent)(nil)

func NewInitArraySectionContent(enc Encoding) *InitArraySectionContent {
	return &InitArraySectionContent{enc: enc}
}

// AddPointer appends a pointer computed when the array is written.
func (a *InitArraySectionContent) AddPointer(f func() (uint64, error)) error {
	if a.frozen {
		return deferred.ErrFrozen
	}
	a.pointers = append(a.pointers, f)
	return nil
}

// AddCallback registers a function run when the array is written.
func (a *InitArraySectionContent) AddCallback(f func() error) error {
	if a.written {
		return deferred.ErrAlreadySerialized
	}
	a.callbacks = append(a.callbacks, f)
	return nil
}

// Sequential marks the content as one that must not be rendered
// concurrently with other units, since its callbacks may touch them.
func (a *InitArraySectionContent) Sequential() {}

func (a *InitArraySectionContent) Size() uint64 {
	if !a.frozen {
		a.frozen = true
	}
	return uint64(len(a.pointers)) * a.enc.PtrSize()
}

func (a *InitArraySectionContent) WriteTo(dst io.Writer) (int64, error) {
	if a.written {
		return 0, deferred.ErrAlreadySerialized
	}
	a.written = true
	if !a.frozen {
		a.frozen = true
	}

	for i, cb := range a.callbacks {
		if err := cb(); err != nil {
			return 0, fmt.Errorf("init array callback %d: %w", i, err)
		}
	}

	w := newWriter(dst, a.enc.ByteOrder)
	for i, f := range a.pointers {
		ptr, err := f()
		if err != nil {
			return w.here(), fmt.Errorf("init array pointer %d: %w", i, err)
		}
		w.word(a.enc.is64(), ptr)
	}
	return w.here(), w.err
}
