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
	"io"

	"github.com/parca-dev/elfgen/pkg/deferred"
)

// PageSize is the granularity padding rounds up to.
const PageSize = 0x200000

// PagePaddingContent fills the file from the end of the previous section
// up to a page boundary.
type PagePaddingContent struct {
	prev          *Section
	desiredOffset uint64

	size     uint64
	measured bool
	observed bool
	written  bool
}

var (
	_ deferred.Value    = (*PagePaddingContent)(nil)
	_ deferred.Measurer = (*PagePaddingContent)(nil)
)

// NewPagePaddingContent pads from the end of prev to desiredOffset rounded up
// to PageSize. A zero desiredOffset means the next page boundary after prev.
// If prev already has an offset the size is computed right away.
func NewPagePaddingContent(prev *Section, desiredOffset uint64) (*PagePaddingContent, error) {
	p := &PagePaddingContent{prev: prev, desiredOffset: desiredOffset}
	if prev.HasOffset() {
		if err := p.Measure(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Measure computes the size once the previous section has an offset.
func (p *PagePaddingContent) Measure() error {
	const op = "PagePaddingContent"

	if p.measured {
		return nil
	}
	if p.observed {
		return deferred.Layoutf(op, "size observed before the offset of %s was known", p.prev.Name())
	}
	prevEnd, err := p.prev.FileEnd()
	if err != nil {
		return err
	}
	target := p.desiredOffset
	if target == 0 {
		target = prevEnd
	}
	if target < prevEnd {
		return deferred.Layoutf(op, "desired offset %#x is before the end of %s at %#x", p.desiredOffset, p.prev.Name(), prevEnd)
	}
	target = alignUp(target, PageSize)
	p.size = target - prevEnd
	p.measured = true
	return nil
}

func (p *PagePaddingContent) Size() uint64 {
	if !p.observed {
		p.observed = true
	}
	return p.size
}

func (p *PagePaddingContent) WriteTo(w io.Writer) (int64, error) {
	if p.written {
		return 0, deferred.ErrAlreadySerialized
	}
	p.written = true
	return deferred.NewZeros(p.size).WriteTo(w)
}
