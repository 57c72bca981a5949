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
	"bytes"
	"context"
	"debug/elf"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/elfgen/pkg/deferred"
)

type phase int

const (
	phaseDeclared phase = iota
	phaseLaidOut
	phaseWritten
)

// sequential is implemented by content that must be rendered on its own,
// before any other unit is rendered concurrently.
type sequential interface {
	Sequential()
}

// linkCounter is implemented by relocation tables.
type linkCounter interface {
	LinkKinds() map[string]int
}

// Image drives the generation of one ELF file: sections are declared, the
// image is laid out once, and then written once.
type Image struct {
	logger  log.Logger
	tracer  trace.Tracer
	metrics *Metrics

	enc      Encoding
	sections *SectionList
	phdrs    *PhdrTableContent
	hooks    []func() error
	workers  int

	phase  phase
	size   uint64
	digest uint64
}

// Option configures an Image.
type Option func(*Image)

// WithWorkers renders up to n units concurrently once layout is frozen.
func WithWorkers(n int) Option {
	return func(i *Image) {
		i.workers = n
	}
}

// WithMetrics reports to m instead of collectors registered by NewImage, so
// that several images can be generated against one registry.
func WithMetrics(m *Metrics) Option {
	return func(i *Image) {
		i.metrics = m
	}
}

// NewImage creates an empty image.
func NewImage(logger log.Logger, reg prometheus.Registerer, tracer trace.Tracer, enc Encoding, opts ...Option) *Image {
	i := &Image{
		logger:   log.With(logger, "component", "elfgen"),
		tracer:   tracer,
		enc:      enc,
		sections: NewSectionList(),
		workers:  1,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.metrics == nil {
		i.metrics = NewMetrics(reg)
	}
	return i
}

func (i *Image) Encoding() Encoding {
	return i.enc
}

// Sections returns the sections in file order.
func (i *Image) Sections() *SectionList {
	return i.sections
}

// AddSection appends a section to the file.
func (i *Image) AddSection(sec *Section) error {
	if i.phase != phaseDeclared {
		return ErrAlreadyLaidOut
	}
	return i.sections.Add(sec)
}

// SetProgramHeaders sets the table whose segments are placed during layout.
func (i *Image) SetProgramHeaders(p *PhdrTableContent) {
	i.phdrs = p
}

// OnLayout registers f to run at the end of a successful layout, e.g. to
// propagate section addresses to the chunks they hold.
func (i *Image) OnLayout(f func() error) {
	i.hooks = append(i.hooks, f)
}

// Size is the size of the file, known after layout.
func (i *Image) Size() uint64 {
	return i.size
}

// Digest is the xxhash of the bytes written.
func (i *Image) Digest() uint64 {
	return i.digest
}

// Layout freezes every unit, assigns file offsets in section order, then
// assigns addresses through the program header table and validates them.
func (i *Image) Layout(ctx context.Context) (err error) { //nolint:nonamedreturns
	if i.phase != phaseDeclared {
		return ErrAlreadyLaidOut
	}
	ctx, span := i.tracer.Start(ctx, "Image.Layout")
	defer span.End()

	start := time.Now()
	defer func() {
		i.metrics.phaseDuration.WithLabelValues(phaseLayout).Observe(time.Since(start).Seconds())
		if err != nil {
			i.metrics.errors.WithLabelValues(phaseLayout).Inc()
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
	}()

	var cursor uint64
	for _, sec := range i.sections.Sections() {
		if err := ctx.Err(); err != nil {
			return err
		}
		off := alignUp(cursor, sec.Alignment())
		if sec.HasOffset() {
			have, _ := sec.Offset()
			if have < cursor {
				return deferred.Layoutf("Layout", "section %s pinned at offset %#x overlaps previous content ending at %#x", sec.Name(), have, cursor)
			}
			off = have
		} else {
			sec.SetOffset(off)
		}
		if m, ok := sec.Content().(deferred.Measurer); ok {
			if err := m.Measure(); err != nil {
				return err
			}
		}
		cursor = off + sec.FileSize()
	}
	i.size = cursor

	if i.phdrs != nil {
		if err := i.phdrs.AssignAddresses(); err != nil {
			return err
		}
		if err := i.phdrs.Validate(); err != nil {
			return err
		}
	}
	for _, sec := range i.sections.Sections() {
		if sec.HasHeader() && sec.Flags&elf.SHF_ALLOC != 0 && !sec.HasAddress() {
			return deferred.Layoutf("Layout", "allocated section %s is not part of any loadable segment", sec.Name())
		}
		if lc, ok := sec.Content().(linkCounter); ok {
			for kind, n := range lc.LinkKinds() {
				i.metrics.relocations.WithLabelValues(kind).Add(float64(n))
			}
		}
	}

	for _, hook := range i.hooks {
		if err := hook(); err != nil {
			return fmt.Errorf("layout hook: %w", err)
		}
	}

	i.phase = phaseLaidOut
	span.SetAttributes(
		attribute.Int("sections", i.sections.Len()),
		attribute.Int64("size", int64(i.size)),
	)
	level.Debug(i.logger).Log("msg", "image laid out", "sections", i.sections.Len(), "size", humanize.IBytes(i.size))
	return nil
}

// Write materializes every unit exactly once and writes the file to dst.
// A failed write leaves dst with partial content that must be discarded.
func (i *Image) Write(ctx context.Context, dst io.Writer) (err error) { //nolint:nonamedreturns
	switch i.phase {
	case phaseDeclared:
		return ErrNotLaidOut
	case phaseWritten:
		return ErrAlreadyWritten
	case phaseLaidOut:
	}
	i.phase = phaseWritten

	ctx, span := i.tracer.Start(ctx, "Image.Write")
	defer span.End()

	start := time.Now()
	defer func() {
		i.metrics.phaseDuration.WithLabelValues(phaseWrite).Observe(time.Since(start).Seconds())
		if err != nil {
			i.metrics.errors.WithLabelValues(phaseWrite).Inc()
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
	}()

	rendered, err := i.render(ctx)
	if err != nil {
		return err
	}

	h := xxhash.New()
	w := newWriter(io.MultiWriter(dst, h), i.enc.ByteOrder)
	for idx, sec := range i.sections.Sections() {
		if err := ctx.Err(); err != nil {
			return err
		}
		off, err := sec.Offset()
		if err != nil {
			return err
		}
		if uint64(w.here()) > off {
			return deferred.Layoutf("Write", "section %s at offset %#x overlaps previous content ending at %#x", sec.Name(), off, w.here())
		}
		w.padTo(int64(off))

		before := w.here()
		switch {
		case rendered != nil && rendered[idx] != nil:
			w.write(rendered[idx].Bytes())
		case sec.Content() != nil && sec.Type != elf.SHT_NOBITS:
			if _, err := sec.Content().WriteTo(w); err != nil {
				return fmt.Errorf("failed to write section %s: %w", sec.Name(), err)
			}
		}
		if w.err != nil {
			return fmt.Errorf("failed to write section %s: %w", sec.Name(), w.err)
		}
		if n := uint64(w.here() - before); n != sec.FileSize() {
			return deferred.Layoutf("Write", "section %s wrote %d bytes, declared %d", sec.Name(), n, sec.FileSize())
		}
		i.metrics.unitsWritten.WithLabelValues(unitType(sec)).Inc()
	}

	i.digest = h.Sum64()
	i.metrics.bytesWritten.Add(float64(w.here()))
	span.SetAttributes(attribute.Int64("bytes", w.here()))
	level.Info(i.logger).Log(
		"msg", "wrote image",
		"size", humanize.IBytes(uint64(w.here())),
		"sections", i.sections.Len(),
		"digest", fmt.Sprintf("%016x", i.digest),
	)
	return nil
}

// render serializes units into buffers ahead of writing when more than one
// worker is configured. Sequential units are rendered first, one at a time.
func (i *Image) render(ctx context.Context) ([]*bytes.Buffer, error) {
	if i.workers <= 1 {
		return nil, nil
	}
	secs := i.sections.Sections()
	rendered := make([]*bytes.Buffer, len(secs))
	size := atomic.NewUint64(0)

	renderOne := func(idx int) error {
		sec := secs[idx]
		if sec.Content() == nil || sec.Type == elf.SHT_NOBITS {
			return nil
		}
		buf := bytes.NewBuffer(make([]byte, 0, sec.FileSize()))
		if _, err := sec.Content().WriteTo(buf); err != nil {
			return fmt.Errorf("failed to render section %s: %w", sec.Name(), err)
		}
		rendered[idx] = buf
		size.Add(uint64(buf.Len()))
		return nil
	}

	for idx, sec := range secs {
		if _, ok := sec.Content().(sequential); ok {
			if err := renderOne(idx); err != nil {
				return nil, err
			}
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(i.workers)
	for idx, sec := range secs {
		if _, ok := sec.Content().(sequential); ok {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return renderOne(idx)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	level.Debug(i.logger).Log("msg", "rendered sections", "workers", i.workers, "size", humanize.IBytes(size.Load()))
	return rendered, nil
}

func unitType(sec *Section) string {
	if !sec.HasHeader() {
		return "pseudo"
	}
	return sec.Type.String()
}
