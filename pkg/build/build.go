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

// Package build turns an image manifest into a fully declared ELF image:
// every section, segment, symbol and relocation is added up front and
// resolved when the image is laid out and written.
package build

import (
	"context"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/parca-dev/elfgen/pkg/config"
	"github.com/parca-dev/elfgen/pkg/elfgen"
)

const (
	// textOffset is the file offset of .text. The file header, the program
	// header table and .interp must fit before it.
	textOffset = 0x1000
	// segmentAlign is the alignment of loadable segments.
	segmentAlign = 0x1000
)

// Builder generates images from manifests. It can be reused; every image
// reports to the same metrics.
type Builder struct {
	logger  log.Logger
	tracer  trace.Tracer
	metrics *elfgen.Metrics

	workers int
	strict  bool
}

// Option configures a Builder.
type Option func(*Builder)

// WithWorkers renders up to n sections concurrently.
func WithWorkers(n int) Option {
	return func(b *Builder) {
		b.workers = n
	}
}

// WithStrict fails on data references no module defines instead of leaving
// them to the dynamic loader.
func WithStrict() Option {
	return func(b *Builder) {
		b.strict = true
	}
}

// New creates a Builder.
func New(logger log.Logger, reg prometheus.Registerer, tracer trace.Tracer, opts ...Option) *Builder {
	b := &Builder{
		logger:  log.With(logger, "component", "build"),
		tracer:  tracer,
		metrics: elfgen.NewMetrics(reg),
		workers: 1,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build declares the image described by cfg. The image still has to be laid
// out and written.
func (b *Builder) Build(ctx context.Context, cfg *config.Config) (_ *elfgen.Image, err error) { //nolint:nonamedreturns
	_, span := b.tracer.Start(ctx, "Builder.Build")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
	}()

	enc, err := elfgen.NewEncoding(cfg.ELFClass(), cfg.Order(), cfg.ELFMachine())
	if err != nil {
		return nil, err
	}
	img := elfgen.NewImage(b.logger, nil, b.tracer, enc,
		elfgen.WithWorkers(b.workers),
		elfgen.WithMetrics(b.metrics),
	)

	g := newGenerator(b.logger, cfg, enc, img, b.strict)
	steps := []struct {
		name string
		run  func() error
	}{
		{"functions", g.declareFunctions},
		{"data", g.declareData},
		{"sections", g.declareSections},
		{"symbols", g.addSymbols},
		{"code references", g.addCode},
		{"data references", g.addDataReferences},
		{"dynamic", g.addDynamic},
		{"init array", g.addInitArray},
		{"headers", g.addHeaders},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return nil, fmt.Errorf("%s: %w", step.name, err)
		}
	}

	span.SetAttributes(
		attribute.Int("sections", img.Sections().Len()),
		attribute.Int("functions", len(cfg.Functions)),
		attribute.Bool("dynamic", g.dynamic),
	)
	level.Debug(b.logger).Log(
		"msg", "image declared",
		"sections", img.Sections().Len(),
		"functions", len(cfg.Functions),
		"relocations", len(g.module.Relocs),
		"dynamic", g.dynamic,
	)
	return img, nil
}

// Generate builds, lays out and writes the image described by cfg to w.
func (b *Builder) Generate(ctx context.Context, cfg *config.Config, w io.Writer) (*elfgen.Image, error) {
	img, err := b.Build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build image: %w", err)
	}
	if err := img.Layout(ctx); err != nil {
		return nil, fmt.Errorf("failed to lay out image: %w", err)
	}
	if err := img.Write(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to write image: %w", err)
	}
	return img, nil
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
