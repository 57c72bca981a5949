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
	"encoding/binary"
	"io"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/goleak"

	"github.com/parca-dev/elfgen/pkg/deferred"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// xor eax, eax; ret; nop padding.
var code = []byte{
	0x31, 0xc0, 0xc3, 0x90, 0x90, 0x90, 0x90, 0x90,
	0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90,
}

type testImage struct {
	img  *Image
	text *Section
}

// newTestImage lays out a minimal executable: file header, program headers,
// .text, .shstrtab and the section header table.
func newTestImage(t *testing.T, enc Encoding, opts ...Option) *testImage {
	t.Helper()

	img := NewImage(log.NewNopLogger(), prometheus.NewRegistry(), noop.NewTracerProvider().Tracer("test"), enc, opts...)

	ehdr := NewElfHeaderContent(enc, elf.ET_EXEC)
	ehdrSec := NewPseudoSection("elfheader", ehdr)

	phdrs := NewPhdrTableContent(enc)
	phdrSec := NewPseudoSection("phdrtable", phdrs)
	phdrSec.Addralign = 8

	text := NewSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, deferred.NewBytes(code))
	text.Addralign = 16

	shstrtab := deferred.NewStringList()
	shstrSec := NewSection(".shstrtab", elf.SHT_STRTAB, 0, shstrtab)

	shdrs := NewShdrTableContent(enc, shstrtab)
	shdrSec := NewPseudoSection("shdrtable", shdrs)
	shdrSec.Addralign = 8

	require.NoError(t, shdrs.AddNullHeader())
	require.NoError(t, shdrs.Add(text))
	require.NoError(t, shdrs.Add(shstrSec))

	ehdr.SetProgramHeaders(phdrSec)
	ehdr.SetSectionHeaders(shdrSec, shdrs)
	ehdr.SetEntry(text.Address)

	phdrSeg := NewSegmentInfo(elf.PT_PHDR, elf.PF_R, 8)
	phdrSeg.AddContains(phdrSec)
	load := NewSegmentInfo(elf.PT_LOAD, elf.PF_R|elf.PF_X, 0x1000)
	load.AddContains(ehdrSec, phdrSec, text)
	require.NoError(t, phdrs.Add(phdrSeg))
	require.NoError(t, phdrs.AddAt(load, 0x400000))
	img.SetProgramHeaders(phdrs)

	for _, sec := range []*Section{ehdrSec, phdrSec, text, shstrSec, shdrSec} {
		require.NoError(t, img.AddSection(sec))
	}
	return &testImage{img: img, text: text}
}

func (ti *testImage) write(t *testing.T) []byte {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, ti.img.Layout(ctx))
	var buf bytes.Buffer
	require.NoError(t, ti.img.Write(ctx, &buf))
	require.Equal(t, ti.img.Size(), uint64(buf.Len()))
	return buf.Bytes()
}

func TestImage_ReadBack(t *testing.T) {
	enc32, err := NewEncoding(elf.ELFCLASS32, binary.LittleEndian, elf.EM_386)
	require.NoError(t, err)

	for _, enc := range []Encoding{testEncoding(t), enc32} {
		t.Run(enc.Class.String(), func(t *testing.T) {
			ti := newTestImage(t, enc)
			out := ti.write(t)

			f, err := elf.NewFile(bytes.NewReader(out))
			require.NoError(t, err)
			t.Cleanup(func() {
				f.Close()
			})

			require.Equal(t, enc.Class, f.Class)
			require.Equal(t, enc.Machine, f.Machine)
			require.Equal(t, elf.ET_EXEC, f.Type)

			textAddr, err := ti.text.Address()
			require.NoError(t, err)
			require.Equal(t, textAddr, f.Entry)

			text := f.Section(".text")
			require.NotNil(t, text)
			require.Equal(t, textAddr, text.Addr)
			require.Zero(t, text.Addr%16)
			data, err := text.Data()
			require.NoError(t, err)
			require.Equal(t, code, data)

			require.Len(t, f.Sections, 3)
			require.NotNil(t, f.Section(".shstrtab"))

			require.Len(t, f.Progs, 2)
			require.Equal(t, elf.PT_PHDR, f.Progs[0].Type)
			phoff := alignUp(enc.EhdrSize(), 8)
			require.Equal(t, phoff, f.Progs[0].Off)
			require.Equal(t, uint64(0x400000)+phoff, f.Progs[0].Vaddr)
			require.Equal(t, 2*enc.PhdrSize(), f.Progs[0].Filesz)

			load := f.Progs[1]
			require.Equal(t, elf.PT_LOAD, load.Type)
			require.Equal(t, uint64(0x400000), load.Vaddr)
			require.Equal(t, uint64(0), load.Off)
			require.Equal(t, text.Offset+text.Size, load.Filesz)
			require.Equal(t, load.Filesz, load.Memsz)
		})
	}
}

func TestImage_ParallelWriteIsIdentical(t *testing.T) {
	seq := newTestImage(t, testEncoding(t))
	par := newTestImage(t, testEncoding(t), WithWorkers(4))

	require.Equal(t, seq.write(t), par.write(t))
	require.Equal(t, seq.img.Digest(), par.img.Digest())
	require.NotZero(t, seq.img.Digest())
}

func TestImage_Phases(t *testing.T) {
	ctx := context.Background()
	ti := newTestImage(t, testEncoding(t))

	require.ErrorIs(t, ti.img.Write(ctx, io.Discard), ErrNotLaidOut)
	require.NoError(t, ti.img.Layout(ctx))
	require.ErrorIs(t, ti.img.Layout(ctx), ErrAlreadyLaidOut)
	require.ErrorIs(t, ti.img.AddSection(NewSection(".late", elf.SHT_PROGBITS, 0, deferred.NewBytes(nil))), ErrAlreadyLaidOut)
	require.NoError(t, ti.img.Write(ctx, io.Discard))
	require.ErrorIs(t, ti.img.Write(ctx, io.Discard), ErrAlreadyWritten)
}

func TestImage_OnLayout(t *testing.T) {
	ti := newTestImage(t, testEncoding(t))

	var seen uint64
	ti.img.OnLayout(func() error {
		addr, err := ti.text.Address()
		seen = addr
		return err
	})
	ti.write(t)
	require.Equal(t, uint64(0x4000b0), seen)
}

type shortContent struct{}

func (shortContent) Size() uint64 { return 8 }

func (shortContent) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write([]byte{1, 2})
	return int64(n), err
}

func TestImage_SizeMismatch(t *testing.T) {
	ctx := context.Background()
	img := NewImage(log.NewNopLogger(), prometheus.NewRegistry(), noop.NewTracerProvider().Tracer("test"), testEncoding(t))
	require.NoError(t, img.AddSection(NewSection(".note.short", elf.SHT_NOTE, 0, shortContent{})))
	require.NoError(t, img.Layout(ctx))

	var layoutErr *deferred.LayoutError
	require.ErrorAs(t, img.Write(ctx, io.Discard), &layoutErr)
	require.Contains(t, layoutErr.Error(), "wrote 2 bytes, declared 8")
	require.Equal(t, 1.0, testutil.ToFloat64(img.metrics.errors.WithLabelValues(phaseWrite)))
}

func TestImage_UnplacedAllocSection(t *testing.T) {
	img := NewImage(log.NewNopLogger(), prometheus.NewRegistry(), noop.NewTracerProvider().Tracer("test"), testEncoding(t))
	require.NoError(t, img.AddSection(bytesSection(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 8)))

	var layoutErr *deferred.LayoutError
	require.ErrorAs(t, img.Layout(context.Background()), &layoutErr)
}

func TestImage_Metrics(t *testing.T) {
	ti := newTestImage(t, testEncoding(t))
	out := ti.write(t)

	m := ti.img.metrics
	require.Equal(t, float64(len(out)), testutil.ToFloat64(m.bytesWritten))
	require.Equal(t, 3.0, testutil.ToFloat64(m.unitsWritten.WithLabelValues("pseudo")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.unitsWritten.WithLabelValues(elf.SHT_PROGBITS.String())))
	require.Equal(t, 0.0, testutil.ToFloat64(m.errors.WithLabelValues(phaseWrite)))
}

func TestImage_ContextCanceled(t *testing.T) {
	ti := newTestImage(t, testEncoding(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, ti.img.Layout(ctx), context.Canceled)
}
