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

package build

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/elfgen/pkg/deferred"
)

func TestSlotContent(t *testing.T) {
	c := newSlotContent([]byte{0xaa, 0xbb}, 16, binary.LittleEndian)
	require.Equal(t, uint64(16), c.Size())

	require.NoError(t, c.addSlot(slot{offset: 4, width: 4, signed: true, value: constant(uint64(math.MaxUint64 - 7))}))
	require.NoError(t, c.addSlot(slot{offset: 8, width: 8, value: constant(0x1122334455667788)}))

	var out bytes.Buffer
	n, err := c.WriteTo(&out)
	require.NoError(t, err)
	require.Equal(t, int64(16), n)
	require.Equal(t, []byte{
		0xaa, 0xbb, 0, 0, 0xf8, 0xff, 0xff, 0xff,
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
	}, out.Bytes())

	_, err = c.WriteTo(io.Discard)
	require.ErrorIs(t, err, deferred.ErrAlreadySerialized)
	require.ErrorIs(t, c.addSlot(slot{offset: 0, width: 4, value: constant(0)}), deferred.ErrAlreadySerialized)
}

func TestSlotContent_Errors(t *testing.T) {
	c := newSlotContent(nil, 8, binary.BigEndian)
	require.Error(t, c.addSlot(slot{offset: 0, width: 2, value: constant(0)}))
	require.Error(t, c.addSlot(slot{offset: 6, width: 4, value: constant(0)}))

	tests := []struct {
		name string
		slot slot
	}{
		{
			name: "signed overflow",
			slot: slot{offset: 0, width: 4, signed: true, value: constant(1 << 40)},
		},
		{
			name: "unsigned overflow",
			slot: slot{offset: 0, width: 4, value: constant(math.MaxUint32 + 1)},
		},
		{
			name: "unresolved",
			slot: slot{offset: 0, width: 8, value: func() (uint64, error) {
				return 0, io.ErrUnexpectedEOF
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newSlotContent(nil, 8, binary.BigEndian)
			require.NoError(t, c.addSlot(tt.slot))
			_, err := c.WriteTo(io.Discard)
			require.Error(t, err)
		})
	}
}
