// Copyright 2022-2024 The Parca Authors
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

package inspect

import (
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

const noteTypeGNUBuildID = 3

type note struct {
	Name string
	Type uint32
	Desc []byte
}

// BuildID returns the GNU build ID of f in hex. Files without one are
// identified by a hash of their .text section, and files with neither get
// an empty ID.
func BuildID(f *elf.File) (string, error) {
	if s := f.Section(".note.gnu.build-id"); s != nil && s.Type == elf.SHT_NOTE {
		data, err := s.Data()
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", s.Name, err)
		}
		notes, err := parseNotes(data, f.ByteOrder)
		if err != nil {
			return "", fmt.Errorf("failed to parse %s: %w", s.Name, err)
		}
		var id []byte
		for _, n := range notes {
			if n.Name != "GNU" || n.Type != noteTypeGNUBuildID {
				continue
			}
			if id != nil {
				return "", errors.New("multiple build ids found, don't know which to use")
			}
			id = n.Desc
		}
		if len(id) > 0 {
			return hex.EncodeToString(id), nil
		}
	}

	// GNU build ID doesn't exist, so we hash the .text section.
	text := f.Section(".text")
	if text == nil || text.Type == elf.SHT_NOBITS {
		return "", nil
	}
	h := xxhash.New()
	if _, err := io.Copy(h, text.Open()); err != nil {
		return "", fmt.Errorf("hash elf .text section: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// parseNotes splits the content of a note section. Names and descriptors
// are padded to four bytes.
func parseNotes(data []byte, order binary.ByteOrder) ([]note, error) {
	var notes []note
	for len(data) > 0 {
		if len(data) < 12 {
			return nil, io.ErrUnexpectedEOF
		}
		namesz := uint64(order.Uint32(data[0:]))
		descsz := uint64(order.Uint32(data[4:]))
		typ := order.Uint32(data[8:])
		data = data[12:]

		nameEnd := align4(namesz)
		if uint64(len(data)) < nameEnd {
			return nil, io.ErrUnexpectedEOF
		}
		name := data[:namesz]
		if n := len(name); n > 0 && name[n-1] == 0 {
			name = name[:n-1]
		}
		data = data[nameEnd:]

		descEnd := align4(descsz)
		if uint64(len(data)) < descsz {
			return nil, io.ErrUnexpectedEOF
		}
		desc := data[:descsz]
		if uint64(len(data)) < descEnd {
			descEnd = uint64(len(data))
		}
		data = data[descEnd:]

		notes = append(notes, note{Name: string(name), Type: typ, Desc: desc})
	}
	return notes, nil
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}
