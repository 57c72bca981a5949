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
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/parca-dev/elfgen/pkg/config"
)

const noteTypeGNUBuildID = 3

// buildID hashes the manifest, so equal manifests get equal IDs.
func buildID(cfg *config.Config) []byte {
	h := xxhash.New()
	_, _ = h.WriteString(cfg.String())
	return h.Sum(nil)
}

// buildIDNote encodes a single GNU build ID note.
func buildIDNote(order binary.ByteOrder, id []byte) []byte {
	name := []byte("GNU\x00")
	buf := make([]byte, 12, 12+len(name)+int(alignUp(uint64(len(id)), 4)))
	order.PutUint32(buf[0:], uint32(len(name)))
	order.PutUint32(buf[4:], uint32(len(id)))
	order.PutUint32(buf[8:], noteTypeGNUBuildID)
	buf = append(buf, name...)
	buf = append(buf, id...)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	return buf
}
