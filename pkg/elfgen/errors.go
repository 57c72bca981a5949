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
	"errors"
	"fmt"

	"github.com/parca-dev/elfgen/pkg/chunk"
)

var (
	// ErrNotLaidOut is returned when an image is written before Layout.
	ErrNotLaidOut = errors.New("image has not been laid out")
	// ErrAlreadyLaidOut is returned when Layout is called twice.
	ErrAlreadyLaidOut = errors.New("image has already been laid out")
	// ErrAlreadyWritten is returned when an image is written twice.
	ErrAlreadyWritten = errors.New("image has already been written")
)

// UnsupportedLinkTypeError is returned when a relocation builder has no
// row format for the given source and link.
type UnsupportedLinkTypeError struct {
	Builder string
	Source  chunk.Chunk
	Link    chunk.Link
}

func (e *UnsupportedLinkTypeError) Error() string {
	return fmt.Sprintf("%s: unsupported link %s from %T", e.Builder, chunk.KindOf(e.Link), e.Source)
}

// MissingSymbolError is returned when a row refers to a symbol that was never
// added to the symbol table.
type MissingSymbolError struct {
	Name string
}

func (e *MissingSymbolError) Error() string {
	return fmt.Sprintf("symbol %q is not in the symbol table", e.Name)
}
