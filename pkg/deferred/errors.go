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

package deferred

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadySerialized is returned when a unit is materialized twice.
	ErrAlreadySerialized = errors.New("content already serialized")
	// ErrFrozen is returned when content is added after its size was fixed.
	ErrFrozen = errors.New("content is frozen, size already observed")
)

// DuplicateKeyError is returned when a second row is registered under a key
// that is already present.
type DuplicateKeyError struct {
	Key any
}

func (e *DuplicateKeyError) Error() string {
	switch k := e.Key.(type) {
	case uint64:
		return fmt.Sprintf("duplicate key %#x", k)
	case fmt.Stringer:
		return fmt.Sprintf("duplicate key %s", k)
	default:
		return fmt.Sprintf("duplicate key %v", k)
	}
}

// LayoutError reports overlapping or misaligned placement, negative padding,
// or content whose materialized size differs from its declared size.
type LayoutError struct {
	Op     string
	Reason string
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("layout error in %s: %s", e.Op, e.Reason)
}

// Layoutf builds a LayoutError.
func Layoutf(op, format string, args ...any) *LayoutError {
	return &LayoutError{Op: op, Reason: fmt.Sprintf(format, args...)}
}
