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
	"debug/elf"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/model/relabel"

	"github.com/parca-dev/elfgen/pkg/symbol"
)

// Labels every .symtab entry carries while relabeling.
const (
	symbolNameLabel    = "name"
	symbolBindLabel    = "bind"
	symbolTypeLabel    = "type"
	symbolSectionLabel = "section"
)

// relabel applies the symbol relabel configs to sym. It returns the symbol
// to write to .symtab, or nil if the symbol is dropped.
func (g *generator) relabel(sym *symbol.Symbol, section string) *symbol.Symbol {
	cfgs := g.cfg.SymbolRelabelConfigs
	if len(cfgs) == 0 {
		g.out[sym] = sym
		return sym
	}

	lset, keep := relabel.Process(labels.FromStrings(
		symbolNameLabel, sym.Name,
		symbolBindLabel, bindName(sym.Bind),
		symbolTypeLabel, typeName(sym.Type),
		symbolSectionLabel, section,
	), cfgs...)
	name := lset.Get(symbolNameLabel)
	if !keep || name == "" {
		level.Debug(g.logger).Log("msg", "dropped symbol", "symbol", sym.Name, "section", section)
		g.out[sym] = nil
		return nil
	}

	out := sym
	if name != sym.Name {
		renamed := *sym
		renamed.Name = name
		out = &renamed
		level.Debug(g.logger).Log("msg", "renamed symbol", "symbol", sym.Name, "name", name)
	}
	g.out[sym] = out
	return out
}

func bindName(b elf.SymBind) string {
	switch b {
	case elf.STB_LOCAL:
		return "local"
	case elf.STB_WEAK:
		return "weak"
	default:
		return "global"
	}
}

func typeName(t elf.SymType) string {
	switch t {
	case elf.STT_FUNC:
		return "func"
	case elf.STT_OBJECT:
		return "object"
	case elf.STT_TLS:
		return "tls"
	default:
		return strings.ToLower(strings.TrimPrefix(t.String(), "STT_"))
	}
}
