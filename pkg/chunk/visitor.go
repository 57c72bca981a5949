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

package chunk

// Visitor is implemented by passes over the representation.
type Visitor interface {
	VisitProgram(p *Program) error
	VisitModule(m *Module) error
}

// Walk visits the program, then each module and library once, in order.
// The first error stops the walk.
func Walk(v Visitor, p *Program) error {
	if err := v.VisitProgram(p); err != nil {
		return err
	}
	for _, m := range p.AllModules() {
		if err := v.VisitModule(m); err != nil {
			return err
		}
	}
	return nil
}
