/*
Copyright 2026 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The file implements a generic entity state machine: declared transitions,
// guarded transitions, terminal states.
package statemachine

import (
	"fmt"

	"github.com/llm-d-incubation/batch-gateway/internal/model"
)

// Edge is one declared (from, to) pair. Edges carry no guards; conditions
// beyond the edge itself (e.g. "only if request_count == 0") are checked
// by callers.
type Edge[S comparable] struct {
	From S
	To   S
}

// Machine is a declared set of edges over a comparable state type plus a
// terminal predicate. It does not hold entity state itself — callers call
// Check before applying a transition inside their own transaction.
type Machine[S comparable] struct {
	edges    map[Edge[S]]bool
	terminal func(S) bool
	kind     model.EntityKind
}

func New[S comparable](kind model.EntityKind, terminal func(S) bool, edges []Edge[S]) *Machine[S] {
	m := &Machine[S]{
		edges:    make(map[Edge[S]]bool, len(edges)),
		terminal: terminal,
		kind:     kind,
	}
	for _, e := range edges {
		m.edges[e] = true
	}
	return m
}

// Check returns nil if from -> to is a declared edge, otherwise a
// *model.NoMatchingTransition. A state can be Terminal() (no further
// ordinary progression) while still declaring one explicit edge out of it
// — the operator redeliver edge out of partially_delivered/delivery_failed
// is exactly that case. Check only consults the edge set; it is
// Terminal() that generic recovery/resumption logic consults to decide
// whether to stop driving an entity forward.
//
// It does not consult guards — callers that need a guard (e.g.
// "request_count == 0") check it themselves, since guards read
// entity-specific fields the machine doesn't know about.
func (m *Machine[S]) Check(from, to S) error {
	if !m.edges[Edge[S]{From: from, To: to}] {
		return &model.NoMatchingTransition{EntityKind: m.kind, From: fmt.Sprint(from), To: fmt.Sprint(to)}
	}
	return nil
}

func (m *Machine[S]) Terminal(s S) bool { return m.terminal(s) }
