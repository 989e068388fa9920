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

package model

import "time"

// EntityKind names the owning table of a Transition row.
type EntityKind string

const (
	EntityBatch    EntityKind = "batch"
	EntityRequest  EntityKind = "request"
	EntitySettings EntityKind = "settings"
)

// Transition is the audit row written by the after-commit hook on every
// successful state change. FromState is nil for a creation row.
type Transition struct {
	ID         int64
	EntityKind EntityKind
	EntityID   int64
	FromState  *string
	ToState    string
	At         time.Time
}
