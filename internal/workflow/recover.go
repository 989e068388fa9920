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

package workflow

import (
	"fmt"

	"github.com/llm-d-incubation/batch-gateway/internal/util/logging"
)

// RecoverPanic turns a panicking job handler into an error return instead
// of taking down the dispatcher goroutine that called it, the same
// boundary the HTTP recovery middleware draws at the ingress mux.
func (a *Actions) RecoverPanic(kind string, subjectID int64, errp *error) {
	if r := recover(); r != nil {
		var err error
		switch v := r.(type) {
		case error:
			err = v
		default:
			err = fmt.Errorf("%v", v)
		}
		a.Logger.V(logging.ERROR).Error(err, "workflow: handler panicked", "kind", kind, "subject_id", subjectID)
		*errp = fmt.Errorf("recovered panic in %s: %w", kind, err)
	}
}
