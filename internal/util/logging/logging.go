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

// Shared klog verbosity levels, so every package logs at a consistent
// granularity instead of picking an arbitrary V() number.
package logging

import (
	"net/http"

	"k8s.io/klog/v2"
)

const (
	ERROR = 0
	INFO  = 2
	DEBUG = 4
	TRACE = 6
)

// GetRequestLogger returns the logger attached to the request's context by
// the operator HTTP server's logging middleware, falling back to the
// background logger for handlers exercised outside that chain (tests).
func GetRequestLogger(r *http.Request) klog.Logger {
	return klog.FromContext(r.Context())
}
