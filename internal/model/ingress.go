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

// IngressPayload is the shape-only ingress contract. The
// HTTP/CLI framing that produces this value is out of scope; BatchBuilder
// consumes it directly.
type IngressPayload struct {
	CustomID       string
	Model          string
	Endpoint       string
	Body           []byte // raw JSON request body, canonicalized by BatchBuilder
	DeliveryConfig DeliveryConfig
}

// ValidEndpoints are the provider batch API endpoints accepted at enqueue.
var ValidEndpoints = map[string]bool{
	"/v1/responses":        true,
	"/v1/chat/completions": true,
	"/v1/completions":      true,
	"/v1/embeddings":       true,
	"/v1/moderations":      true,
}

func (p IngressPayload) Validate() error {
	if p.CustomID == "" {
		return NewError(ReasonInvalid, "custom_id is required")
	}
	if !ValidEndpoints[p.Endpoint] {
		return NewError(ReasonInvalid, "unsupported endpoint "+p.Endpoint)
	}
	if p.Model == "" {
		return NewError(ReasonInvalid, "model is required")
	}
	if len(p.Body) == 0 {
		return NewError(ReasonInvalid, "body is required")
	}
	if err := p.DeliveryConfig.Validate(); err != nil {
		return NewError(ReasonInvalid, err.Error())
	}
	return nil
}
