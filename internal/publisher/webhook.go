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

package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/llm-d-incubation/batch-gateway/internal/model"
)

// HTTPStatusError is returned for a non-2xx webhook response. Body is the
// response body, JSON-normalized if it parses as JSON, and is what ends up
// as the DeliveryAttempt's error_msg -- Error() itself stays a
// human-readable summary for logs.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("webhook %s returned status %d", e.URL, e.StatusCode)
}

func normalizeJSONBody(raw []byte) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	normalized, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(normalized)
}

// WebhookPublisher POSTs the delivery payload to cfg.WebhookURL. A non-2xx
// response is treated as a failed delivery attempt, surfaced to the caller
// to record as a DeliveryAttempt. Deliver jobs run at most once, so a
// failed delivery is not retried unless an operator redelivers.
type WebhookPublisher struct {
	client *http.Client
}

func NewWebhookPublisher(connectTimeout, readTimeout time.Duration) *WebhookPublisher {
	return &WebhookPublisher{
		client: &http.Client{
			Timeout: connectTimeout + readTimeout,
		},
	}
}

func (w *WebhookPublisher) Publish(ctx context.Context, cfg model.DeliveryConfig, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery to %s: %w", cfg.WebhookURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPStatusError{URL: cfg.WebhookURL, StatusCode: resp.StatusCode, Body: normalizeJSONBody(body)}
	}
	return nil
}
