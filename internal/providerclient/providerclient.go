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

// The file declares ProviderClient, the opaque outbound surface
// WorkflowActions uses to talk to the batch provider, and an HTTP
// implementation guarded by a circuit breaker so a provider outage degrades
// into fast local failures instead of piling up blocked workers.
package providerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// ProviderClient is the only way WorkflowActions talks to the batch
// provider. Implementations own their own connection pool and are safe to
// share across worker goroutines.
type ProviderClient interface {
	UploadFile(ctx context.Context, filename string, r io.Reader) (*FileObject, error)
	CreateBatch(ctx context.Context, req CreateBatchRequest) (*Batch, error)
	GetBatch(ctx context.Context, providerBatchID string) (*Batch, error)
	CancelBatch(ctx context.Context, providerBatchID string) (*Batch, error)
	DownloadFile(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// HTTPClient is a ProviderClient backed by an OpenAI-compatible Batch API,
// wrapped in a gobreaker.CircuitBreaker: three consecutive failures trip
// the breaker open for a cooldown window, so a provider outage fails fast
// locally instead of exhausting every worker's HTTP timeout in turn.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

func NewHTTPClient(baseURL, apiKey string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider-client",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &HTTPClient{baseURL: baseURL, apiKey: apiKey, httpClient: httpClient, breaker: breaker}
}

func (c *HTTPClient) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("provider request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read provider response: %w", err)
		}

		if resp.StatusCode >= 400 {
			var envelope struct {
				Error APIError `json:"error"`
			}
			_ = json.Unmarshal(body, &envelope)
			envelope.Error.HTTPStatus = resp.StatusCode
			if envelope.Error.Message == "" {
				envelope.Error.Message = string(body)
			}
			return nil, &envelope.Error
		}

		return body, nil
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(result.([]byte), out)
}

func (c *HTTPClient) UploadFile(ctx context.Context, filename string, r io.Reader) (*FileObject, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("purpose", "batch"); err != nil {
		return nil, fmt.Errorf("write purpose field: %w", err)
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("copy file body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/files", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out FileObject
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CreateBatch(ctx context.Context, body CreateBatchRequest) (*Batch, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal create-batch request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/batches", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out Batch
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) GetBatch(ctx context.Context, providerBatchID string) (*Batch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/batches/"+providerBatchID, nil)
	if err != nil {
		return nil, err
	}
	var out Batch
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CancelBatch(ctx context.Context, providerBatchID string) (*Batch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/batches/"+providerBatchID+"/cancel", nil)
	if err != nil {
		return nil, err
	}
	var out Batch
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) DownloadFile(ctx context.Context, fileID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/files/"+fileID+"/content", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileID, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("download file %s: status %d: %s", fileID, resp.StatusCode, string(body))
	}
	return resp.Body, nil
}
