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

package providerclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBatch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batches", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":"batch_1","status":"validating"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "test-key", nil)
	b, err := c.CreateBatch(context.Background(), CreateBatchRequest{InputFileID: "file_1", Endpoint: "/v1/chat/completions", CompletionWindow: "24h"})
	require.NoError(t, err)
	assert.Equal(t, "batch_1", b.ID)
	assert.Equal(t, BatchStatusValidating, b.Status)
}

func TestCreateBatch_TokenLimitExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":"token_limit_exceeded","message":"queue token limit reached"}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "test-key", nil)
	_, err := c.CreateBatch(context.Background(), CreateBatchRequest{InputFileID: "file_1"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.IsTokenLimitExceeded())
}

func TestGetBatch_Completed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"batch_1","status":"completed","output_file_id":"file_out","request_counts":{"total":10,"completed":9,"failed":1}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "test-key", nil)
	b, err := c.GetBatch(context.Background(), "batch_1")
	require.NoError(t, err)
	assert.True(t, b.Status.IsFinal())
	assert.Equal(t, "file_out", b.OutputFileID)
	assert.EqualValues(t, 9, b.RequestCounts.Completed)
}

func TestDownloadFile_StreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{\"custom_id\":\"a\"}\n"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "test-key", nil)
	rc, err := c.DownloadFile(context.Background(), "file_out")
	require.NoError(t, err)
	defer rc.Close()

	var sb strings.Builder
	buf := make([]byte, 64)
	for {
		n, err := rc.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	assert.Contains(t, sb.String(), "custom_id")
}
