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

package common

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct{}

func (stubHandler) GetRoutes() []Route {
	return []Route{
		{Method: http.MethodGet, Pattern: "/v1/stub", HandlerFunc: func(w http.ResponseWriter, r *http.Request) {
			WriteJSONResponse(r.Context(), w, http.StatusOK, map[string]string{"ok": "true"})
		}},
	}
}

func TestRegisterHandler_RoutesByMethodAndPattern(t *testing.T) {
	mux := http.NewServeMux()
	RegisterHandler(mux, stubHandler{})

	req := httptest.NewRequest(http.MethodGet, "/v1/stub", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/stub", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWriteJSONResponse_WritesStatusAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSONResponse(context.Background(), rec, http.StatusCreated, map[string]int{"id": 7})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 7, body["id"])
}

func TestWriteAPIError_EnvelopesMessageUnderError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAPIError(context.Background(), rec, NewAPIError(http.StatusBadRequest, "bad batch id"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "bad batch id", body.Error.Message)
}

func TestWriteNotFoundAndBadRequest_SetExpectedStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteNotFoundError(context.Background(), rec, "no such batch")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	WriteBadRequestError(context.Background(), rec, "missing field")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	WriteInternalServerError(context.Background(), rec)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
