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

// The file provides shared utilities for the operator REST API.
package common

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"k8s.io/klog/v2"
)

type Route struct {
	Method      string
	Pattern     string
	HandlerFunc http.HandlerFunc
}

type ApiHandler interface {
	GetRoutes() []Route
}

func RegisterHandler(mux *http.ServeMux, h ApiHandler) {
	routes := h.GetRoutes()
	for _, route := range routes {
		pattern := route.Method + " " + route.Pattern
		mux.HandleFunc(pattern, route.HandlerFunc)
	}
}

// APIError is the operator surface's error envelope: deliberately smaller
// than a full OpenAI-style error object since this mux only ever serves
// operator/settings calls, not the ingress API.
type APIError struct {
	Code    int    `json:"-"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error APIError `json:"error"`
}

func NewAPIError(code int, message string) APIError {
	return APIError{Code: code, Message: message}
}

func WriteJSONResponse(ctx context.Context, w http.ResponseWriter, status int, obj interface{}) {
	logger := klog.FromContext(ctx)

	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(obj)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"Internal Server Error"}}`))
		logger.Error(err, "failed to marshal JSON response", "status", status, "type", fmt.Sprintf("%T", obj))
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logger.Error(err, "failed to write response", "status", status, "dataLen", len(data))
		return
	}
}

func WriteAPIError(ctx context.Context, w http.ResponseWriter, apiErr APIError) {
	WriteJSONResponse(ctx, w, apiErr.Code, errorResponse{Error: apiErr})
}

func WriteInternalServerError(ctx context.Context, w http.ResponseWriter) {
	WriteAPIError(ctx, w, NewAPIError(http.StatusInternalServerError, "Internal Server Error"))
}

func WriteNotFoundError(ctx context.Context, w http.ResponseWriter, message string) {
	WriteAPIError(ctx, w, NewAPIError(http.StatusNotFound, message))
}

func WriteBadRequestError(ctx context.Context, w http.ResponseWriter, message string) {
	WriteAPIError(ctx, w, NewAPIError(http.StatusBadRequest, message))
}
