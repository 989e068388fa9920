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

// The file provides the operator-facing read/update surface over the
// durable Settings record. It is a thin JSON wrapper around
// store.SettingsStore: every mutation still goes through Update's
// lock-mutate-audit path, so a PATCH here and a settings-file reload
// racing each other still serialize correctly.
package settingsapi

import (
	"encoding/json"
	"net/http"

	"github.com/llm-d-incubation/batch-gateway/internal/apiserver/common"
	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/store"
	"github.com/llm-d-incubation/batch-gateway/internal/util/logging"
)

type Handler struct {
	Store store.SettingsStore
}

func NewHandler(s store.SettingsStore) *Handler {
	return &Handler{Store: s}
}

func (h *Handler) GetRoutes() []common.Route {
	return []common.Route{
		{Method: http.MethodGet, Pattern: "/v1/settings", HandlerFunc: h.Get},
		{Method: http.MethodPatch, Pattern: "/v1/settings", HandlerFunc: h.Patch},
	}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := h.Store.Get(ctx)
	if err != nil {
		logging.GetRequestLogger(r).Error(err, "get settings failed")
		common.WriteInternalServerError(ctx, w)
		return
	}
	common.WriteJSONResponse(ctx, w, http.StatusOK, s)
}

// patch mirrors internal/settings.override: every field is a pointer so an
// omitted JSON key leaves the current value untouched.
type patch struct {
	DefaultTokenCap        *int64           `json:"default_token_cap"`
	ModelTokenCapOverrides map[string]int64 `json:"model_token_cap_overrides"`
	MaxRequestsPerBatch    *int64           `json:"max_requests_per_batch"`
	MaxBatchSizeBytes      *int64           `json:"max_batch_size_bytes"`
	MaxTokenLimitRetries   *int             `json:"max_token_limit_retries"`
}

func (h *Handler) Patch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.GetRequestLogger(r)

	var p patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		common.WriteBadRequestError(ctx, w, "invalid JSON body")
		return
	}

	updated, err := h.Store.Update(ctx, func(s *model.Settings) error {
		if p.DefaultTokenCap != nil {
			s.DefaultTokenCap = *p.DefaultTokenCap
		}
		if p.ModelTokenCapOverrides != nil {
			s.ModelTokenCapOverrides = p.ModelTokenCapOverrides
		}
		if p.MaxRequestsPerBatch != nil {
			s.MaxRequestsPerBatch = *p.MaxRequestsPerBatch
		}
		if p.MaxBatchSizeBytes != nil {
			s.MaxBatchSizeBytes = *p.MaxBatchSizeBytes
		}
		if p.MaxTokenLimitRetries != nil {
			s.MaxTokenLimitRetries = *p.MaxTokenLimitRetries
		}
		return nil
	})
	if err != nil {
		logger.Error(err, "update settings failed")
		common.WriteInternalServerError(ctx, w)
		return
	}

	common.WriteJSONResponse(ctx, w, http.StatusOK, updated)
}
