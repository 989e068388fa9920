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

// The file provides the operator-driven batch endpoints: cancel,
// redeliver, and delete_expired. Each handler parses the
// batch id out of the path and hands off to WorkflowActions; the engine's
// own idempotence (every action re-reads and no-ops on a mismatched state)
// is what makes a double-click or a retried operator call safe.
package operator

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/llm-d-incubation/batch-gateway/internal/apiserver/common"
	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/util/logging"
	"github.com/llm-d-incubation/batch-gateway/internal/workflow"
)

type Handler struct {
	Actions *workflow.Actions
}

func NewHandler(a *workflow.Actions) *Handler {
	return &Handler{Actions: a}
}

func (h *Handler) GetRoutes() []common.Route {
	return []common.Route{
		{Method: http.MethodPost, Pattern: "/v1/batches/{batch_id}/cancel", HandlerFunc: h.Cancel},
		{Method: http.MethodPost, Pattern: "/v1/batches/{batch_id}/redeliver", HandlerFunc: h.Redeliver},
		{Method: http.MethodDelete, Pattern: "/v1/batches/{batch_id}", HandlerFunc: h.DeleteExpired},
	}
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, h.Actions.Cancel)
}

func (h *Handler) Redeliver(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, h.Actions.Redeliver)
}

func (h *Handler) DeleteExpired(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, h.Actions.DeleteExpired)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, batchID int64) error) {
	ctx := r.Context()
	logger := logging.GetRequestLogger(r)

	batchID, err := batchIDFromPath(r.URL.Path)
	if err != nil {
		common.WriteBadRequestError(ctx, w, err.Error())
		return
	}

	if err := action(ctx, batchID); err != nil {
		var modelErr *model.Error
		if errors.As(err, &modelErr) && modelErr.Reason == model.ReasonInvalid {
			common.WriteBadRequestError(ctx, w, modelErr.Error())
			return
		}
		logger.Error(err, "operator action failed", "batch_id", batchID)
		common.WriteInternalServerError(ctx, w)
		return
	}

	common.WriteJSONResponse(ctx, w, http.StatusOK, map[string]any{"id": batchID, "status": "ok"})
}

func batchIDFromPath(path string) (int64, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if p == "batches" && i+1 < len(parts) {
			id, err := strconv.ParseInt(parts[i+1], 10, 64)
			if err != nil {
				return 0, errors.New("invalid batch id")
			}
			return id, nil
		}
	}
	return 0, errors.New("batch id missing from path")
}
