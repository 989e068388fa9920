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

// The file watches an operator-edited settings YAML file and reflects its
// contents into the durable Settings row, so pool operators
// can tune caps and retry windows without a deploy. The file is an
// optional override layer; the database row remains the source of truth
// every workflow action actually reads.
package settings

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/store"
	"github.com/llm-d-incubation/batch-gateway/internal/util/logging"
)

// override is the subset of model.Settings an operator may tune from the
// file; Version and UpdatedAt stay server-owned.
type override struct {
	DefaultTokenCap        *int64           `yaml:"default_token_cap"`
	ModelTokenCapOverrides map[string]int64 `yaml:"model_token_cap_overrides"`
	MaxRequestsPerBatch    *int64           `yaml:"max_requests_per_batch"`
	MaxBatchSizeBytes      *int64           `yaml:"max_batch_size_bytes"`
	MaxTokenLimitRetries   *int             `yaml:"max_token_limit_retries"`
	TokenLimitBackoffBase  *time.Duration   `yaml:"token_limit_backoff_base"`
	TokenLimitBackoffMax   *time.Duration   `yaml:"token_limit_backoff_max"`
	BuildingBatchMaxAge    *time.Duration   `yaml:"building_batch_max_age"`
	WebhookConnectTimeout  *time.Duration   `yaml:"webhook_connect_timeout"`
	WebhookReadTimeout     *time.Duration   `yaml:"webhook_read_timeout"`
}

// Watcher applies a settings file's contents to the durable Settings row
// every time the file is written, and once at startup if it exists.
type Watcher struct {
	path    string
	store   store.SettingsStore
	logger  klog.Logger
	watcher *fsnotify.Watcher
}

func NewWatcher(path string, s store.SettingsStore, logger klog.Logger) *Watcher {
	return &Watcher{path: path, store: s, logger: logger}
}

// Run applies the file once (if present) then blocks reloading it on every
// write/create event until ctx is cancelled. A missing file is not an
// error: the database defaults seeded by the bootstrap migration stand
// until an operator drops a file in place.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := os.Stat(w.path); err == nil {
		if err := w.reload(ctx); err != nil {
			w.logger.V(logging.ERROR).Error(err, "settings: initial load failed", "path", w.path)
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings file watcher: %w", err)
	}
	w.watcher = fw
	defer fw.Close()

	if err := fw.Add(w.path); err != nil {
		w.logger.V(logging.INFO).Info("settings: no file to watch yet, skipping hot-reload", "path", w.path, "err", err.Error())
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.reload(ctx); err != nil {
				w.logger.V(logging.ERROR).Error(err, "settings: reload failed", "path", w.path)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.V(logging.ERROR).Error(err, "settings: watcher error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context) error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read settings file: %w", err)
	}
	var o override
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parse settings file: %w", err)
	}

	updated, err := w.store.Update(ctx, func(s *model.Settings) error {
		applyOverride(s, o)
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply settings override: %w", err)
	}
	w.logger.V(logging.INFO).Info("settings: applied file override", "version", updated.Version)
	return nil
}

func applyOverride(s *model.Settings, o override) {
	if o.DefaultTokenCap != nil {
		s.DefaultTokenCap = *o.DefaultTokenCap
	}
	if o.ModelTokenCapOverrides != nil {
		s.ModelTokenCapOverrides = o.ModelTokenCapOverrides
	}
	if o.MaxRequestsPerBatch != nil {
		s.MaxRequestsPerBatch = *o.MaxRequestsPerBatch
	}
	if o.MaxBatchSizeBytes != nil {
		s.MaxBatchSizeBytes = *o.MaxBatchSizeBytes
	}
	if o.MaxTokenLimitRetries != nil {
		s.MaxTokenLimitRetries = *o.MaxTokenLimitRetries
	}
	if o.TokenLimitBackoffBase != nil {
		s.TokenLimitBackoffBase = *o.TokenLimitBackoffBase
	}
	if o.TokenLimitBackoffMax != nil {
		s.TokenLimitBackoffMax = *o.TokenLimitBackoffMax
	}
	if o.BuildingBatchMaxAge != nil {
		s.BuildingBatchMaxAge = *o.BuildingBatchMaxAge
	}
	if o.WebhookConnectTimeout != nil {
		s.WebhookConnectTimeout = *o.WebhookConnectTimeout
	}
	if o.WebhookReadTimeout != nil {
		s.WebhookReadTimeout = *o.WebhookReadTimeout
	}
}
