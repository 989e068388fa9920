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

package settings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/llm-d-incubation/batch-gateway/internal/model"
)

func TestApplyOverride_OnlySetFieldsChange(t *testing.T) {
	base := model.DefaultSettings()
	base.DefaultTokenCap = 111
	base.MaxRequestsPerBatch = 222

	newCap := int64(999)
	o := override{DefaultTokenCap: &newCap}

	applyOverride(&base, o)

	assert.Equal(t, int64(999), base.DefaultTokenCap)
	assert.Equal(t, int64(222), base.MaxRequestsPerBatch, "fields absent from the override must be left untouched")
}

func TestApplyOverride_AppliesEveryField(t *testing.T) {
	base := model.DefaultSettings()

	cap := int64(10)
	maxReq := int64(20)
	maxBytes := int64(30)
	retries := 7
	base1 := 1 * time.Second
	max1 := 2 * time.Second
	age := 3 * time.Second
	connectTO := 4 * time.Second
	readTO := 5 * time.Second

	o := override{
		DefaultTokenCap:        &cap,
		ModelTokenCapOverrides: map[string]int64{"gpt-4": 50},
		MaxRequestsPerBatch:    &maxReq,
		MaxBatchSizeBytes:      &maxBytes,
		MaxTokenLimitRetries:   &retries,
		TokenLimitBackoffBase:  &base1,
		TokenLimitBackoffMax:   &max1,
		BuildingBatchMaxAge:    &age,
		WebhookConnectTimeout:  &connectTO,
		WebhookReadTimeout:     &readTO,
	}

	applyOverride(&base, o)

	assert.Equal(t, int64(10), base.DefaultTokenCap)
	assert.Equal(t, int64(50), base.ModelTokenCapOverrides["gpt-4"])
	assert.Equal(t, int64(20), base.MaxRequestsPerBatch)
	assert.Equal(t, int64(30), base.MaxBatchSizeBytes)
	assert.Equal(t, 7, base.MaxTokenLimitRetries)
	assert.Equal(t, 1*time.Second, base.TokenLimitBackoffBase)
	assert.Equal(t, 2*time.Second, base.TokenLimitBackoffMax)
	assert.Equal(t, 3*time.Second, base.BuildingBatchMaxAge)
	assert.Equal(t, 4*time.Second, base.WebhookConnectTimeout)
	assert.Equal(t, 5*time.Second, base.WebhookReadTimeout)
}
