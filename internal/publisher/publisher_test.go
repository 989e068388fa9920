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
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d-incubation/batch-gateway/internal/model"
)

func TestWebhookPublisher_Success(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		received = buf[:n]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewWebhookPublisher(time.Second, time.Second)
	cfg := model.DeliveryConfig{Type: model.DeliveryWebhook, WebhookURL: srv.URL}
	err := p.Publish(context.Background(), cfg, []byte(`{"custom_id":"a"}`))
	require.NoError(t, err)
	assert.Contains(t, string(received), "custom_id")
}

func TestWebhookPublisher_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	p := NewWebhookPublisher(time.Second, time.Second)
	cfg := model.DeliveryConfig{Type: model.DeliveryWebhook, WebhookURL: srv.URL}
	err := p.Publish(context.Background(), cfg, []byte(`{}`))
	require.Error(t, err)
}

func TestRouter_DispatchesByKind(t *testing.T) {
	webhook := &recordingPublisher{}
	amqpPub := &recordingPublisher{}
	r := &Router{Webhook: webhook, AMQP: amqpPub}

	_ = r.Publish(context.Background(), model.DeliveryConfig{Type: model.DeliveryWebhook}, []byte("x"))
	assert.Equal(t, 1, webhook.calls)
	assert.Equal(t, 0, amqpPub.calls)

	_ = r.Publish(context.Background(), model.DeliveryConfig{Type: model.DeliveryAMQP}, []byte("x"))
	assert.Equal(t, 1, amqpPub.calls)
}

func TestRouter_UnknownKind(t *testing.T) {
	r := &Router{Webhook: &recordingPublisher{}, AMQP: &recordingPublisher{}}
	err := r.Publish(context.Background(), model.DeliveryConfig{Type: "carrier_pigeon"}, nil)
	require.Error(t, err)
}

type recordingPublisher struct {
	calls int
}

func (r *recordingPublisher) Publish(ctx context.Context, cfg model.DeliveryConfig, payload []byte) error {
	r.calls++
	return nil
}
