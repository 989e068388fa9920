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

// The file declares MessagePublisher, the opaque per-request delivery
// sink (webhook POST or AMQP publish), and its two implementations.
package publisher

import (
	"context"
	"fmt"

	"github.com/llm-d-incubation/batch-gateway/internal/model"
)

// MessagePublisher delivers one finished request's outcome to whichever
// sink its DeliveryConfig names. Implementations own their own connection
// pool and are safe to share across worker goroutines.
type MessagePublisher interface {
	Publish(ctx context.Context, cfg model.DeliveryConfig, payload []byte) error
}

// Router dispatches to the webhook or AMQP publisher based on the
// request's delivery kind, so WorkflowActions's deliver step has a single
// MessagePublisher to call regardless of which sink a request chose.
type Router struct {
	Webhook MessagePublisher
	AMQP    MessagePublisher
}

func (r *Router) Publish(ctx context.Context, cfg model.DeliveryConfig, payload []byte) error {
	switch cfg.Type {
	case model.DeliveryWebhook:
		return r.Webhook.Publish(ctx, cfg, payload)
	case model.DeliveryAMQP:
		if r.AMQP == nil {
			return fmt.Errorf("rabbitmq delivery requested but no AMQP broker is configured")
		}
		return r.AMQP.Publish(ctx, cfg, payload)
	default:
		return &UnknownDeliveryKindError{Kind: cfg.Type}
	}
}

type UnknownDeliveryKindError struct {
	Kind model.DeliveryKind
}

func (e *UnknownDeliveryKindError) Error() string {
	return "unknown delivery kind: " + string(e.Kind)
}
