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

// The file defines the Request entity, its delivery-config variant, and lifecycle states.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// RequestState is one node of the request state machine.
type RequestState string

const (
	RequestPending            RequestState = "pending"
	RequestProviderProcessing RequestState = "provider_processing"
	RequestProviderProcessed  RequestState = "provider_processed"
	RequestDelivering         RequestState = "delivering"
	RequestDelivered          RequestState = "delivered"
	RequestFailed             RequestState = "failed"
	RequestDeliveryFailed     RequestState = "delivery_failed"
	RequestCancelled          RequestState = "cancelled"
	RequestExpired            RequestState = "expired"
)

func (s RequestState) Terminal() bool {
	switch s {
	case RequestDelivered, RequestFailed, RequestDeliveryFailed, RequestCancelled, RequestExpired:
		return true
	default:
		return false
	}
}

// DeliveryKind tags the DeliveryConfig sum type.
type DeliveryKind string

const (
	DeliveryWebhook DeliveryKind = "webhook"
	DeliveryAMQP    DeliveryKind = "rabbitmq"
)

// DeliveryConfig is a tagged variant: webhook or AMQP.
// The wire form matches the ingress JSON exactly so it can round-trip to
// and from the canonical column without a translation layer.
type DeliveryConfig struct {
	Type DeliveryKind `json:"type"`

	WebhookURL string `json:"webhook_url,omitempty"`

	RabbitMQQueue      string `json:"rabbitmq_queue,omitempty"`
	RabbitMQExchange   string `json:"rabbitmq_exchange,omitempty"`
	RabbitMQRoutingKey string `json:"rabbitmq_routing_key,omitempty"`
}

func (d DeliveryConfig) Validate() error {
	switch d.Type {
	case DeliveryWebhook:
		if d.WebhookURL == "" {
			return fmt.Errorf("webhook_url is required for type=webhook")
		}
	case DeliveryAMQP:
		if d.RabbitMQQueue == "" && (d.RabbitMQExchange == "" || d.RabbitMQRoutingKey == "") {
			return fmt.Errorf("rabbitmq delivery requires either rabbitmq_queue or (rabbitmq_exchange and rabbitmq_routing_key)")
		}
	default:
		return fmt.Errorf("unknown delivery type %q", d.Type)
	}
	return nil
}

func (d DeliveryConfig) MarshalCanonical() ([]byte, error) {
	return json.Marshal(d)
}

func ParseDeliveryConfig(raw []byte) (DeliveryConfig, error) {
	var d DeliveryConfig
	if err := json.Unmarshal(raw, &d); err != nil {
		return DeliveryConfig{}, fmt.Errorf("parse delivery config: %w", err)
	}
	if err := d.Validate(); err != nil {
		return DeliveryConfig{}, err
	}
	return d, nil
}

// Request is one inference unit routed into a Batch.
type Request struct {
	ID       int64
	BatchID  int64
	CustomID string
	Endpoint string
	Model    string
	State    RequestState

	RequestPayloadBytes  []byte // canonical JSON, the exact upload-file line body
	RequestPayloadSize   int64
	EstimatedInputTokens int64

	DeliveryConfig DeliveryConfig

	ResponsePayload *string
	ErrorMsg        *string

	CreatedAt time.Time
	UpdatedAt time.Time
}
