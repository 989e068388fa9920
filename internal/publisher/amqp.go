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

// The file implements the AMQP delivery sink.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"github.com/llm-d-incubation/batch-gateway/internal/model"
)

// QueueNotFoundError reports a delivery aimed at a queue the broker does
// not know. Mapped to the queue_not_found DeliveryAttempt outcome.
type QueueNotFoundError struct {
	Queue string
}

func (e *QueueNotFoundError) Error() string {
	return fmt.Sprintf("amqp queue %q not found", e.Queue)
}

// ExchangeNotFoundError is the exchange-side counterpart, mapped to the
// exchange_not_found outcome.
type ExchangeNotFoundError struct {
	Exchange string
}

func (e *ExchangeNotFoundError) Error() string {
	return fmt.Sprintf("amqp exchange %q not found", e.Exchange)
}

// AMQPPublisher holds one long-lived connection and confirm-mode channel,
// reused across every delivery — reconnecting a channel per publish would
// dominate delivery latency under load. Publishes are serialized under the
// mutex so each one can wait for its own broker confirmation; a publish to
// a missing exchange surfaces as the channel closing with a 404 instead of
// a confirm, which is how the exchange_not_found outcome gets detected.
type AMQPPublisher struct {
	mu         sync.Mutex
	url        string
	connection *amqp.Connection
	channel    *amqp.Channel
	confirms   chan amqp.Confirmation
	closes     chan *amqp.Error
}

func NewAMQPPublisher(url string) *AMQPPublisher {
	return &AMQPPublisher{url: url}
}

// ensureChannelLocked returns a live confirm-mode channel, dialing a fresh
// connection if the previous one died. Callers hold p.mu.
func (p *AMQPPublisher) ensureChannelLocked() (*amqp.Channel, error) {
	if p.channel != nil && p.connection != nil && !p.connection.IsClosed() {
		return p.channel, nil
	}
	p.teardownLocked()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp %s: %w", p.url, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable amqp publisher confirms: %w", err)
	}
	p.connection = conn
	p.channel = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.closes = ch.NotifyClose(make(chan *amqp.Error, 1))
	return ch, nil
}

// teardownLocked drops the cached channel and connection so the next
// publish redials. A channel-level exception (passive declare miss,
// publish to a missing exchange) closes the channel server-side, which
// makes this mandatory after any broker error. Callers hold p.mu.
func (p *AMQPPublisher) teardownLocked() {
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.connection != nil {
		_ = p.connection.Close()
		p.connection = nil
	}
	p.confirms = nil
	p.closes = nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, cfg model.DeliveryConfig, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.ensureChannelLocked()
	if err != nil {
		return err
	}

	exchange := cfg.RabbitMQExchange
	routingKey := cfg.RabbitMQRoutingKey
	if cfg.RabbitMQQueue != "" {
		if _, err := ch.QueueDeclarePassive(cfg.RabbitMQQueue, true, false, false, false, nil); err != nil {
			p.teardownLocked()
			var amqpErr *amqp.Error
			if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
				return &QueueNotFoundError{Queue: cfg.RabbitMQQueue}
			}
			return fmt.Errorf("declare queue %s: %w", cfg.RabbitMQQueue, err)
		}
		exchange, routingKey = "", cfg.RabbitMQQueue
	}

	err = ch.Publish(exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	if err != nil {
		p.teardownLocked()
		return fmt.Errorf("publish to exchange=%q routing_key=%q: %w", exchange, routingKey, err)
	}

	select {
	case confirm := <-p.confirms:
		if !confirm.Ack {
			return fmt.Errorf("broker nacked publish to exchange=%q routing_key=%q", exchange, routingKey)
		}
		return nil
	case amqpErr := <-p.closes:
		p.teardownLocked()
		if amqpErr != nil && amqpErr.Code == amqp.NotFound {
			return &ExchangeNotFoundError{Exchange: exchange}
		}
		return fmt.Errorf("amqp channel closed during publish: %v", amqpErr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked()
	return nil
}
