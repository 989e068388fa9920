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

// The file implements fire-and-forget eventing: an in-process
// pub/sub bus fed by a pump that drains the outbox_events table written
// transactionally alongside every state change (internal/store/postgres).
package eventing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/batch-gateway/internal/util/logging"
)

// Event is the payload shape published on every state transition.
type Event struct {
	EntityKind string    `json:"entity_kind"`
	EntityID   int64     `json:"id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Timestamp  time.Time `json:"timestamp"`
}

// MetricsDelta is published when a batch's rolling counters change.
type MetricsDelta struct {
	BatchID int64 `json:"batch_id"`
	Count   int64 `json:"request_count"`
	Bytes   int64 `json:"size_bytes"`
	Tokens  int64 `json:"estimated_input_tokens_total"`
}

const (
	TopicTransitions  = "transitions"
	TopicMetricsDelta = "metrics_delta"
)

// Bus is a topic-keyed, non-blocking fan-out. Subscribers are untrusted
// external collaborators; a slow or absent subscriber must never block a
// publisher, so Publish drops the event for any subscriber whose channel
// is full instead of waiting.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan []byte
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan []byte)}
}

// Subscribe returns a channel of raw JSON payloads for topic. bufSize
// bounds how many unconsumed events a slow subscriber can lag before
// Publish starts dropping for it.
func (b *Bus) Subscribe(topic string, bufSize int) <-chan []byte {
	ch := make(chan []byte, bufSize)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) Publish(topic string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- payload:
		default:
			// subscriber is lagging; drop rather than block the pump.
		}
	}
}

// OutboxReader is the slice of a store the pump needs: fetch a page of
// undelivered outbox rows and mark them processed/failed.
type OutboxReader interface {
	FetchPending(ctx context.Context, limit int) ([]OutboxRow, error)
	MarkProcessed(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
}

type OutboxRow struct {
	ID      int64
	Topic   string
	Payload []byte
}

// Pump polls OutboxReader and republishes each row on Bus. Publishing to
// the in-process Bus cannot fail, so every fetched row is marked processed
// once published; the pump never calls MarkFailed.
type Pump struct {
	reader OutboxReader
	bus    *Bus
	logger klog.Logger
}

func NewPump(reader OutboxReader, bus *Bus, logger klog.Logger) *Pump {
	return &Pump{reader: reader, bus: bus, logger: logger}
}

// Run polls every interval until ctx is cancelled.
func (p *Pump) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drainOnce(ctx)
		}
	}
}

func (p *Pump) drainOnce(ctx context.Context) {
	rows, err := p.reader.FetchPending(ctx, 100)
	if err != nil {
		p.logger.V(logging.ERROR).Error(err, "outbox pump: fetch pending failed")
		return
	}
	for _, row := range rows {
		p.bus.Publish(row.Topic, row.Payload)
		if err := p.reader.MarkProcessed(ctx, row.ID); err != nil {
			p.logger.V(logging.ERROR).Error(err, "outbox pump: mark processed failed", "id", row.ID)
		}
	}
}

// MarshalTransition is the canonical encoding of a Event for outbox storage.
func MarshalTransition(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal transition event: %w", err)
	}
	return b, nil
}

func MarshalMetricsDelta(d MetricsDelta) ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal metrics delta event: %w", err)
	}
	return b, nil
}
