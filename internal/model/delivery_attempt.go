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

package model

import "time"

// DeliveryOutcome classifies the result of one delivery attempt.
type DeliveryOutcome string

const (
	OutcomeSuccess          DeliveryOutcome = "success"
	OutcomeHTTPStatusNot2xx DeliveryOutcome = "http_status_not_2xx"
	OutcomeConnectionError  DeliveryOutcome = "connection_error"
	OutcomeTimeout          DeliveryOutcome = "timeout"
	OutcomeQueueNotFound    DeliveryOutcome = "queue_not_found"
	OutcomeExchangeNotFound DeliveryOutcome = "exchange_not_found"
	OutcomeOther            DeliveryOutcome = "other"
)

func (o DeliveryOutcome) Success() bool { return o == OutcomeSuccess }

// DeliveryAttempt records one executed attempt of pushing a request's
// response to its configured sink. Recorded immutably, even on failure.
type DeliveryAttempt struct {
	ID            int64
	RequestID     int64
	AttemptNumber int
	Outcome       DeliveryOutcome
	ErrorMsg      *string
	At            time.Time
}
