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

package statemachine

import "github.com/llm-d-incubation/batch-gateway/internal/model"

// Request is the declared request transition graph.
var Request = New(model.EntityRequest, requestTerminal, []Edge[model.RequestState]{
	{From: model.RequestPending, To: model.RequestProviderProcessing},
	{From: model.RequestPending, To: model.RequestCancelled},
	{From: model.RequestPending, To: model.RequestExpired}, // declared; no workflow action takes it (partial-expiration reset uses provider_processing -> pending below)

	{From: model.RequestProviderProcessing, To: model.RequestProviderProcessed},
	{From: model.RequestProviderProcessing, To: model.RequestFailed},
	{From: model.RequestProviderProcessing, To: model.RequestPending}, // partial expiration: reset non-recovered requests
	{From: model.RequestProviderProcessing, To: model.RequestCancelled},

	{From: model.RequestProviderProcessed, To: model.RequestDelivering},
	{From: model.RequestProviderProcessed, To: model.RequestCancelled},

	{From: model.RequestDelivering, To: model.RequestDelivered},
	{From: model.RequestDelivering, To: model.RequestDeliveryFailed},
	{From: model.RequestDelivering, To: model.RequestCancelled},

	// operator redeliver: distinct edge out of an otherwise-terminal state.
	{From: model.RequestDeliveryFailed, To: model.RequestDelivering},
})

func requestTerminal(s model.RequestState) bool {
	switch s {
	case model.RequestDelivered, model.RequestFailed, model.RequestDeliveryFailed,
		model.RequestCancelled, model.RequestExpired:
		return true
	default:
		return false
	}
}
