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

package dispatcher

import "testing"

func TestSlotPool_AcquireRelease(t *testing.T) {
	p := newSlotPool(2)

	if p.Available() != 2 {
		t.Fatalf("expected 2 available slots, got %d", p.Available())
	}

	id1, ok := p.TryAcquire()
	if !ok {
		t.Fatal("expected to acquire a slot")
	}
	if p.Available() != 1 {
		t.Fatalf("expected 1 available slot after acquire, got %d", p.Available())
	}

	id2, ok := p.TryAcquire()
	if !ok {
		t.Fatal("expected to acquire a second slot")
	}
	if id1 == id2 {
		t.Fatal("expected distinct slot ids")
	}

	if _, ok := p.TryAcquire(); ok {
		t.Fatal("expected pool to be exhausted")
	}

	p.Release(id1)
	if p.Available() != 1 {
		t.Fatalf("expected 1 available slot after release, got %d", p.Available())
	}

	p.Release(id2)
	p.WaitAll()
}

func TestSlotPool_ZeroCapacityClampsToOne(t *testing.T) {
	p := newSlotPool(0)
	if p.Available() != 1 {
		t.Fatalf("expected capacity to clamp to 1, got %d", p.Available())
	}
}
