// Copyright 2025 The AuditCore Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import "testing"

func fakeClock(t *float64) func() float64 {
	return func() float64 { return *t }
}

func TestBucket_ZeroCapacityAlwaysDenies(t *testing.T) {
	clk := 0.0
	b := NewBucket(0, 10, fakeClock(&clk))
	d := b.ConsumeOne()
	if d.Admitted {
		t.Fatalf("expected zero-capacity bucket to deny")
	}
}

func TestBucket_ZeroRefillNeverRefills(t *testing.T) {
	clk := 0.0
	b := NewBucket(2, 0, fakeClock(&clk))
	if d := b.ConsumeOne(); !d.Admitted {
		t.Fatalf("expected first consume admitted")
	}
	if d := b.ConsumeOne(); !d.Admitted {
		t.Fatalf("expected second consume admitted")
	}
	clk = 1000 // time passes, but refillRate=0 so no refill
	d := b.ConsumeOne()
	if d.Admitted {
		t.Fatalf("expected bucket to remain empty with zero refill rate")
	}
}

func TestBucket_RefillsOverTime(t *testing.T) {
	clk := 0.0
	b := NewBucket(10, 10, fakeClock(&clk)) // 10 tokens/sec
	for i := 0; i < 10; i++ {
		if d := b.ConsumeOne(); !d.Admitted {
			t.Fatalf("expected consume %d to be admitted", i)
		}
	}
	if d := b.ConsumeOne(); d.Admitted {
		t.Fatalf("expected bucket to be empty")
	}
	clk += 0.5 // 5 tokens regenerate
	admitted := 0
	for i := 0; i < 10; i++ {
		if b.ConsumeOne().Admitted {
			admitted++
		}
	}
	if admitted != 5 {
		t.Fatalf("expected 5 admissions after 0.5s refill, got %d", admitted)
	}
}

func TestBucket_WaitMillisComputedOnDenial(t *testing.T) {
	clk := 0.0
	b := NewBucket(1, 2, fakeClock(&clk)) // 2 tokens/sec
	b.ConsumeOne()
	d := b.ConsumeOne()
	if d.Admitted {
		t.Fatalf("expected denial")
	}
	if d.WaitMillis != 500 {
		t.Fatalf("expected waitMillis=500, got %d", d.WaitMillis)
	}
}

func TestBucket_RefillMonotone(t *testing.T) {
	clk := 0.0
	b := NewBucket(5, 1, fakeClock(&clk))
	prev := b.Tokens()
	for i := 0; i < 5; i++ {
		clk += 0.1
		cur := b.TryConsume(0).TokensRemaining
		if cur < prev {
			t.Fatalf("tokens decreased on a zero-cost consume: %v -> %v", prev, cur)
		}
		prev = cur
	}
}
