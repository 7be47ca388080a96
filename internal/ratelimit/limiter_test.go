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

import (
	"sync"
	"testing"
	"time"
)

func TestRateLimiter_GlobalDenyWithoutDefer(t *testing.T) {
	rl := New(Config{GlobalCapacity: 0, GlobalRefillRate: 0})
	res := rl.Admit("billing", 0, false)
	if res.Admitted || res.Reason != ReasonGlobal {
		t.Fatalf("expected global denial, got %+v", res)
	}
}

func TestRateLimiter_ErrorDeniedGoesToPriorityQueue(t *testing.T) {
	rl := New(Config{GlobalCapacity: 0, GlobalRefillRate: 0})
	res := rl.Admit("billing", SeverityError, true)
	if res.Admitted || !res.Deferred {
		t.Fatalf("expected deferred denial, got %+v", res)
	}
	if rl.QueueLen() != 1 {
		t.Fatalf("expected 1 item in priority queue, got %d", rl.QueueLen())
	}
}

func TestRateLimiter_ModuleBucketDeniesIndependently(t *testing.T) {
	rl := New(Config{
		GlobalCapacity:   100,
		GlobalRefillRate: 100,
		PerModule: map[string]ModuleConfig{
			"billing": {Capacity: 1, RefillRate: 0},
		},
	})
	if res := rl.Admit("billing", 0, false); !res.Admitted {
		t.Fatalf("expected first module admit, got %+v", res)
	}
	res := rl.Admit("billing", 0, false)
	if res.Admitted || res.Reason != ReasonModule {
		t.Fatalf("expected module denial, got %+v", res)
	}
}

func TestRateLimiter_PriorityQueueErrorBeforeWarn(t *testing.T) {
	q := &deferredQueue{capacity: 10}
	now := time.Now()
	q.items = []*deferredItem{
		{key: "warn-first", severity: SeverityWarn, enqueuedAt: now},
		{key: "error-second", severity: SeverityError, enqueuedAt: now.Add(time.Millisecond)},
	}
	if !q.Less(1, 0) {
		t.Fatalf("expected ERROR to sort before WARN regardless of enqueue order")
	}
}

func TestRateLimiter_DropOldestOnOverflow(t *testing.T) {
	rl := New(Config{GlobalCapacity: 0, GlobalRefillRate: 0, PriorityQueueCap: 2})
	rl.Admit("a", SeverityWarn, true)
	time.Sleep(time.Millisecond)
	rl.Admit("b", SeverityWarn, true)
	time.Sleep(time.Millisecond)
	rl.Admit("c", SeverityWarn, true) // should evict "a"

	rl.qMu.Lock()
	keys := map[string]bool{}
	for _, it := range rl.queue.items {
		keys[it.key] = true
	}
	rl.qMu.Unlock()

	if keys["a"] {
		t.Fatalf("expected oldest entry 'a' to be evicted, queue=%v", keys)
	}
	if !keys["b"] || !keys["c"] {
		t.Fatalf("expected 'b' and 'c' to remain, queue=%v", keys)
	}
}

func TestRateLimiter_AdjustScalesRefillRate(t *testing.T) {
	rl := New(Config{
		GlobalCapacity:   100,
		GlobalRefillRate: 100,
		Adaptive:         true,
		Thresholds:       DefaultThresholds(),
	})
	rl.Adjust(0.95)
	if rl.global.refillRate != 50 {
		t.Fatalf("expected refill rate scaled to 0.5x at high load, got %v", rl.global.refillRate)
	}
	rl.Adjust(0.1)
	if rl.global.refillRate != 100 {
		t.Fatalf("expected refill rate restored to full at low load, got %v", rl.global.refillRate)
	}
}

func TestRateLimiter_CleanupRemovesIdleModules(t *testing.T) {
	rl := New(Config{
		GlobalCapacity:   100,
		GlobalRefillRate: 100,
		PerModule: map[string]ModuleConfig{
			"idle": {Capacity: 5, RefillRate: 1},
		},
	})
	rl.Admit("idle", 0, false)
	if _, ok := rl.modules.Load("idle"); !ok {
		t.Fatalf("expected module bucket to exist after first use")
	}
	rl.Cleanup(0) // everything is "older" than 0 duration ago
	if _, ok := rl.modules.Load("idle"); ok {
		t.Fatalf("expected idle module bucket to be evicted")
	}
}

func TestRateLimiter_ConcurrentAdmitIsSafe(t *testing.T) {
	rl := New(Config{GlobalCapacity: 1000, GlobalRefillRate: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rl.Admit("mod", 0, false)
		}(i)
	}
	wg.Wait()
}
