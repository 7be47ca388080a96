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

package auditcore

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"auditcore/internal/ratelimit"
	"auditcore/internal/sinks"
	"auditcore/pkg/logrecord"
)

func TestNew_RejectsEmptyModule(t *testing.T) {
	_, err := New("", Config{})
	if err == nil {
		t.Fatal("expected an error for an empty module")
	}
	var cfgErr *ConfigurationError
	if !asConfigurationError(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %T: %v", err, err)
	}
}

func TestNew_DefaultsToStdoutWhenNoSinkConfigured(t *testing.T) {
	l, err := New("svc", Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()
	if len(l.p.router.Sinks()) != 1 || l.p.router.Sinks()[0] != "stdout" {
		t.Fatalf("expected default stdout sink, got %v", l.p.router.Sinks())
	}
}

func TestNew_RejectsNetworkWithoutEndpoint(t *testing.T) {
	_, err := New("svc", Config{Network: &sinks.NetworkConfig{}})
	if err == nil {
		t.Fatal("expected a configuration error")
	}
}

func TestNew_RejectsInvalidModuleLevel(t *testing.T) {
	_, err := New("svc", Config{ModuleLevels: map[string]logrecord.Level{"svc": logrecord.Level(99)}})
	if err == nil {
		t.Fatal("expected a configuration error")
	}
}

func TestLogger_WritesAndFlushesToFileSink(t *testing.T) {
	dir := t.TempDir()
	l, err := New("billing", Config{
		File: &sinks.FileConfig{Dir: dir},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	outcome := l.WithContext("requestId", "r-1").Info("charge processed", map[string]interface{}{
		"amount": 42,
	})
	if !outcome.Accepted {
		t.Fatalf("expected Accepted outcome, got %+v", outcome)
	}

	res := l.Flush(2 * time.Second)
	if !res.Drained {
		t.Fatalf("expected Flush to drain, got %+v", res)
	}

	line := readOnlyLogLine(t, dir, "billing")
	var wire map[string]interface{}
	if err := json.Unmarshal([]byte(line), &wire); err != nil {
		t.Fatalf("unmarshal wire record: %v", err)
	}
	if wire["message"] != "charge processed" {
		t.Fatalf("unexpected message: %v", wire["message"])
	}
	ctx, _ := wire["context"].(map[string]interface{})
	if ctx["requestId"] != "r-1" {
		t.Fatalf("expected withContext field to survive, got %+v", ctx)
	}
}

func TestLogger_LevelFilterDropsBelowThreshold(t *testing.T) {
	warn := logrecord.LevelWarn
	l, err := New("svc", Config{DefaultLevel: &warn})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	outcome := l.Debug("noisy", nil)
	if outcome.Accepted || outcome.Throttled || outcome.Backpressured || outcome.Err != nil {
		t.Fatalf("expected a filtered, all-false outcome, got %+v", outcome)
	}

	outcome = l.Warn("worth keeping", nil)
	if !outcome.Accepted {
		t.Fatalf("expected Warn at Warn threshold to be accepted, got %+v", outcome)
	}
}

func TestLogger_RateLimiterThrottlesSecondCall(t *testing.T) {
	l, err := New("svc", Config{
		RateLimiter: ratelimit.Config{GlobalCapacity: 1, GlobalRefillRate: 0},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	first := l.Info("one", nil)
	if !first.Accepted {
		t.Fatalf("expected first call admitted, got %+v", first)
	}
	second := l.Info("two", nil)
	if !second.Throttled {
		t.Fatalf("expected second call throttled, got %+v", second)
	}
}

func TestLogger_CloseIsIdempotent(t *testing.T) {
	l, err := New("svc", Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestLogger_RejectsOperationsAfterClose(t *testing.T) {
	l, err := New("svc", Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	outcome := l.Info("too late", nil)
	if outcome.Err != ErrPipelineClosed {
		t.Fatalf("expected ErrPipelineClosed, got %+v", outcome)
	}
}

func asConfigurationError(err error, target **ConfigurationError) bool {
	ce, ok := err.(*ConfigurationError)
	if !ok {
		return false
	}
	*target = ce
	return true
}

func readOnlyLogLine(t *testing.T, dir, module string) string {
	t.Helper()
	today := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(dir, module, today+".log")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatalf("expected at least one line in %s", path)
	}
	return scanner.Text()
}
