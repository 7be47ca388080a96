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
	"errors"
	"fmt"
)

// LoggingError is the error kind Logger itself raises for lifecycle
// failures that never reach the pipeline (ErrPipelineClosed); validation
// failures are *ConfigurationError or logrecord's *InvalidRecordError
// instead. Deeper-pipeline
// failures (sink retries, DLQ, circuit trips) are never raised to callers;
// they are captured in metrics instead.
type LoggingError struct {
	Kind string
	Err  error
}

func (e *LoggingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auditcore: %s", e.Kind)
	}
	return fmt.Sprintf("auditcore: %s: %v", e.Kind, e.Err)
}

func (e *LoggingError) Unwrap() error { return e.Err }

// ConfigurationError reports invalid Config at Logger construction. It is
// fatal to that Logger instance: New returns it and constructs nothing.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "auditcore: invalid configuration: " + e.Reason
}

// ErrPipelineClosed is returned as Outcome.Err by Log (and Debug, Info,
// Warn, Error) once Close has run.
var ErrPipelineClosed = &LoggingError{Kind: "PipelineClosed", Err: errors.New("logger is closed")}
