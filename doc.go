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

// Package auditcore is the user-facing facade over the structured logging
// and audit pipeline: admission control, sanitization, adaptive buffering,
// batch sequencing, and sink fan-out with retry, DLQ, and a persistent
// on-disk queue for the network sink.
//
// A Logger is bound to one module at construction and drives its own
// RateLimiter, AdaptiveBuffer, BatchSequencer, and SinkRouter. Validation
// failures never reach the pipeline; they are returned directly as
// *ConfigurationError or the logrecord package's own invalid-record error.
package auditcore
