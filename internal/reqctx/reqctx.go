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

// Package reqctx supplies the pipeline with whatever correlation/trace
// identifiers the currently-executing task carries. It is a collaborator
// interface only: the pipeline never reaches into runtime or
// distributed-trace internals itself, it calls Provider at
// record-construction time and treats a failure to resolve a field as
// that field simply being absent, never as an error to raise.
package reqctx

import "auditcore/pkg/logrecord"

// Provider supplies the ambient request identifiers for the
// currently-executing task.
type Provider interface {
	Resolve() logrecord.IDs
}

// NoopProvider resolves to an empty IDs value, used when no distributed
// tracing or request-scoped correlation is configured.
type NoopProvider struct{}

func (NoopProvider) Resolve() logrecord.IDs { return logrecord.IDs{} }

// StaticProvider always resolves to the same fixed IDs, useful for tests
// and single-process demos where every record shares one correlation
// scope.
type StaticProvider struct{ IDs logrecord.IDs }

func (p StaticProvider) Resolve() logrecord.IDs { return p.IDs }

// FuncProvider adapts a plain function to Provider.
type FuncProvider func() logrecord.IDs

func (f FuncProvider) Resolve() logrecord.IDs { return f() }
