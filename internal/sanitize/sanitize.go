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

// Package sanitize redacts sensitive fields and encoded secrets from a log
// record's context tree, whether plain, nested, or encoded. It never fails:
// malformed input is replaced by a sentinel string rather than an error.
package sanitize

import (
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"reflect"
	"regexp"
	"strings"
)

const maxDepth = 10

// sensitiveKeySubstrings are matched case-insensitively against context keys.
var sensitiveKeySubstrings = []string{
	"password", "passwd", "pass", "secret", "token", "apikey", "api_key",
	"auth", "credential", "bearer", "session", "access_token",
	"refresh_token", "private_key", "ssh_key", "passphrase", "hash", "key",
	"authorization", "oauth", "jwt",
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	ipv4Pattern  = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d{1,2})\.){3}(?:25[0-5]|2[0-4]\d|1?\d{1,2})\b`)
	phonePattern = regexp.MustCompile(`\b(?:\+?\d{1,2}[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`)
	hexPattern   = regexp.MustCompile(`^(?:[0-9a-fA-F]{2})+$`)
)

// Options configures a Sanitizer. The zero value masks none of the three PII
// categories and uses only the built-in sensitive-key substrings;
// DefaultOptions enables all three.
type Options struct {
	MaskEmails         bool
	MaskIPs            bool
	MaskPhones         bool
	ExtraSensitiveKeys []string
}

// DefaultOptions returns Options with every PII category enabled, matching
// the "configurable on/off, default on" contract in spec.md §4.2.
func DefaultOptions() Options {
	return Options{MaskEmails: true, MaskIPs: true, MaskPhones: true}
}

// Sanitizer redacts sensitive values from a context tree.
type Sanitizer struct {
	maskEmails  bool
	maskIPs     bool
	maskPhones  bool
	extraKeys   []string
}

// New constructs a Sanitizer from Options.
func New(opts Options) *Sanitizer {
	return &Sanitizer{
		maskEmails: opts.MaskEmails,
		maskIPs:    opts.MaskIPs,
		maskPhones: opts.MaskPhones,
		extraKeys:  append([]string(nil), opts.ExtraSensitiveKeys...),
	}
}

// Sanitize returns a redacted copy of ctx. It never fails and never shares
// mutable state with ctx.
func (s *Sanitizer) Sanitize(ctx map[string]interface{}) map[string]interface{} {
	if ctx == nil {
		return nil
	}
	visited := map[uintptr]bool{}
	out := s.sanitizeMap(ctx, visited, 1)
	return out
}

func (s *Sanitizer) sanitizeMap(m map[string]interface{}, visited map[uintptr]bool, depth int) map[string]interface{} {
	if depth > maxDepth {
		return map[string]interface{}{"_": "[MAX_DEPTH]"}
	}
	ptr := reflect.ValueOf(m).Pointer()
	if visited[ptr] {
		return map[string]interface{}{"_": "[CIRCULAR]"}
	}
	visited[ptr] = true
	defer delete(visited, ptr)

	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if s.isSensitiveKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = s.sanitizeValue(v, visited, depth+1)
	}
	return out
}

func (s *Sanitizer) sanitizeValue(v interface{}, visited map[uintptr]bool, depth int) interface{} {
	if depth > maxDepth {
		return "[MAX_DEPTH]"
	}
	switch t := v.(type) {
	case nil, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, []byte:
		return t
	case string:
		return s.sanitizeString(t)
	case map[string]interface{}:
		ptr := reflect.ValueOf(t).Pointer()
		if visited[ptr] {
			return "[CIRCULAR]"
		}
		visited[ptr] = true
		defer delete(visited, ptr)
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			if s.isSensitiveKey(k) {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = s.sanitizeValue(vv, visited, depth+1)
		}
		return out
	case []interface{}:
		if len(t) > 0 {
			ptr := reflect.ValueOf(t).Pointer()
			if visited[ptr] {
				return "[CIRCULAR]"
			}
			visited[ptr] = true
			defer delete(visited, ptr)
		}
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = s.sanitizeValue(vv, visited, depth+1)
		}
		return out
	default:
		return "[UNSERIALIZABLE]"
	}
}

func (s *Sanitizer) isSensitiveKey(key string) bool {
	lk := strings.ToLower(key)
	for _, sub := range sensitiveKeySubstrings {
		if strings.Contains(lk, sub) {
			return true
		}
	}
	for _, extra := range s.extraKeys {
		if extra != "" && strings.Contains(lk, strings.ToLower(extra)) {
			return true
		}
	}
	return false
}

// sanitizeString checks for encoded sensitive payloads first (base64, url,
// hex, in that order), then applies PII masking to whatever remains.
func (s *Sanitizer) sanitizeString(v string) string {
	if enc, ok := s.detectEncodedSensitive(v); ok {
		return "[ENCODED_SENSITIVE_DATA:" + enc + "]"
	}
	return s.maskPII(v)
}

func (s *Sanitizer) detectEncodedSensitive(v string) (string, bool) {
	if len(v) < 4 {
		return "", false
	}
	if decoded, err := base64Decode(v); err == nil && containsSensitiveKeyword(decoded) {
		return "base64", true
	}
	if decoded, err := url.QueryUnescape(v); err == nil && decoded != v && containsSensitiveKeyword(decoded) {
		return "url", true
	}
	if looksHex(v) {
		if decoded, err := hex.DecodeString(v); err == nil && containsSensitiveKeyword(string(decoded)) {
			return "hex", true
		}
	}
	return "", false
}

func base64Decode(v string) (string, error) {
	if b, err := base64.StdEncoding.DecodeString(v); err == nil {
		return string(b), nil
	}
	b, err := base64.RawStdEncoding.DecodeString(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func looksHex(v string) bool {
	return len(v)%2 == 0 && hexPattern.MatchString(v)
}

func containsSensitiveKeyword(s string) bool {
	ls := strings.ToLower(s)
	for _, sub := range sensitiveKeySubstrings {
		if strings.Contains(ls, sub) {
			return true
		}
	}
	return false
}

func (s *Sanitizer) maskPII(v string) string {
	out := v
	if s.maskEmails {
		out = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	}
	if s.maskIPs {
		out = ipv4Pattern.ReplaceAllString(out, "[REDACTED_IP]")
	}
	if s.maskPhones {
		out = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	}
	return out
}
