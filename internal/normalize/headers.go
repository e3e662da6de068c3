// Copyright (c) 2026 John Earle
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

package normalize

import "strings"

// Field is one parsed header line.
type Field struct {
	Name  string
	Value string
}

// Headers is an ordered header block. Repeated names are kept in order.
type Headers []Field

// ParseHeaders parses an RFC 822 style header blob. A line that starts with
// non-whitespace begins a new header; a line that starts with whitespace
// continues the previous value and is joined with a single space. Lines
// without a colon that are not continuations are ignored.
func ParseHeaders(blob string) Headers {
	var out Headers
	blob = strings.ReplaceAll(blob, "\r\n", "\n")

	for _, line := range strings.Split(blob, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			if len(out) > 0 {
				last := &out[len(out)-1]
				cont := strings.TrimSpace(line)
				if last.Value == "" {
					last.Value = cont
				} else {
					last.Value += " " + cont
				}
			}
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out = append(out, Field{Name: name, Value: strings.TrimSpace(value)})
	}
	return out
}

// Get returns the value of the first header matching name, compared
// case-insensitively, or "" when absent.
func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether the header is present.
func (h Headers) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Map flattens the block into a map keyed by the header name as first
// seen. The first occurrence of a repeated header wins.
func (h Headers) Map() map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	seen := make(map[string]bool, len(h))
	for _, f := range h {
		key := strings.ToLower(f.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out[f.Name] = f.Value
	}
	return out
}
