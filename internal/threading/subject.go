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

package threading

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// replyPrefix matches one reply or forward marker, including localized
// forms and optional counters such as "Re[2]:" or "AW (3):".
var replyPrefix = regexp.MustCompile(
	`^\s*(?:re|fw|fwd|aw|wg|sv|vs|antw|tr|rif|r|enc|res|odp|ynt)\s*(?:\[\d+\]|\(\d+\))?\s*:\s*`,
)

var whitespace = regexp.MustCompile(`\s+`)

// NormalizeSubject reduces a subject to the key used for subject-based
// threading: NFC normalized, case folded, with every leading reply and
// forward marker removed and whitespace collapsed.
func NormalizeSubject(subject string) string {
	s := norm.NFC.String(subject)
	s = cases.Fold().String(s)
	s = strings.ReplaceAll(s, "：", ":")

	for {
		stripped := replyPrefix.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}

	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
