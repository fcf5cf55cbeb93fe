// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package adapter

import "sort"

// similarity computes the Ratcliff/Obershelp ratio between two strings:
// twice the number of matching characters divided by the total length,
// where matches are found by recursing around the longest common substring.
func similarity(a, b string) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 1.0
	}
	return 2.0 * float64(matchingChars(a, b)) / float64(total)
}

func matchingChars(a, b string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	startA, startB, length := longestCommonSubstring(a, b)
	if length == 0 {
		return 0
	}

	return length +
		matchingChars(a[:startA], b[:startB]) +
		matchingChars(a[startA+length:], b[startB+length:])
}

func longestCommonSubstring(a, b string) (startA, startB, length int) {
	// Dynamic programming over byte positions; inputs are short capability
	// names so the quadratic cost is irrelevant.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > length {
					length = curr[j]
					startA = i - length
					startB = j - length
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}
	return startA, startB, length
}

// closeMatches returns up to n candidates with similarity >= cutoff,
// best first; ties keep candidate order.
func closeMatches(word string, candidates []string, n int, cutoff float64) []string {
	type scored struct {
		name  string
		score float64
	}

	var matches []scored
	for _, candidate := range candidates {
		if score := similarity(word, candidate); score >= cutoff {
			matches = append(matches, scored{name: candidate, score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})

	if len(matches) > n {
		matches = matches[:n]
	}
	out := make([]string, 0, len(matches))
	for _, match := range matches {
		out = append(out, match.name)
	}
	return out
}
