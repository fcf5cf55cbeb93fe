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

// Change describes the difference between two catalog snapshots of one
// capability class.
type Change[T any] struct {
	Added     []T
	Removed   []T
	Unchanged []T
}

// Empty reports whether the snapshot did not change.
func (c Change[T]) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// index is an insertion-ordered map. Later arrival overwrites earlier under
// the same key; iteration order is stable so capability diffs are stable.
type index[T any] struct {
	keys  []string
	items map[string]T
}

func newIndex[T any]() *index[T] {
	return &index[T]{items: make(map[string]T)}
}

// replace swaps the full contents for the incoming snapshot and returns the
// resulting Change. Entries with empty keys are dropped.
func (ix *index[T]) replace(incoming []T, keyFn func(T) string) Change[T] {
	previousKeys := ix.keys
	previous := ix.items

	ix.keys = nil
	ix.items = make(map[string]T, len(incoming))
	for _, item := range incoming {
		key := keyFn(item)
		if key == "" {
			continue
		}
		if _, exists := ix.items[key]; !exists {
			ix.keys = append(ix.keys, key)
		}
		ix.items[key] = item
	}

	var change Change[T]
	for _, key := range ix.keys {
		if _, existed := previous[key]; existed {
			change.Unchanged = append(change.Unchanged, ix.items[key])
		} else {
			change.Added = append(change.Added, ix.items[key])
		}
	}
	for _, key := range previousKeys {
		if _, exists := ix.items[key]; !exists {
			change.Removed = append(change.Removed, previous[key])
		}
	}

	return change
}

func (ix *index[T]) get(key string) (T, bool) {
	item, ok := ix.items[key]
	return item, ok
}

func (ix *index[T]) has(key string) bool {
	_, ok := ix.items[key]
	return ok
}

func (ix *index[T]) values() []T {
	out := make([]T, 0, len(ix.keys))
	for _, key := range ix.keys {
		out = append(out, ix.items[key])
	}
	return out
}

func (ix *index[T]) names() []string {
	return append([]string(nil), ix.keys...)
}
