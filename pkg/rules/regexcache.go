// Copyright 2025 Tom Barlow
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

package rules

import (
	"container/list"
	"regexp"
	"sync"
)

// regexCache is a bounded LRU of compiled patterns. The spec treats
// caching as a pure optimization — matches() semantics must not depend on
// it — so eviction order is only a performance concern, never correctness.
type regexCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List
}

type regexCacheEntry struct {
	pattern string
	re      *regexp.Regexp
}

func newRegexCache(capacity int) *regexCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &regexCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *regexCache) compile(pattern string) (*regexp.Regexp, error) {
	c.mu.Lock()
	if el, ok := c.entries[pattern]; ok {
		c.order.MoveToFront(el)
		re := el.Value.(*regexCacheEntry).re
		c.mu.Unlock()
		return re, nil
	}
	c.mu.Unlock()

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[pattern]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*regexCacheEntry).re, nil
	}
	el := c.order.PushFront(&regexCacheEntry{pattern: pattern, re: re})
	c.entries[pattern] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*regexCacheEntry).pattern)
		}
	}
	return re, nil
}
