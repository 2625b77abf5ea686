// Copyright 2024 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package recommend

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Candidate is a scored item.
type Candidate struct {
	ItemId string
	Score  float32
}

// Entry is a ranked candidate prefix. Complete is set when Candidates holds
// every rankable item, so the entry can serve any length.
type Entry struct {
	Candidates []Candidate
	Complete   bool
}

// Serves reports whether the entry holds enough candidates for n results.
func (e Entry) Serves(n int) bool {
	return e.Complete || len(e.Candidates) >= n
}

// CandidateCache stores ranked candidates per user.
type CandidateCache struct {
	entries *ttlcache.Cache[string, Entry]
}

// NewCandidateCache creates a cache. Entries never expire if ttl is zero.
func NewCandidateCache(ttl time.Duration) *CandidateCache {
	return &CandidateCache{
		entries: ttlcache.New(
			ttlcache.WithTTL[string, Entry](ttl),
			ttlcache.WithDisableTouchOnHit[string, Entry](),
		),
	}
}

func (c *CandidateCache) Get(userId string) (Entry, bool) {
	item := c.entries.Get(userId)
	if item == nil {
		return Entry{}, false
	}
	return item.Value(), true
}

func (c *CandidateCache) Set(userId string, entry Entry) {
	c.entries.Set(userId, entry, ttlcache.DefaultTTL)
}

func (c *CandidateCache) Delete(userId string) {
	c.entries.Delete(userId)
}

func (c *CandidateCache) Clear() {
	c.entries.DeleteAll()
}

func (c *CandidateCache) Len() int {
	return c.entries.Len()
}
