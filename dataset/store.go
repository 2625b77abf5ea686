// Copyright 2025 gorse Project Authors
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

package dataset

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samber/lo"
)

// InteractionStore holds sparse user-item interactions in memory. It is not
// safe for concurrent writers.
type InteractionStore struct {
	interactions map[string]map[string]float32
	itemUsers    map[string]mapset.Set[string]
	popularity   map[string]int
	count        int
}

func NewInteractionStore() *InteractionStore {
	return &InteractionStore{
		interactions: make(map[string]map[string]float32),
		itemUsers:    make(map[string]mapset.Set[string]),
		popularity:   make(map[string]int),
	}
}

// Record adds weight to the (user, item) total and bumps the item popularity
// by one, regardless of the weight.
func (s *InteractionStore) Record(userId, itemId string, weight float32) {
	items, ok := s.interactions[userId]
	if !ok {
		items = make(map[string]float32)
		s.interactions[userId] = items
	}
	if _, exist := items[itemId]; !exist {
		s.count++
	}
	items[itemId] += weight
	users, ok := s.itemUsers[itemId]
	if !ok {
		users = mapset.NewThreadUnsafeSet[string]()
		s.itemUsers[itemId] = users
	}
	users.Add(userId)
	s.popularity[itemId]++
}

// RecordOne records an interaction with unit weight.
func (s *InteractionStore) RecordOne(userId, itemId string) {
	s.Record(userId, itemId, 1)
}

// InteractionsFor returns a copy of item weights of a user. Unknown users get
// an empty map.
func (s *InteractionStore) InteractionsFor(userId string) map[string]float32 {
	items, ok := s.interactions[userId]
	if !ok {
		return map[string]float32{}
	}
	return lo.Assign(items)
}

// Seen returns the set of items a user has interacted with.
func (s *InteractionStore) Seen(userId string) mapset.Set[string] {
	return mapset.NewThreadUnsafeSet(lo.Keys(s.interactions[userId])...)
}

// Popularity returns the number of Record calls for an item.
func (s *InteractionStore) Popularity(itemId string) int {
	return s.popularity[itemId]
}

// ItemUsers returns a copy of the set of users who interacted with an item.
func (s *InteractionStore) ItemUsers(itemId string) mapset.Set[string] {
	users, ok := s.itemUsers[itemId]
	if !ok {
		return mapset.NewThreadUnsafeSet[string]()
	}
	return users.Clone()
}

// Interactions returns a snapshot of every user's item weights.
func (s *InteractionStore) Interactions() map[string]map[string]float32 {
	return lo.MapValues(s.interactions, func(items map[string]float32, _ string) map[string]float32 {
		return lo.Assign(items)
	})
}

func (s *InteractionStore) CountUsers() int {
	return len(s.interactions)
}

func (s *InteractionStore) CountItems() int {
	return len(s.itemUsers)
}

// CountInteractions returns the number of distinct (user, item) pairs.
func (s *InteractionStore) CountInteractions() int {
	return s.count
}

// Users returns user ids in ascending order.
func (s *InteractionStore) Users() []string {
	users := lo.Keys(s.interactions)
	sort.Strings(users)
	return users
}

// Items returns item ids in ascending order.
func (s *InteractionStore) Items() []string {
	items := lo.Keys(s.itemUsers)
	sort.Strings(items)
	return items
}
