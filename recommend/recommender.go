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
	"context"
	"runtime"
	"sort"
	"time"

	"github.com/gorse-io/gorse-lite/common/floats"
	"github.com/gorse-io/gorse-lite/common/heap"
	"github.com/gorse-io/gorse-lite/common/log"
	"github.com/gorse-io/gorse-lite/common/parallel"
	"github.com/gorse-io/gorse-lite/dataset"
	"github.com/gorse-io/gorse-lite/model/cf"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const DefaultPopularityWeight = 0.01

type Option func(*Recommender)

// WithPopularityWeight sets the factor of the popularity boost.
func WithPopularityWeight(weight float32) Option {
	return func(r *Recommender) {
		r.popularityWeight = weight
	}
}

// WithJobs sets the number of scoring workers.
func WithJobs(jobs int) Option {
	return func(r *Recommender) {
		r.jobs = max(jobs, 1)
	}
}

// WithCacheTTL bounds the lifetime of cached candidates.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Recommender) {
		r.cache = NewCandidateCache(ttl)
	}
}

// Recommender ranks unseen items for users by predicted weight plus a
// popularity boost. It is not safe for concurrent use with writers of the
// store or the model.
type Recommender struct {
	store            *dataset.InteractionStore
	model            cf.MatrixFactorization
	cache            *CandidateCache
	popularityWeight float32
	jobs             int
}

func NewRecommender(store *dataset.InteractionStore, model cf.MatrixFactorization, opts ...Option) *Recommender {
	r := &Recommender{
		store:            store,
		model:            model,
		cache:            NewCandidateCache(0),
		popularityWeight: DefaultPopularityWeight,
		jobs:             runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fit trains the model on current interactions and drops cached candidates.
func (r *Recommender) Fit(ctx context.Context, config *cf.FitConfig) (cf.Score, error) {
	start := time.Now()
	score, err := r.model.Fit(ctx, r.store.Interactions(), config)
	if err != nil {
		return cf.Score{}, errors.Trace(err)
	}
	MatrixFactorizationFitSeconds.Set(time.Since(start).Seconds())
	MatrixFactorizationRMSE.Set(float64(score.RMSE))
	r.cache.Clear()
	return score, nil
}

// Recommend returns at most k unseen items for a user, best first. Equal
// scores are ordered by item id.
func (r *Recommender) Recommend(userId string, k int) ([]Candidate, error) {
	if k <= 0 {
		return nil, errors.NotValidf("k = %d", k)
	}
	if r.model.Invalid() {
		return nil, errors.NotValidf("unfitted model")
	}
	start := time.Now()
	defer func() {
		RecommendSeconds.Observe(time.Since(start).Seconds())
	}()
	entry, ok := r.cache.Get(userId)
	if ok && entry.Serves(k) {
		CandidateCacheHitsTotal.Inc()
	} else {
		CandidateCacheMissesTotal.Inc()
		var err error
		if entry, err = r.rank(userId, k); err != nil {
			return nil, errors.Trace(err)
		}
		r.cache.Set(userId, entry)
		log.Logger().Debug("rank candidates",
			zap.String("user_id", userId),
			zap.Int("n", len(entry.Candidates)),
			zap.Bool("complete", entry.Complete))
	}
	n := min(k, len(entry.Candidates))
	result := make([]Candidate, n)
	copy(result, entry.Candidates[:n])
	return result, nil
}

// rank scores every item known to the model and keeps the top k unseen ones.
func (r *Recommender) rank(userId string, k int) (Entry, error) {
	itemIds := r.model.GetItemIndex().ToSlice()
	userIndex := r.model.GetUserIndex().Id(userId)
	nItems := len(itemIds)
	scores := make([]float32, nItems)
	chunks := parallel.Split(lo.Range(nItems), r.jobs)
	err := parallel.For(context.Background(), len(chunks), r.jobs, func(c int) {
		for _, i := range chunks[c] {
			scores[i] = r.model.InternalPredict(userIndex, int32(i)) +
				r.popularityWeight*float32(r.store.Popularity(itemIds[i]))
		}
	})
	if err != nil {
		return Entry{}, errors.Trace(err)
	}
	seen := r.store.Seen(userId)
	filter := heap.NewTopKFilter[string, float32](k)
	var nCandidates int
	for i, score := range scores {
		itemId := itemIds[i]
		if seen.Contains(itemId) {
			continue
		}
		filter.Push(itemId, score)
		nCandidates++
	}
	candidates := lo.Map(filter.PopAll(), func(e heap.Elem[string, float32], _ int) Candidate {
		return Candidate{ItemId: e.Value, Score: e.Weight}
	})
	return Entry{Candidates: candidates, Complete: nCandidates <= k}, nil
}

// Invalidate drops cached candidates of a user.
func (r *Recommender) Invalidate(userId string) {
	r.cache.Delete(userId)
}

// ClearCache drops all cached candidates.
func (r *Recommender) ClearCache() {
	r.cache.Clear()
}

// Neighbor is a user with its similarity to the query user.
type Neighbor struct {
	UserId     string
	Similarity float32
}

// SimilarUsers returns the k users whose interaction vectors are closest to
// the user's by cosine similarity. Equal similarities are ordered by user id.
func (r *Recommender) SimilarUsers(userId string, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, errors.NotValidf("k = %d", k)
	}
	target := r.store.InteractionsFor(userId)
	filter := heap.NewTopKFilter[string, float32](k)
	for _, other := range r.store.Users() {
		if other == userId {
			continue
		}
		filter.Push(other, sparseCosine(target, r.store.InteractionsFor(other)))
	}
	return lo.Map(filter.PopAll(), func(e heap.Elem[string, float32], _ int) Neighbor {
		return Neighbor{UserId: e.Value, Similarity: e.Weight}
	}), nil
}

// sparseCosine aligns two sparse vectors on the union of their keys.
func sparseCosine(a, b map[string]float32) float32 {
	keys := lo.Union(lo.Keys(a), lo.Keys(b))
	sort.Strings(keys)
	x := make([]float32, len(keys))
	y := make([]float32, len(keys))
	for i, key := range keys {
		x[i] = a[key]
		y[i] = b[key]
	}
	return floats.Cosine(x, y)
}
