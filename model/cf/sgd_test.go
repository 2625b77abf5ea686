// Copyright 2021 gorse Project Authors
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

package cf

import (
	"context"
	"math"
	"strconv"
	"testing"

	"github.com/chewxy/math32"
	"github.com/gorse-io/gorse-lite/common/floats"
	"github.com/gorse-io/gorse-lite/common/log"
	"github.com/gorse-io/gorse-lite/common/progress"
	"github.com/gorse-io/gorse-lite/model"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.CloseLogger()
	m.Run()
}

// newInteractions creates nUsers x nItems interactions where user u rated
// item i iff (u+i) is not divisible by 3.
func newInteractions(nUsers, nItems int) map[string]map[string]float32 {
	interactions := make(map[string]map[string]float32)
	for u := 0; u < nUsers; u++ {
		items := make(map[string]float32)
		for i := 0; i < nItems; i++ {
			if (u+i)%3 != 0 {
				items[strconv.Itoa(i)] = float32(1 + (u*i)%5)
			}
		}
		interactions[strconv.Itoa(u)] = items
	}
	return interactions
}

func TestSGD_SmallScenario(t *testing.T) {
	interactions := map[string]map[string]float32{
		"0": {"0": 1, "1": 1},
		"1": {"1": 1, "2": 1},
		"2": {"2": 1, "3": 1},
	}
	m := NewSGD(model.Params{
		model.NFactors:  2,
		model.NEpochs:   1,
		model.BatchSize: 2,
	})
	score, err := m.Fit(context.Background(), interactions, nil)
	require.NoError(t, err)
	assert.False(t, math32.IsNaN(score.RMSE))
	assert.Equal(t, int32(3), m.GetUserIndex().Count())
	assert.Equal(t, int32(4), m.GetItemIndex().Count())
	for u := 0; u < 3; u++ {
		for i := 0; i < 4; i++ {
			p := m.Predict(strconv.Itoa(u), strconv.Itoa(i))
			assert.False(t, math.IsNaN(float64(p)) || math.IsInf(float64(p), 0))
		}
	}
}

func TestSGD_Predict(t *testing.T) {
	m := NewSGD(model.Params{model.NFactors: 4, model.NEpochs: 3})
	// not fitted
	assert.True(t, m.Invalid())
	assert.Zero(t, m.Predict("0", "0"))
	assert.False(t, m.IsUserPredictable(0))

	_, err := m.Fit(context.Background(), newInteractions(5, 6), nil)
	require.NoError(t, err)
	assert.False(t, m.Invalid())
	userIndex := m.GetUserIndex().Id("1")
	itemIndex := m.GetItemIndex().Id("2")
	assert.Equal(t, m.Predict("1", "2"), m.InternalPredict(userIndex, itemIndex))
	assert.Equal(t, m.InternalPredict(userIndex, itemIndex),
		floats.Dot(m.GetUserFactor(userIndex), m.GetItemFactor(itemIndex)))
	// deterministic
	assert.Equal(t, m.Predict("1", "2"), m.Predict("1", "2"))
	// unknown entities
	assert.Zero(t, m.Predict("unknown", "2"))
	assert.Zero(t, m.Predict("1", "unknown"))
	assert.True(t, m.IsUserPredictable(userIndex))
	assert.True(t, m.IsItemPredictable(itemIndex))
	assert.False(t, m.IsUserPredictable(math.MaxInt32))
	assert.False(t, m.IsItemPredictable(-1))
	assert.Zero(t, m.InternalPredict(-1, itemIndex))

	m.Clear()
	assert.True(t, m.Invalid())
	assert.Zero(t, m.Predict("1", "2"))
}

func TestSGD_Reproducible(t *testing.T) {
	params := model.Params{
		model.NFactors:    8,
		model.NEpochs:     5,
		model.BatchSize:   7,
		model.RandomState: 42,
	}
	a := NewSGD(params)
	b := NewSGD(params)
	scoreA, err := a.Fit(context.Background(), newInteractions(20, 30), nil)
	require.NoError(t, err)
	scoreB, err := b.Fit(context.Background(), newInteractions(20, 30), nil)
	require.NoError(t, err)
	assert.Equal(t, scoreA, scoreB)
	assert.Equal(t, a.UserFactor, b.UserFactor)
	assert.Equal(t, a.ItemFactor, b.ItemFactor)
	assert.Equal(t, a.GetItemIndex().ToSlice(), b.GetItemIndex().ToSlice())

	// refitting the same model restarts the random sequence
	userFactor := floats.MatCopy(a.UserFactor)
	_, err = a.Fit(context.Background(), newInteractions(20, 30), nil)
	require.NoError(t, err)
	assert.Equal(t, userFactor, a.UserFactor)

	// another seed gives other factors
	c := NewSGD(params.Overwrite(model.Params{model.RandomState: 7}))
	_, err = c.Fit(context.Background(), newInteractions(20, 30), nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.UserFactor, c.UserFactor)
}

func TestSGD_Converge(t *testing.T) {
	interactions := newInteractions(20, 30)
	params := model.Params{
		model.NFactors:  8,
		model.Lr:        0.02,
		model.Reg:       0.001,
		model.BatchSize: 16,
	}
	initial, err := NewSGD(params.Overwrite(model.Params{model.NEpochs: 0})).
		Fit(context.Background(), interactions, nil)
	require.NoError(t, err)
	trained, err := NewSGD(params.Overwrite(model.Params{model.NEpochs: 200})).
		Fit(context.Background(), interactions, NewFitConfig().SetVerbose(50))
	require.NoError(t, err)
	assert.Less(t, trained.RMSE, initial.RMSE)
}

func TestSGD_InvalidArgument(t *testing.T) {
	m := NewSGD(model.Params{model.NFactors: 2})
	_, err := m.Fit(context.Background(), nil, nil)
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = m.Fit(context.Background(), map[string]map[string]float32{"0": {}}, nil)
	assert.True(t, errors.Is(err, errors.NotValid))
	assert.True(t, m.Invalid())

	for _, params := range []model.Params{
		{model.NFactors: 0},
		{model.NFactors: -1},
		{model.BatchSize: 0},
		{model.NEpochs: -1},
	} {
		_, err = NewSGD(params).Fit(context.Background(), newInteractions(3, 4), nil)
		assert.True(t, errors.Is(err, errors.NotValid), params)
	}
}

func TestSGD_Atomic(t *testing.T) {
	m := NewSGD(model.Params{model.NFactors: 4, model.NEpochs: 2})
	_, err := m.Fit(context.Background(), newInteractions(5, 6), nil)
	require.NoError(t, err)
	before := m.Predict("1", "2")
	userFactor := floats.MatCopy(m.UserFactor)

	// invalid arguments
	m.SetParams(model.Params{model.NFactors: 0})
	_, err = m.Fit(context.Background(), newInteractions(8, 8), nil)
	assert.Error(t, err)
	assert.Equal(t, before, m.Predict("1", "2"))
	assert.Equal(t, userFactor, m.UserFactor)

	// canceled
	m.SetParams(model.Params{model.NFactors: 4, model.NEpochs: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Fit(ctx, newInteractions(8, 8), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, m.Predict("1", "2"))
	assert.Equal(t, int32(5), m.GetUserIndex().Count())
}

func TestSGD_Progress(t *testing.T) {
	var last progress.Progress
	tracer := progress.NewTracer("test").OnChange(func(p progress.Progress) {
		if p.Name == "SGD.Fit" {
			last = p
		}
	})
	ctx, span := tracer.Start(context.Background(), "fit", 1)
	m := NewSGD(model.Params{model.NFactors: 2, model.NEpochs: 3})
	_, err := m.Fit(ctx, newInteractions(4, 4), nil)
	require.NoError(t, err)
	span.End()
	assert.Equal(t, 3, last.Total)
	assert.Equal(t, 3, last.Count)
	assert.Equal(t, progress.StatusComplete, last.Status)
}

// referenceUpdate applies a mini-batch one sample at a time, reading rows as
// they were before the batch and overwriting the stored rows.
func referenceUpdate(userFactor, itemFactor [][]float32, batch []sample, lr, reg float32) {
	oldUser := floats.MatCopy(userFactor)
	oldItem := floats.MatCopy(itemFactor)
	k := len(userFactor[0])
	for _, s := range batch {
		p, q := oldUser[s.user], oldItem[s.item]
		e := s.rating - floats.Dot(p, q)
		gradP := make([]float32, k)
		floats.MulConstTo(q, -2*e, gradP)
		floats.MulConstAdd(p, 2*reg, gradP)
		gradQ := make([]float32, k)
		floats.MulConstTo(p, -2*e, gradQ)
		floats.MulConstAdd(q, 2*reg, gradQ)
		copy(userFactor[s.user], p)
		floats.MulConstAdd(gradP, -lr, userFactor[s.user])
		copy(itemFactor[s.item], q)
		floats.MulConstAdd(gradQ, -lr, itemFactor[s.item])
	}
}

func TestSGD_UpdateBatch(t *testing.T) {
	m := NewSGD(model.Params{model.NFactors: 3, model.Lr: 0.1, model.Reg: 0.05})
	rng := m.GetRandomGenerator()
	userFactor := rng.NormalMatrix(3, 3, 0, 0.5)
	itemFactor := rng.NormalMatrix(4, 3, 0, 0.5)
	// user 0 and item 2 repeat within the batch
	batch := []sample{
		{user: 0, item: 1, rating: 1},
		{user: 1, item: 2, rating: 2},
		{user: 0, item: 3, rating: 3},
		{user: 2, item: 2, rating: 4},
	}
	expectedUser := floats.MatCopy(userFactor)
	expectedItem := floats.MatCopy(itemFactor)
	referenceUpdate(expectedUser, expectedItem, batch, 0.1, 0.05)
	untouched := floats.MatCopy(itemFactor[0:1])

	m.updateBatch(userFactor, itemFactor, batch, newBatchBuffer(len(batch), 3))
	assert.Equal(t, expectedUser, userFactor)
	assert.Equal(t, expectedItem, itemFactor)
	assert.Equal(t, untouched[0], itemFactor[0])
}

func TestSGD_LastWriteWins(t *testing.T) {
	m := NewSGD(model.Params{model.NFactors: 2, model.Lr: 0.5, model.Reg: 0})
	userFactor := [][]float32{{1, 0}}
	itemFactor := [][]float32{{1, 0}, {0, 1}}
	batch := []sample{
		{user: 0, item: 0, rating: 3},
		{user: 0, item: 1, rating: 5},
	}
	m.updateBatch(userFactor, itemFactor, batch, newBatchBuffer(2, 2))
	// second sample: e = 5 - 0 = 5, grad = -10 * q_1 = (0, -10), p = (1, 0) + 0.5 * (0, 10)
	assert.Equal(t, []float32{1, 5}, userFactor[0])
	// first sample: e = 3 - 1 = 2, grad_q = -4 * p = (-4, 0), q_0 = (1, 0) + 0.5 * (4, 0)
	assert.Equal(t, []float32{3, 0}, itemFactor[0])
	// second sample: grad_q = -10 * p = (-10, 0), q_1 = (0, 1) + 0.5 * (10, 0)
	assert.Equal(t, []float32{5, 1}, itemFactor[1])
}
