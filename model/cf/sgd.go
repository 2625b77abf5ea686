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
	"fmt"
	"sort"
	"time"

	"github.com/chewxy/math32"
	"github.com/gorse-io/gorse-lite/common/floats"
	"github.com/gorse-io/gorse-lite/common/log"
	"github.com/gorse-io/gorse-lite/common/progress"
	"github.com/gorse-io/gorse-lite/common/util"
	"github.com/gorse-io/gorse-lite/dataset"
	"github.com/gorse-io/gorse-lite/model"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// SGD factorizes the user-item weight matrix R into user factors P and item
// factors Q by minimizing the regularized squared error
//
//	\sum_{(u,i)} (r_{ui} - p_u^T q_i)^2 + \lambda (||p_u||^2 + ||q_i||^2)
//
// with mini-batch stochastic gradient descent.
//
// Hyper-parameters:
//
//	 NFactors	- The number of latent factors. Default is 32.
//	 NEpochs	- The number of passes over the training samples. Default is 5.
//	 Lr 		- The learning rate of SGD. Default is 0.01.
//	 Reg 		- The regularization parameter. Default is 0.01.
//	 BatchSize	- The number of samples per mini-batch. Default is 256.
//	 InitMean	- The mean of initial random latent factors. Default is 0.
//	 InitStdDev	- The standard deviation of initial random latent factors. Default is 0.1.
//	 RandomState	- The seed of the random generator. Default is 0.
type SGD struct {
	BaseMatrixFactorization
	// Hyper parameters
	nFactors   int
	nEpochs    int
	batchSize  int
	lr         float32
	reg        float32
	initMean   float32
	initStdDev float32
}

// NewSGD creates a SGD model.
func NewSGD(params model.Params) *SGD {
	sgd := new(SGD)
	sgd.SetParams(params)
	return sgd
}

// SetParams sets hyper-parameters of the SGD model.
func (sgd *SGD) SetParams(params model.Params) {
	sgd.BaseMatrixFactorization.SetParams(params)
	sgd.nFactors = sgd.Params.GetInt(model.NFactors, 32)
	sgd.nEpochs = sgd.Params.GetInt(model.NEpochs, 5)
	sgd.batchSize = sgd.Params.GetInt(model.BatchSize, 256)
	sgd.lr = sgd.Params.GetFloat32(model.Lr, 0.01)
	sgd.reg = sgd.Params.GetFloat32(model.Reg, 0.01)
	sgd.initMean = sgd.Params.GetFloat32(model.InitMean, 0)
	sgd.initStdDev = sgd.Params.GetFloat32(model.InitStdDev, 0.1)
}

// sample is a training triple in index space.
type sample struct {
	user   int32
	item   int32
	rating float32
}

func (sgd *SGD) validate(interactions map[string]map[string]float32) error {
	if sgd.nFactors <= 0 {
		return errors.NotValidf("number of factors %d", sgd.nFactors)
	}
	if sgd.nEpochs < 0 {
		return errors.NotValidf("number of epochs %d", sgd.nEpochs)
	}
	if sgd.batchSize <= 0 {
		return errors.NotValidf("batch size %d", sgd.batchSize)
	}
	if math32.IsNaN(sgd.lr) || math32.IsNaN(sgd.reg) {
		return errors.NotValidf("learning rate %v or regularization %v", sgd.lr, sgd.reg)
	}
	if lo.EveryBy(lo.Values(interactions), func(items map[string]float32) bool { return len(items) == 0 }) {
		return errors.NotValidf("empty interactions")
	}
	return nil
}

// buildSamples assigns indices in ascending id order so equal inputs always
// produce equal indices.
func buildSamples(interactions map[string]map[string]float32) (*dataset.FreqDict, *dataset.FreqDict, []sample) {
	userIndex := dataset.NewFreqDict()
	itemIndex := dataset.NewFreqDict()
	users := lo.Keys(interactions)
	sort.Strings(users)
	items := lo.Uniq(lo.FlatMap(users, func(userId string, _ int) []string {
		return lo.Keys(interactions[userId])
	}))
	sort.Strings(items)
	for _, itemId := range items {
		itemIndex.Add(itemId)
	}
	var samples []sample
	for _, userId := range users {
		userItems := lo.Keys(interactions[userId])
		if len(userItems) == 0 {
			continue
		}
		sort.Strings(userItems)
		u := userIndex.Add(userId)
		for _, itemId := range userItems {
			samples = append(samples, sample{user: u, item: itemIndex.Id(itemId), rating: interactions[userId][itemId]})
		}
	}
	return userIndex, itemIndex, samples
}

// Fit the SGD model. Tables are replaced only after every epoch completes;
// on error the previous model is left untouched.
func (sgd *SGD) Fit(ctx context.Context, interactions map[string]map[string]float32, config *FitConfig) (Score, error) {
	if config == nil {
		config = NewFitConfig()
	}
	if err := sgd.validate(interactions); err != nil {
		return Score{}, errors.Trace(err)
	}
	userIndex, itemIndex, samples := buildSamples(interactions)
	log.Logger().Info("fit sgd",
		zap.Int32("n_users", userIndex.Count()),
		zap.Int32("n_items", itemIndex.Count()),
		zap.Int("n_samples", len(samples)),
		zap.Any("params", sgd.GetParams()))
	// Initialize parameters
	sgd.ResetRandomGenerator()
	rng := sgd.GetRandomGenerator()
	userFactor := rng.NormalMatrix(int(userIndex.Count()), sgd.nFactors, sgd.initMean, sgd.initStdDev)
	itemFactor := rng.NormalMatrix(int(itemIndex.Count()), sgd.nFactors, sgd.initMean, sgd.initStdDev)
	buffer := newBatchBuffer(min(sgd.batchSize, len(samples)), sgd.nFactors)
	// Training
	var score Score
	_, span := progress.Start(ctx, "SGD.Fit", sgd.nEpochs)
	for epoch := 1; epoch <= sgd.nEpochs; epoch++ {
		fitStart := time.Now()
		util.ShuffleSlice(rng, samples)
		for begin := 0; begin < len(samples); begin += sgd.batchSize {
			if err := ctx.Err(); err != nil {
				span.Fail(err)
				return Score{}, errors.Trace(err)
			}
			end := min(begin+sgd.batchSize, len(samples))
			sgd.updateBatch(userFactor, itemFactor, samples[begin:end], buffer)
		}
		fitTime := time.Since(fitStart)
		if config.Verbose > 0 && (epoch%config.Verbose == 0 || epoch == sgd.nEpochs) {
			score = evaluate(userFactor, itemFactor, samples)
			log.Logger().Debug(fmt.Sprintf("fit sgd %v/%v", epoch, sgd.nEpochs),
				zap.String("fit_time", fitTime.String()),
				zap.Float32("RMSE", score.RMSE))
		}
		span.Add(1)
	}
	span.End()
	score = evaluate(userFactor, itemFactor, samples)
	sgd.Init(userIndex, itemIndex, userFactor, itemFactor)
	log.Logger().Info("fit sgd complete", zap.Float32("RMSE", score.RMSE))
	return score, nil
}

// batchBuffer holds gathered rows and gradients of one mini-batch.
type batchBuffer struct {
	userRows  [][]float32
	itemRows  [][]float32
	userGrads [][]float32
	itemGrads [][]float32
	residuals []float32
}

func newBatchBuffer(batchSize, nFactors int) *batchBuffer {
	newMatrix := func() [][]float32 {
		m := make([][]float32, batchSize)
		for i := range m {
			m[i] = make([]float32, nFactors)
		}
		return m
	}
	return &batchBuffer{
		userRows:  newMatrix(),
		itemRows:  newMatrix(),
		userGrads: newMatrix(),
		itemGrads: newMatrix(),
		residuals: make([]float32, batchSize),
	}
}

// updateBatch applies one mini-batch step. Every gradient is computed from the
// rows as they were before the batch, then rows are written back in sample
// order: a row that appears several times in a batch keeps the update of its
// last sample.
func (sgd *SGD) updateBatch(userFactor, itemFactor [][]float32, batch []sample, buffer *batchBuffer) {
	// gather
	for j, s := range batch {
		copy(buffer.userRows[j], userFactor[s.user])
		copy(buffer.itemRows[j], itemFactor[s.item])
	}
	// residual = r - p_u^T q_i
	for j, s := range batch {
		buffer.residuals[j] = s.rating - floats.Dot(buffer.userRows[j], buffer.itemRows[j])
	}
	// grad_p = -2 e q_i + 2 \lambda p_u, grad_q = -2 e p_u + 2 \lambda q_i
	for j := range batch {
		floats.MulConstTo(buffer.itemRows[j], -2*buffer.residuals[j], buffer.userGrads[j])
		floats.MulConstAdd(buffer.userRows[j], 2*sgd.reg, buffer.userGrads[j])
		floats.MulConstTo(buffer.userRows[j], -2*buffer.residuals[j], buffer.itemGrads[j])
		floats.MulConstAdd(buffer.itemRows[j], 2*sgd.reg, buffer.itemGrads[j])
	}
	// scatter: row = row - lr * grad
	for j, s := range batch {
		copy(userFactor[s.user], buffer.userRows[j])
		floats.MulConstAdd(buffer.userGrads[j], -sgd.lr, userFactor[s.user])
		copy(itemFactor[s.item], buffer.itemRows[j])
		floats.MulConstAdd(buffer.itemGrads[j], -sgd.lr, itemFactor[s.item])
	}
}

// evaluate returns the root mean squared error on samples.
func evaluate(userFactor, itemFactor [][]float32, samples []sample) Score {
	if len(samples) == 0 {
		return Score{}
	}
	var sum float32
	for _, s := range samples {
		e := s.rating - floats.Dot(userFactor[s.user], itemFactor[s.item])
		sum += e * e
	}
	return Score{RMSE: math32.Sqrt(sum / float32(len(samples)))}
}
