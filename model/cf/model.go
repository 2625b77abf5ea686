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

	"github.com/bits-and-blooms/bitset"
	"github.com/gorse-io/gorse-lite/common/floats"
	"github.com/gorse-io/gorse-lite/dataset"
	"github.com/gorse-io/gorse-lite/model"
)

type Score struct {
	RMSE float32
}

type FitConfig struct {
	Verbose int
}

func NewFitConfig() *FitConfig {
	return &FitConfig{
		Verbose: 1,
	}
}

func (config *FitConfig) SetVerbose(verbose int) *FitConfig {
	config.Verbose = verbose
	return config
}

type MatrixFactorization interface {
	model.Model
	// Fit a model with user-item weights.
	Fit(ctx context.Context, interactions map[string]map[string]float32, config *FitConfig) (Score, error)
	// Predict the rating given by a user (userId) to a item (itemId).
	Predict(userId, itemId string) float32
	// InternalPredict predicts rating given by a user index and a item index.
	InternalPredict(userIndex, itemIndex int32) float32
	// GetUserIndex returns user index.
	GetUserIndex() *dataset.FreqDict
	// GetItemIndex returns item index.
	GetItemIndex() *dataset.FreqDict
	// GetUserFactor returns latent factor of a user.
	GetUserFactor(userIndex int32) []float32
	// GetItemFactor returns latent factor of an item.
	GetItemFactor(itemIndex int32) []float32
	// IsUserPredictable returns false if the user was absent from the last training set.
	IsUserPredictable(userIndex int32) bool
	// IsItemPredictable returns false if the item was absent from the last training set.
	IsItemPredictable(itemIndex int32) bool
}

type BaseMatrixFactorization struct {
	model.BaseModel
	UserIndex       *dataset.FreqDict
	ItemIndex       *dataset.FreqDict
	UserPredictable *bitset.BitSet
	ItemPredictable *bitset.BitSet
	// Model parameters
	UserFactor [][]float32 // p_u
	ItemFactor [][]float32 // q_i
}

// Init installs trained tables. Every indexed user and item has at least one
// training sample, so all of them are predictable.
func (baseModel *BaseMatrixFactorization) Init(userIndex, itemIndex *dataset.FreqDict, userFactor, itemFactor [][]float32) {
	baseModel.UserIndex = userIndex
	baseModel.ItemIndex = itemIndex
	baseModel.UserFactor = userFactor
	baseModel.ItemFactor = itemFactor
	baseModel.UserPredictable = bitset.New(uint(userIndex.Count()))
	for i := int32(0); i < userIndex.Count(); i++ {
		if userIndex.Freq(i) > 0 {
			baseModel.UserPredictable.Set(uint(i))
		}
	}
	baseModel.ItemPredictable = bitset.New(uint(itemIndex.Count()))
	for i := int32(0); i < itemIndex.Count(); i++ {
		if itemIndex.Freq(i) > 0 {
			baseModel.ItemPredictable.Set(uint(i))
		}
	}
}

func (baseModel *BaseMatrixFactorization) GetUserIndex() *dataset.FreqDict {
	return baseModel.UserIndex
}

func (baseModel *BaseMatrixFactorization) GetItemIndex() *dataset.FreqDict {
	return baseModel.ItemIndex
}

// IsUserPredictable returns false if user has no feedback and its embedding vector never be trained.
func (baseModel *BaseMatrixFactorization) IsUserPredictable(userIndex int32) bool {
	if baseModel.Invalid() || userIndex >= baseModel.UserIndex.Count() || userIndex < 0 {
		return false
	}
	return baseModel.UserPredictable.Test(uint(userIndex))
}

// IsItemPredictable returns false if item has no feedback and its embedding vector never be trained.
func (baseModel *BaseMatrixFactorization) IsItemPredictable(itemIndex int32) bool {
	if baseModel.Invalid() || itemIndex >= baseModel.ItemIndex.Count() || itemIndex < 0 {
		return false
	}
	return baseModel.ItemPredictable.Test(uint(itemIndex))
}

// GetUserFactor returns the latent factor of a user.
func (baseModel *BaseMatrixFactorization) GetUserFactor(userIndex int32) []float32 {
	return baseModel.UserFactor[userIndex]
}

// GetItemFactor returns the latent factor of an item.
func (baseModel *BaseMatrixFactorization) GetItemFactor(itemIndex int32) []float32 {
	return baseModel.ItemFactor[itemIndex]
}

// Predict returns zero for users or items outside the last training set.
func (baseModel *BaseMatrixFactorization) Predict(userId, itemId string) float32 {
	if baseModel.Invalid() {
		return 0
	}
	return baseModel.InternalPredict(baseModel.UserIndex.Id(userId), baseModel.ItemIndex.Id(itemId))
}

func (baseModel *BaseMatrixFactorization) InternalPredict(userIndex, itemIndex int32) float32 {
	if !baseModel.IsUserPredictable(userIndex) || !baseModel.IsItemPredictable(itemIndex) {
		return 0
	}
	return floats.Dot(baseModel.UserFactor[userIndex], baseModel.ItemFactor[itemIndex])
}

func (baseModel *BaseMatrixFactorization) Clear() {
	baseModel.UserIndex = nil
	baseModel.ItemIndex = nil
	baseModel.ItemFactor = nil
	baseModel.UserFactor = nil
	baseModel.UserPredictable = nil
	baseModel.ItemPredictable = nil
}

func (baseModel *BaseMatrixFactorization) Invalid() bool {
	return baseModel == nil ||
		baseModel.UserIndex == nil ||
		baseModel.ItemIndex == nil ||
		baseModel.ItemFactor == nil ||
		baseModel.UserFactor == nil
}
