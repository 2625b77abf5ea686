// Copyright 2020 gorse Project Authors
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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorse-io/gorse-lite/model"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshal(t *testing.T) {
	config, err := LoadConfig("config.toml.template")
	require.NoError(t, err)
	// [data]
	assert.Equal(t, "ratings.csv", config.Data.Path)
	assert.Equal(t, ",", config.Data.Separator)
	assert.True(t, config.Data.Header)
	// [model]
	assert.Equal(t, 16, config.Model.NFactors)
	assert.Equal(t, 20, config.Model.NEpochs)
	assert.Equal(t, float32(0.05), config.Model.Lr)
	assert.Equal(t, float32(0.02), config.Model.Reg)
	assert.Equal(t, 128, config.Model.BatchSize)
	assert.Equal(t, float32(0), config.Model.InitMean)
	assert.Equal(t, float32(0.05), config.Model.InitStdDev)
	assert.Equal(t, int64(42), config.Model.RandomState)
	assert.Equal(t, 5, config.Model.Verbose)
	// [recommend]
	assert.Equal(t, 20, config.Recommend.N)
	assert.Equal(t, float32(0.02), config.Recommend.PopularityWeight)
	assert.Equal(t, 4, config.Recommend.Jobs)
	assert.Equal(t, 10*time.Minute, config.Recommend.CacheTTL)
}

func TestSetDefault(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, GetDefaultConfig(), config)
	assert.NoError(t, GetDefaultConfig().Validate())
}

func TestPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[model]\nn_factors = 8\n"), 0644))
	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, config.Model.NFactors)
	// missing values fall back to defaults
	assert.Equal(t, 256, config.Model.BatchSize)
	assert.Equal(t, 10, config.Recommend.N)
}

func TestBindEnv(t *testing.T) {
	t.Setenv("GORSE_LITE_DATA_PATH", "<data_path>")
	t.Setenv("GORSE_LITE_MODEL_N_FACTORS", "64")
	t.Setenv("GORSE_LITE_MODEL_LR", "0.5")
	t.Setenv("GORSE_LITE_RECOMMEND_CACHE_TTL", "1h")
	config, err := LoadConfig("config.toml.template")
	require.NoError(t, err)
	assert.Equal(t, "<data_path>", config.Data.Path)
	assert.Equal(t, 64, config.Model.NFactors)
	assert.Equal(t, float32(0.5), config.Model.Lr)
	assert.Equal(t, time.Hour, config.Recommend.CacheTTL)
	// values without variables come from the file
	assert.Equal(t, 20, config.Model.NEpochs)
}

func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[model]\nn_factors = 0\n"), 0644))
	_, err := LoadConfig(path)
	assert.True(t, errors.Is(err, errors.NotValid))

	config := GetDefaultConfig()
	config.Model.Reg = -1
	assert.True(t, errors.Is(config.Validate(), errors.NotValid))
	config = GetDefaultConfig()
	config.Recommend.N = 0
	assert.True(t, errors.Is(config.Validate(), errors.NotValid))

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestModelConfig(t *testing.T) {
	config := GetDefaultConfig()
	params := config.Model.Params()
	assert.Equal(t, 32, params.GetInt(model.NFactors, 0))
	assert.Equal(t, 5, params.GetInt(model.NEpochs, 0))
	assert.Equal(t, 256, params.GetInt(model.BatchSize, 0))
	assert.Equal(t, float32(0.01), params.GetFloat32(model.Lr, 0))
	assert.Equal(t, float32(0.1), params.GetFloat32(model.InitStdDev, 0))
	assert.Equal(t, int64(0), params.GetInt64(model.RandomState, -1))
	assert.Equal(t, 1, config.Model.FitConfig().Verbose)
}
