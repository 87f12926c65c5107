// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/eva4/s11net/pkg/models"
	"github.com/eva4/s11net/pkg/trainer"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDefaultContext(t *testing.T) {
	ctx := CreateDefaultContext()
	assert.Equal(t, "s11net", context.GetParamOr(ctx, models.ParamModel, ""))
	assert.Equal(t, 512, context.GetParamOr(ctx, ParamBatchSize, 0))
	assert.Equal(t, 1000, context.GetParamOr(ctx, ParamEvalBatchSize, 0))
	assert.Equal(t, 24, context.GetParamOr(ctx, ParamNumEpochs, 0))
	assert.Equal(t, "sgd", context.GetParamOr(ctx, optimizers.ParamOptimizer, ""))
	assert.Equal(t, 0.01, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, "onecycle", context.GetParamOr(ctx, trainer.ParamLRScheduler, ""))

	cfg := trainer.ConfigFromContext(ctx)
	assert.True(t, cfg.BatchScheduler)
	assert.Equal(t, 1, cfg.AccumulateSteps)
	assert.Zero(t, cfg.L1Lambda)
	assert.Empty(t, cfg.OneHotClasses)
}

func TestLoadString(t *testing.T) {
	ctx := CreateDefaultContext()
	paramsSet, err := LoadString(ctx, `
learning_rate = 1      # Integers are accepted for floats.
lr_scheduler = "step"
batch_scheduler = false
step_size = 4
one_hot_classes = [3, 4]

[layer1]
s11net_dropout = 0.1
`)
	require.NoError(t, err)
	require.Equal(t, []string{"learning_rate", "lr_scheduler", "batch_scheduler", "step_size", "one_hot_classes",
		"/layer1/s11net_dropout"}, paramsSet)

	assert.Equal(t, 1.0, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, "step", context.GetParamOr(ctx, trainer.ParamLRScheduler, ""))
	assert.Equal(t, 4, context.GetParamOr(ctx, trainer.ParamStepSize, 0))
	assert.Equal(t, []int{3, 4}, context.GetParamOr(ctx, trainer.ParamOneHotClasses, []int(nil)))
	assert.Equal(t, 0.1, context.GetParamOr(ctx.In("layer1"), models.ParamS11NetDropout, 0.0))
	assert.Equal(t, 0.0, context.GetParamOr(ctx, models.ParamS11NetDropout, -1.0), "root scope unchanged")

	_, err = LoadString(CreateDefaultContext(), `unknown_param = 3`)
	require.ErrorContains(t, err, "unknown_param")

	_, err = LoadString(CreateDefaultContext(), `step_size = 0.5`)
	require.ErrorContains(t, err, "step_size")

	_, err = LoadString(CreateDefaultContext(), `one_hot_classes = ["a"]`)
	require.Error(t, err)

	_, err = LoadString(CreateDefaultContext(), `learning_rate = `)
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hparams.toml")
	require.NoError(t, os.WriteFile(path, []byte("model = \"cnn\"\nnum_epochs = 2\n"), 0o644))

	ctx := CreateDefaultContext()
	paramsSet, err := Load(ctx, path, "num_epochs=3;batch_size=64")
	require.NoError(t, err)
	require.Equal(t, []string{"model", "num_epochs", "batch_size"}, paramsSet)
	assert.Equal(t, "cnn", context.GetParamOr(ctx, models.ParamModel, ""))
	assert.Equal(t, 3, context.GetParamOr(ctx, ParamNumEpochs, 0), "settings override the file")
	assert.Equal(t, 64, context.GetParamOr(ctx, ParamBatchSize, 0))

	_, err = Load(CreateDefaultContext(), filepath.Join(t.TempDir(), "missing.toml"), "")
	require.Error(t, err)

	_, err = Load(CreateDefaultContext(), "", "no_such_param=1")
	require.Error(t, err)
}
