// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models defines the image classification models trained by the s11net tools.
//
// All models implement train.ModelFn: they take the batched images shaped [batch, 32, 32, 3] and
// return the log-probabilities of the classes, shaped [batch, NumClasses].
package models

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// ParamModel is the context hyperparameter selecting the model. See ValidModels.
const ParamModel = "model"

// ValidModels are the values accepted by ParamModel. The first is the default.
var ValidModels = []string{"s11net", "cnn"}

// SelectModelFn returns the model function named by the "model" hyperparameter in ctx.
func SelectModelFn(ctx *context.Context) (train.ModelFn, error) {
	name := context.GetParamOr(ctx, ParamModel, ValidModels[0])
	switch name {
	case "s11net":
		return S11Net, nil
	case "cnn":
		return SimpleCNN, nil
	}
	return nil, errors.Errorf("unknown model %q given in hyperparameter %q, valid values are %q",
		name, ParamModel, ValidModels)
}

// NumParameters returns the number of trainable scalars in ctx. Batch normalization running
// averages and optimizer state are not counted.
//
// It is only meaningful after the model graph has been built at least once.
func NumParameters(ctx *context.Context) int {
	total := 0
	for v := range ctx.IterVariables() {
		if v.Trainable {
			total += v.Shape().Size()
		}
	}
	return total
}

// SimpleCNN is a small baseline CNN: three stages of two ConvBlocks followed by max-pooling and
// dropout, then two dense layers.
//
// This is modeled after the Keras example in Kaggle:
// https://www.kaggle.com/code/ektasharma/simple-cifar10-cnn-keras-code-with-88-accuracy
func SimpleCNN(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	x := inputs[0]
	g := x.Graph()
	dtype := x.DType()
	batchSize := x.Shape().Dimensions[0]

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	stages := []struct {
		channels int
		dropout  float64
	}{{32, 0.3}, {64, 0.5}, {128, 0.5}}
	for _, stage := range stages {
		x = ConvBlock(nextCtx("conv"), x).Channels(stage.channels).Done()
		x = ConvBlock(nextCtx("conv"), x).Channels(stage.channels).Done()
		x = MaxPool(x).Window(2).Done()
		x = layers.DropoutNormalize(nextCtx("dropout"), x, Scalar(g, dtype, stage.dropout), true)
	}
	x.AssertDims(batchSize, 4, 4, 128)

	x = Reshape(x, batchSize, -1)
	x = layers.Dense(nextCtx("dense"), x, true, 128)
	x = activations.Relu(x)
	x = layers.DropoutNormalize(nextCtx("dropout"), x, Scalar(g, dtype, 0.5), true)
	logits := layers.Dense(nextCtx("dense"), x, true, NumClasses)
	return []*Node{LogSoftmax(logits, -1)}
}
