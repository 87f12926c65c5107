// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// ParamS11NetDropout is the context hyperparameter with the dropout rate of the S11Net prep layer.
// The default is 0.
const ParamS11NetDropout = "s11net_dropout"

// NumClasses predicted by S11Net.
const NumClasses = 10

// ResBlock is a residual block of two 3x3 convolutions (stride 1, same padding, no bias), each
// followed by batch normalization and ReLU. The input is added to the result, so the number of
// channels of x is preserved.
func ResBlock(ctx *context.Context, x *Node) *Node {
	channels := x.Shape().Dimensions[x.Rank()-1]
	out := ConvBlock(ctx.In("conv1"), x).Channels(channels).Done()
	out = ConvBlock(ctx.In("conv2"), out).Channels(channels).Done()
	return Add(x, out)
}

// S11Block convolves x to the given number of channels, then max-pools (halving the spatial
// dimensions), batch-normalizes and applies ReLU, in that order. With residual set, the result
// goes through a ResBlock as well.
func S11Block(ctx *context.Context, x *Node, channels int, residual bool) *Node {
	out := ConvBlock(ctx.In("conv"), x).Channels(channels).BatchNorm(false).Relu(false).Done()
	out = MaxPool(out).Window(2).Done()
	out = normalize(ctx.In("norm"), out)
	out = activations.Relu(out)
	if residual {
		out = ResBlock(ctx.In("res"), out)
	}
	return out
}

// S11Net implements train.ModelFn for the 32x32 ResNet variant used to classify CIFAR-10.
//
// The input image must be shaped [batch, 32, 32, channels]. It returns one node with the
// log-probabilities (log-softmax) of the classes, shaped [batch, NumClasses].
//
// Layers:
//
//	prep:   ConvBlock 3x3 -> 64 channels (with dropout from ParamS11NetDropout)
//	layer1: S11Block -> 128 channels, with residual
//	layer2: S11Block -> 256 channels
//	layer3: S11Block -> 512 channels, with residual
//	pool:   MaxPool window 4
//	fc:     1x1 convolution -> NumClasses, no normalization or activation
func S11Net(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	x := inputs[0]
	dropout := context.GetParamOr(ctx, ParamS11NetDropout, 0.0)

	x = ConvBlock(ctx.In("prep"), x).Channels(64).Dropout(dropout).Done()
	x = S11Block(ctx.In("layer1"), x, 128, true)
	x = S11Block(ctx.In("layer2"), x, 256, false)
	x = S11Block(ctx.In("layer3"), x, 512, true)
	x = MaxPool(x).Window(4).Done()
	x = ConvBlock(ctx.In("fc"), x).Channels(NumClasses).KernelSize(1).NoPadding().
		BatchNorm(false).Relu(false).Done()
	logits := Reshape(x, -1, NumClasses)
	return []*Node{LogSoftmax(logits, -1)}
}
