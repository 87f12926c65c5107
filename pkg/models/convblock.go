// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

const (
	// BatchNormMomentum used by all batch normalization layers of the models.
	// It matches PyTorch's default (0.1 weight of the new batch).
	BatchNormMomentum = 0.9

	// BatchNormEpsilon used by all batch normalization layers of the models.
	BatchNormEpsilon = 1e-5
)

// ConvBlockBuilder configures a convolution followed by optional batch normalization, ReLU and dropout.
// Create it with ConvBlock, and call Done to build it.
type ConvBlockBuilder struct {
	ctx         *context.Context
	x           *Node
	channels    int
	kernelSize  int
	padSame     bool
	bias        bool
	batchNorm   bool
	relu        bool
	dropoutRate float64
}

// ConvBlock prepares a convolution block on x, shaped [batch, height, width, channels].
// Defaults: 3x3 kernel, "same" padding, no bias, batch normalization and ReLU on, no dropout.
// The number of output channels must be set with Channels.
func ConvBlock(ctx *context.Context, x *Node) *ConvBlockBuilder {
	return &ConvBlockBuilder{
		ctx:        ctx,
		x:          x,
		kernelSize: 3,
		padSame:    true,
		batchNorm:  true,
		relu:       true,
	}
}

// Channels sets the number of output channels.
func (b *ConvBlockBuilder) Channels(channels int) *ConvBlockBuilder {
	b.channels = channels
	return b
}

// KernelSize sets the (square) kernel size. Default is 3.
func (b *ConvBlockBuilder) KernelSize(size int) *ConvBlockBuilder {
	b.kernelSize = size
	return b
}

// NoPadding disables the default "same" padding, so spatial dimensions shrink with kernels > 1.
func (b *ConvBlockBuilder) NoPadding() *ConvBlockBuilder {
	b.padSame = false
	return b
}

// UseBias adds a bias term to the convolution. Default is false, since batch normalization
// already provides an offset.
func (b *ConvBlockBuilder) UseBias(useBias bool) *ConvBlockBuilder {
	b.bias = useBias
	return b
}

// BatchNorm enables or disables batch normalization after the convolution. Default is true.
func (b *ConvBlockBuilder) BatchNorm(enabled bool) *ConvBlockBuilder {
	b.batchNorm = enabled
	return b
}

// Relu enables or disables the ReLU activation. Default is true.
func (b *ConvBlockBuilder) Relu(enabled bool) *ConvBlockBuilder {
	b.relu = enabled
	return b
}

// Dropout sets the dropout rate applied at the end of the block, during training only.
// Default is 0, which disables it.
func (b *ConvBlockBuilder) Dropout(rate float64) *ConvBlockBuilder {
	b.dropoutRate = rate
	return b
}

// Done builds the block and returns its output.
func (b *ConvBlockBuilder) Done() *Node {
	if b.channels <= 0 {
		exceptions.Panicf("ConvBlock requires Channels to be set to a value > 0, got %d", b.channels)
	}
	conv := layers.Convolution(b.ctx, b.x).
		Channels(b.channels).
		KernelSize(b.kernelSize).
		UseBias(b.bias)
	if b.padSame {
		conv = conv.PadSame()
	}
	x := conv.Done()
	if b.batchNorm {
		x = normalize(b.ctx, x)
	}
	if b.relu {
		x = activations.Relu(x)
	}
	if b.dropoutRate > 0 {
		g := x.Graph()
		x = layers.DropoutNormalize(b.ctx, x, Scalar(g, x.DType(), b.dropoutRate), true)
	}
	return x
}

// normalize applies batch normalization over the channels axis (last), with the models' settings.
func normalize(ctx *context.Context, x *Node) *Node {
	return batchnorm.New(ctx, x, -1).
		Momentum(BatchNormMomentum).
		Epsilon(BatchNormEpsilon).
		Done()
}
