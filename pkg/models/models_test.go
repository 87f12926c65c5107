// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"
)

// images returns a deterministic [batchSize, 32, 32, 3] input with values in [-1, 1).
func images(g *Graph, batchSize int) *Node {
	shape := shapes.Make(dtypes.Float32, batchSize, 32, 32, 3)
	x := IotaFull(g, shape)
	x = ModScalar(x, 200)
	return AddScalar(MulScalar(x, 0.01), -1)
}

func TestS11Net(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()

	probs := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		logProbs := S11Net(ctx, nil, []*Node{images(g, 3)})[0]
		return ReduceSum(Exp(logProbs), -1)
	})
	require.NoError(t, probs.Shape().Check(dtypes.Float32, 3))
	for _, p := range tensors.MustCopyFlatData[float32](probs) {
		require.InDelta(t, 1.0, p, 1e-4)
	}

	t.Run("OutputShape", func(t *testing.T) {
		ctx := context.New()
		out := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return S11Net(ctx, nil, []*Node{images(g, 5)})[0]
		})
		require.NoError(t, out.Shape().Check(dtypes.Float32, 5, NumClasses))
	})

	t.Run("Variables", func(t *testing.T) {
		for _, scope := range []string{"/prep/conv", "/layer1/res/conv2/conv", "/layer3/conv/conv", "/fc/conv"} {
			found := false
			for v := range ctx.IterVariables() {
				if v.Scope() == scope {
					found = true
					break
				}
			}
			require.Truef(t, found, "no variables in scope %q", scope)
		}
		// The 1x1 output convolution has no bias and no normalization.
		require.Nil(t, ctx.GetVariableByScopeAndName("/fc/conv", "biases"))
		// Weights only: 3*3*3*64 + 3*3*64*128 + 2*3*3*128*128 + 3*3*128*256 + 3*3*256*512 + 2*3*3*512*512
		// + 512*10, plus the batch normalization scale and offset of 64+128+2*128+256+512+2*512 channels.
		wantWeights := 1728 + 73728 + 294912 + 294912 + 1179648 + 4718592 + 5120
		wantNorm := 2 * (64 + 128 + 2*128 + 256 + 512 + 2*512)
		require.Equal(t, wantWeights+wantNorm, NumParameters(ctx))
	})
}

func TestResBlock(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	out := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := Ones(g, shapes.Make(dtypes.Float32, 2, 8, 8, 16))
		return ResBlock(ctx, x)
	})
	require.NoError(t, out.Shape().Check(dtypes.Float32, 2, 8, 8, 16))
}

func TestS11Block(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, residual := range []bool{false, true} {
		ctx := context.New()
		out := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := Ones(g, shapes.Make(dtypes.Float32, 2, 8, 8, 4))
			return S11Block(ctx, x, 6, residual)
		})
		require.NoError(t, out.Shape().Check(dtypes.Float32, 2, 4, 4, 6))
		// ReLU is the last operation in both cases, and with the residual x + out is also >= 0.
		for _, v := range tensors.MustCopyFlatData[float32](out) {
			require.GreaterOrEqual(t, v, float32(0))
		}
	}
}

func TestConvBlock(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("NoPadding", func(t *testing.T) {
		ctx := context.New()
		out := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := Ones(g, shapes.Make(dtypes.Float32, 1, 6, 6, 2))
			return ConvBlock(ctx, x).Channels(4).NoPadding().BatchNorm(false).Done()
		})
		require.NoError(t, out.Shape().Check(dtypes.Float32, 1, 4, 4, 4))
	})

	t.Run("MissingChannels", func(t *testing.T) {
		ctx := context.New()
		require.Panics(t, func() {
			_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				x := Ones(g, shapes.Make(dtypes.Float32, 1, 6, 6, 2))
				return ConvBlock(ctx, x).Done()
			})
		})
	})
}

func TestSimpleCNN(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	out := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return SimpleCNN(ctx, nil, []*Node{images(g, 2)})[0]
	})
	require.NoError(t, out.Shape().Check(dtypes.Float32, 2, NumClasses))
}

func TestSelectModelFn(t *testing.T) {
	ctx := context.New()
	modelFn, err := SelectModelFn(ctx)
	require.NoError(t, err)
	require.NotNil(t, modelFn)

	ctx.SetParam(ParamModel, "cnn")
	modelFn, err = SelectModelFn(ctx)
	require.NoError(t, err)
	require.NotNil(t, modelFn)

	ctx.SetParam(ParamModel, "transformer")
	_, err = SelectModelFn(ctx)
	require.ErrorContains(t, err, "transformer")
}
