// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"
)

func TestNLLLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	logProbs := [][]float32{
		{float32(math.Log(0.5)), float32(math.Log(0.25)), float32(math.Log(0.25))},
		{float32(math.Log(0.1)), float32(math.Log(0.8)), float32(math.Log(0.1))},
	}
	labels := [][]int64{{0}, {1}}
	loss, err := ExecOnce(backend, func(labels, logProbs *Node) *Node {
		return NLLLoss([]*Node{labels}, []*Node{logProbs})
	}, labels, logProbs)
	require.NoError(t, err)
	want := -(math.Log(0.5) + math.Log(0.8)) / 2
	require.InDelta(t, want, tensors.ToScalar[float32](loss), 1e-5)
}

func TestMakeOneHot(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	got, err := ExecOnce(backend, func(labels *Node) *Node {
		return MakeOneHot(labels, 3)
	}, [][]int64{{2}, {0}})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{0, 0, 1}, {1, 0, 0}}, got.Value())
}

func TestCombineClasses(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// Two channels: the first with 2 classes, the second with 3 classes.
	labels := [][]float32{
		{0.0, 0.0}, // class 0 and class 0
		{0.6, 0.5}, // class 1 and class 1
		{0.2, 0.7}, // class 0 and class 2
		{1.0, 1.0}, // clamped to the last classes: 1 and 2
	}
	got, err := ExecOnce(backend, func(labels *Node) *Node {
		return CombineClasses(labels, 2, 3)
	}, labels)
	require.NoError(t, err)
	// Column 0 of each one-hot is dropped: 1 column for the first channel and 2 for the second.
	want := [][]float32{
		{0, 0, 0},
		{1, 1, 0},
		{0, 0, 1},
		{1, 0, 1},
	}
	require.Equal(t, want, got.Value())

	require.Panics(t, func() {
		_ = MustExecOnce(backend, func(labels *Node) *Node {
			return CombineClasses(labels, 2)
		}, labels)
	})
}

func TestCombinedClassesLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	lossFn := CombinedClassesLoss([]int{2})
	labels := [][]float32{{0.0}, {1.0}}

	// A single column per position (binary classes): zero logits are maximally uncertain.
	got, err := ExecOnce(backend, func(labels, logits *Node) *Node {
		return lossFn([]*Node{labels}, []*Node{logits})
	}, labels, [][]float32{{0}, {0}})
	require.NoError(t, err)
	require.InDelta(t, math.Log(2), tensors.ToScalar[float32](got), 1e-5)

	// Wrong signs are penalized, also for the class-0 (all-zero target) position.
	got, err = ExecOnce(backend, func(labels, logits *Node) *Node {
		return lossFn([]*Node{labels}, []*Node{logits})
	}, labels, [][]float32{{2}, {-1}})
	require.NoError(t, err)
	want := (math.Log1p(math.Exp(2)) + math.Log1p(math.Exp(1))) / 2
	require.InDelta(t, want, tensors.ToScalar[float32](got), 1e-5)

	// Predictions must have one column per combined class.
	require.Panics(t, func() {
		_ = MustExecOnce(backend, func(labels, logits *Node) *Node {
			return lossFn([]*Node{labels}, []*Node{logits})
		}, labels, [][]float32{{0, 0}, {0, 0}})
	})
}

func TestNumCorrect(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	got, err := ExecOnce(backend, func(labels, predictions *Node) *Node {
		return numCorrect(labels, predictions, nil)
	}, [][]int64{{0}, {2}, {1}}, [][]float32{{0.9, 0.1, 0}, {0, 0.2, 0.8}, {0.6, 0.3, 0.1}})
	require.NoError(t, err)
	require.Equal(t, float32(2), tensors.ToScalar[float32](got))

	// Combined classes [2, 3]: each of the 3 columns is scored by the sign of its logit.
	got, err = ExecOnce(backend, func(labels, logits *Node) *Node {
		return numCorrect(labels, logits, []int{2, 3})
	}, [][]float32{
		{0.0, 0.0}, // target {0, 0, 0}
		{0.6, 0.9}, // target {1, 0, 1}
	}, [][]float32{
		{-1, -2, 0.5}, // 2 correct
		{3, -1, -1},   // 2 correct
	})
	require.NoError(t, err)
	require.Equal(t, float32(4), tensors.ToScalar[float32](got))

	// A single binary column is not trivially correct.
	got, err = ExecOnce(backend, func(labels, logits *Node) *Node {
		return numCorrect(labels, logits, []int{2})
	}, [][]float32{{0.0}, {1.0}, {1.0}}, [][]float32{{1}, {-1}, {2}})
	require.NoError(t, err)
	require.Equal(t, float32(1), tensors.ToScalar[float32](got))
}

func TestL1Norm(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.In("model").VariableWithValue("w", []float32{1, -2, 3})
	ctx.In("model").VariableWithValue("frozen", []float32{100}).SetTrainable(false)
	ctx.In("model").VariableWithValue("step", int64(7))
	got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return l1Norm(ctx, g)
	})
	require.InDelta(t, 6.0, tensors.ToScalar[float32](got), 1e-6)
}
