// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// MakeOneHot converts integer class labels shaped [batch..., 1] to their one-hot encoding
// shaped [batch..., numClasses], with the dtype of float32.
func MakeOneHot(labels *Node, numClasses int) *Node {
	if labels.Shape().Dimensions[labels.Rank()-1] != 1 {
		exceptions.Panicf("MakeOneHot requires labels with the last dimension 1, got %s", labels.Shape())
	}
	return OneHot(Squeeze(labels, -1), numClasses, dtypes.Float32)
}

// CombineClasses converts labels shaped [batch..., k], where each channel i holds a class encoded
// as a fraction in [0, 1], to the concatenation of their one-hot encodings.
//
// Channel i is decoded as class int(label*oneHotClasses[i]) (clamped to oneHotClasses[i]-1), one-hot
// encoded, and its class 0 column dropped. So the output is shaped [batch..., Σ(oneHotClasses[i]-1)].
func CombineClasses(labels *Node, oneHotClasses ...int) *Node {
	numChannels := labels.Shape().Dimensions[labels.Rank()-1]
	if numChannels != len(oneHotClasses) {
		exceptions.Panicf("CombineClasses got labels with %d channels (shape %s), but %d classes (%v)",
			numChannels, labels.Shape(), len(oneHotClasses), oneHotClasses)
	}
	dtype := labels.DType()
	if !dtype.IsFloat() {
		exceptions.Panicf("CombineClasses requires labels of a float dtype, got %s", labels.Shape())
	}
	parts := make([]*Node, 0, len(oneHotClasses))
	for i, numClasses := range oneHotClasses {
		if numClasses < 2 {
			exceptions.Panicf("CombineClasses requires at least 2 classes per channel, got %v", oneHotClasses)
		}
		channel := SliceAxis(labels, -1, AxisRange(i, i+1))
		classes := Floor(ClipScalar(MulScalar(channel, float64(numClasses)), 0, float64(numClasses-1)))
		oneHot := MakeOneHot(ConvertDType(classes, dtypes.Int64), numClasses)
		oneHot = SliceAxis(oneHot, -1, AxisRange(1))
		parts = append(parts, ConvertDType(oneHot, dtype))
	}
	return Concatenate(parts, -1)
}
