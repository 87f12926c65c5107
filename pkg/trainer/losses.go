// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
)

// LossFn is the signature of the loss functions used by the trainer: it returns a scalar loss.
type LossFn = func(labels, predictions []*Node) *Node

// NLLLoss is the negative log-likelihood loss, averaged over the batch.
//
// predictions[0] holds log-probabilities shaped [batch..., numClasses] (the output of the models), and
// labels[0] the true class as an integer shaped [batch..., 1].
func NLLLoss(labels, predictions []*Node) *Node {
	logProbs := predictions[0]
	numClasses := logProbs.Shape().Dimensions[logProbs.Rank()-1]
	classes := labels[0]
	if !classes.DType().IsInt() {
		exceptions.Panicf("NLLLoss requires integer labels, got %s", classes.Shape())
	}
	oneHot := OneHot(Squeeze(classes, -1), numClasses, logProbs.DType())
	logLikelihood := ReduceSum(Mul(oneHot, logProbs), -1)
	return Neg(ReduceAllMean(logLikelihood))
}

// CombinedClassesLoss returns a loss that first converts the labels with CombineClasses, and then
// applies the binary cross-entropy to each column of predictions[0] (taken as logits), averaged over all
// positions and columns.
//
// Each column is an independent "is it this class" decision, so a position whose classes are all 0 (an
// all-zero target) still contributes to the loss, as does a channel with only 2 classes (a single column).
func CombinedClassesLoss(oneHotClasses []int) LossFn {
	return func(labels, predictions []*Node) *Node {
		target := CombineClasses(labels[0], oneHotClasses...)
		logits := predictions[0]
		if !target.Shape().Equal(logits.Shape()) {
			exceptions.Panicf("combined classes %v of labels %s yield targets shaped %s, but predictions are shaped %s",
				oneHotClasses, labels[0].Shape(), target.Shape(), logits.Shape())
		}
		return losses.BinaryCrossentropyLogits([]*Node{target}, []*Node{logits})
	}
}

// lossFromConfig returns the loss configured: NLLLoss unless OneHotClasses are set.
func lossFromConfig(cfg Config) LossFn {
	if len(cfg.OneHotClasses) > 0 {
		return CombinedClassesLoss(cfg.OneHotClasses)
	}
	return NLLLoss
}

// numCorrect counts the correct predictions of a batch.
//
// For sparse labels a position is correct when the argmax of predictions[0] is the label. With
// oneHotClasses each column of the combined classes is scored on its own: it is correct when the sign of
// the logit (positive means 1) matches the target.
func numCorrect(labels, predictions *Node, oneHotClasses []int) *Node {
	if len(oneHotClasses) > 0 {
		target := CombineClasses(labels, oneHotClasses...)
		predicted := ConvertDType(GreaterThan(predictions, ZerosLike(predictions)), target.DType())
		return ReduceAllSum(ConvertDType(Equal(predicted, target), predictions.DType()))
	}
	target := Squeeze(labels, -1)
	predicted := ArgMax(predictions, -1, target.DType())
	return ReduceAllSum(ConvertDType(Equal(predicted, target), predictions.DType()))
}

// numCorrectMetric counts the correct predictions of the batch, see numCorrect.
func numCorrectMetric(oneHotClasses []int) metrics.Interface {
	return metrics.NewBaseMetric("Correct Predictions", "#ok", metrics.AccuracyMetricType,
		func(_ *context.Context, labels, predictions []*Node) *Node {
			return numCorrect(labels[0], predictions[0], oneHotClasses)
		}, nil)
}

// numPredictionsMetric counts the predictions in the batch, the denominator of the accuracy: one per
// position, or one per column with oneHotClasses.
func numPredictionsMetric(oneHotClasses []int) metrics.Interface {
	return metrics.NewBaseMetric("Number of Predictions", "#", metrics.AccuracyMetricType,
		func(_ *context.Context, _, predictions []*Node) *Node {
			p := predictions[0]
			numPredictions := p.Shape().Size()
			if len(oneHotClasses) == 0 {
				numPredictions /= p.Shape().Dimensions[p.Rank()-1]
			}
			return Scalar(p.Graph(), p.DType(), float64(numPredictions))
		}, nil)
}

// batchLossMetric reports the loss of the batch, without any regularization term.
func batchLossMetric(lossFn LossFn) metrics.Interface {
	return metrics.NewBaseMetric("Eval Batch Loss", "loss", metrics.LossMetricType,
		func(_ *context.Context, labels, predictions []*Node) *Node {
			return lossFn(labels, predictions)
		}, nil)
}

// wrapModelFn adds to modelFn the graph parts the trainer configures: the L1 regularization term and
// the in-graph cosine learning rate schedule (a no-op unless enabled, see SchedulerFromContext).
func wrapModelFn(modelFn train.ModelFn, l1Lambda float64) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		outputs := modelFn(ctx, spec, inputs)
		g := outputs[0].Graph()
		if !ctx.IsTraining(g) {
			return outputs
		}
		cosineschedule.New(ctx, g, outputs[0].DType()).FromContext().Done()
		if l1Lambda > 0 {
			train.AddLoss(ctx, MulScalar(l1Norm(ctx, g), l1Lambda))
		}
		return outputs
	}
}

// l1Norm sums the absolute values of all trainable model variables.
func l1Norm(ctx *context.Context, g *Graph) *Node {
	optimizersScope := context.ScopeSeparator + optimizers.Scope
	var sum *Node
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.DType().IsFloat() || strings.HasPrefix(v.Scope(), optimizersScope) ||
			strings.HasPrefix(v.Scope(), context.ScopeSeparator+train.AccumulatedGradientsScope) {
			continue
		}
		vSum := ReduceAllSum(Abs(v.ValueGraph(g)))
		if sum == nil {
			sum = vSum
		} else {
			sum = Add(sum, ConvertDType(vSum, sum.DType()))
		}
	}
	if sum == nil {
		exceptions.Panicf("L1 regularization enabled, but the model has no trainable variables")
	}
	return sum
}
