// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// learningRateVar returns the optimizer's learning rate variable, or nil if the training graph
// hasn't been built yet.
func learningRateVar(ctx *context.Context) *context.Variable {
	return ctx.GetVariableByScopeAndName(context.ScopeSeparator+optimizers.Scope, optimizers.ParamLearningRate)
}

// LearningRate returns the current learning rate of the optimizer.
//
// Before the training graph is built it returns the "learning_rate" hyperparameter.
func LearningRate(ctx *context.Context) float64 {
	lrVar := learningRateVar(ctx)
	if lrVar == nil {
		return context.GetParamOr(ctx, optimizers.ParamLearningRate, optimizers.SGDDefaultLearningRate)
	}
	return shapes.ConvertTo[float64](lrVar.MustValue().Value())
}

// SetLearningRate changes the learning rate used by the optimizer on the following steps.
//
// Before the training graph is built it sets the "learning_rate" hyperparameter instead, which
// the optimizers use as the initial value.
func SetLearningRate(ctx *context.Context, lr float64) error {
	lrVar := learningRateVar(ctx)
	if lrVar == nil {
		ctx.SetParam(optimizers.ParamLearningRate, lr)
		return nil
	}
	err := lrVar.SetValue(tensors.FromAnyValue(shapes.CastAsDType(lr, lrVar.DType())))
	if err != nil {
		return errors.WithMessagef(err, "setting learning rate to %g", lr)
	}
	return nil
}
