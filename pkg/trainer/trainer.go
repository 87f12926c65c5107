// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer implements the epoch based training and evaluation loop of the s11net models.
//
// It is organized in three runners: Train runs one training epoch, Test runs one evaluation pass
// and ModelTrainer orchestrates both over many epochs. Statistics are reported to a RunManager,
// and human-facing progress to a Progress display. Forward and backward passes, gradient
// accumulation and the optimizer update are delegated to GoMLX's train.Trainer.
package trainer

import (
	"time"

	"github.com/gomlx/gomlx/pkg/ml/context"
)

// RunInfo describes the run being started, passed to RunManager.BeginRun.
type RunInfo struct {
	ModelName    string
	TrainDataset string
	TestDataset  string
	Epochs       int

	// NumParameters is the number of trainable scalars of the model. It is 0 if the model
	// graph hasn't been built yet.
	NumParameters int
}

// RunManager accumulates the statistics of a run, and saves the model and the statistics.
//
// The methods are called by the runners in this order:
//
//	BeginRun
//	  BeginEpoch
//	    BeginBatch, TrackTrainLoss, TrackTrainNumCorrect, EndBatch (once per training batch)
//	    TrackTestLoss, TrackTestNumCorrect (once per test batch)
//	    TestLoss (only with a MetricScheduler)
//	  EndEpoch, SaveBest
//	Save
type RunManager interface {
	BeginRun(name string, info RunInfo) error
	BeginEpoch()
	BeginBatch()

	// TrackTrainLoss records the mean loss of a training batch with batchSize examples.
	TrackTrainLoss(loss float64, batchSize int)

	// TrackTrainNumCorrect records the number of correct predictions out of count.
	TrackTrainNumCorrect(correct, count int)

	// EndBatch closes the batch and returns how long it took.
	EndBatch(lr float64) time.Duration

	TrackTestLoss(loss float64, batchSize int)
	TrackTestNumCorrect(correct, count int)

	// TestLoss is the mean test loss of the current epoch so far.
	TestLoss() float64

	// EndEpoch closes the epoch and returns a one-line summary of it.
	EndEpoch(lr float64) string

	// SaveBest saves the model if the epoch just ended is the best so far.
	SaveBest(modelName string) error

	// Save the statistics of the run.
	Save(modelName string) error
}

// Progress displays the progress of a pass over a dataset.
type Progress interface {
	// Start a new progress display for total steps. If total is <= 0 the number of steps is unknown.
	Start(total int, description string)

	// Update advances one step and sets the description.
	Update(description string)

	// Finish the current display.
	Finish()

	// Printf writes a line to the output, without breaking the current display.
	Printf(format string, args ...any)
}

// Hyperparameters read by ConfigFromContext.
const (
	// ParamL1Lambda is the weight of the L1 regularization term added to the training loss.
	// It is disabled with 0, the default.
	ParamL1Lambda = "l1_lambda"

	// ParamBatchScheduler sets whether the learning rate scheduler steps after every batch (true) or
	// after every epoch (false).
	ParamBatchScheduler = "batch_scheduler"

	// ParamAccumulateSteps is the number of batches whose gradients are accumulated before
	// one optimizer update. Default is 1 (no accumulation).
	ParamAccumulateSteps = "accumulate_steps"

	// ParamOneHotClasses is a list of class counts (e.g. []int{3, 4}) that turns on the
	// CombineClasses loss, for labels that hold one fractional class value per channel.
	ParamOneHotClasses = "one_hot_classes"
)

// Config of the training loop.
type Config struct {
	// ModelName is used when saving the model and its statistics.
	ModelName string

	// L1Lambda is the weight of the L1 regularization, disabled if 0.
	L1Lambda float64

	// BatchScheduler makes the scheduler step after each training batch, instead of each epoch.
	BatchScheduler bool

	// AccumulateSteps is the number of batches whose gradients are accumulated before each
	// optimizer update. Values <= 1 disable accumulation.
	AccumulateSteps int

	// OneHotClasses, if set, converts the labels with CombineClasses before computing the loss.
	OneHotClasses []int

	// StepsPerEpoch is the number of training batches per epoch, used by the progress display.
	// 0 if unknown.
	StepsPerEpoch int

	// EvalSteps is the number of test batches per evaluation pass, 0 if unknown.
	EvalSteps int
}

// ConfigFromContext creates a Config with the values of the hyperparameters in ctx.
// Fields not backed by hyperparameters (ModelName, StepsPerEpoch, EvalSteps) are left empty.
func ConfigFromContext(ctx *context.Context) Config {
	return Config{
		L1Lambda:        context.GetParamOr(ctx, ParamL1Lambda, 0.0),
		BatchScheduler:  context.GetParamOr(ctx, ParamBatchScheduler, true),
		AccumulateSteps: context.GetParamOr(ctx, ParamAccumulateSteps, 1),
		OneHotClasses:   context.GetParamOr(ctx, ParamOneHotClasses, []int(nil)),
	}
}
