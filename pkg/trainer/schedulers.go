// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"math"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scheduler computes the learning rate, stepped by the training loop after each batch or each epoch.
//
// The loop writes LastLR into the optimizer after every Step.
type Scheduler interface {
	// LastLR returns the current learning rate.
	LastLR() float64

	// Step advances the schedule.
	Step()
}

// MetricScheduler is a Scheduler driven by a metric (the test loss), stepped once per evaluation.
type MetricScheduler interface {
	Scheduler
	StepWithMetric(metric float64)
}

// StepLR decays the learning rate by gamma every stepSize steps.
type StepLR struct {
	initial  float64
	stepSize int
	gamma    float64
	steps    int
}

var _ Scheduler = (*StepLR)(nil)

// NewStepLR returns a StepLR scheduler. stepSize must be > 0.
func NewStepLR(initial float64, stepSize int, gamma float64) (*StepLR, error) {
	if stepSize <= 0 {
		return nil, errors.Errorf("StepLR requires stepSize > 0, got %d", stepSize)
	}
	return &StepLR{initial: initial, stepSize: stepSize, gamma: gamma}, nil
}

func (s *StepLR) LastLR() float64 {
	return s.initial * math.Pow(s.gamma, float64(s.steps/s.stepSize))
}

func (s *StepLR) Step() { s.steps++ }

// OneCycleLR implements the "1cycle" policy (Leslie N. Smith, https://arxiv.org/abs/1708.07120):
// the learning rate increases from maxLR/divFactor up to maxLR during the first pctStart fraction
// of totalSteps, and then anneals down to maxLR/(divFactor*finalDivFactor). Both phases follow a
// cosine curve.
type OneCycleLR struct {
	initialLR, maxLR, minLR float64
	warmUpEnd, lastStep     float64
	steps                   int
	lr                      float64
}

var _ Scheduler = (*OneCycleLR)(nil)

// Default values of the OneCycleLR parameters.
const (
	OneCycleDivFactor      = 25.0
	OneCycleFinalDivFactor = 1e4
)

// NewOneCycleLR returns a OneCycleLR scheduler over totalSteps steps.
func NewOneCycleLR(maxLR float64, totalSteps int, pctStart, divFactor, finalDivFactor float64) (*OneCycleLR, error) {
	if totalSteps <= 1 {
		return nil, errors.Errorf("OneCycleLR requires totalSteps > 1, got %d", totalSteps)
	}
	if pctStart <= 0 || pctStart >= 1 {
		return nil, errors.Errorf("OneCycleLR requires pctStart in (0, 1), got %g", pctStart)
	}
	if divFactor <= 0 || finalDivFactor <= 0 {
		return nil, errors.Errorf("OneCycleLR requires positive divFactor and finalDivFactor, got %g and %g",
			divFactor, finalDivFactor)
	}
	s := &OneCycleLR{
		maxLR:     maxLR,
		initialLR: maxLR / divFactor,
		warmUpEnd: pctStart*float64(totalSteps) - 1,
		lastStep:  float64(totalSteps) - 1,
	}
	s.minLR = s.initialLR / finalDivFactor
	s.lr = s.initialLR
	return s, nil
}

// cosineAnneal goes from start (pct=0) to end (pct=1).
func cosineAnneal(start, end, pct float64) float64 {
	return end + (start-end)/2*(math.Cos(math.Pi*pct)+1)
}

func (s *OneCycleLR) LastLR() float64 { return s.lr }

// Step advances the schedule. Steps beyond totalSteps keep the final learning rate.
func (s *OneCycleLR) Step() {
	s.steps++
	step := math.Min(float64(s.steps), s.lastStep)
	if step <= s.warmUpEnd {
		s.lr = cosineAnneal(s.initialLR, s.maxLR, step/s.warmUpEnd)
		return
	}
	s.lr = cosineAnneal(s.maxLR, s.minLR, (step-s.warmUpEnd)/(s.lastStep-s.warmUpEnd))
}

// ReduceLROnPlateau multiplies the learning rate by factor when the metric (lower is better)
// hasn't improved by more than a relative threshold for more than patience steps.
type ReduceLROnPlateau struct {
	lr, factor, threshold, minLR float64
	patience                     int

	best        float64
	numBadSteps int
}

var _ MetricScheduler = (*ReduceLROnPlateau)(nil)

// NewReduceLROnPlateau returns a ReduceLROnPlateau scheduler, in "min" mode with relative threshold.
func NewReduceLROnPlateau(initial, factor float64, patience int, threshold, minLR float64) (*ReduceLROnPlateau, error) {
	if factor <= 0 || factor >= 1 {
		return nil, errors.Errorf("ReduceLROnPlateau requires factor in (0, 1), got %g", factor)
	}
	if patience < 0 {
		return nil, errors.Errorf("ReduceLROnPlateau requires patience >= 0, got %d", patience)
	}
	return &ReduceLROnPlateau{
		lr:        initial,
		factor:    factor,
		patience:  patience,
		threshold: threshold,
		minLR:     minLR,
		best:      math.Inf(1),
	}, nil
}

func (s *ReduceLROnPlateau) LastLR() float64 { return s.lr }

// Step is a no-op: the schedule only moves with StepWithMetric.
func (s *ReduceLROnPlateau) Step() {}

func (s *ReduceLROnPlateau) StepWithMetric(metric float64) {
	if metric < s.best*(1-s.threshold) {
		s.best = metric
		s.numBadSteps = 0
		return
	}
	s.numBadSteps++
	if s.numBadSteps > s.patience {
		s.lr = math.Max(s.lr*s.factor, s.minLR)
		s.numBadSteps = 0
	}
}

// Hyperparameters used by SchedulerFromContext.
const (
	// ParamLRScheduler selects the learning rate scheduler: "none", "step", "onecycle", "plateau"
	// or "cosine". Default is "onecycle".
	ParamLRScheduler = "lr_scheduler"

	ParamStepSize  = "step_size"
	ParamStepGamma = "step_gamma"

	ParamOneCycleMaxLR    = "onecycle_max_lr"
	ParamOneCyclePctStart = "onecycle_pct_start"

	ParamPlateauFactor   = "plateau_factor"
	ParamPlateauPatience = "plateau_patience"
)

// ValidSchedulers are the values accepted by ParamLRScheduler.
var ValidSchedulers = []string{"none", "step", "onecycle", "plateau", "cosine"}

// SchedulerFromContext creates the scheduler selected by the hyperparameters in ctx.
//
// stepsPerEpoch is the number of training batches in one epoch. The unit of the scheduler steps
// depends on ParamBatchScheduler: batches if true, epochs otherwise.
//
// It returns nil for "none" and for "cosine": the latter runs inside the training graph (see
// cosineschedule), and only its period is configured here if not set already.
func SchedulerFromContext(ctx *context.Context, stepsPerEpoch, epochs int) (Scheduler, error) {
	lr := context.GetParamOr(ctx, optimizers.ParamLearningRate, optimizers.SGDDefaultLearningRate)
	totalSteps := epochs
	if context.GetParamOr(ctx, ParamBatchScheduler, true) {
		totalSteps = stepsPerEpoch * epochs
	}
	name := context.GetParamOr(ctx, ParamLRScheduler, "onecycle")
	switch name {
	case "none", "":
		return nil, nil
	case "step":
		return asScheduler(NewStepLR(lr,
			context.GetParamOr(ctx, ParamStepSize, 8),
			context.GetParamOr(ctx, ParamStepGamma, 0.1)))
	case "onecycle":
		return asScheduler(NewOneCycleLR(
			context.GetParamOr(ctx, ParamOneCycleMaxLR, 0.1), totalSteps,
			context.GetParamOr(ctx, ParamOneCyclePctStart, 0.2),
			OneCycleDivFactor, OneCycleFinalDivFactor))
	case "plateau":
		return asScheduler(NewReduceLROnPlateau(lr,
			context.GetParamOr(ctx, ParamPlateauFactor, 0.1),
			context.GetParamOr(ctx, ParamPlateauPatience, 3),
			1e-4, 0))
	case "cosine":
		if context.GetParamOr(ctx, cosineschedule.ParamPeriodSteps, 0) == 0 {
			// The in-graph schedule counts optimizer updates, one per training step.
			ctx.SetParam(cosineschedule.ParamPeriodSteps, stepsPerEpoch*epochs)
		}
		return nil, nil
	}
	return nil, errors.Errorf("unknown learning rate scheduler %q given in hyperparameter %q, valid values are %q",
		name, ParamLRScheduler, ValidSchedulers)
}

// asScheduler converts the result of the constructors, so errors never come with a non-nil Scheduler.
func asScheduler[S Scheduler](s S, err error) (Scheduler, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// FastForward steps scheduler as if numBatches training batches had already run, e.g. when training
// continues from a checkpoint: once per batch if batchScheduler is true, otherwise once per completed
// epoch of stepsPerEpoch batches. It returns the number of completed epochs.
//
// A MetricScheduler is not stepped, since its state depends on the metrics of the previous epochs.
func FastForward(scheduler Scheduler, batchScheduler bool, numBatches, stepsPerEpoch int) (completedEpochs int) {
	if stepsPerEpoch > 0 {
		completedEpochs = numBatches / stepsPerEpoch
	}
	if scheduler == nil || numBatches <= 0 {
		return
	}
	if _, ok := scheduler.(MetricScheduler); ok {
		klog.Warningf("learning rate scheduler %T can't be fast-forwarded, it restarts from its initial state", scheduler)
		return
	}
	numSteps := completedEpochs
	if batchScheduler {
		numSteps = numBatches
	}
	for range numSteps {
		scheduler.Step()
	}
	return
}
