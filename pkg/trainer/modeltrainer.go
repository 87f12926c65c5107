// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"

	"github.com/eva4/s11net/pkg/models"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelTrainer trains and evaluates a model for a number of epochs.
type ModelTrainer struct {
	cfg       Config
	ctx       *context.Context
	trainer   *train.Trainer
	trainDS   train.Dataset
	testDS    train.Dataset
	rm        RunManager
	progress  Progress
	scheduler Scheduler

	train *Train
	test  *Test
}

// OptimizerFromContext returns the optimizer selected by the "optimizer" hyperparameter. The default
// is "sgd", configured without its built-in learning rate decay, so the learning rate follows the
// configured Scheduler only.
func OptimizerFromContext(ctx *context.Context) optimizers.Interface {
	if context.GetParamOr(ctx, optimizers.ParamOptimizer, "sgd") == "sgd" {
		return optimizers.StochasticGradientDescent().WithDecay(false).Done()
	}
	return optimizers.FromContext(ctx)
}

// New creates a ModelTrainer for modelFn, whose variables are stored in ctx.
//
// The scheduler may be nil. It is handed to the Train runner (stepped every batch) only if
// cfg.BatchScheduler is set, otherwise it is stepped once per epoch. A MetricScheduler is always
// stepped by the Test runner, with the test loss.
//
// The progress display may be nil.
func New(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn, trainDS, testDS train.Dataset,
	rm RunManager, progress Progress, scheduler Scheduler, cfg Config) (*ModelTrainer, error) {
	if rm == nil {
		return nil, errors.New("ModelTrainer requires a RunManager")
	}
	if progress == nil {
		progress = nopProgress{}
	}
	mt := &ModelTrainer{
		cfg:       cfg,
		ctx:       ctx,
		trainDS:   trainDS,
		testDS:    testDS,
		rm:        rm,
		progress:  progress,
		scheduler: scheduler,
	}

	lossFn := lossFromConfig(cfg)
	trainMetrics := []metrics.Interface{
		numCorrectMetric(cfg.OneHotClasses), numPredictionsMetric(cfg.OneHotClasses)}
	evalMetrics := []metrics.Interface{
		batchLossMetric(lossFn), numCorrectMetric(cfg.OneHotClasses), numPredictionsMetric(cfg.OneHotClasses)}
	err := exceptions.TryCatch[error](func() {
		mt.trainer = train.NewTrainer(backend, ctx, wrapModelFn(modelFn, cfg.L1Lambda), lossFn,
			OptimizerFromContext(ctx), trainMetrics, evalMetrics)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating trainer")
	}
	if cfg.AccumulateSteps > 1 {
		if err = mt.trainer.AccumulateGradients(cfg.AccumulateSteps); err != nil {
			return nil, errors.WithMessagef(err, "accumulating gradients over %d steps", cfg.AccumulateSteps)
		}
	}

	var batchScheduler Scheduler
	if cfg.BatchScheduler {
		batchScheduler = scheduler
	}
	mt.train = NewTrain(mt.trainer, trainDS, rm, progress, batchScheduler, cfg.StepsPerEpoch)
	mt.test = NewTest(mt.trainer, testDS, rm, progress, scheduler, cfg.EvalSteps)
	return mt, nil
}

// Trainer returns the underlying GoMLX trainer.
func (mt *ModelTrainer) Trainer() *train.Trainer { return mt.trainer }

// Context holding the model variables.
func (mt *ModelTrainer) Context() *context.Context { return mt.ctx }

// Run trains for the given number of epochs, evaluating after each one. The best model (by test
// accuracy) is saved after each epoch, and the statistics of the run at the end.
//
// Graph building errors (panics) are returned as errors.
func (mt *ModelTrainer) Run(runName string, epochs int) (err error) {
	panicErr := exceptions.TryCatch[error](func() { err = mt.run(runName, epochs) })
	if panicErr != nil {
		return errors.WithMessagef(panicErr, "ModelTrainer.Run(%q)", runName)
	}
	return err
}

func (mt *ModelTrainer) run(runName string, epochs int) error {
	info := RunInfo{
		ModelName:     mt.cfg.ModelName,
		TrainDataset:  mt.trainDS.Name(),
		TestDataset:   mt.testDS.Name(),
		Epochs:        epochs,
		NumParameters: models.NumParameters(mt.ctx),
	}
	if err := mt.rm.BeginRun(runName, info); err != nil {
		return err
	}
	if mt.scheduler != nil {
		if err := SetLearningRate(mt.ctx, mt.scheduler.LastLR()); err != nil {
			return err
		}
	}
	_, isMetricScheduler := mt.scheduler.(MetricScheduler)
	for epoch := 1; epoch <= epochs; epoch++ {
		mt.rm.BeginEpoch()
		mt.train.SetDescription(fmt.Sprintf("Epoch %d/%d", epoch, epochs))
		if err := mt.train.Run(); err != nil {
			return errors.WithMessagef(err, "training epoch %d", epoch)
		}
		if err := mt.test.Run(); err != nil {
			return errors.WithMessagef(err, "evaluating epoch %d", epoch)
		}
		if epoch == 1 && info.NumParameters == 0 {
			klog.Infof("Model %q has %d trainable parameters", mt.cfg.ModelName, models.NumParameters(mt.ctx))
		}

		lr := LearningRate(mt.ctx)
		mt.progress.Printf("%s", mt.rm.EndEpoch(lr))
		if err := mt.rm.SaveBest(mt.cfg.ModelName); err != nil {
			return errors.WithMessagef(err, "saving best model after epoch %d", epoch)
		}
		if mt.scheduler != nil && !mt.cfg.BatchScheduler && !isMetricScheduler {
			mt.scheduler.Step()
			if err := SetLearningRate(mt.ctx, mt.scheduler.LastLR()); err != nil {
				return err
			}
		}
		mt.progress.Printf("Learning Rate = %0.6f", lr)
	}
	return mt.rm.Save(mt.cfg.ModelName)
}
