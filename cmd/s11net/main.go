// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// s11net trains a ResNet-like model (S11Net by default) on CIFAR-10.
//
// Hyperparameters are set with -config (a TOML file) and -set "param=value;...". Run with -help to
// see all of them. The backend is selected with GOMLX_BACKEND.
//
// The statistics of each epoch, the learning curves and the best model (by test accuracy) are saved
// under -output.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eva4/s11net/pkg/classifier"
	"github.com/eva4/s11net/pkg/config"
	"github.com/eva4/s11net/pkg/data/cifar"
	"github.com/eva4/s11net/pkg/misclass"
	"github.com/eva4/s11net/pkg/models"
	"github.com/eva4/s11net/pkg/runmanager"
	"github.com/eva4/s11net/pkg/trainer"
	"github.com/eva4/s11net/ui/commandline"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/cifar", "Directory to cache downloaded dataset files.")
	flagOutputDir  = flag.String("output", "~/work/s11net", "Directory where the statistics, plots and best model are saved.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory (relative to -output, if not absolute) to save training checkpoints "+
		"to, and to resume training from. If empty, no training checkpoints are saved. When resuming, \"num_epochs\" "+
		"is the total for the run, the learning rate schedule continues from the checkpoint's global step, and the "+
		"epochs in the statistics are counted from the resumed point.")
	flagConfig   = flag.String("config", "", "TOML file with hyperparameters. Values given with -set take precedence.")
	flagEpochs   = flag.Int("epochs", 0, "Number of epochs to train. If > 0 it overrides the \"num_epochs\" hyperparameter.")
	flagRunName  = flag.String("run", "s11net", "Name of the run, used in the logs and statistics.")
	flagMisclass = flag.Int("misclass", 0, "If > 0, after training, saves up to this many misclassified test images "+
		"to <output>/<run>-misclassified.png.")
)

// epochCheckpointer saves a training checkpoint at the end of every epoch, besides the best model.
type epochCheckpointer struct {
	*runmanager.Manager
	checkpoint *checkpoints.Handler
}

// SaveBest implements trainer.RunManager.
func (ec *epochCheckpointer) SaveBest(modelName string) error {
	if err := ec.checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint to %q", ec.checkpoint.Dir())
	}
	return ec.Manager.SaveBest(modelName)
}

func main() {
	ctx := config.CreateDefaultContext()
	settings := config.CreateSettingsFlag(ctx)
	klog.InitFlags(nil)
	flag.Parse()

	paramsSet := must.M1(config.Load(ctx, *flagConfig, *settings))
	if *flagEpochs > 0 {
		ctx.SetParam(config.ParamNumEpochs, *flagEpochs)
	}
	if len(paramsSet) > 0 {
		klog.Infof("Hyperparameters set:\n%s", config.SprintModified(ctx, paramsSet))
	}

	err := exceptions.TryCatch[error](func() {
		if err := run(ctx, paramsSet); err != nil {
			panic(err)
		}
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func run(ctx *context.Context, paramsSet []string) error {
	dataDir := fsutil.MustReplaceTildeInDir(*flagDataDir)
	outputDir := fsutil.MustReplaceTildeInDir(*flagOutputDir)
	for _, dir := range []string{dataDir, outputDir} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return errors.Wrapf(err, "creating directory %q", dir)
		}
	}

	backend := backends.MustNew()
	klog.Infof("Backend %q: %s", backend.Name(), backend.Description())

	// Checkpoint of the training state, loaded before anything else so its hyperparameters are used.
	var checkpoint *checkpoints.Handler
	var globalStep int64
	if *flagCheckpoint != "" {
		var err error
		checkpoint, err = checkpoints.Build(ctx).
			DirFromBase(*flagCheckpoint, outputDir).
			Keep(context.GetParamOr(ctx, config.ParamNumCheckpoints, 3)).
			ExcludeParams(append(paramsSet, config.ParamsExcludedFromSaving...)...).
			Done()
		if err != nil {
			return err
		}
		klog.Infof("Checkpointing training to %q", checkpoint.Dir())
		if globalStep = optimizers.GetGlobalStep(ctx); globalStep > 0 {
			klog.Infof("Resuming training from global step %d", globalStep)
		}
	}

	batchSize := context.GetParamOr(ctx, config.ParamBatchSize, 0)
	evalBatchSize := context.GetParamOr(ctx, config.ParamEvalBatchSize, 0)
	trainDS, testDS, err := cifar.CreateDatasets(backend, dataDir, dtypes.Float32, batchSize, evalBatchSize)
	if err != nil {
		return err
	}
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}

	modelFn, err := models.SelectModelFn(ctx)
	if err != nil {
		return err
	}
	epochs := context.GetParamOr(ctx, config.ParamNumEpochs, 24)
	cfg := trainer.ConfigFromContext(ctx)
	cfg.ModelName = context.GetParamOr(ctx, models.ParamModel, models.ValidModels[0])
	cfg.StepsPerEpoch = cifar.NumBatches(cifar.NumTrainExamples, batchSize, true)
	cfg.EvalSteps = cifar.NumBatches(cifar.NumTestExamples, evalBatchSize, false)
	scheduler, err := trainer.SchedulerFromContext(ctx, cfg.StepsPerEpoch, epochs)
	if err != nil {
		return err
	}
	if globalStep > 0 {
		// Each optimizer update (global step) consumes AccumulateSteps batches.
		numBatches := int(globalStep) * max(1, cfg.AccumulateSteps)
		completed := trainer.FastForward(scheduler, cfg.BatchScheduler, numBatches, cfg.StepsPerEpoch)
		klog.Infof("Checkpoint has %d of %d epochs trained", completed, epochs)
		epochs -= completed
		if epochs <= 0 {
			fmt.Printf("Training already completed at %q, increase %q to train more\n",
				checkpoint.Dir(), config.ParamNumEpochs)
			return nil
		}
	}

	manager := runmanager.New(outputDir, runmanager.CheckpointSaver(ctx, outputDir))
	var rm trainer.RunManager = manager
	if checkpoint != nil {
		rm = &epochCheckpointer{Manager: manager, checkpoint: checkpoint}
	}
	progress := commandline.NewProgress(nil)
	mt, err := trainer.New(backend, ctx, modelFn, trainDS, testDS, rm, progress, scheduler, cfg)
	if err != nil {
		return err
	}
	if err = mt.Run(*flagRunName, epochs); err != nil {
		return err
	}
	fmt.Println(commandline.EpochTable(manager.Records(), manager.Best()))
	if best := manager.Best(); best != nil {
		fmt.Printf("Best test accuracy %.2f%% at epoch %d, model saved to %q\n",
			best.TestAccuracy, best.Epoch, runmanager.BestCheckpointDir(outputDir, cfg.ModelName))
	}

	if *flagMisclass > 0 {
		return saveMisclassified(backend, ctx, modelFn, testDS, outputDir)
	}
	return nil
}

// saveMisclassified saves a grid with the test images the trained model gets wrong, and logs their labels.
func saveMisclassified(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn,
	testDS train.Dataset, outputDir string) error {
	cls, err := classifier.NewFromContext(backend, ctx, modelFn)
	if err != nil {
		return err
	}
	examples, err := misclass.Collect(cls, testDS, *flagMisclass)
	if err != nil {
		return err
	}
	if len(examples) == 0 {
		klog.Infof("No misclassified test examples")
		return nil
	}
	const numCols, scale = 8, 4
	path := filepath.Join(outputDir, *flagRunName+"-misclassified.png")
	if err = misclass.SaveGrid(examples, path, numCols, scale); err != nil {
		return err
	}
	for i, ex := range examples {
		klog.V(1).Infof("(row %d, col %d) test example #%d: label %q, predicted %q", i/numCols, i%numCols,
			ex.Index, classifier.Label(ex.Label), classifier.Label(ex.Predicted))
	}
	fmt.Printf("%d misclassified test images saved to %q\n", len(examples), path)
	return nil
}
