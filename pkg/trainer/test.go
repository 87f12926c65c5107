// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"io"

	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Test runs one evaluation pass over a dataset: no gradients, no dropout, and batch normalization
// using its running averages.
type Test struct {
	trainer   *train.Trainer
	ds        train.Dataset
	rm        RunManager
	progress  Progress
	scheduler Scheduler
	numSteps  int
}

// NewTest creates a Test runner. If scheduler is a MetricScheduler, it is stepped with the test loss at
// the end of every pass.
func NewTest(trainer *train.Trainer, ds train.Dataset, rm RunManager, progress Progress,
	scheduler Scheduler, numSteps int) *Test {
	if progress == nil {
		progress = nopProgress{}
	}
	return &Test{
		trainer:   trainer,
		ds:        ds,
		rm:        rm,
		progress:  progress,
		scheduler: scheduler,
		numSteps:  numSteps,
	}
}

// Run the evaluation. The dataset is reset at the end.
func (t *Test) Run() error {
	t.progress.Start(t.numSteps, "test")
	defer t.progress.Finish()
	for {
		spec, inputs, labels, err := t.ds.Yield()
		if err != nil {
			if err == io.EOF {
				break
			}
			return errors.WithMessagef(err, "Test.Run(): failed reading from dataset %q", t.ds.Name())
		}
		if err = checkYield(inputs, labels); err != nil {
			return err
		}
		batchSize := inputs[0].Shape().Dimensions[0]
		results, err := t.trainer.EvalStep(spec, inputs, labels)
		if err == nil && ownsYield(t.ds) {
			err = finalizeYield(inputs, labels)
		}
		if err != nil {
			return errors.WithMessage(err, "Test.Run(): failed eval step")
		}
		// The eval metrics end with: batch loss, number of correct predictions, number of predictions.
		loss, correct, count, err := readStepResults(results, len(results)-3)
		if err != nil {
			return err
		}
		t.rm.TrackTestLoss(loss, batchSize)
		t.rm.TrackTestNumCorrect(correct, count)
		t.progress.Update("")
	}
	t.ds.Reset()

	if ms, ok := t.scheduler.(MetricScheduler); ok {
		testLoss := t.rm.TestLoss()
		klog.Infof("Stepping scheduler with test loss %.4f", testLoss)
		ms.StepWithMetric(testLoss)
		if err := SetLearningRate(t.trainer.Context(), ms.LastLR()); err != nil {
			return err
		}
	}
	return nil
}
