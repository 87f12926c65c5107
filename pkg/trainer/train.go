// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"io"
	"math"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Train runs one training epoch over a dataset.
type Train struct {
	trainer   *train.Trainer
	ds        train.Dataset
	rm        RunManager
	progress  Progress
	scheduler Scheduler

	// numSteps per epoch, for the progress display. 0 if unknown.
	numSteps int

	// description prefixed to the progress display, e.g. "Epoch 3/24".
	description string
}

// NewTrain creates a Train runner. The scheduler, if not nil, is stepped after every batch.
func NewTrain(trainer *train.Trainer, ds train.Dataset, rm RunManager, progress Progress,
	scheduler Scheduler, numSteps int) *Train {
	if progress == nil {
		progress = nopProgress{}
	}
	return &Train{
		trainer:   trainer,
		ds:        ds,
		rm:        rm,
		progress:  progress,
		scheduler: scheduler,
		numSteps:  numSteps,
	}
}

// SetDescription sets the prefix of the progress display.
func (t *Train) SetDescription(description string) { t.description = description }

// Run one epoch: every batch of the dataset is used for one training step, and the statistics are
// reported to the RunManager.
//
// The dataset is reset at the end of the epoch.
func (t *Train) Run() error {
	t.progress.Start(t.numSteps, t.description)
	defer t.progress.Finish()
	ctx := t.trainer.Context()
	for {
		spec, inputs, labels, err := t.ds.Yield()
		if err != nil {
			if err == io.EOF {
				break
			}
			return errors.WithMessagef(err, "Train.Run(): failed reading from dataset %q", t.ds.Name())
		}
		if err = checkYield(inputs, labels); err != nil {
			return err
		}
		batchSize := inputs[0].Shape().Dimensions[0]

		t.rm.BeginBatch()
		results, err := t.trainer.TrainStep(spec, inputs, labels)
		if err == nil && ownsYield(t.ds) {
			err = finalizeYield(inputs, labels)
		}
		if err != nil {
			return errors.WithMessagef(err, "Train.Run(): failed train step (global step %d)",
				t.trainer.GlobalStep())
		}
		loss, correct, count, err := readStepResults(results, 0)
		if err != nil {
			return err
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return errors.Errorf("batch loss is %f, training interrupted (global step %d)", loss, t.trainer.GlobalStep())
		}
		t.rm.TrackTrainLoss(loss, batchSize)
		t.rm.TrackTrainNumCorrect(correct, count)

		var lr float64
		if t.scheduler != nil {
			lr = t.scheduler.LastLR()
		} else {
			lr = LearningRate(ctx)
		}
		elapsed := t.rm.EndBatch(lr)
		t.progress.Update(t.batchDescription(elapsed.Seconds(), loss))
		if klog.V(2).Enabled() {
			klog.Infof("batch: loss=%.4f correct=%d/%d lr=%g", loss, correct, count, lr)
		}

		if t.scheduler != nil {
			t.scheduler.Step()
			if err = SetLearningRate(ctx, t.scheduler.LastLR()); err != nil {
				return err
			}
		}
	}
	t.ds.Reset()
	return nil
}

// batchDescription is the progress description after a batch: the epoch prefix, if set, followed by
// the batch time and loss.
func (t *Train) batchDescription(seconds, loss float64) string {
	description := fmt.Sprintf("time: %0.2f, loss: %0.4f", seconds, loss)
	if t.description == "" {
		return description
	}
	return t.description + ", " + description
}

// readStepResults reads the loss at lossIdx, and the number of correct predictions and the number of
// predictions from the last two results. All results are finalized.
func readStepResults(results []*tensors.Tensor, lossIdx int) (loss float64, correct, count int, err error) {
	defer func() {
		for _, r := range results {
			if r != nil {
				r.MustFinalizeAll()
			}
		}
	}()
	n := len(results)
	if lossIdx < 0 || lossIdx >= n-2 {
		return 0, 0, 0, errors.Errorf("expected loss and the 2 count metrics from the trainer step, got %d results", n)
	}
	loss = shapes.ConvertTo[float64](results[lossIdx].Value())
	correct = int(math.Round(shapes.ConvertTo[float64](results[n-2].Value())))
	count = int(math.Round(shapes.ConvertTo[float64](results[n-1].Value())))
	return
}

var yieldInputTypeNames = []string{"inputs", "labels"}

func checkYield(inputs, labels []*tensors.Tensor) error {
	if len(inputs) == 0 || len(labels) == 0 {
		return errors.Errorf("dataset yielded %d inputs and %d labels, at least one of each is required",
			len(inputs), len(labels))
	}
	for inputTypeIdx, slice := range [][]*tensors.Tensor{inputs, labels} {
		for tensorIdx, t := range slice {
			if !t.Ok() {
				return errors.Errorf("dataset yielded an invalid tensor (tensor #%d of %s), likely it has "+
					"already been finalized: the yielded tensors are freed right after use",
					tensorIdx, yieldInputTypeNames[inputTypeIdx])
			}
		}
	}
	return nil
}

// ownsYield returns whether the loop owns (and should free) the tensors yielded by ds.
func ownsYield(ds train.Dataset) bool {
	dsOwnership, ok := ds.(train.DatasetCustomOwnership)
	if !ok {
		return true
	}
	return dsOwnership.IsOwnershipTransferred()
}

// finalizeYield frees the yielded tensors immediately, instead of waiting for the garbage collector.
func finalizeYield(inputs, labels []*tensors.Tensor) error {
	for sliceIdx, slice := range [][]*tensors.Tensor{inputs, labels} {
		for i, t := range slice {
			if err := t.FinalizeAll(); err != nil {
				return errors.WithMessagef(err, "finalizing tensor #%d of %s after use",
					i, yieldInputTypeNames[sliceIdx])
			}
		}
	}
	return nil
}

type nopProgress struct{}

func (nopProgress) Start(int, string)     {}
func (nopProgress) Update(string)         {}
func (nopProgress) Finish()               {}
func (nopProgress) Printf(string, ...any) {}
