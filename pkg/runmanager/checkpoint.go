// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runmanager

import (
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BestCheckpointDir is the directory where CheckpointSaver saves the best model for modelName.
func BestCheckpointDir(outputDir, modelName string) string {
	return filepath.Join(outputDir, modelName+"-best")
}

// CheckpointSaver returns a BestSaver that saves the variables and hyperparameters of ctx as a GoMLX
// checkpoint in BestCheckpointDir, keeping only the latest one.
//
// The checkpoint handler is created on the first save. A checkpoint left by a previous run in the same
// directory is removed at that point, so its values are never loaded into ctx.
func CheckpointSaver(ctx *context.Context, outputDir string) BestSaver {
	var handler *checkpoints.Handler
	return func(modelName string, record EpochRecord) error {
		if handler == nil {
			dir := BestCheckpointDir(outputDir, modelName)
			if _, err := os.Stat(dir); err == nil {
				klog.Infof("Removing previous best checkpoint in %q", dir)
				if err = os.RemoveAll(dir); err != nil {
					return errors.Wrapf(err, "removing previous best checkpoint %q", dir)
				}
			}
			var err error
			handler, err = checkpoints.Build(ctx).Dir(dir).Keep(1).Done()
			if err != nil {
				return errors.WithMessagef(err, "creating best checkpoint in %q", dir)
			}
		}
		if err := handler.Save(); err != nil {
			return errors.WithMessagef(err, "saving best checkpoint for epoch %d", record.Epoch)
		}
		klog.Infof("Saved best model (test accuracy %.2f%%, epoch %d)", record.TestAccuracy, record.Epoch)
		return nil
	}
}
