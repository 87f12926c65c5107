// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier serves a trained CIFAR-10 model for inference.
//
// It loads the model from a checkpoint (hyperparameters included, so the same model is built) and
// classifies any image, by first resizing it to the model's input size.
package classifier

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/eva4/s11net/pkg/data/cifar"
	"github.com/eva4/s11net/pkg/models"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Classifier holds the compiled model.
type Classifier struct {
	backend backends.Backend

	// ctx with the model's weights.
	ctx *context.Context

	// exec returns the predicted class of each image of a batch.
	exec *context.Exec
}

// New loads the model saved in checkpointDir and creates a Classifier for it.
//
// The model type is read from the "model" hyperparameter stored in the checkpoint.
func New(backend backends.Backend, checkpointDir string) (*Classifier, error) {
	ctx := context.New()
	if _, err := checkpoints.Load(ctx).Dir(checkpointDir).Done(); err != nil {
		return nil, errors.WithMessagef(err, "loading model from %q", checkpointDir)
	}
	modelFn, err := models.SelectModelFn(ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot build model from checkpoint %q", checkpointDir)
	}
	return NewFromContext(backend, ctx, modelFn)
}

// NewFromContext creates a Classifier for modelFn, using the variables already in ctx.
//
// The context is marked for reuse: it is an error for the model to create new variables.
func NewFromContext(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn) (*Classifier, error) {
	c := &Classifier{
		backend: backend,
		ctx:     ctx.Reuse(),
	}
	var err error
	c.exec, err = context.NewExec(backend, c.ctx, func(ctx *context.Context, images *Node) *Node {
		logProbs := modelFn(ctx, nil, []*Node{images})[0]
		return ArgMax(logProbs, -1, dtypes.Int64)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating classifier executor")
	}
	return c, nil
}

// Predict returns the class of each image in a batch already normalized, shaped [batch, 32, 32, 3].
func (c *Classifier) Predict(images *tensors.Tensor) ([]int64, error) {
	var classes *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		var err error
		classes, err = c.exec.Exec1(images)
		if err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "classifying images")
	}
	defer func() { _ = classes.FinalizeAll() }()
	return tensors.MustCopyFlatData[int64](classes), nil
}

// Classify returns the CIFAR-10 class (0 to 9) of img. Images of any size are accepted: they are
// resized to 32x32 first. Use Label to convert the class to its name.
func (c *Classifier) Classify(img image.Image) (int, error) {
	classes, err := c.ClassifyBatch([]image.Image{img})
	if err != nil {
		return 0, err
	}
	return classes[0], nil
}

// ClassifyBatch is like Classify, but for many images at once.
func (c *Classifier) ClassifyBatch(imgs []image.Image) ([]int, error) {
	if len(imgs) == 0 {
		return nil, nil
	}
	resized := make([]image.Image, len(imgs))
	for i, img := range imgs {
		resized[i] = Resize(img)
	}
	images, err := cifar.ImagesToTensor(resized)
	if err != nil {
		return nil, err
	}
	predictions, err := c.Predict(images)
	if err != nil {
		return nil, err
	}
	classes := make([]int, len(predictions))
	for i, p := range predictions {
		classes[i] = int(p)
	}
	return classes, nil
}

// Resize img to the model input size. Images that already have the right size are returned as is.
func Resize(img image.Image) image.Image {
	bounds := img.Bounds()
	if bounds.Dx() == cifar.Width && bounds.Dy() == cifar.Height {
		return img
	}
	return imaging.Resize(img, cifar.Width, cifar.Height, imaging.Lanczos)
}

// Label returns the name of the class, or "unknown".
func Label(class int) string {
	if class < 0 || class >= len(cifar.C10Labels) {
		return "unknown"
	}
	return cifar.C10Labels[class]
}
