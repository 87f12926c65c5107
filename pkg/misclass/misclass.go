// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package misclass finds the examples of a dataset that a trained model gets wrong, and renders them
// as an image grid for inspection.
package misclass

import (
	"image"
	"image/color"
	"io"

	"github.com/disintegration/imaging"
	"github.com/eva4/s11net/pkg/classifier"
	"github.com/eva4/s11net/pkg/data/cifar"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Example is one misclassified example.
type Example struct {
	// Index of the example in the dataset, in the order it was yielded.
	Index int

	Label, Predicted int
	Image            *image.NRGBA
}

// Predictor returns the predicted class of each example of a batch of images.
// *classifier.Classifier implements it.
type Predictor interface {
	Predict(images *tensors.Tensor) ([]int64, error)
}

var _ Predictor = (*classifier.Classifier)(nil)

// Collect runs predictor over one epoch of ds and returns up to maxExamples misclassified examples
// (all of them if maxExamples <= 0). ds is reset at the end.
//
// ds must yield the images (as in cifar datasets) as the first input, and the labels shaped [batch, 1]
// as the first label.
func Collect(predictor Predictor, ds train.Dataset, maxExamples int) ([]Example, error) {
	defer ds.Reset()
	var examples []Example
	index := 0
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "reading dataset %q", ds.Name())
		}
		if len(inputs) == 0 || len(labels) == 0 {
			return nil, errors.Errorf("dataset %q yielded %d inputs and %d labels", ds.Name(), len(inputs), len(labels))
		}
		predictions, err := predictor.Predict(inputs[0])
		if err != nil {
			return nil, err
		}
		trueLabels := tensors.MustCopyFlatData[int64](labels[0])
		if len(trueLabels) != len(predictions) {
			return nil, errors.Errorf("%d labels for %d predictions: labels must be shaped [batch, 1]",
				len(trueLabels), len(predictions))
		}
		for i, predicted := range predictions {
			if predicted != trueLabels[i] {
				examples = append(examples, Example{
					Index:     index + i,
					Label:     int(trueLabels[i]),
					Predicted: int(predicted),
					Image:     cifar.ConvertToGoImage(inputs[0], i),
				})
				if maxExamples > 0 && len(examples) >= maxExamples {
					klog.V(1).Infof("Collected %d misclassified examples of %q", len(examples), ds.Name())
					return examples, nil
				}
			}
		}
		index += len(predictions)
	}
	klog.V(1).Infof("Found %d misclassified examples out of %d in %q", len(examples), index, ds.Name())
	return examples, nil
}

// Grid renders the images of examples in a grid with numCols columns, each image upscaled by scale
// and separated by a white border of border pixels.
func Grid(examples []Example, numCols, scale, border int) *image.NRGBA {
	if len(examples) == 0 {
		return image.NewNRGBA(image.Rect(0, 0, 0, 0))
	}
	numCols = max(1, min(numCols, len(examples)))
	scale = max(1, scale)
	numRows := (len(examples) + numCols - 1) / numCols
	cellW, cellH := cifar.Width*scale+border, cifar.Height*scale+border
	grid := imaging.New(numCols*cellW+border, numRows*cellH+border, color.White)
	for i, ex := range examples {
		tile := imaging.Resize(ex.Image, cifar.Width*scale, cifar.Height*scale, imaging.NearestNeighbor)
		row, col := i/numCols, i%numCols
		grid = imaging.Paste(grid, tile, image.Pt(border+col*cellW, border+row*cellH))
	}
	return grid
}

// SaveGrid renders the examples with Grid and saves it to path. The format is taken from the
// file extension (e.g. ".png").
func SaveGrid(examples []Example, path string, numCols, scale int) error {
	if len(examples) == 0 {
		return errors.New("no misclassified examples to save")
	}
	if err := imaging.Save(Grid(examples, numCols, scale, 2), path); err != nil {
		return errors.Wrapf(err, "saving misclassified examples to %q", path)
	}
	return nil
}
