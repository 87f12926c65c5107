// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package misclass

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/eva4/s11net/pkg/data/cifar"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/stretchr/testify/require"
)

// evenPredictor predicts the class as the index of the example in the batch, modulo 2.
type evenPredictor struct{}

func (evenPredictor) Predict(images *tensors.Tensor) ([]int64, error) {
	predictions := make([]int64, images.Shape().Dimensions[0])
	for i := range predictions {
		predictions[i] = int64(i % 2)
	}
	return predictions, nil
}

func testImages(n int) []image.Image {
	imgs := make([]image.Image, n)
	for i := range imgs {
		imgs[i] = imaging.New(cifar.Width, cifar.Height, color.NRGBA{R: uint8(20 * i), A: 255})
	}
	return imgs
}

func TestCollect(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	imagesT, err := cifar.ImagesToTensor(testImages(6))
	require.NoError(t, err)
	// Batches of 2: predictions are 0, 1 for each batch.
	labels := [][]int64{{0}, {0}, {1}, {1}, {0}, {1}}
	ds, err := datasets.InMemoryFromData(backend, "misclass", []any{imagesT}, []any{labels})
	require.NoError(t, err)
	batched := ds.BatchSize(2, false)

	examples, err := Collect(evenPredictor{}, batched, 0)
	require.NoError(t, err)
	require.Len(t, examples, 2)
	require.Equal(t, 1, examples[0].Index)
	require.Equal(t, 0, examples[0].Label)
	require.Equal(t, 1, examples[0].Predicted)
	require.Equal(t, 2, examples[1].Index)
	require.Equal(t, 1, examples[1].Label)
	require.Equal(t, 0, examples[1].Predicted)

	// Image of example #2 has red = 40.
	r, _, _, _ := examples[1].Image.At(0, 0).RGBA()
	require.InDelta(t, 40, int(r>>8), 1)

	// Dataset was reset: it can be collected again, with a limit.
	examples, err = Collect(evenPredictor{}, batched, 1)
	require.NoError(t, err)
	require.Len(t, examples, 1)
}

func TestGrid(t *testing.T) {
	var examples []Example
	for i, img := range testImages(5) {
		examples = append(examples, Example{Index: i, Image: imaging.Clone(img)})
	}
	grid := Grid(examples, 3, 2, 1)
	// 3 columns x 2 rows of 64x64 cells, separated by 1 pixel.
	require.Equal(t, 3*65+1, grid.Bounds().Dx())
	require.Equal(t, 2*65+1, grid.Bounds().Dy())
	require.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, grid.NRGBAAt(0, 0), "border")
	require.Equal(t, uint8(20), grid.NRGBAAt(1+65+10, 1+10).R, "second image")

	path := filepath.Join(t.TempDir(), "misclassified.png")
	require.NoError(t, SaveGrid(examples, path, 3, 2))
	loaded, err := imaging.Open(path)
	require.NoError(t, err)
	require.Equal(t, grid.Bounds(), loaded.Bounds())

	require.Error(t, SaveGrid(nil, path, 3, 2))
}
