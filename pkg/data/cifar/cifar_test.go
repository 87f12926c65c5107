// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar

import (
	"fmt"
	"image"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

// writeFakeBatch writes numExamples records: label = labelBase+i, every pixel of channel d = 10*(d+1).
func writeFakeBatch(t *testing.T, filePath string, numExamples, labelBase int) {
	data := make([]byte, 0, numExamples*recordSizeBytes)
	for i := range numExamples {
		data = append(data, byte(labelBase+i))
		for d := range Depth {
			for range Height * Width {
				data = append(data, byte(10*(d+1)))
			}
		}
	}
	require.NoError(t, os.WriteFile(filePath, data, 0644))
}

func fakeDataDir(t *testing.T) string {
	baseDir := t.TempDir()
	dir := path.Join(baseDir, C10SubDir)
	require.NoError(t, os.MkdirAll(dir, 0777))
	for fileIdx := range NumTrainFiles {
		writeFakeBatch(t, path.Join(dir, fmt.Sprintf("data_batch_%d.bin", fileIdx+1)), 2, fileIdx)
	}
	writeFakeBatch(t, path.Join(dir, TestFile), 3, 7)
	return baseDir
}

func TestLoadCifar10(t *testing.T) {
	partitioned, err := LoadCifar10(fakeDataDir(t), dtypes.Float32)
	require.NoError(t, err)

	trainPart, testPart := partitioned[Train], partitioned[Test]
	require.Equal(t, 10, trainPart.NumExamples())
	require.Equal(t, 3, testPart.NumExamples())
	require.Equal(t, []int{10, Height, Width, Depth}, trainPart.Images.Shape().Dimensions)
	require.Equal(t, []int{3, 1}, testPart.Labels.Shape().Dimensions)

	labels := tensors.MustCopyFlatData[int64](testPart.Labels)
	require.Equal(t, []int64{7, 8, 9}, labels)

	// Normalized value of the first pixel of each channel.
	images := tensors.MustCopyFlatData[float32](trainPart.Images)
	for d := range Depth {
		want := (float64(10*(d+1))/255.0 - ChannelMean[d]) / ChannelStd[d]
		require.InDelta(t, want, float64(images[d]), 1e-5)
	}
}

func TestLoadCifar10RejectsTruncatedFiles(t *testing.T) {
	baseDir := fakeDataDir(t)
	require.NoError(t, os.WriteFile(path.Join(baseDir, C10SubDir, TestFile), []byte{1, 2, 3}, 0644))
	_, err := LoadCifar10(baseDir, dtypes.Float32)
	require.Error(t, err)
}

func TestConvertToGoImage(t *testing.T) {
	partitioned, err := LoadCifar10(fakeDataDir(t), dtypes.Float64)
	require.NoError(t, err)
	img := ConvertToGoImage(partitioned[Test].Images, 1)
	r, g, b, a := img.At(5, 5).RGBA()
	require.InDelta(t, 10, int(r>>8), 1)
	require.InDelta(t, 20, int(g>>8), 1)
	require.InDelta(t, 30, int(b>>8), 1)
	require.Equal(t, uint32(0xffff), a)
}

func TestImagesToTensor(t *testing.T) {
	partitioned, err := LoadCifar10(fakeDataDir(t), dtypes.Float32)
	require.NoError(t, err)
	img := ConvertToGoImage(partitioned[Test].Images, 0)
	imagesT, err := ImagesToTensor([]image.Image{img, img})
	require.NoError(t, err)
	require.Equal(t, []int{2, Height, Width, Depth}, imagesT.Shape().Dimensions)

	// Converting back and forth gives the same normalized values, up to the 8 bits quantization.
	want := tensors.MustCopyFlatData[float32](partitioned[Test].Images)[:imageSizeBytes]
	got := tensors.MustCopyFlatData[float32](imagesT)
	require.InDeltaSlice(t, want, got[:imageSizeBytes], 0.02)
	require.InDeltaSlice(t, want, got[imageSizeBytes:], 0.02)

	_, err = ImagesToTensor([]image.Image{image.NewNRGBA(image.Rect(0, 0, 16, 16))})
	require.ErrorContains(t, err, "16x16")
}

func TestNumBatches(t *testing.T) {
	require.Equal(t, 97, NumBatches(50000, 512, true))
	require.Equal(t, 98, NumBatches(50000, 512, false))
	require.Equal(t, 10, NumBatches(10000, 1000, false))
	require.Equal(t, 0, NumBatches(10, 0, false))
}
