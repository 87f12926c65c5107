// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cifar downloads the CIFAR-10 dataset and serves it as normalized train.Dataset objects.
// Information about it in https://www.cs.toronto.edu/~kriz/cifar.html
package cifar

import (
	"fmt"
	"image"
	"os"
	"path"
	"reflect"
	"sync"

	"github.com/eva4/s11net/pkg/data/downloader"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

const (
	C10Url     = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	C10TarName = "cifar-10-binary.tar.gz"
	C10SubDir  = "cifar-10-batches-bin"
	C10SHA256  = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	// NumTrainFiles is the number of "data_batch_N.bin" files holding the training examples.
	NumTrainFiles = 5

	// TestFile holds the test examples.
	TestFile = "test_batch.bin"

	NumTrainExamples = 50_000
	NumTestExamples  = 10_000
)

// Width, Height and Depth are the dimensions of the images.
const (
	Width  int = 32
	Height int = 32
	Depth  int = 3
)

const imageSizeBytes = Height * Width * Depth

// recordSizeBytes is one label byte followed by the image, channel-major.
const recordSizeBytes = imageSizeBytes + 1

// C10Labels are the class names, indexed by label.
var C10Labels = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

// Per-channel mean and standard deviation of the training images, used for normalization.
var (
	ChannelMean = [Depth]float64{0.4914, 0.4822, 0.4465}
	ChannelStd  = [Depth]float64{0.2470, 0.2435, 0.2616}
)

// Partition refers to the train or test partitions of the dataset.
type Partition int

const (
	Train Partition = iota
	Test
)

func (p Partition) String() string {
	switch p {
	case Train:
		return "train"
	case Test:
		return "test"
	}
	return fmt.Sprintf("Partition(%d)", int(p))
}

// DownloadCifar10 downloads and unpacks CIFAR-10 into baseDir, if not there yet.
func DownloadCifar10(baseDir string) error {
	return downloader.DownloadAndUntarIfMissing(C10Url, baseDir, C10TarName, C10SubDir, C10SHA256)
}

// ImagesAndLabels of one partition: images shaped [N, Height, Width, Depth] and labels shaped [N, 1] of Int64.
type ImagesAndLabels struct {
	Images, Labels *tensors.Tensor
}

// NumExamples in the partition.
func (il ImagesAndLabels) NumExamples() int {
	if il.Labels == nil {
		return 0
	}
	return il.Labels.Shape().Dimensions[0]
}

func convertBytesToTensor[T dtypes.GoFloat](image []byte, imagesT *tensors.Tensor, exampleNum int) error {
	var t T
	if dtypes.FromGoType(reflect.TypeOf(t)) != imagesT.DType() {
		return errors.Errorf("trying to convert to dtype %s from go type %T", imagesT.DType(), t)
	}
	tensors.MustMutableFlatData[T](imagesT, func(tensorData []T) {
		tensorPos := exampleNum * imageSizeBytes
		for h := 0; h < Height; h++ {
			for w := 0; w < Width; w++ {
				for d := 0; d < Depth; d++ {
					value := float64(image[d*(Height*Width)+h*Width+w]) / 255.0
					tensorData[tensorPos] = T((value - ChannelMean[d]) / ChannelStd[d])
					tensorPos++
				}
			}
		}
	})
	return nil
}

// readRecords reads the raw records of the given files, and returns them concatenated.
func readRecords(files []string) ([]byte, int, error) {
	var all []byte
	for _, dataFile := range files {
		contents, err := os.ReadFile(dataFile)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "reading data file %q", dataFile)
		}
		if len(contents)%recordSizeBytes != 0 {
			return nil, 0, errors.Errorf("data file %q has %d bytes, not a multiple of the record size %d",
				dataFile, len(contents), recordSizeBytes)
		}
		all = append(all, contents...)
	}
	return all, len(all) / recordSizeBytes, nil
}

// loadPartition converts the records of the given files to normalized images and labels.
func loadPartition(files []string, dtype dtypes.DType) (il ImagesAndLabels, err error) {
	records, numExamples, err := readRecords(files)
	if err != nil {
		return
	}
	if numExamples == 0 {
		return il, errors.Errorf("no examples found in %v", files)
	}
	il.Images = tensors.FromShape(shapes.Make(dtype, numExamples, Height, Width, Depth))
	il.Labels = tensors.FromShape(shapes.Make(dtypes.Int64, numExamples, 1))
	tensors.MustMutableFlatData[int64](il.Labels, func(labelsData []int64) {
		for exampleIdx := 0; exampleIdx < numExamples && err == nil; exampleIdx++ {
			record := records[exampleIdx*recordSizeBytes : (exampleIdx+1)*recordSizeBytes]
			switch dtype {
			case dtypes.Float64:
				err = convertBytesToTensor[float64](record[1:], il.Images, exampleIdx)
			case dtypes.Float32:
				err = convertBytesToTensor[float32](record[1:], il.Images, exampleIdx)
			default:
				err = errors.Errorf("DType %s not supported", dtype)
			}
			labelsData[exampleIdx] = int64(record[0])
		}
	})
	if err != nil {
		il.Images.MustFinalizeAll()
		il.Labels.MustFinalizeAll()
		return ImagesAndLabels{}, errors.WithMessagef(err, "failed converting bytes to tensor of %s", dtype)
	}
	return il, nil
}

// LoadCifar10 reads the train and test partitions from baseDir (which must already hold the unpacked
// dataset, see DownloadCifar10). Images are normalized with ChannelMean and ChannelStd.
// Only Float32 and Float64 dtypes are supported.
func LoadCifar10(baseDir string, dtype dtypes.DType) (partitioned [2]ImagesAndLabels, err error) {
	baseDir, err = fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return
	}
	trainFiles := make([]string, 0, NumTrainFiles)
	for fileIdx := range NumTrainFiles {
		trainFiles = append(trainFiles, path.Join(baseDir, C10SubDir, fmt.Sprintf("data_batch_%d.bin", fileIdx+1)))
	}
	partitioned[Train], err = loadPartition(trainFiles, dtype)
	if err != nil {
		return
	}
	partitioned[Test], err = loadPartition([]string{path.Join(baseDir, C10SubDir, TestFile)}, dtype)
	return
}

// ConvertToGoImage undoes the normalization of example exampleNum and returns it as a Go image.
func ConvertToGoImage(images *tensors.Tensor, exampleNum int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, Width, Height))
	images.MustConstFlatData(func(flatAny any) {
		tensorData := reflect.ValueOf(flatAny)
		tensorPos := exampleNum * imageSizeBytes
		floatT := reflect.TypeOf(float64(0))
		for h := 0; h < Height; h++ {
			for w := 0; w < Width; w++ {
				for d := 0; d < Depth; d++ {
					f := tensorData.Index(tensorPos).Convert(floatT).Interface().(float64)
					tensorPos++
					f = f*ChannelStd[d] + ChannelMean[d]
					img.Pix[h*img.Stride+w*4+d] = uint8(min(max(f, 0), 1) * 255)
				}
				img.Pix[h*img.Stride+w*4+3] = uint8(255) // Alpha channel.
			}
		}
	})
	return img
}

// ImagesToTensor normalizes images of Width x Height pixels the same way as the dataset, and returns them
// as one Float32 tensor shaped [len(imgs), Height, Width, Depth].
func ImagesToTensor(imgs []image.Image) (*tensors.Tensor, error) {
	flat := make([]float32, 0, len(imgs)*imageSizeBytes)
	for i, img := range imgs {
		bounds := img.Bounds()
		if bounds.Dx() != Width || bounds.Dy() != Height {
			return nil, errors.Errorf("image #%d is %dx%d, expected %dx%d", i, bounds.Dx(), bounds.Dy(), Width, Height)
		}
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				r, g, b, _ := img.At(x, y).RGBA()
				for d, v := range [Depth]uint32{r, g, b} {
					value := float64(v) / 0xffff
					flat = append(flat, float32((value-ChannelMean[d])/ChannelStd[d]))
				}
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(imgs), Height, Width, Depth), nil
}

var (
	cacheMu sync.Mutex
	// Cache of loaded data, per data directory and dtype.
	imagesAndLabelsCache = make(map[string][2]ImagesAndLabels)
)

// ResetCache drops all loaded partitions.
func ResetCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	imagesAndLabelsCache = make(map[string][2]ImagesAndLabels)
}

func loadCached(baseDir string, dtype dtypes.DType) ([2]ImagesAndLabels, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	key := fmt.Sprintf("%s:%s", baseDir, dtype)
	if partitioned, found := imagesAndLabelsCache[key]; found {
		return partitioned, nil
	}
	if err := DownloadCifar10(baseDir); err != nil {
		return [2]ImagesAndLabels{}, errors.WithMessage(err, "downloading CIFAR-10")
	}
	partitioned, err := LoadCifar10(baseDir, dtype)
	if err != nil {
		return partitioned, err
	}
	imagesAndLabelsCache[key] = partitioned
	return partitioned, nil
}

// NewDataset returns an in-memory dataset for the given partition, which implements train.Dataset.
//
// It automatically downloads the data from the web and loads it into memory, if it hasn't been
// loaded yet. Loaded data is cached, so multiple datasets can be created without extra costs.
func NewDataset(backend backends.Backend, name, baseDir string, dtype dtypes.DType, partition Partition) (
	*datasets.InMemoryDataset, error) {
	partitioned, err := loadCached(baseDir, dtype)
	if err != nil {
		return nil, err
	}
	return FromImagesAndLabels(backend, name, partitioned[partition])
}

// FromImagesAndLabels creates an in-memory dataset from already loaded tensors.
func FromImagesAndLabels(backend backends.Backend, name string, il ImagesAndLabels) (*datasets.InMemoryDataset, error) {
	ds, err := datasets.InMemoryFromData(backend, name, []any{il.Images}, []any{il.Labels})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating dataset %q", name)
	}
	return ds, nil
}

// CreateDatasets returns the shuffled training dataset (incomplete batches dropped) and the
// test dataset (all examples, in order), both looping over one epoch only.
func CreateDatasets(backend backends.Backend, dataDir string, dtype dtypes.DType, batchSize, evalBatchSize int) (
	trainDS, testDS train.Dataset, err error) {
	if batchSize <= 0 {
		return nil, nil, errors.Errorf("batch size must be > 0, got %d", batchSize)
	}
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	baseTrain, err := NewDataset(backend, "Training", dataDir, dtype, Train)
	if err != nil {
		return nil, nil, err
	}
	baseTest, err := NewDataset(backend, "Validation", dataDir, dtype, Test)
	if err != nil {
		return nil, nil, err
	}
	trainDS = baseTrain.BatchSize(batchSize, true).Shuffle()
	testDS = baseTest.BatchSize(evalBatchSize, false)
	return trainDS, testDS, nil
}

// NumBatches returns how many batches of batchSize a partition yields.
func NumBatches(numExamples, batchSize int, dropIncomplete bool) int {
	if batchSize <= 0 {
		return 0
	}
	if dropIncomplete {
		return numExamples / batchSize
	}
	return (numExamples + batchSize - 1) / batchSize
}
