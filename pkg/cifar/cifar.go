// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cifar downloads the CIFAR-10 and CIFAR-100 datasets and loads them as in-memory datasets
// for training image classifiers.
//
// Information about the datasets in https://www.cs.toronto.edu/~kriz/cifar.html
package cifar

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/crate/internal/downloader"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	C10Url     = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	C10TarName = "cifar-10-binary.tar.gz"
	C10SubDir  = "cifar-10-batches-bin"
	C10Hash    = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	C100Url     = "https://www.cs.toronto.edu/~kriz/cifar-100-binary.tar.gz"
	C100TarName = "cifar-100-binary.tar.gz"
	C100SubDir  = "cifar-100-binary"
	C100Hash    = "58a81ae192c23a4be8b1804d68e518ed807d710a4eb253b1f2a199162a40d8ec"
)

// Height, Width and Channels are the dimensions of the images, the same for CIFAR-10 and CIFAR-100.
const (
	Height   = 32
	Width    = 32
	Channels = 3

	imageSizeBytes = Height * Width * Channels
)

// DataSource refers to CIFAR-10 (C10) or CIFAR-100 (C100).
type DataSource int

const (
	C10 DataSource = iota
	C100
)

// String implements fmt.Stringer.
func (s DataSource) String() string {
	switch s {
	case C10:
		return "cifar-10"
	case C100:
		return "cifar-100"
	}
	return fmt.Sprintf("DataSource(%d)", int(s))
}

// NumClasses returns the number of labels: 10 for CIFAR-10, 100 (fine labels) for CIFAR-100.
func (s DataSource) NumClasses() int {
	if s == C100 {
		return len(C100FineLabels)
	}
	return len(C10Labels)
}

// labelBytes is the number of label bytes preceding each image: CIFAR-100 has a coarse and a fine label.
func (s DataSource) labelBytes() int {
	if s == C100 {
		return 2
	}
	return 1
}

func (s DataSource) subDir() string {
	if s == C100 {
		return C100SubDir
	}
	return C10SubDir
}

// files lists the binary files holding each partition.
func (s DataSource) files(partition Partition) []string {
	if s == C100 {
		if partition == Test {
			return []string{"test.bin"}
		}
		return []string{"train.bin"}
	}
	if partition == Test {
		return []string{"test_batch.bin"}
	}
	files := make([]string, 5)
	for ii := range files {
		files[ii] = fmt.Sprintf("data_batch_%d.bin", ii+1)
	}
	return files
}

// Partition refers to the train or test partitions of the datasets.
type Partition int

const (
	Train Partition = iota
	Test
)

// String implements fmt.Stringer.
func (p Partition) String() string {
	if p == Test {
		return "test"
	}
	return "train"
}

var (
	C10Labels = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

	C100FineLabels = []string{"apple", "aquarium_fish", "baby", "bear", "beaver", "bed", "bee", "beetle", "bicycle",
		"bottle", "bowl", "boy", "bridge", "bus", "butterfly", "camel", "can", "castle", "caterpillar", "cattle",
		"chair", "chimpanzee", "clock", "cloud", "cockroach", "couch", "crab", "crocodile", "cup", "dinosaur",
		"dolphin", "elephant", "flatfish", "forest", "fox", "girl", "hamster", "house", "kangaroo", "keyboard", "lamp",
		"lawn_mower", "leopard", "lion", "lizard", "lobster", "man", "maple_tree", "motorcycle", "mountain", "mouse",
		"mushroom", "oak_tree", "orange", "orchid", "otter", "palm_tree", "pear", "pickup_truck", "pine_tree", "plain",
		"plate", "poppy", "porcupine", "possum", "rabbit", "raccoon", "ray", "road", "rocket", "rose", "sea", "seal",
		"shark", "shrew", "skunk", "skyscraper", "snail", "snake", "spider", "squirrel", "streetcar", "sunflower",
		"sweet_pepper", "table", "tank", "telephone", "television", "tiger", "tractor", "train", "trout", "tulip",
		"turtle", "wardrobe", "whale", "willow_tree", "wolf", "woman", "worm"}
)

// Download downloads and extracts the given source into baseDir, if not there yet.
func Download(baseDir string, source DataSource) error {
	switch source {
	case C10:
		return downloader.DownloadAndUntarIfMissing(C10Url, baseDir, C10TarName, C10SubDir, C10Hash)
	case C100:
		return downloader.DownloadAndUntarIfMissing(C100Url, baseDir, C100TarName, C100SubDir, C100Hash)
	}
	return errors.Errorf("invalid CIFAR data source %d", source)
}

// ReadRecords decodes CIFAR binary records from r until io.EOF, and appends the images and labels.
//
// Images are appended in [height, width, channels] order with values scaled to [0, 1]. For CIFAR-100 the
// fine label is used.
func ReadRecords[T float32 | float64](r io.Reader, source DataSource, images []T, labels []int64) ([]T, []int64, error) {
	numLabelBytes := source.labelBytes()
	record := make([]byte, numLabelBytes+imageSizeBytes)
	for recordIdx := 0; ; recordIdx++ {
		_, err := io.ReadFull(r, record)
		if err == io.EOF {
			return images, labels, nil
		}
		if err != nil {
			return images, labels, errors.Wrapf(err, "reading %s record #%d", source, recordIdx)
		}
		labels = append(labels, int64(record[numLabelBytes-1]))
		// Stored as 3 planes (red, green, blue) of 32x32 bytes.
		pixels := record[numLabelBytes:]
		for h := range Height {
			for w := range Width {
				for c := range Channels {
					images = append(images, T(pixels[c*Height*Width+h*Width+w])/T(255))
				}
			}
		}
	}
}

// Load reads the partition of source from baseDir (which must hold the extracted dataset), and returns
// images shaped [numExamples, Height, Width, Channels] of the given float dtype, and labels shaped
// [numExamples, 1] of Int64.
func Load(baseDir string, source DataSource, partition Partition, dtype dtypes.DType) (images, labels *tensors.Tensor, err error) {
	switch dtype {
	case dtypes.Float32:
		return load[float32](baseDir, source, partition)
	case dtypes.Float64:
		return load[float64](baseDir, source, partition)
	}
	return nil, nil, errors.Errorf("CIFAR images can only be loaded as Float32 or Float64, got %s", dtype)
}

func load[T float32 | float64](baseDir string, source DataSource, partition Partition) (images, labels *tensors.Tensor, err error) {
	baseDir, err = fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return nil, nil, err
	}
	var imagesData []T
	var labelsData []int64
	for _, fileName := range source.files(partition) {
		dataFile := filepath.Join(baseDir, source.subDir(), fileName)
		imagesData, labelsData, err = readRecordsFile(dataFile, source, imagesData, labelsData)
		if err != nil {
			return nil, nil, err
		}
	}
	numExamples := len(labelsData)
	if numExamples == 0 {
		return nil, nil, errors.Errorf("no %s examples found for %s in %q", partition, source, baseDir)
	}
	klog.V(1).Infof("loaded %s examples of %s/%s", humanize.Comma(int64(numExamples)), source, partition)
	images = tensors.FromFlatDataAndDimensions(imagesData, numExamples, Height, Width, Channels)
	labels = tensors.FromFlatDataAndDimensions(labelsData, numExamples, 1)
	return images, labels, nil
}

func readRecordsFile[T float32 | float64](dataFile string, source DataSource, images []T, labels []int64) ([]T, []int64, error) {
	f, err := os.Open(dataFile)
	if err != nil {
		return images, labels, errors.Wrapf(err, "opening data file %q", dataFile)
	}
	defer func() { _ = f.Close() }()
	images, labels, err = ReadRecords(bufio.NewReader(f), source, images, labels)
	return images, labels, errors.WithMessagef(err, "while reading %q", dataFile)
}

type cacheKey struct {
	source    DataSource
	dtype     dtypes.DType
	partition Partition
}

type cachedData struct {
	images, labels *tensors.Tensor
}

var (
	cacheMu sync.Mutex
	cache   = make(map[cacheKey]cachedData)
)

// ResetCache drops the loaded data, so the next NewDataset reads it from disk again.
func ResetCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache = make(map[cacheKey]cachedData)
}

// NewDataset returns an in-memory dataset (implements train.Dataset) of the partition of source.
//
// It downloads the data into baseDir if needed, and caches the loaded tensors, so creating multiple
// datasets of the same data costs no extra time or memory.
func NewDataset(backend backends.Backend, name, baseDir string, source DataSource, dtype dtypes.DType,
	partition Partition) (*datasets.InMemoryDataset, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	key := cacheKey{source, dtype, partition}
	data, found := cache[key]
	if !found {
		if err := Download(baseDir, source); err != nil {
			return nil, errors.WithMessagef(err, "creating dataset %q", name)
		}
		images, labels, err := Load(baseDir, source, partition, dtype)
		if err != nil {
			return nil, errors.WithMessagef(err, "creating dataset %q", name)
		}
		data = cachedData{images: images, labels: labels}
		cache[key] = data
	}
	return datasets.InMemoryFromData(backend, name, []any{data.images}, []any{data.labels})
}

// CreateDatasets returns the datasets used for training: an infinite shuffled train dataset, and the
// train and test datasets for evaluation.
func CreateDatasets(backend backends.Backend, baseDir string, source DataSource, dtype dtypes.DType,
	batchSize, evalBatchSize int) (trainDS, trainEvalDS, testEvalDS *datasets.InMemoryDataset, err error) {
	baseTrain, err := NewDataset(backend, "Training", baseDir, source, dtype, Train)
	if err != nil {
		return
	}
	baseTest, err := NewDataset(backend, "Validation", baseDir, source, dtype, Test)
	if err != nil {
		return
	}
	trainDS = baseTrain.Copy().BatchSize(batchSize, true).Shuffle().Infinite(true)
	trainEvalDS = baseTrain.BatchSize(evalBatchSize, false)
	testEvalDS = baseTest.BatchSize(evalBatchSize, false)
	return
}
