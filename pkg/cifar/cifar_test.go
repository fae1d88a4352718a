// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeRecord returns one binary record where every byte of channel c is base+c.
func makeRecord(labels []byte, base byte) []byte {
	record := append([]byte{}, labels...)
	for c := range Channels {
		record = append(record, bytes.Repeat([]byte{base + byte(c)}, Height*Width)...)
	}
	return record
}

func TestReadRecords(t *testing.T) {
	var data []byte
	data = append(data, makeRecord([]byte{7}, 10)...)
	data = append(data, makeRecord([]byte{2}, 100)...)
	images, labels, err := ReadRecords[float32](bytes.NewReader(data), C10, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 2}, labels)
	require.Len(t, images, 2*imageSizeBytes)
	// Interleaved channels: the first pixel of the second image.
	assert.InDeltaSlice(t, []float32{100. / 255, 101. / 255, 102. / 255}, images[imageSizeBytes:imageSizeBytes+3], 1e-6)

	// CIFAR-100: the second label byte (fine label) is used.
	images64, labels, err := ReadRecords[float64](bytes.NewReader(makeRecord([]byte{3, 42}, 0)), C100, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, labels)
	assert.Len(t, images64, imageSizeBytes)

	// Truncated record.
	_, _, err = ReadRecords[float32](bytes.NewReader(data[:100]), C10, nil, nil)
	require.Error(t, err)
}

func writeFakeC10(t *testing.T, baseDir string, examplesPerFile int) {
	dir := filepath.Join(baseDir, C10SubDir)
	require.NoError(t, os.MkdirAll(dir, 0777))
	files := append(C10.files(Train), C10.files(Test)...)
	for fileIdx, name := range files {
		var data []byte
		for ii := range examplesPerFile {
			data = append(data, makeRecord([]byte{byte((fileIdx + ii) % 10)}, byte(fileIdx))...)
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0666))
	}
}

func TestLoad(t *testing.T) {
	baseDir := t.TempDir()
	writeFakeC10(t, baseDir, 2)

	images, labels, err := Load(baseDir, C10, Train, dtypes.Float32)
	require.NoError(t, err)
	assert.Equal(t, []int{10, Height, Width, Channels}, images.Shape().Dimensions)
	assert.Equal(t, []int{10, 1}, labels.Shape().Dimensions)
	assert.Equal(t, []int64{0, 1, 1, 2, 2, 3, 3, 4, 4, 5}, tensors.MustCopyFlatData[int64](labels))

	images, labels, err = Load(baseDir, C10, Test, dtypes.Float64)
	require.NoError(t, err)
	assert.Equal(t, []int{2, Height, Width, Channels}, images.Shape().Dimensions)
	assert.Equal(t, dtypes.Float64, images.DType())
	assert.InDelta(t, 5./255, tensors.MustCopyFlatData[float64](images)[0], 1e-9)
	assert.Equal(t, []int64{5, 6}, tensors.MustCopyFlatData[int64](labels))

	_, _, err = Load(baseDir, C10, Train, dtypes.Int32)
	require.Error(t, err)
	_, _, err = Load(t.TempDir(), C10, Train, dtypes.Float32)
	require.Error(t, err)
}

func TestNewDataset(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	baseDir := t.TempDir()
	writeFakeC10(t, baseDir, 3)
	ResetCache()
	defer ResetCache()

	trainDS, trainEvalDS, testEvalDS, err := CreateDatasets(backend, baseDir, C10, dtypes.Float32, 4, 5)
	require.NoError(t, err)
	assert.Equal(t, 15, trainEvalDS.NumExamples())
	assert.Equal(t, 3, testEvalDS.NumExamples())

	_, inputs, labels, err := trainDS.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{4, Height, Width, Channels}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{4, 1}, labels[0].Shape().Dimensions)

	// Cached: removing the files doesn't matter anymore.
	require.NoError(t, os.RemoveAll(filepath.Join(baseDir, C10SubDir, "test_batch.bin")))
	_, err = NewDataset(backend, "Again", baseDir, C10, dtypes.Float32, Test)
	require.NoError(t, err)
}

func TestDataSource(t *testing.T) {
	assert.Equal(t, 10, C10.NumClasses())
	assert.Equal(t, 100, C100.NumClasses())
	assert.Equal(t, "cifar-100", fmt.Sprint(C100))
	assert.Len(t, C10.files(Train), 5)
	require.Error(t, Download(t.TempDir(), DataSource(5)))
}
