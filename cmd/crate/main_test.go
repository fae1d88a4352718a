// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gomlx/crate/pkg/cifar"
	"github.com/gomlx/crate/pkg/crate"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var muTrain sync.Mutex

// writeFakeCifar10 writes a few random-looking CIFAR-10 records per file, so no download is needed.
func writeFakeCifar10(t *testing.T, dataDir string) {
	dir := filepath.Join(dataDir, cifar.C10SubDir)
	require.NoError(t, os.MkdirAll(dir, 0777))
	names := []string{"test_batch.bin"}
	for ii := 1; ii <= 5; ii++ {
		names = append(names, fmt.Sprintf("data_batch_%d.bin", ii))
	}
	const imageBytes = cifar.Height * cifar.Width * cifar.Channels
	for fileIdx, name := range names {
		var data bytes.Buffer
		for ii := range 4 {
			label := byte((fileIdx + ii) % 10)
			data.WriteByte(label)
			for jj := range imageBytes {
				data.WriteByte(byte((jj*7 + int(label)*31) % 256))
			}
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data.Bytes(), 0666))
	}
}

func TestDataSourceFromContext(t *testing.T) {
	ctx := CreateDefaultContext()
	source, err := dataSourceFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, cifar.C10, source)

	ctx.SetParam(ParamDataset, "cifar100")
	source, err = dataSourceFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, cifar.C100, source)

	ctx.SetParam(ParamDataset, "mnist")
	_, err = dataSourceFromContext(ctx)
	require.Error(t, err)
}

func TestDefaultContextConfig(t *testing.T) {
	cfg, err := crate.ConfigFromContext(CreateDefaultContext())
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.NumPatches())
	assert.Equal(t, 32, cfg.HeadDim)

	// A preset replaces the default sizes, but keeps the CIFAR image settings.
	ctx := CreateDefaultContext()
	ctx.SetParam(crate.ParamPreset, "base")
	cfg, err = crate.ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, [4]int{768, 12, 12, 64}, [4]int{cfg.Dim, cfg.Depth, cfg.Heads, cfg.HeadDim})
	assert.Equal(t, 64, cfg.NumPatches())
}

func TestTrainModel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
		return
	}
	muTrain.Lock()
	defer muTrain.Unlock()

	Backend = graphtest.BuildTestBackend()
	dataDir := t.TempDir()
	writeFakeCifar10(t, dataDir)
	cifar.ResetCache()
	defer cifar.ResetCache()

	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		"train_steps":     10,
		"batch_size":      4,
		"eval_batch_size": 8,
		crate.ParamDim:    16,
		crate.ParamDepth:  2,
		crate.ParamHeads:  2,
	})
	require.NotPanics(t, func() {
		TrainModel(ctx, dataDir, "", nil, true, -1)
	})
	assert.Equal(t, 10, context.GetParamOr(ctx, crate.ParamNumClasses, 0))
}
