// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crate

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// Patchify splits images shaped [batchSize, channels, height, width] into non-overlapping patches of
// patchHeight x patchWidth, and flattens each of them.
//
// The output is shaped [batchSize, numPatches, patchHeight*patchWidth*channels], with patches in row-major
// order over the grid, and each patch flattened in (patchRow, patchCol, channel) order.
//
// It panics if height or width are not divisible by the respective patch dimension.
func Patchify(images *Node, patchHeight, patchWidth int) *Node {
	images.AssertRank(4)
	dims := images.Shape().Dimensions
	batchSize, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	if patchHeight <= 0 || patchWidth <= 0 || height%patchHeight != 0 || width%patchWidth != 0 {
		exceptions.Panicf("image dimensions (%dx%d) must be divisible by the patch size (%dx%d)",
			height, width, patchHeight, patchWidth)
	}
	gridHeight, gridWidth := height/patchHeight, width/patchWidth
	patches := Reshape(images, batchSize, channels, gridHeight, patchHeight, gridWidth, patchWidth)
	// -> [batch, gridHeight, gridWidth, patchHeight, patchWidth, channels]
	patches = TransposeAllDims(patches, 0, 2, 4, 3, 5, 1)
	return Reshape(patches, batchSize, gridHeight*gridWidth, patchHeight*patchWidth*channels)
}

// PatchEmbedding converts images shaped [batchSize, channels, height, width] to a sequence of patch
// embeddings shaped [batchSize, numPatches, cfg.Dim].
//
// Each flattened patch is normalized, linearly projected to cfg.Dim and normalized again.
func PatchEmbedding(ctx *context.Context, images *Node, cfg *Config) *Node {
	images.AssertDims(-1, cfg.Channels, cfg.ImageHeight, cfg.ImageWidth)
	x := Patchify(images, cfg.PatchHeight, cfg.PatchWidth)
	x = layers.LayerNormalization(ctx.In("patch_norm"), x, -1).Epsilon(DefaultLayerNormEpsilon).Done()
	x = layers.Dense(ctx.In("projection"), x, true, cfg.Dim)
	x = layers.LayerNormalization(ctx.In("embedding_norm"), x, -1).Epsilon(DefaultLayerNormEpsilon).Done()
	return x
}
