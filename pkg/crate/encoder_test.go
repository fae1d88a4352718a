// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crate

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderConfigValidate(t *testing.T) {
	cfg := NewEncoderConfig(100, 16, 32, 2, 4)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8, cfg.HeadDim)

	cfg = NewEncoderConfig(100, 16, 30, 2, 4)
	require.Error(t, cfg.Validate())

	cfg = NewEncoderConfig(0, 16, 32, 2, 4)
	require.Error(t, cfg.Validate())

	cfg = NewEncoderConfig(100, 16, 32, 2, 4)
	cfg.HiddenDropout = 1.5
	require.Error(t, cfg.Validate())
}

func TestEncoder(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := NewEncoderConfig(50, 8, 16, 2, 2)
	require.NoError(t, cfg.Validate())
	tokens := [][]int32{{1, 7, 3, 0, 0}, {4, 4, 9, 11, 2}}
	segments := [][]int32{{0, 0, 1, 1, 1}, {0, 0, 0, 1, 1}}
	padding := [][]bool{{false, false, false, true, true}, {false, false, false, false, false}}

	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, tokens, segments, mask *Node) *Node {
		return Encoder(ctx, tokens, segments, mask, cfg)
	})
	output := exec.MustExec(tokens, segments, padding)[0]
	assert.Equal(t, []int{2, 5, 16}, output.Shape().Dimensions)
	requireFinite(t, "encoder output", output)
	assert.Equal(t, []int{8, 16},
		ctx.GetVariableByScopeAndName("/embeddings/position_embedding", "embeddings").Shape().Dimensions)
	assert.Equal(t, []int{2, 16},
		ctx.GetVariableByScopeAndName("/embeddings/segment_embedding", "embeddings").Shape().Dimensions)
	assert.NotNil(t, ctx.GetVariableByScopeAndName("/transformer/layer_001/ista", DictionaryVariableName))
}

func TestEmbeddingsSegmentsDefault(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := NewEncoderConfig(20, 4, 8, 1, 2)
	tokens := [][]int32{{1, 2, 3}}
	ctx := context.New()
	withoutSegments := context.MustExecOnce(backend, ctx, func(ctx *context.Context, tokens *Node) *Node {
		return Embeddings(ctx, tokens, nil, cfg)
	}, tokens)
	withZeroSegments := context.MustExecOnce(backend, ctx.Reuse(), func(ctx *context.Context, tokens, segments *Node) *Node {
		return Embeddings(ctx, tokens, segments, cfg)
	}, tokens, [][]int32{{0, 0, 0}})
	assert.InDeltaSlice(t,
		tensors.MustCopyFlatData[float32](withoutSegments),
		tensors.MustCopyFlatData[float32](withZeroSegments), 1e-6)

	require.Panics(t, func() {
		_ = context.MustExecOnce(backend, context.New(), func(ctx *context.Context, tokens *Node) *Node {
			return Embeddings(ctx, tokens, nil, cfg)
		}, [][]int32{{1, 2, 3, 4, 5}})
	}, "sequence longer than MaxLen")
}

func TestEncoderSingleToken(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := NewEncoderConfig(20, 4, 8, 1, 2)
	output := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, tokens *Node) *Node {
		return Encoder(ctx, tokens, nil, nil, cfg)
	}, [][]int32{{3}, {5}})
	assert.Equal(t, []int{2, 1, 8}, output.Shape().Dimensions)
}
