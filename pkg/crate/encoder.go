// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crate

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
)

// EncoderConfig configures a CRATE text encoder: token, position and segment embeddings followed by the
// CRATE transformer stack.
type EncoderConfig struct {
	BlockConfig

	// VocabSize is the number of distinct tokens.
	VocabSize int

	// MaxLen is the maximum sequence length (number of learned positions).
	MaxLen int

	// NumSegments is the number of segment types (e.g.: 2 for sentence pairs).
	NumSegments int

	// HiddenDropout is the dropout rate applied after the embeddings.
	HiddenDropout float64

	DType dtypes.DType
}

// NewEncoderConfig returns an EncoderConfig with HeadDim = dim/heads, 2 segments, no dropout and Float32.
func NewEncoderConfig(vocabSize, maxLen, dim, depth, heads int) *EncoderConfig {
	cfg := &EncoderConfig{
		BlockConfig: BlockConfig{
			Dim:      dim,
			Depth:    depth,
			Heads:    heads,
			StepSize: DefaultStepSize,
			Lambda:   DefaultLambda,
		},
		VocabSize:   vocabSize,
		MaxLen:      maxLen,
		NumSegments: 2,
		DType:       dtypes.Float32,
	}
	if heads > 0 {
		cfg.HeadDim = dim / heads
	}
	return cfg
}

// Validate checks that Dim is divisible by Heads, and that all sizes are positive.
func (cfg *EncoderConfig) Validate() error {
	if cfg.VocabSize <= 0 || cfg.MaxLen <= 0 || cfg.NumSegments <= 0 {
		return errors.Errorf("encoder vocabulary size (%d), max length (%d) and number of segments (%d) must be > 0",
			cfg.VocabSize, cfg.MaxLen, cfg.NumSegments)
	}
	if cfg.Heads <= 0 || cfg.Dim%cfg.Heads != 0 {
		return errors.Errorf("encoder dimension %d must be divisible by the number of heads %d", cfg.Dim, cfg.Heads)
	}
	if cfg.HeadDim != cfg.Dim/cfg.Heads {
		return errors.Errorf("encoder head dimension %d must be dim/heads=%d", cfg.HeadDim, cfg.Dim/cfg.Heads)
	}
	if cfg.HiddenDropout < 0 || cfg.HiddenDropout >= 1 {
		return errors.Errorf("encoder hidden dropout %g must be in [0, 1)", cfg.HiddenDropout)
	}
	if !cfg.DType.IsFloat() {
		return errors.Errorf("encoder dtype must be a float, got %s", cfg.DType)
	}
	return errors.WithMessage(cfg.BlockConfig.Validate(), "invalid encoder configuration")
}

// Embeddings returns the sum of the token, position and segment embeddings of tokens, normalized and with
// dropout applied. The result is shaped [batchSize, seqLen, cfg.Dim].
//
// tokens and segments are integer tensors shaped [batchSize, seqLen]. segments can be nil, in which
// case every position is in segment 0.
func Embeddings(ctx *context.Context, tokens, segments *Node, cfg *EncoderConfig) *Node {
	g := tokens.Graph()
	tokens.AssertRank(2)
	seqLen := tokens.Shape().Dimensions[1]
	if seqLen > cfg.MaxLen {
		exceptions.Panicf("sequence length %d is larger than the encoder max length %d", seqLen, cfg.MaxLen)
	}
	if segments == nil {
		segments = ZerosLike(tokens)
	} else {
		segments.AssertDims(tokens.Shape().Dimensions...)
	}
	positions := Iota(g, tokens.Shape(), 1)

	// Indices shaped [batchSize, seqLen, 1], so a sequence of length 1 still yields [batchSize, 1, dim].
	embed := func(scope string, indices *Node, vocabSize int) *Node {
		return layers.Embedding(ctx.In(scope), InsertAxes(indices, -1), cfg.DType, vocabSize, cfg.Dim)
	}
	x := embed("token_embedding", tokens, cfg.VocabSize)
	x = Add(x, embed("position_embedding", positions, cfg.MaxLen))
	x = Add(x, embed("segment_embedding", segments, cfg.NumSegments))
	x = layers.LayerNormalization(ctx.In("embedding_norm"), x, -1).Epsilon(DefaultLayerNormEpsilon).Done()
	if cfg.HiddenDropout > 0 {
		x = layers.Dropout(ctx.In("embedding_dropout"), x, Scalar(g, cfg.DType, cfg.HiddenDropout))
	}
	return x
}

// Encoder runs Embeddings followed by the CRATE transformer stack, and returns the encoded sequence shaped
// [batchSize, seqLen, cfg.Dim].
//
// mask is optional, and if given it is a boolean shaped [batchSize, seqLen] where true marks padding
// positions to be ignored as attention keys.
func Encoder(ctx *context.Context, tokens, segments, mask *Node, cfg *EncoderConfig) *Node {
	x := Embeddings(ctx.In("embeddings"), tokens, segments, cfg)
	return Transformer(ctx.In("transformer"), x, mask, &cfg.BlockConfig)
}
