// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crate

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// Model is a CRATE image classifier: patch embedding, class token, positional bias, the CRATE transformer
// stack, pooling and a linear classification head.
//
// The Model only holds the (validated) configuration: the learned parameters live in the context.Context
// given to Logits (or ModelGraph), so the same context must be used for every call.
type Model struct {
	cfg          Config
	channelsLast bool
}

// New validates the configuration and returns a Model. It fails if the image dimensions are not divisible
// by the patch dimensions, or if the pooling mode is not valid.
//
// The configuration is copied, later changes to cfg don't affect the model.
func New(cfg *Config) (*Model, error) {
	if cfg == nil {
		return nil, errors.New("nil CRATE configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "failed to create CRATE model")
	}
	return &Model{cfg: *cfg}, nil
}

// MustNew is like New, but panics on error.
func MustNew(cfg *Config) *Model {
	return must.M1(New(cfg))
}

// Config returns a copy of the model configuration.
func (m *Model) Config() Config {
	return m.cfg
}

// ChannelsLast configures the model to take images shaped [batchSize, height, width, channels] (the layout
// used by the GoMLX image datasets) instead of [batchSize, channels, height, width].
func (m *Model) ChannelsLast(channelsLast bool) *Model {
	m.channelsLast = channelsLast
	return m
}

// InjectClassToken prepends a learned class token (scope "cls_token") to x, shaped [batchSize, seqLen, dim].
// It returns x shaped [batchSize, seqLen+1, dim].
func InjectClassToken(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	batchSize, dim := dims[0], dims[2]
	clsVar := ctx.In("cls_token").
		WithInitializer(initializers.RandomNormalFn(ctx, 1.0)).
		VariableWithShape("embeddings", shapes.Make(x.DType(), 1, 1, dim))
	cls := BroadcastToDims(clsVar.ValueGraph(g), batchSize, 1, dim)
	return Concatenate([]*Node{cls, x}, 1)
}

// AddPositionalBias adds a learned per-position bias (scope "pos_embedding") to x, shaped
// [batchSize, seqLen, dim]. The bias variable holds maxLen positions, and it is sliced to seqLen.
func AddPositionalBias(ctx *context.Context, x *Node, maxLen int) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	batchSize, seqLen, dim := dims[0], dims[1], dims[2]
	if seqLen > maxLen {
		exceptions.Panicf("sequence length %d is larger than the number of learned positions %d", seqLen, maxLen)
	}
	posVar := ctx.In("pos_embedding").
		WithInitializer(initializers.RandomNormalFn(ctx, 1.0)).
		VariableWithShape("embeddings", shapes.Make(x.DType(), 1, maxLen, dim))
	pos := Slice(posVar.ValueGraph(g), AxisRange(), AxisRange(0, seqLen))
	return Add(x, BroadcastToDims(pos, batchSize, seqLen, dim))
}

// Features returns the output of the transformer stack, shaped [batchSize, seqLen, dim], and the pooled
// representation, shaped [batchSize, dim], for the given images.
func (m *Model) Features(ctx *context.Context, images *Node) (sequence, pooled *Node) {
	cfg := &m.cfg
	g := images.Graph()
	if m.channelsLast {
		images.AssertRank(4)
		images = TransposeAllDims(images, 0, 3, 1, 2)
	}
	if images.DType() != cfg.DType {
		images = ConvertDType(images, cfg.DType)
	}
	images.AssertDims(-1, cfg.Channels, cfg.ImageHeight, cfg.ImageWidth)
	batchSize := images.Shape().Dimensions[0]

	x := PatchEmbedding(ctx.In("patch_embedding"), images, cfg)
	x = InjectClassToken(ctx, x)
	x = AddPositionalBias(ctx, x, cfg.SeqLen())
	if cfg.EmbDropout > 0 {
		x = layers.Dropout(ctx.In("emb_dropout"), x, Scalar(g, cfg.DType, cfg.EmbDropout))
	}
	x = Transformer(ctx.In("transformer"), x, nil, &cfg.BlockConfig)
	sequence = x

	switch cfg.Pool {
	case PoolMean:
		pooled = ReduceMean(x, 1)
	default:
		pooled = Reshape(Slice(x, AxisRange(), AxisElem(0)), batchSize, cfg.Dim)
	}
	return sequence, pooled
}

// Logits returns the class logits shaped [batchSize, cfg.NumClasses] for images shaped
// [batchSize, channels, height, width] (or [batchSize, height, width, channels], see ChannelsLast).
//
// It panics if the images don't match the configured shape.
func (m *Model) Logits(ctx *context.Context, images *Node) *Node {
	_, pooled := m.Features(ctx, images)
	x := layers.LayerNormalization(ctx.In("head_norm"), pooled, -1).Epsilon(DefaultLayerNormEpsilon).Done()
	logits := layers.Dense(ctx.In("head"), x, true, m.cfg.NumClasses)
	logits.AssertDims(images.Shape().Dimensions[0], m.cfg.NumClasses)
	return logits
}

// ModelGraph implements train.ModelFn: it takes the images as the first input, and returns the logits.
func (m *Model) ModelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	return []*Node{m.Logits(ctx, inputs[0])}
}
