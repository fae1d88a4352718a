// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crate

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// Attention is the multi-head subspace self-attention block of CRATE.
//
// x is shaped [batchSize, seqLen, cfg.Dim]. mask is optional (can be nil), and if given it must be a
// boolean shaped [batchSize, seqLen] where true marks a key position to suppress.
//
// It returns a tensor shaped like x. See AttentionWithCoefficients for details.
func Attention(ctx *context.Context, x, mask *Node, cfg *BlockConfig) *Node {
	output, _ := AttentionWithCoefficients(ctx, x, mask, cfg)
	return output
}

// AttentionWithCoefficients is like Attention, but also returns the attention coefficients, shaped
// [batchSize, cfg.Heads, seqLen, seqLen].
//
// A single bias-free projection (variable scope "qkv") is used as query, key and value at the same time.
// The coefficients are softmax(W·Wᵀ·headDim^-0.5) over the keys. If mask is given, coefficients of masked keys
// are multiplied by zero after the softmax, and the remaining ones are not renormalized.
//
// The heads are concatenated and projected back to cfg.Dim (scope "output"), unless there is a single head
// with cfg.HeadDim == cfg.Dim, in which case no projection is used.
func AttentionWithCoefficients(ctx *context.Context, x, mask *Node, cfg *BlockConfig) (output, coefficients *Node) {
	g := x.Graph()
	dtype := x.DType()
	x.AssertRank(3)
	dims := x.Shape().Dimensions
	batchSize, seqLen := dims[0], dims[1]
	if dims[2] != cfg.Dim {
		exceptions.Panicf("attention input has feature dimension %d, but model dimension is %d", dims[2], cfg.Dim)
	}

	// w: [batchSize, heads, seqLen, headDim]
	w := layers.Dense(ctx.In("qkv"), x, false, cfg.Heads, cfg.HeadDim)
	w = TransposeAllDims(w, 0, 2, 1, 3)

	dots := Einsum("bhqd,bhkd->bhqk", w, w)
	dots = MulScalar(dots, math.Pow(float64(cfg.HeadDim), -0.5))
	coefficients = Softmax(dots, -1)
	if cfg.Dropout > 0 {
		coefficients = layers.Dropout(ctx.In("attention_dropout"), coefficients, Scalar(g, dtype, cfg.Dropout))
	}
	if mask != nil {
		mask.AssertDims(batchSize, seqLen)
		keep := OneMinus(ConvertDType(mask, dtype))
		keep = Reshape(keep, batchSize, 1, 1, seqLen)
		coefficients = Mul(coefficients, BroadcastToShape(keep, coefficients.Shape()))
	}

	output = Einsum("bhqk,bhkd->bhqd", coefficients, w)
	output = TransposeAllDims(output, 0, 2, 1, 3)
	output = Reshape(output, batchSize, seqLen, cfg.InnerDim())
	if cfg.ProjectsOut() {
		output = layers.Dense(ctx.In("output"), output, true, cfg.Dim)
		if cfg.Dropout > 0 {
			output = layers.Dropout(ctx.In("output_dropout"), output, Scalar(g, dtype, cfg.Dropout))
		}
	}
	return output, coefficients
}
