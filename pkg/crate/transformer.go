// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crate

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Transformer applies cfg.Depth CRATE layers to x, shaped [batchSize, seqLen, cfg.Dim].
//
// Each layer has its own variables (scope "layer_%03d"), and computes:
//
//	x = PreNorm(Attention)(x, mask) + x
//	x = PreNorm(ISTA)(x)
//
// The ISTA output replaces x: there is no residual connection around the feed-forward block.
//
// mask is optional, see Attention.
func Transformer(ctx *context.Context, x, mask *Node, cfg *BlockConfig) *Node {
	x.AssertDims(-1, -1, cfg.Dim)
	attentionBlock := func(ctx *context.Context, x, mask *Node) *Node {
		return Attention(ctx, x, mask, cfg)
	}
	istaBlock := func(ctx *context.Context, x, _ *Node) *Node {
		return ISTA(ctx.WithInitializer(KaimingUniformFn(ctx)), x, cfg)
	}
	for layerIdx := range cfg.Depth {
		layerCtx := ctx.Inf("layer_%03d", layerIdx)
		x = Add(PreNorm(layerCtx.In("attention"), x, mask, attentionBlock), x)
		x = PreNorm(layerCtx.In("ista"), x, nil, istaBlock)
	}
	return x
}
