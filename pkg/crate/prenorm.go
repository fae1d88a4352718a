// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crate

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// Block is a sequence transform wrapped by PreNorm. mask may be nil.
type Block func(ctx *context.Context, x, mask *Node) *Node

// PreNorm applies a layer normalization (scope "norm") over the last axis of x, and then calls block
// with the normalized value.
//
// The mask is forwarded to block unchanged; if it is nil, block gets nil.
func PreNorm(ctx *context.Context, x, mask *Node, block Block) *Node {
	normalized := layers.LayerNormalization(ctx.In("norm"), x, -1).Epsilon(DefaultLayerNormEpsilon).Done()
	return block(ctx, normalized, mask)
}
