// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crate

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// DictionaryVariableName is the name of the ISTA dictionary variable, created in the scope given to ISTA.
const DictionaryVariableName = "dictionary"

// ISTAStep performs one step of proximal gradient descent towards a non-negative sparse code of x under the
// square dictionary D, shaped [dim, dim]:
//
//	x1 = x·Dᵗ
//	grad1 = x1·D
//	grad2 = x·D
//	output = ReLU(x + stepSize·(grad2 - grad1) - stepSize·lambda)
//
// x can have any rank, its last axis must have dimension dim.
func ISTAStep(x, dictionary *Node, stepSize, lambda float64) *Node {
	dictionary.AssertRank(2)
	dim := x.Shape().Dimensions[x.Rank()-1]
	if dictionary.Shape().Dimensions[0] != dim || dictionary.Shape().Dimensions[1] != dim {
		exceptions.Panicf("ISTA dictionary shaped %s doesn't match input feature dimension %d",
			dictionary.Shape(), dim)
	}
	transposed := Transpose(dictionary, 0, 1)
	x1 := linear(x, dictionary)
	grad1 := linear(x1, transposed)
	grad2 := linear(x, transposed)
	update := MulScalar(Sub(grad2, grad1), stepSize)
	update = AddScalar(update, -stepSize*lambda)
	return activations.Relu(Add(x, update))
}

// linear returns x·Wᵀ for weight shaped [outDim, inDim], contracting the last axis of x.
func linear(x, weight *Node) *Node {
	return DotGeneral(x, []int{x.Rank() - 1}, nil, weight, []int{1}, nil)
}

// ISTA is the feed-forward block of CRATE: one unrolled ISTA step (see ISTAStep) under a learned dictionary.
//
// The dictionary is a [cfg.Dim, cfg.Dim] variable named DictionaryVariableName in the ctx scope, initialized
// with the ctx initializer. Transformer sets it to KaimingUniformFn.
// cfg.Dropout is accepted but not applied here.
func ISTA(ctx *context.Context, x *Node, cfg *BlockConfig) *Node {
	dictionaryVar := ctx.VariableWithShape(DictionaryVariableName, shapes.Make(x.DType(), cfg.Dim, cfg.Dim))
	return ISTAStep(x, dictionaryVar.ValueGraph(x.Graph()), cfg.StepSize, cfg.Lambda)
}

// KaimingUniformFn returns an initializer with the uniform distribution in [-bound, bound], with
// bound = sqrt(6/fanIn) and fanIn the last dimension of the variable shape.
func KaimingUniformFn(ctx *context.Context) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		fanIn := 1
		if shape.Rank() > 0 {
			fanIn = shape.Dimensions[shape.Rank()-1]
		}
		bound := math.Sqrt(6.0 / float64(fanIn))
		return initializers.RandomUniformFn(ctx, -bound, bound)(g, shape)
	}
}
