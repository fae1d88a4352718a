// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crate

import (
	"fmt"
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImages(g *Graph, dims ...int) *Node {
	images := IotaFull(g, shapes.Make(dtypes.Float32, dims...))
	return Sin(MulScalar(images, 0.01))
}

func requireFinite(t *testing.T, name string, tensor *tensors.Tensor) {
	for ii, v := range tensors.MustCopyFlatData[float32](tensor) {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			require.Failf(t, "non-finite value", "%s: element #%d is %g", name, ii, v)
		}
	}
}

func TestModelLogits(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, pool := range []PoolType{PoolCLS, PoolMean} {
		t.Run(pool.String(), func(t *testing.T) {
			cfg := NewConfig(16, 4, 10, 32, 2, 4).WithHeadDim(8).WithPool(pool)
			model := MustNew(cfg)
			ctx := context.New()
			logits := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				return model.Logits(ctx, testImages(g, 3, 3, 16, 16))
			})
			assert.Equal(t, []int{3, 10}, logits.Shape().Dimensions)
			requireFinite(t, "logits", logits)

			for _, name := range []string{"/cls_token", "/pos_embedding"} {
				v := ctx.GetVariableByScopeAndName(name, "embeddings")
				require.NotNilf(t, v, "variable %s", name)
			}
			assert.Equal(t, []int{1, cfg.SeqLen(), 32},
				ctx.GetVariableByScopeAndName("/pos_embedding", "embeddings").Shape().Dimensions)
			for layer := range cfg.Depth {
				scope := fmt.Sprintf("/transformer/layer_%03d/ista", layer)
				assert.NotNilf(t, ctx.GetVariableByScopeAndName(scope, DictionaryVariableName), "scope %s", scope)
			}
		})
	}
}

func TestModelFeatures(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := NewConfig(8, 4, 5, 16, 1, 2).WithHeadDim(8).WithChannels(1)
	model := MustNew(cfg)
	results := context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
		sequence, pooled := model.Features(ctx, testImages(g, 2, 1, 8, 8))
		return []*Node{sequence, pooled}
	})
	assert.Equal(t, []int{2, 5, 16}, results[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 16}, results[1].Shape().Dimensions)

	// With cls pooling the pooled feature is the class token position of the sequence.
	sequence := results[0].Value().([][][]float32)
	pooled := results[1].Value().([][]float32)
	for b := range 2 {
		assert.Equal(t, sequence[b][0], pooled[b])
	}
}

func TestModelChannelsLast(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := NewConfig(8, 4, 7, 16, 1, 2).WithHeadDim(8)
	model := MustNew(cfg).ChannelsLast(true)
	modelFn := func(ctx *context.Context, images *Node) *Node {
		return model.ModelGraph(ctx, nil, []*Node{images})[0]
	}
	ctx := context.New()
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 4, 8, 8, 3))
	logits := context.MustExecOnce(backend, ctx, modelFn, images)
	assert.Equal(t, []int{4, 7}, logits.Shape().Dimensions)

	// Uint8 images are converted to the model dtype.
	uint8Images := tensors.FromShape(shapes.Make(dtypes.Uint8, 2, 8, 8, 3))
	logits = context.MustExecOnce(backend, ctx.Reuse(), modelFn, uint8Images)
	assert.Equal(t, []int{2, 7}, logits.Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, logits.DType())
}

func TestModelShapeMismatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := MustNew(NewConfig(16, 4, 10, 32, 1, 4).WithHeadDim(8))
	for _, dims := range [][]int{{2, 3, 16, 12}, {2, 1, 16, 16}, {2, 3, 32, 32}} {
		require.Panicsf(t, func() {
			_ = context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
				return model.Logits(ctx, testImages(g, dims...))
			})
		}, "images shaped %v", dims)
	}
}

func TestModelTinyPreset(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping tiny preset end-to-end test in short mode")
	}
	backend := graphtest.BuildTestBackend()
	model := MustNew(Tiny(1000))
	ctx := context.New()
	results := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		logits := model.Logits(ctx, testImages(g, 2, 3, 224, 224))
		loss := ReduceAllMean(logits)
		dictionary := ctx.GetVariableByScopeAndName("/transformer/layer_000/ista", DictionaryVariableName)
		qkv := ctx.GetVariableByScopeAndName("/transformer/layer_000/attention/qkv/dense", "weights")
		cls := ctx.GetVariableByScopeAndName("/cls_token", "embeddings")
		grads := Gradient(loss, dictionary.ValueGraph(g), qkv.ValueGraph(g), cls.ValueGraph(g))
		return append([]*Node{logits}, grads...)
	})
	assert.Equal(t, []int{2, 1000}, results[0].Shape().Dimensions)
	requireFinite(t, "logits", results[0])
	for ii, name := range []string{"dictionary", "qkv", "cls_token"} {
		requireFinite(t, "gradient of "+name, results[ii+1])
	}
}
