// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package crate implements CRATE (Coding RAte reduction TransformEr), a white-box vision transformer where
// each layer is an unrolled optimization step: a multi-head subspace self-attention block compresses the
// token representations, and an ISTA (Iterative Shrinkage-Thresholding Algorithm) block sparsifies them
// under a learned dictionary.
//
// All functions are graph-building functions: the learned variables are created in the given context.Context
// on the first call, and reused on later calls with the same context.
//
// E.g.: an image classifier, to be used with train.Trainer:
//
//	cfg := crate.Tiny(1000)
//	model := crate.MustNew(cfg)
//	trainer := train.NewTrainer(backend, ctx, model.ModelGraph, losses.SparseCategoricalCrossEntropyLogits, ...)
//
// The same blocks (Attention, ISTA, PreNorm and Transformer) are used by the text Encoder.
package crate
