// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crate

import (
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// DefaultLambda is the sparsity penalty used by the ISTA block.
const DefaultLambda = 0.1

// DefaultStepSize is the default step size of the ISTA block.
const DefaultStepSize = 0.1

// DefaultLayerNormEpsilon matches the epsilon used by the reference CRATE layer normalizations.
const DefaultLayerNormEpsilon = 1e-5

// PoolType selects how the sequence representation is reduced to one vector before the classification head.
type PoolType int

const (
	// PoolCLS takes the representation at the class token position.
	PoolCLS PoolType = iota

	// PoolMean averages the representation over the whole sequence.
	PoolMean
)

// String implements fmt.Stringer.
func (p PoolType) String() string {
	switch p {
	case PoolCLS:
		return "cls"
	case PoolMean:
		return "mean"
	}
	return "PoolType(" + strconv.Itoa(int(p)) + ")"
}

// ParsePoolType converts "cls" or "mean" to a PoolType.
func ParsePoolType(name string) (PoolType, error) {
	switch strings.ToLower(name) {
	case "cls":
		return PoolCLS, nil
	case "mean":
		return PoolMean, nil
	}
	return PoolCLS, errors.Errorf("pool type must be either cls (cls token) or mean (mean pooling), got %q", name)
}

// BlockConfig holds the hyperparameters of the CRATE transformer stack.
//
// Dropout is applied on the attention coefficients and on the attention output projection.
// It is accepted but not applied by the ISTA block.
type BlockConfig struct {
	Dim      int     // Width of the token representation.
	Depth    int     // Number of (attention, ISTA) layers.
	Heads    int     // Number of attention heads.
	HeadDim  int     // Dimension of each head.
	Dropout  float64 // Dropout rate, 0 for none.
	StepSize float64 // ISTA step size.
	Lambda   float64 // ISTA sparsity penalty, DefaultLambda unless explicitly changed.
}

// InnerDim is the total width of the attention heads.
func (b *BlockConfig) InnerDim() int {
	return b.Heads * b.HeadDim
}

// ProjectsOut reports whether the attention output needs a projection back to Dim.
func (b *BlockConfig) ProjectsOut() bool {
	return !(b.Heads == 1 && b.HeadDim == b.Dim)
}

// Validate checks that the stack can be built.
func (b *BlockConfig) Validate() error {
	if b.Dim <= 0 || b.Depth <= 0 || b.Heads <= 0 || b.HeadDim <= 0 {
		return errors.Errorf("dim (%d), depth (%d), heads (%d) and dim_head (%d) must all be > 0",
			b.Dim, b.Depth, b.Heads, b.HeadDim)
	}
	if b.Dropout < 0 || b.Dropout >= 1 {
		return errors.Errorf("dropout must be in [0, 1), got %g", b.Dropout)
	}
	if b.StepSize < 0 {
		return errors.Errorf("ista step size must be >= 0, got %g", b.StepSize)
	}
	return nil
}

// Config holds the static hyperparameters of a CRATE image classifier.
// It determines all the shapes of the model and is read-only once the model is built.
type Config struct {
	BlockConfig

	ImageHeight, ImageWidth int
	PatchHeight, PatchWidth int
	Channels                int
	NumClasses              int
	Pool                    PoolType
	EmbDropout              float64
	DType                   dtypes.DType
}

// NewConfig creates a configuration with the given sizes, and defaults for everything else:
// cls pooling, 3 channels, dim_head=64, no dropout and ISTA step size of 0.1.
//
// Square images and patches are assumed, use WithImageSize and WithPatchSize otherwise.
func NewConfig(imageSize, patchSize, numClasses, dim, depth, heads int) *Config {
	return &Config{
		BlockConfig: BlockConfig{
			Dim:      dim,
			Depth:    depth,
			Heads:    heads,
			HeadDim:  64,
			StepSize: DefaultStepSize,
			Lambda:   DefaultLambda,
		},
		ImageHeight: imageSize,
		ImageWidth:  imageSize,
		PatchHeight: patchSize,
		PatchWidth:  patchSize,
		Channels:    3,
		NumClasses:  numClasses,
		Pool:        PoolCLS,
		DType:       dtypes.Float32,
	}
}

// WithImageSize sets the image height and width.
func (cfg *Config) WithImageSize(height, width int) *Config {
	cfg.ImageHeight, cfg.ImageWidth = height, width
	return cfg
}

// WithPatchSize sets the patch height and width.
func (cfg *Config) WithPatchSize(height, width int) *Config {
	cfg.PatchHeight, cfg.PatchWidth = height, width
	return cfg
}

// WithChannels sets the number of image channels.
func (cfg *Config) WithChannels(channels int) *Config {
	cfg.Channels = channels
	return cfg
}

// WithHeadDim sets the dimension of each attention head.
func (cfg *Config) WithHeadDim(headDim int) *Config {
	cfg.HeadDim = headDim
	return cfg
}

// WithPool sets the pooling mode.
func (cfg *Config) WithPool(pool PoolType) *Config {
	cfg.Pool = pool
	return cfg
}

// WithDropout sets the dropout rate used in the transformer stack.
func (cfg *Config) WithDropout(rate float64) *Config {
	cfg.Dropout = rate
	return cfg
}

// WithEmbDropout sets the dropout rate applied to the embedded sequence.
func (cfg *Config) WithEmbDropout(rate float64) *Config {
	cfg.EmbDropout = rate
	return cfg
}

// WithStepSize sets the ISTA step size.
func (cfg *Config) WithStepSize(stepSize float64) *Config {
	cfg.StepSize = stepSize
	return cfg
}

// WithDType sets the dtype of the model variables.
func (cfg *Config) WithDType(dtype dtypes.DType) *Config {
	cfg.DType = dtype
	return cfg
}

// NumPatches is the number of patches each image is split into.
func (cfg *Config) NumPatches() int {
	return (cfg.ImageHeight / cfg.PatchHeight) * (cfg.ImageWidth / cfg.PatchWidth)
}

// PatchDim is the size of a flattened patch.
func (cfg *Config) PatchDim() int {
	return cfg.Channels * cfg.PatchHeight * cfg.PatchWidth
}

// SeqLen is the length of the sequence fed to the transformer stack, including the class token.
func (cfg *Config) SeqLen() int {
	return cfg.NumPatches() + 1
}

// Validate returns an error if the model can't be built with this configuration.
func (cfg *Config) Validate() error {
	if cfg.ImageHeight <= 0 || cfg.ImageWidth <= 0 || cfg.PatchHeight <= 0 || cfg.PatchWidth <= 0 {
		return errors.Errorf("image (%dx%d) and patch (%dx%d) sizes must be > 0",
			cfg.ImageHeight, cfg.ImageWidth, cfg.PatchHeight, cfg.PatchWidth)
	}
	if cfg.ImageHeight%cfg.PatchHeight != 0 || cfg.ImageWidth%cfg.PatchWidth != 0 {
		return errors.Errorf("image dimensions (%dx%d) must be divisible by the patch size (%dx%d)",
			cfg.ImageHeight, cfg.ImageWidth, cfg.PatchHeight, cfg.PatchWidth)
	}
	if cfg.Pool != PoolCLS && cfg.Pool != PoolMean {
		return errors.Errorf("pool type must be either cls (cls token) or mean (mean pooling), got %s", cfg.Pool)
	}
	if cfg.Channels <= 0 || cfg.NumClasses <= 0 {
		return errors.Errorf("channels (%d) and num_classes (%d) must be > 0", cfg.Channels, cfg.NumClasses)
	}
	if cfg.EmbDropout < 0 || cfg.EmbDropout >= 1 {
		return errors.Errorf("emb_dropout must be in [0, 1), got %g", cfg.EmbDropout)
	}
	if !cfg.DType.IsFloat() {
		return errors.Errorf("model dtype must be a float, got %s", cfg.DType)
	}
	return errors.WithMessage(cfg.BlockConfig.Validate(), "invalid transformer configuration")
}

func preset(numClasses, dim, depth, heads int) *Config {
	return NewConfig(224, 16, numClasses, dim, depth, heads).WithHeadDim(dim / heads)
}

// Tiny returns the CRATE-T configuration: dim=384, depth=12, heads=6.
func Tiny(numClasses int) *Config { return preset(numClasses, 384, 12, 6) }

// Small returns the CRATE-S configuration: dim=576, depth=12, heads=12.
func Small(numClasses int) *Config { return preset(numClasses, 576, 12, 12) }

// Base returns the CRATE-B configuration: dim=768, depth=12, heads=12.
func Base(numClasses int) *Config { return preset(numClasses, 768, 12, 12) }

// Large returns the CRATE-L configuration: dim=1024, depth=24, heads=16.
func Large(numClasses int) *Config { return preset(numClasses, 1024, 24, 16) }

// Presets maps the names accepted by ParamPreset to their constructors.
var Presets = map[string]func(numClasses int) *Config{
	"tiny":  Tiny,
	"small": Small,
	"base":  Base,
	"large": Large,
}

// Hyperparameter keys read by ConfigFromContext.
const (
	// ParamPreset selects a preset ("tiny", "small", "base", "large") for the transformer sizes.
	// If empty, the sizes are built from ParamDim, ParamDepth, ParamHeads and ParamHeadDim.
	ParamPreset = "crate_preset"

	// ParamNumClasses is the number of output classes.
	ParamNumClasses = "crate_num_classes"

	// ParamImageSize is the (square) image size.
	ParamImageSize = "crate_image_size"

	// ParamPatchSize is the (square) patch size.
	ParamPatchSize = "crate_patch_size"

	// ParamChannels is the number of image channels.
	ParamChannels = "crate_channels"

	// ParamDim is the width of the token representation.
	ParamDim = "crate_dim"

	// ParamDepth is the number of layers.
	ParamDepth = "crate_depth"

	// ParamHeads is the number of attention heads.
	ParamHeads = "crate_heads"

	// ParamHeadDim is the dimension of each head. If <= 0 it is set to dim/heads. Ignored with a preset.
	ParamHeadDim = "crate_dim_head"

	// ParamPool is either "cls" or "mean".
	ParamPool = "crate_pool"

	// ParamDropout is the dropout rate in the transformer stack.
	ParamDropout = "crate_dropout"

	// ParamEmbDropout is the dropout rate on the embedded sequence.
	ParamEmbDropout = "crate_emb_dropout"

	// ParamStepSize is the ISTA step size.
	ParamStepSize = "crate_ista"
)

// ConfigFromContext builds a Config from the hyperparameters set in ctx.
//
// If ParamPreset is set, the preset defines dim, depth, heads and dim_head, and ParamDim, ParamDepth,
// ParamHeads and ParamHeadDim are ignored. Otherwise those are read from ctx, and the head dimension is
// dim/heads unless ParamHeadDim is > 0. The remaining parameters (image and patch sizes, channels, pooling,
// dropout, ISTA step size) are always read from ctx, falling back to the NewConfig defaults.
func ConfigFromContext(ctx *context.Context) (*Config, error) {
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 1000)
	var cfg *Config
	if presetName := context.GetParamOr(ctx, ParamPreset, ""); presetName != "" {
		presetFn, found := Presets[strings.ToLower(presetName)]
		if !found {
			return nil, errors.Errorf("unknown %s=%q, valid values are tiny, small, base or large",
				ParamPreset, presetName)
		}
		cfg = presetFn(numClasses)
	} else {
		cfg = NewConfig(224, 16, numClasses,
			context.GetParamOr(ctx, ParamDim, 384),
			context.GetParamOr(ctx, ParamDepth, 12),
			context.GetParamOr(ctx, ParamHeads, 6))
		cfg.HeadDim = context.GetParamOr(ctx, ParamHeadDim, 0)
		if cfg.HeadDim <= 0 && cfg.Heads > 0 {
			cfg.HeadDim = cfg.Dim / cfg.Heads
		}
	}

	imageSize := context.GetParamOr(ctx, ParamImageSize, cfg.ImageHeight)
	patchSize := context.GetParamOr(ctx, ParamPatchSize, cfg.PatchHeight)
	cfg.WithImageSize(imageSize, imageSize).WithPatchSize(patchSize, patchSize)
	cfg.Channels = context.GetParamOr(ctx, ParamChannels, cfg.Channels)
	cfg.Dropout = context.GetParamOr(ctx, ParamDropout, cfg.Dropout)
	cfg.EmbDropout = context.GetParamOr(ctx, ParamEmbDropout, cfg.EmbDropout)
	cfg.StepSize = context.GetParamOr(ctx, ParamStepSize, cfg.StepSize)

	pool, err := ParsePoolType(context.GetParamOr(ctx, ParamPool, cfg.Pool.String()))
	if err != nil {
		return nil, err
	}
	cfg.Pool = pool
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
