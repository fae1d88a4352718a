// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/gomlx/crate/pkg/cifar"
	"github.com/gomlx/crate/pkg/crate"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParamDataset selects the training data: "cifar10" or "cifar100".
const ParamDataset = "dataset"

// ParamsExcludedFromSaving are the hyperparameters not saved along the checkpoints: they can be changed
// when training continues from a checkpoint.
var ParamsExcludedFromSaving = []string{"data_dir", "train_steps", "num_checkpoints"}

// Backend is created on the first call to TrainModel and reused afterward.
var Backend backends.Backend

// CreateDefaultContext returns a context with the default hyperparameters: a small CRATE for 32x32 images.
// Setting crate.ParamPreset replaces the default dim, depth and heads.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamDataset:      "cifar10",
		"train_steps":     20_000,
		"num_checkpoints": 3,
		"batch_size":      128,
		"eval_batch_size": 500,

		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    1e-3,
		optimizers.ParamAdamEpsilon:     1e-7,
		cosineschedule.ParamCycles:      1,

		crate.ParamPreset:     "",
		crate.ParamImageSize:  cifar.Height,
		crate.ParamPatchSize:  4,
		crate.ParamChannels:   cifar.Channels,
		crate.ParamDim:        192,
		crate.ParamDepth:      6,
		crate.ParamHeads:      6,
		crate.ParamHeadDim:    0,
		crate.ParamPool:       "cls",
		crate.ParamDropout:    0.0,
		crate.ParamEmbDropout: 0.0,
		crate.ParamStepSize:   0.1,
	})
	return ctx
}

// dataSourceFromContext parses ParamDataset.
func dataSourceFromContext(ctx *context.Context) (cifar.DataSource, error) {
	switch name := context.GetParamOr(ctx, ParamDataset, "cifar10"); name {
	case "cifar10":
		return cifar.C10, nil
	case "cifar100":
		return cifar.C100, nil
	default:
		return 0, errors.Errorf("hyperparameter %q must be \"cifar10\" or \"cifar100\", got %q", ParamDataset, name)
	}
}

// TrainModel trains a CRATE classifier on CIFAR with the hyperparameters in ctx. It panics on errors.
//
// paramsSet are the hyperparameters set from the command line: they are not saved in the checkpoint,
// so they can be changed when training resumes.
func TrainModel(ctx *context.Context, dataDir, checkpointPath string, paramsSet []string, evaluateOnEnd bool, verbosity int) {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	source := must.M1(dataSourceFromContext(ctx))
	// The number of classes always follows the dataset.
	ctx.SetParam(crate.ParamNumClasses, source.NumClasses())

	if Backend == nil {
		Backend = backends.MustNew()
	}
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", Backend.Name(), Backend.Description())
	}

	cfg := must.M1(crate.ConfigFromContext(ctx))
	model := must.M1(crate.New(cfg)).ChannelsLast(true)
	klog.V(1).Infof("CRATE: %d layers of dim %d, %d heads, %d patches of %dx%d",
		cfg.Depth, cfg.Dim, cfg.Heads, cfg.NumPatches(), cfg.PatchHeight, cfg.PatchWidth)

	batchSize := context.GetParamOr(ctx, "batch_size", 0)
	if batchSize <= 0 {
		exceptions.Panicf("batch_size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	trainDS, trainEvalDS, testEvalDS, err := cifar.CreateDatasets(Backend, dataDir, source, cfg.DType, batchSize, evalBatchSize)
	must.M(err)

	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	modelFn := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		// Cosine schedule of the learning rate over train_steps.
		cosineschedule.New(ctx, inputs[0].Graph(), cfg.DType).FromContext().Done()
		return model.ModelGraph(ctx, spec, inputs)
	}

	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	ctx = ctx.In("model")
	trainer := train.NewTrainer(Backend, ctx, modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric},
		[]metrics.Interface{meanAccuracyMetric})

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}
	if checkpoint != nil {
		train.PeriodicCallback(loop, 3*time.Minute, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	if evaluateOnEnd {
		must.M(commandline.ReportEval(trainer, testEvalDS, trainEvalDS))
	}
}
