// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// crate trains a CRATE (white-box transformer) image classifier on CIFAR-10 or CIFAR-100.
//
// Hyperparameters are set with -set, e.g.:
//
//	crate -data=~/work/cifar -set="dataset=cifar100;crate_depth=12;train_steps=50000"
package main

import (
	"flag"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/cifar", "Directory to cache downloaded dataset files.")
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the train and test data in the end.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory save and load checkpoints from. If left empty, no checkpoints are created.")
)

func main() {
	ctx := CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	err := exceptions.TryCatch[error](func() {
		TrainModel(ctx, *flagDataDir, *flagCheckpoint, paramsSet, *flagEval, *flagVerbosity)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
