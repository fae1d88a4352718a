// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// wikitext downloads the raw wikitext-103 corpus and writes its training split, with the section
// header lines blanked, to a single text file.
package main

import (
	"flag"

	"github.com/gomlx/crate/pkg/corpus"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagDataDir     = flag.String("data", "data", "Directory where the downloaded archive is stored and extracted.")
	flagOutput      = flag.String("output", corpus.DefaultOutputPath, "Path of the filtered corpus.")
	flagProgressBar = flag.Bool("progress", true, "Display a progress bar while filtering.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	_ = must.M1(corpus.Prepare(*flagDataDir, *flagOutput, *flagProgressBar))
}
