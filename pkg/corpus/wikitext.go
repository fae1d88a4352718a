// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/crate/internal/downloader"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

const (
	// WikiText103Url is the archive with the raw (non-tokenized) wikitext-103 corpus.
	WikiText103Url = "https://wikitext.smerity.com/wikitext-103-raw-v1.zip"

	// WikiText103ZipName is the name of the downloaded archive, in the data directory.
	WikiText103ZipName = "wikitext-103-raw-v1.zip"

	// WikiText103SubDir is the directory the archive extracts to.
	WikiText103SubDir = "wikitext-103-raw"

	// WikiText103TrainFile is the training split, inside WikiText103SubDir.
	WikiText103TrainFile = "wiki.train.raw"

	// DefaultOutputPath is where the filtered training split is written by default.
	DefaultOutputPath = "data/wikitext-103-raw-v1.txt"
)

// WikiText103Hash is the SHA-256 of the archive at WikiText103Url. If empty, the download is not validated.
var WikiText103Hash = ""

// DownloadWikiText103 downloads and extracts the wikitext-103 raw archive into dataDir, if not there yet.
// It returns the path to the training split.
func DownloadWikiText103(dataDir string) (trainPath string, err error) {
	dataDir, err = fsutil.ReplaceTildeInDir(dataDir)
	if err != nil {
		return "", err
	}
	if err = os.MkdirAll(dataDir, 0777); err != nil {
		return "", errors.Wrapf(err, "failed to create data directory %q", dataDir)
	}
	zipPath := filepath.Join(dataDir, WikiText103ZipName)
	targetDir := filepath.Join(dataDir, WikiText103SubDir)
	err = downloader.DownloadAndUnzipIfMissing(WikiText103Url, zipPath, dataDir, targetDir, WikiText103Hash)
	if err != nil {
		return "", errors.WithMessage(err, "failed to download wikitext-103")
	}
	trainPath = filepath.Join(targetDir, WikiText103TrainFile)
	if !fsutil.MustFileExists(trainPath) {
		return "", errors.Errorf("wikitext-103 archive extracted to %q, but %q is missing", targetDir, trainPath)
	}
	return trainPath, nil
}

// FilterFile filters inputPath (see Filter) into outputPath, creating the output directory if needed.
// If showProgressBar is true, a progress bar tracks the bytes read.
func FilterFile(inputPath, outputPath string, showProgressBar bool) (stats Stats, err error) {
	input, err := os.Open(inputPath)
	if err != nil {
		return stats, errors.Wrapf(err, "failed to open corpus %q", inputPath)
	}
	defer func() { _ = input.Close() }()
	var r io.Reader = input
	if showProgressBar {
		info, err := input.Stat()
		if err != nil {
			return stats, errors.Wrapf(err, "failed to stat %q", inputPath)
		}
		bar := progressbar.DefaultBytes(info.Size(), "filtering "+filepath.Base(inputPath))
		defer func() { _ = bar.Close() }()
		r = io.TeeReader(input, bar)
	}

	if err = os.MkdirAll(filepath.Dir(outputPath), 0777); err != nil {
		return stats, errors.Wrapf(err, "failed to create directory for %q", outputPath)
	}
	output, err := os.Create(outputPath)
	if err != nil {
		return stats, errors.Wrapf(err, "failed to create %q", outputPath)
	}
	stats, err = Filter(r, output)
	if err != nil {
		_ = output.Close()
		return stats, errors.WithMessagef(err, "while filtering %q into %q", inputPath, outputPath)
	}
	if err = output.Close(); err != nil {
		return stats, errors.Wrapf(err, "failed to close %q", outputPath)
	}
	return stats, nil
}

// Prepare downloads wikitext-103 into dataDir (if missing) and writes its filtered training split to
// outputPath (DefaultOutputPath if empty).
func Prepare(dataDir, outputPath string, showProgressBar bool) (Stats, error) {
	if outputPath == "" {
		outputPath = DefaultOutputPath
	}
	trainPath, err := DownloadWikiText103(dataDir)
	if err != nil {
		return Stats{}, err
	}
	klog.V(1).Infof("filtering %q into %q", trainPath, outputPath)
	stats, err := FilterFile(trainPath, outputPath, showProgressBar)
	if err != nil {
		return stats, err
	}
	klog.Infof("wrote %q: %s lines (%s section headers blanked, %s blank lines dropped), %s read, %s written",
		outputPath, humanize.Comma(stats.Lines), humanize.Comma(stats.Headers), humanize.Comma(stats.Blanks),
		humanize.IBytes(uint64(stats.BytesIn)), humanize.IBytes(uint64(stats.BytesOut)))
	return stats, nil
}
