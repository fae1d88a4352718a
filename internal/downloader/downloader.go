// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader fetches dataset archives over HTTP, validates them and extracts them.
package downloader

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// progressWriter forwards writes to w while advancing a progress bar.
// The bar counts in units of barUnit bytes, so very large files don't overflow it.
type progressWriter struct {
	w                             io.Writer
	bar                           *progressbar.ProgressBar
	written                       int64
	barUnit, numUnits, addedUnits int64
}

func newProgressWriter(w io.Writer, contentLength int64, description string) *progressWriter {
	pw := &progressWriter{w: w, barUnit: 1}
	for contentLength > pw.barUnit*1024*1024 {
		pw.barUnit *= 1024
	}
	pw.numUnits = (contentLength + pw.barUnit - 1) / pw.barUnit
	pw.bar = progressbar.NewOptions64(pw.numUnits,
		progressbar.OptionSetDescription(fmt.Sprintf("%s (%s)", description, humanize.IBytes(uint64(contentLength)))),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return pw
}

// Write implements io.Writer.
func (pw *progressWriter) Write(p []byte) (n int, err error) {
	n, err = pw.w.Write(p)
	pw.written += int64(n)
	if units := pw.written / pw.barUnit; units > pw.addedUnits {
		_ = pw.bar.Add64(units - pw.addedUnits)
		pw.addedUnits = units
	}
	return
}

func (pw *progressWriter) finish() {
	if pw.addedUnits < pw.numUnits {
		_ = pw.bar.Add64(pw.numUnits - pw.addedUnits)
	}
	_ = pw.bar.Close()
	fmt.Println()
}

// CopyWithProgressBar is like io.Copy, but displays a progress bar while copying.
// If contentLength is unknown (<= 0) it falls back to a plain copy.
func CopyWithProgressBar(dst io.Writer, src io.Reader, contentLength int64, description string) (int64, error) {
	if contentLength <= 0 {
		return io.Copy(dst, src)
	}
	pw := newProgressWriter(dst, contentLength, description)
	n, err := io.Copy(pw, src)
	pw.finish()
	return n, err
}

// Download fetches url into filePath, creating its directory if needed.
//
// The content is written to a temporary file in the same directory and only renamed to filePath once
// complete, so an interrupted download never leaves a truncated file behind.
func Download(url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	dir := filepath.Dir(filePath)
	if err = os.MkdirAll(dir, 0777); err != nil {
		return 0, errors.Wrapf(err, "failed to create the directory for the path %q", dir)
	}

	client := http.Client{
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			r.URL.Opaque = r.URL.Path
			return nil
		},
	}
	resp, err := client.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: HTTP status %s", url, resp.Status)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(filePath)+".*.partial")
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating temporary file for %q", filePath)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmpFile.Name())
		}
	}()
	if showProgressBar {
		size, err = CopyWithProgressBar(tmpFile, resp.Body, resp.ContentLength, filepath.Base(filePath))
	} else {
		size, err = io.Copy(tmpFile, resp.Body)
	}
	if err != nil {
		_ = tmpFile.Close()
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = tmpFile.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", tmpFile.Name())
	}
	if err = os.Rename(tmpFile.Name(), filePath); err != nil {
		return 0, errors.Wrapf(err, "failed moving download to %q", filePath)
	}
	klog.V(1).Infof("downloaded %s from %q to %q", humanize.IBytes(uint64(size)), url, filePath)
	return size, nil
}

// ValidateChecksum returns an error if the SHA-256 of the file, hex encoded, is not wantHash.
func ValidateChecksum(filePath, wantHash string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q for checksum", filePath)
	}
	defer func() { _ = f.Close() }()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return errors.Wrapf(err, "failed to read %q for checksum", filePath)
	}
	gotHash := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(gotHash, wantHash) {
		return errors.Errorf("file %q has SHA-256 %s, but %s was expected -- delete it and try again",
			filePath, gotHash, wantHash)
	}
	return nil
}

// DownloadIfMissing downloads url into filePath, unless the file already exists.
//
// If checkHash is not empty, the file (downloaded or not) must have that SHA-256 hash.
func DownloadIfMissing(url, filePath, checkHash string) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	exists, err := fsutil.FileExists(filePath)
	if err != nil {
		return err
	}
	if !exists {
		fmt.Printf("Downloading %s ...\n", url)
		if _, err := Download(url, filePath, true); err != nil {
			return err
		}
	}
	if checkHash == "" {
		return nil
	}
	return ValidateChecksum(filePath, checkHash)
}

// Untar extracts tarFile into baseDir, picking the decompression by suffix: .gz/.tgz for gzip, .bz2 for bzip2.
func Untar(baseDir, tarFile string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	compressionFlag := ""
	switch {
	case strings.HasSuffix(tarFile, ".gz") || strings.HasSuffix(tarFile, ".tgz"):
		compressionFlag = "z"
	case strings.HasSuffix(tarFile, ".bz2"):
		compressionFlag = "j"
	}
	cmd := exec.Command("tar", fmt.Sprintf("x%sf", compressionFlag), tarFile)
	cmd.Dir = baseDir
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "failed to run %q", cmd)
	}
	return nil
}

// DownloadAndUntarIfMissing downloads tarFile from url if needed, and extracts it into baseDir unless
// targetUntarDir already exists. Relative paths are taken relative to baseDir.
func DownloadAndUntarIfMissing(url, baseDir, tarFile, targetUntarDir, checkHash string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	if !filepath.IsAbs(tarFile) {
		tarFile = filepath.Join(baseDir, tarFile)
	}
	if !filepath.IsAbs(targetUntarDir) {
		targetUntarDir = filepath.Join(baseDir, targetUntarDir)
	}
	if fsutil.MustFileExists(targetUntarDir) {
		return nil
	}
	if err := DownloadIfMissing(url, tarFile, checkHash); err != nil {
		return err
	}
	if err := Untar(baseDir, tarFile); err != nil {
		return err
	}
	if !fsutil.MustFileExists(targetUntarDir) {
		return errors.Errorf("downloaded from %q and untar'ed %q, but didn't get directory %q", url, tarFile, targetUntarDir)
	}
	return nil
}

// Unzip extracts zipFile into baseDir. Entries that would land outside baseDir are rejected.
func Unzip(zipFile, baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	r, err := zip.OpenReader(zipFile)
	if err != nil {
		return errors.Wrapf(err, "failed to open zip file %q", zipFile)
	}
	defer func() { _ = r.Close() }()

	root := filepath.Clean(baseDir) + string(os.PathSeparator)
	for _, entry := range r.File {
		target := filepath.Join(baseDir, entry.Name)
		if !strings.HasPrefix(target, root) {
			return errors.Errorf("zip file %q has entry %q outside of the target directory", zipFile, entry.Name)
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0777); err != nil {
				return errors.Wrapf(err, "failed to create directory %q", target)
			}
			continue
		}
		if err := extractZipEntry(entry, target); err != nil {
			return errors.WithMessagef(err, "while unzipping %q", zipFile)
		}
	}
	return nil
}

func extractZipEntry(entry *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0777); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", target)
	}
	src, err := entry.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to open entry %q", entry.Name)
	}
	defer func() { _ = src.Close() }()
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", target)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return errors.Wrapf(err, "failed to extract %q", entry.Name)
	}
	return errors.Wrapf(dst.Close(), "failed to close %q", target)
}

// DownloadAndUnzipIfMissing downloads zipFile from url if needed, and unzips it into unzipBaseDir unless
// targetUnzipDir already exists.
func DownloadAndUnzipIfMissing(url, zipFile, unzipBaseDir, targetUnzipDir, checkHash string) error {
	if fsutil.MustFileExists(targetUnzipDir) {
		return nil
	}
	if err := DownloadIfMissing(url, zipFile, checkHash); err != nil {
		return err
	}
	if err := Unzip(zipFile, unzipBaseDir); err != nil {
		return err
	}
	if !fsutil.MustFileExists(targetUnzipDir) {
		return errors.Errorf("downloaded from %q and unzip'ed %q, but didn't get directory %q", url, zipFile, targetUnzipDir)
	}
	return nil
}
