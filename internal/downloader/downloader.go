// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader downloads and extracts dataset archives.
package downloader

import (
	"archive/tar"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// ChunkSize of the reads from the network.
const ChunkSize = 8192

// copyBytesBar copies bytes to an io.Writer while displaying a progressbar.
type copyBytesBar struct {
	w             io.Writer
	bar           *progressbar.ProgressBar
	amountWritten int64
}

func newCopyBytesBar(w io.Writer, contentLength int64) *copyBytesBar {
	description := "unknown size"
	if contentLength > 0 {
		description = humanize.IBytes(uint64(contentLength))
	}
	return &copyBytesBar{
		w: w,
		bar: progressbar.NewOptions64(contentLength,
			progressbar.OptionSetDescription(description),
			progressbar.OptionShowBytes(true),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		),
	}
}

// Write implements io.Writer, while updating the progress bar.
func (bar *copyBytesBar) Write(p []byte) (n int, err error) {
	n, err = bar.w.Write(p)
	bar.amountWritten += int64(n)
	_ = bar.bar.Add(n)
	return
}

// CopyWithProgressBar is similar to io.Copy, reading in chunks of ChunkSize, but displays a progress
// bar with the amount of data copied. contentLength can be -1 if unknown.
func CopyWithProgressBar(dst io.Writer, src io.Reader, contentLength int64) (n int64, err error) {
	bar := newCopyBytesBar(dst, contentLength)
	n, err = io.CopyBuffer(bar, src, make([]byte, ChunkSize))
	_ = bar.bar.Finish()
	fmt.Println()
	return
}

// Download the url into filePath, creating its directory if needed.
func Download(ctx context.Context, url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if err = os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return 0, errors.Wrapf(err, "failed to create the directory for %q", filePath)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "creating request for %q", url)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("downloading %q: %s", url, resp.Status)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", filePath)
	}
	if showProgressBar {
		size, err = CopyWithProgressBar(file, resp.Body, resp.ContentLength)
	} else {
		size, err = io.CopyBuffer(file, resp.Body, make([]byte, ChunkSize))
	}
	if err != nil {
		_ = file.Close()
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", filePath)
	}
	return size, nil
}

// Untar extracts tarFile into baseDir, decompressing according to its suffix: ".gz"/".tgz" for
// gzip, ".bz2" for bzip2.
func Untar(baseDir, tarFile string) error {
	f, err := os.Open(tarFile)
	if err != nil {
		return errors.Wrapf(err, "opening %q", tarFile)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(tarFile, ".gz") || strings.HasSuffix(tarFile, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return errors.Wrapf(err, "reading gzip %q", tarFile)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	case strings.HasSuffix(tarFile, ".bz2"):
		r = bzip2.NewReader(f)
	}
	return errors.WithMessagef(Extract(r, fsutil.MustReplaceTildeInDir(baseDir)), "extracting %q", tarFile)
}

// Extract the (uncompressed) tar stream into baseDir. Entries escaping baseDir are rejected.
func Extract(r io.Reader, baseDir string) error {
	baseDir = filepath.Clean(baseDir)
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading tar")
		}
		target := filepath.Join(baseDir, header.Name)
		if target != baseDir && !strings.HasPrefix(target, baseDir+string(filepath.Separator)) {
			return errors.Errorf("tar entry %q is outside of %q", header.Name, baseDir)
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(target, 0o755); err != nil {
				return errors.Wrapf(err, "creating %q", target)
			}
		case tar.TypeReg:
			if err = extractFile(tr, target, header.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		}
	}
}

func extractFile(r io.Reader, target string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrapf(err, "creating %q", filepath.Dir(target))
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0o200)
	if err != nil {
		return errors.Wrapf(err, "creating %q", target)
	}
	if _, err = io.Copy(f, r); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %q", target)
	}
	return errors.Wrapf(f.Close(), "closing %q", target)
}
