// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

// ljspeech_download downloads the LJSpeech-1.1 corpus and extracts it into the output directory.
//
// Usage:
//
//	ljspeech_download -output=datasets
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/roman-mg/multiband-hifigan/internal/downloader"
	"k8s.io/klog/v2"
)

const archiveName = "LJSpeech-1.1.tar.bz2"

var (
	flagOutput = flag.String("output", "datasets", "Directory where the corpus is extracted.")
	flagURL    = flag.String("url", "https://data.keithito.com/data/speech/"+archiveName, "URL of the corpus archive.")
	flagKeep   = flag.Bool("keep_archive", false, "Keep the downloaded archive after extracting it.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	outputDir := fsutil.MustReplaceTildeInDir(*flagOutput)
	archivePath := filepath.Join(outputDir, archiveName)
	fmt.Println("Downloading LJSpeech-1.1 ...")
	size, err := downloader.Download(ctx, *flagURL, archivePath, true)
	if err != nil {
		klog.Exitf("Failed to download: %+v", err)
	}
	klog.V(1).Infof("downloaded %d bytes to %q", size, archivePath)
	if err = downloader.Untar(outputDir, archivePath); err != nil {
		klog.Exitf("Failed to extract: %+v", err)
	}
	if !*flagKeep {
		if err = os.Remove(archivePath); err != nil {
			klog.Warningf("removing %q: %v", archivePath, err)
		}
	}
	fmt.Println("Done.")
}
