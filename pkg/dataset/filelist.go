// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Entry of a file list: one utterance.
type Entry struct {
	// Name of the utterance: the audio is in "<wavs dir>/<Name>.wav" and the pre-computed features
	// in "<mels dir>/<Name>.npy".
	Name string

	// Text is the transcription, not used for training.
	Text string
}

// ReadFileList reads a file list in the LJSpeech metadata format: one "name|text[|...]" line per
// utterance. Empty lines are skipped.
func ReadFileList(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening file list %q", path)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		name, text, _ := strings.Cut(line, "|")
		if name == "" {
			return nil, errors.Errorf("file list %q, line %d: empty utterance name", path, lineNum)
		}
		entries = append(entries, Entry{Name: name, Text: text})
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading file list %q", path)
	}
	return entries, nil
}

// WavPath returns the path of the audio of the entry.
func (e Entry) WavPath(wavsDir string) string {
	return filepath.Join(wavsDir, e.Name+".wav")
}

// MelPath returns the path of the pre-computed features of the entry.
func (e Entry) MelPath(melsDir string) string {
	return filepath.Join(melsDir, e.Name+".npy")
}
