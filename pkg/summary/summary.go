// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

// Package summary records the training summaries in a logs directory: scalars as plot points
// (rendered to SVG curves), audio samples as WAV files and spectrograms as PNG heat maps.
package summary

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/roman-mg/multiband-hifigan/pkg/dataset"
	"github.com/roman-mg/multiband-hifigan/pkg/train"
	"github.com/roman-mg/multiband-hifigan/ui/plots"
	"k8s.io/klog/v2"
)

// Sub-directories of the logs directory.
const (
	AudioDir   = "audio"
	FiguresDir = "figures"
)

// Writer implements train.Sink over a logs directory.
//
// It is not safe for concurrent use.
type Writer struct {
	dir        string
	sampleRate int
	runID      string

	points      []plots.Point
	pointWriter chan<- plots.Point
	errReport   <-chan error
}

var _ train.Sink = (*Writer)(nil)

// NewWriter creates the logs directory dir if needed. Points of previous runs in the same
// directory are kept, and the new ones appended. Audio is written with sampleRate.
func NewWriter(dir string, sampleRate int) (*Writer, error) {
	for _, sub := range []string{"", AudioDir, FiguresDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating summary directory %q", filepath.Join(dir, sub))
		}
	}
	w := &Writer{dir: dir, sampleRate: sampleRate, runID: uuid.NewString()}
	pointsPath := filepath.Join(dir, plots.TrainingPlotFileName)
	previous, err := plots.LoadPoints(pointsPath)
	if err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, err
	}
	w.points = previous
	w.pointWriter, w.errReport = plots.CreatePointsWriter(pointsPath)
	klog.V(1).Infof("summaries of run %s in %q (%d previous points)", w.runID, dir, len(previous))
	return w, nil
}

// Dir is the logs directory.
func (w *Writer) Dir() string { return w.dir }

// RunID identifies the points recorded by this writer.
func (w *Writer) RunID() string { return w.runID }

// Points returns all the points, of previous runs and of this one.
func (w *Writer) Points() plots.Points { return plots.NewPoints(w.points) }

// fileName converts a tag like "generated/y_hat_0" to a file name.
func fileName(tag string, step int64, ext string) string {
	return fmt.Sprintf("%s_%08d.%s", strings.ReplaceAll(tag, "/", "_"), step, ext)
}

// Scalar implements train.Sink.
func (w *Writer) Scalar(tag string, step int64, value float64) error {
	if w.pointWriter == nil {
		return errors.Errorf("summary.Writer: scalar %q at step %d recorded after Close", tag, step)
	}
	point := plots.Point{
		MetricName: tag,
		MetricType: plots.MetricTypeOf(tag),
		Step:       float64(step),
		Value:      value,
		RunID:      w.runID,
	}
	w.points = append(w.points, point)
	w.pointWriter <- point
	return nil
}

// Audio implements train.Sink.
func (w *Writer) Audio(tag string, step int64, samples []float32) error {
	path := filepath.Join(w.dir, AudioDir, fileName(tag, step, "wav"))
	return errors.WithMessage(dataset.WriteWav(path, samples, w.sampleRate), "summary.Writer")
}

// Figure implements train.Sink.
func (w *Writer) Figure(tag string, step int64, spectrogram [][]float32) error {
	path := filepath.Join(w.dir, FiguresDir, fileName(tag, step, "png"))
	return errors.WithMessage(SaveSpectrogram(path, fmt.Sprintf("%s (step %d)", tag, step), spectrogram),
		"summary.Writer")
}

// RenderPlots writes one SVG per metric type into the logs directory.
func (w *Writer) RenderPlots() error {
	if len(w.points) == 0 {
		return nil
	}
	_, err := w.Points().WriteSVGs(w.dir, plots.DefaultWidth, plots.DefaultHeight)
	return err
}

// Close flushes the points file and renders the plots.
func (w *Writer) Close() error {
	if w.pointWriter == nil {
		return nil
	}
	close(w.pointWriter)
	w.pointWriter = nil
	if err := <-w.errReport; err != nil {
		return err
	}
	return w.RenderPlots()
}
