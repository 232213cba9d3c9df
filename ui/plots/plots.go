// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

// Package plots stores the scalar summaries of training as plot points, and renders them as
// tables and SVG line plots.
package plots

import (
	"bufio"
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path"
	"slices"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// TrainingPlotFileName is the file within the logs directory with the points collected during
// training, one JSON object per line.
const TrainingPlotFileName = "training_plot_points.json"

// Point is one scalar summary.
type Point struct {
	// MetricName of this point, e.g. "validation/mel_spec_error".
	MetricName string `json:"metric"`

	// MetricType groups metrics drawn in the same plot, sharing the y-axis. See MetricTypeOf.
	MetricType string `json:"type"`

	// Step is the global step the value was measured at.
	Step float64 `json:"step"`

	Value float64 `json:"value"`

	// RunID identifies the process that recorded the point. A resumed training appends to the same
	// file with a new run id.
	RunID string `json:"run_id,omitempty"`
}

// MetricTypeOf returns the metric type of a "<group>/<metric>" name: the last element. So the
// training and validation mel-spectrogram errors share one plot.
func MetricTypeOf(metricName string) string {
	return path.Base(metricName)
}

// LoadPoints reads the points saved in filePath.
//
// A truncated last line, left by a process killed while appending, is dropped with a warning.
// Malformed lines elsewhere are an error.
func LoadPoints(filePath string) ([]Point, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plots file %q", filePath)
	}
	lines := bytes.Split(contents, []byte{'\n'})
	var points []Point
	for ii, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var point Point
		if err := json.Unmarshal(line, &point); err != nil {
			if ii == len(lines)-1 {
				klog.Warningf("plots file %q: dropping truncated last line", filePath)
				break
			}
			return nil, errors.Wrapf(err, "plots file %q, line %d", filePath, ii+1)
		}
		points = append(points, point)
	}
	return points, nil
}

// CreatePointsWriter starts appending the points sent to pointWriter to filePath, one per line.
// Once pointWriter is closed, the first error (or nil) is sent to errReport.
//
// After an error the remaining points are discarded, so senders never block.
func CreatePointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	points := make(chan Point, 100)
	report := make(chan error, 1)
	go func() {
		var w *bufio.Writer
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
		if err != nil {
			err = errors.Wrapf(err, "failed to open plots file %q for append", filePath)
			klog.Errorf("%v", err)
		} else {
			w = bufio.NewWriter(f)
		}
		for point := range points {
			if err != nil {
				continue
			}
			err = appendPoint(w, point)
			if err != nil {
				err = errors.WithMessagef(err, "plots file %q", filePath)
				klog.Errorf("%v", err)
			}
		}
		if f != nil {
			if closeErr := f.Close(); err == nil && closeErr != nil {
				err = errors.Wrapf(closeErr, "closing plots file %q", filePath)
			}
		}
		report <- err
	}()
	return points, report
}

// appendPoint writes one line and flushes it, so a crash loses at most the point being written.
func appendPoint(w *bufio.Writer, point Point) error {
	line, err := json.Marshal(point)
	if err != nil {
		return errors.Wrapf(err, "encoding point %+v", point)
	}
	_, _ = w.Write(line)
	_ = w.WriteByte('\n')
	return errors.Wrap(w.Flush(), "appending point")
}

// Points indexes points by their step.
type Points map[float64][]Point

// NewPoints indexes the rawPoints by step.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Steps returns the steps with points, in increasing order.
func (points Points) Steps() []float64 {
	steps := maps.Keys(points)
	slices.Sort(steps)
	return steps
}

// All iterates over the points in step order. Points of the same step are in insertion order.
func (points Points) All() iter.Seq[Point] {
	return func(yield func(Point) bool) {
		for _, step := range points.Steps() {
			for _, p := range points[step] {
				if !yield(p) {
					return
				}
			}
		}
	}
}

// MetricsNames returns the names of the metrics, sorted by metric type and then by name.
func (points Points) MetricsNames() []string {
	metricType := make(map[string]string)
	names := sets.Make[string]()
	for p := range points.All() {
		names.Insert(p.MetricName)
		metricType[p.MetricName] = p.MetricType
	}
	sorted := maps.Keys(names)
	slices.SortFunc(sorted, func(a, b string) int {
		return cmp.Or(cmp.Compare(metricType[a], metricType[b]), cmp.Compare(a, b))
	})
	return sorted
}

// TableForMetrics renders a table with one row per step that has any of the metrics, and one
// column per metric. With no metrics given, all of them are included.
func (points Points) TableForMetrics(metrics ...string) string {
	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	cell := lipgloss.NewStyle().Padding(0, 1)
	header := cell.Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return header
			}
			return cell
		}).
		Headers(append([]string{"Step"}, metrics...)...)
	for _, step := range points.Steps() {
		row := make([]string, len(metrics)+1)
		var hasMetric bool
		for _, p := range points[step] {
			if col := slices.Index(metrics, p.MetricName); col >= 0 {
				row[col+1] = strconv.FormatFloat(p.Value, 'f', 4, 64)
				hasMetric = true
			}
		}
		if !hasMetric {
			continue
		}
		row[0] = fmt.Sprintf("%.0f", step)
		table.Row(row...)
	}
	return table.String()
}

// String implements fmt.Stringer, with a table of all the metrics.
func (points Points) String() string {
	return points.TableForMetrics()
}
