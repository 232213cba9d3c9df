// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	mg "github.com/erkkah/margaid"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Default dimensions of the SVG plots.
const (
	DefaultWidth  = 1024
	DefaultHeight = 400
)

// Plot holds the series of the metrics that share the same metric type, and hence the y-axis.
type Plot struct {
	MetricType string

	// PerName maps the metric name to its series.
	PerName map[string]*mg.Series

	// allPoints collects all points from all series, to configure the axis.
	allPoints *mg.Series
}

// NewPlot creates an empty plot for the metric type.
func NewPlot(metricType string) *Plot {
	return &Plot{MetricType: metricType, PerName: make(map[string]*mg.Series), allPoints: mg.NewSeries()}
}

// AddPoint adds a point for the given metric. The `step` is the x-axis, and `value` is the y-axis.
func (p *Plot) AddPoint(metricName string, step, value float64) {
	s, found := p.PerName[metricName]
	if !found {
		s = mg.NewSeries(mg.Titled(metricName))
		p.PerName[metricName] = s
	}
	mgValue := mg.MakeValue(step, value)
	s.Add(mgValue)
	p.allPoints.Add(mgValue)
}

// SVG renders all the series of the plot.
func (p *Plot) SVG(width, height int) ([]byte, error) {
	if len(p.PerName) == 0 {
		return nil, errors.Errorf("no points to plot for %q", p.MetricType)
	}
	names := xslices.SortedKeys(p.PerName)
	allSeries := make([]*mg.Series, 0, len(names))
	for _, name := range names {
		allSeries = append(allSeries, p.PerName[name])
	}
	diagram := mg.New(width, height,
		mg.WithAutorange(mg.XAxis, allSeries...),
		mg.WithAutorange(mg.YAxis, allSeries...),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	for _, s := range allSeries {
		diagram.Line(s, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingMarker("square"), mg.UsingStrokeWidth(2))
	}
	diagram.Axis(p.allPoints, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, "Steps")
	diagram.Axis(p.allPoints, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, p.MetricType)
	diagram.Frame()
	diagram.Title(p.MetricType)
	diagram.Legend(mg.BottomLeft)
	buf := bytes.NewBuffer(nil)
	if err := diagram.Render(buf); err != nil {
		return nil, errors.Wrapf(err, "failed to render plot for %q", p.MetricType)
	}
	return buf.Bytes(), nil
}

// PlotsPerType groups the points in one Plot per metric type.
func (points Points) PlotsPerType() map[string]*Plot {
	perType := make(map[string]*Plot)
	for pt := range points.All() {
		p, found := perType[pt.MetricType]
		if !found {
			p = NewPlot(pt.MetricType)
			perType[pt.MetricType] = p
		}
		p.AddPoint(pt.MetricName, pt.Step, pt.Value)
	}
	return perType
}

// WriteSVGs renders one "<metric type>.svg" file per metric type into dir, and returns the
// paths written.
func (points Points) WriteSVGs(dir string, width, height int) ([]string, error) {
	perType := points.PlotsPerType()
	paths := make([]string, 0, len(perType))
	for _, metricType := range xslices.SortedKeys(perType) {
		svg, err := perType[metricType].SVG(width, height)
		if err != nil {
			return paths, err
		}
		path := filepath.Join(dir, fmt.Sprintf("%s.svg", metricType))
		if err = os.WriteFile(path, svg, 0o644); err != nil {
			return paths, errors.Wrapf(err, "writing plot %q", path)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
