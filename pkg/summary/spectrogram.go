// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package summary

import (
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// spectrogramGrid exposes a [frames][channels] spectrogram as a plotter.GridXYZ, with the frames
// on the x-axis.
type spectrogramGrid [][]float32

var _ plotter.GridXYZ = spectrogramGrid(nil)

func (s spectrogramGrid) Dims() (c, r int)   { return len(s), len(s[0]) }
func (s spectrogramGrid) Z(c, r int) float64 { return float64(s[c][r]) }
func (s spectrogramGrid) X(c int) float64    { return float64(c) }
func (s spectrogramGrid) Y(r int) float64    { return float64(r) }

// SaveSpectrogram renders the [frames][channels] spectrogram as a heat map into a PNG file.
func SaveSpectrogram(path, title string, spectrogram [][]float32) error {
	if len(spectrogram) == 0 || len(spectrogram[0]) == 0 {
		return errors.Errorf("empty spectrogram for %q", path)
	}
	numChannels := len(spectrogram[0])
	for frame, values := range spectrogram {
		if len(values) != numChannels {
			return errors.Errorf("spectrogram for %q: frame %d has %d channels, expected %d",
				path, frame, len(values), numChannels)
		}
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Frames"
	p.Y.Label.Text = "Channels"
	heatMap := plotter.NewHeatMap(spectrogramGrid(spectrogram), palette.Heat(64, 1))
	if heatMap.Max <= heatMap.Min {
		// Constant spectrogram (e.g. silence).
		heatMap.Max = heatMap.Min + 1
	}
	p.Add(heatMap)
	if err := p.Save(10*vg.Inch, 2*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving spectrogram %q", path)
	}
	return nil
}
