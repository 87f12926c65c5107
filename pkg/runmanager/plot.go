// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runmanager

import (
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// PlotCurves plots the train and test loss (left) and accuracy (right) per epoch to a PNG file.
func PlotCurves(records []EpochRecord, path string) error {
	lossPlot, err := curvesPlot("Loss", records,
		func(r EpochRecord) float64 { return r.TrainLoss },
		func(r EpochRecord) float64 { return r.TestLoss })
	if err != nil {
		return err
	}
	accPlot, err := curvesPlot("Accuracy (%)", records,
		func(r EpochRecord) float64 { return r.TrainAccuracy },
		func(r EpochRecord) float64 { return r.TestAccuracy })
	if err != nil {
		return err
	}

	img := vgimg.New(14*vg.Inch, 5*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 1, Cols: 2, PadX: vg.Millimeter, PadY: vg.Millimeter}
	canvases := plot.Align([][]*plot.Plot{{lossPlot, accPlot}}, tiles, dc)
	lossPlot.Draw(canvases[0][0])
	accPlot.Draw(canvases[0][1])

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	if _, err = (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing plot to %q", path)
	}
	return errors.Wrapf(f.Close(), "closing %q", path)
}

func curvesPlot(title string, records []EpochRecord, trainFn, testFn func(EpochRecord) float64) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Legend.Top = true

	trainXYs := make(plotter.XYs, len(records))
	testXYs := make(plotter.XYs, len(records))
	for i, r := range records {
		trainXYs[i].X, trainXYs[i].Y = float64(r.Epoch), trainFn(r)
		testXYs[i].X, testXYs[i].Y = float64(r.Epoch), testFn(r)
	}
	if err := plotutil.AddLinePoints(p, "train", trainXYs, "test", testXYs); err != nil {
		return nil, errors.Wrapf(err, "plotting %s", title)
	}
	return p, nil
}
