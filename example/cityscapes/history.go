package main

import (
	"os"
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// History records per-epoch training scores.
type History struct {
	epochs []int
	losses []float64
	mious  []float64
	accs   []float64
}

func NewHistory() *History { return &History{} }

// Add appends the scores of one epoch.
func (h *History) Add(epoch int, loss, miou, acc float64) {
	h.epochs = append(h.epochs, epoch)
	h.losses = append(h.losses, loss)
	h.mious = append(h.mious, miou)
	h.accs = append(h.accs, acc)
}

// DataFrame returns the history as a table with one row per epoch.
func (h *History) DataFrame() dataframe.DataFrame {
	return dataframe.New(
		series.New(h.epochs, series.Int, "epoch"),
		series.New(h.losses, series.Float, "train_loss"),
		series.New(h.mious, series.Float, "val_miou"),
		series.New(h.accs, series.Float, "val_acc"),
	)
}

// Save writes history.csv and a curves.png plot to dir.
func (h *History) Save(dir string) error {
	if len(h.epochs) == 0 {
		return nil
	}
	df := h.DataFrame()
	if df.Err != nil {
		return df.Err
	}

	csvFile := filepath.Join(dir, "history.csv")
	f, err := os.Create(csvFile)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := df.WriteCSV(f); err != nil {
		return err
	}

	p, err := plot.New()
	if err != nil {
		return err
	}
	p.Title.Text = "Training"
	p.X.Label.Text = "epoch"

	epochs := df.Col("epoch").Float()
	err = plotutil.AddLinePoints(p,
		"train loss", points(epochs, df.Col("train_loss").Float()),
		"val mIoU", points(epochs, df.Col("val_miou").Float()),
	)
	if err != nil {
		return err
	}

	pngFile := filepath.Join(dir, "curves.png")
	if err := p.Save(6*vg.Inch, 4*vg.Inch, pngFile); err != nil {
		return err
	}
	log.Infof("history saved to %s and %s", csvFile, pngFile)
	return nil
}

func points(x, y []float64) plotter.XYs {
	pts := make(plotter.XYs, len(x))
	for i := range x {
		pts[i].X = x[i]
		pts[i].Y = y[i]
	}
	return pts
}
