package loss_test

import (
	"errors"
	"math"
	"testing"

	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/nlseg/config"
	"github.com/sugarme/nlseg/loss"
)

func TestOhemThreshold(t *testing.T) {
	probs := ts.MustOfSlice([]float64{0.9, 0.1, 0.5, 0.3, 0.8})
	tests := []struct {
		thresh  float64
		minKept int64
		want    float64
	}{
		{0.7, 2, 0.7},   // p_2 = 0.5 < thresh
		{0.2, 2, 0.5},   // p_2 = 0.5 > thresh
		{0.7, 100, 0.9}, // clamped to the largest
		{0.7, 0, 0.7},
		{0.05, 0, 0.1},
	}
	for _, tt := range tests {
		if got := loss.OhemThreshold(probs, tt.thresh, tt.minKept); got != tt.want {
			t.Errorf("thresh %v minKept %d: want %v, got %v", tt.thresh, tt.minKept, tt.want, got)
		}
	}
	probs.MustDrop()

	empty := ts.MustZeros([]int64{0}, gotch.Double, gotch.CPU)
	if got := loss.OhemThreshold(empty, 0.7, 10); got != 0.7 {
		t.Errorf("no pixel: want 0.7, got %v", got)
	}
	empty.MustDrop()
}

func TestOhemKeepsThresholdPixels(t *testing.T) {
	const classes = 4
	pred := ts.MustZeros([]int64{1, classes, 2, 2}, gotch.Float, gotch.CPU)
	target := ts.MustZeros([]int64{1, 2, 2}, gotch.Int64, gotch.CPU)

	// thresh below 1/4 and minKept 0: the threshold is exactly the common
	// pixel probability, and pixels equal to it are kept.
	d := loss.NewDispatcher(loss.Params{IgnoreIndex: 255, OhemThresh: 0.1, OhemMinKept: 0})
	l, err := d.Compute(loss.Entry{Pred: pred, Target: target, Kind: loss.OhemCE, Weight: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got := l.Float64Values()[0]; math.Abs(got-math.Log(classes)) > 1e-5 {
		t.Errorf("want %v, got %v", math.Log(classes), got)
	}
	l.MustDrop()
	pred.MustDrop()
	target.MustDrop()
}

func TestEntryKind(t *testing.T) {
	for name, want := range map[string]loss.Kind{"dsn_ce_loss": loss.CE, "ce_loss": loss.CE, "ohem_ce_loss": loss.OhemCE} {
		got, err := loss.EntryKind(name)
		if err != nil || got != want {
			t.Errorf("%s: want %v, got %v (%v)", name, want, got, err)
		}
	}
	if _, err := loss.EntryKind("focal_loss"); !errors.Is(err, loss.ErrUnknownLossKind) {
		t.Errorf("want ErrUnknownLossKind, got %v", err)
	}
}

func TestValidWeights(t *testing.T) {
	cfg, err := config.Parse([]byte(`
loss:
  loss_type: dsnce
  loss_weights:
    dsnce: {dsn_ce_loss: 0.4, ce_loss: 1.0}
    bad: {lovasz_loss: 1.0}
`))
	if err != nil {
		t.Fatal(err)
	}
	w, err := loss.ValidWeights(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(w) != 2 || w["dsn_ce_loss"] != 0.4 || w["ce_loss"] != 1.0 {
		t.Errorf("unexpected weights %v", w)
	}

	cfg.Set("loss.loss_type", "bad")
	if _, err := loss.ValidWeights(cfg); !errors.Is(err, loss.ErrUnknownLossKind) {
		t.Errorf("want ErrUnknownLossKind, got %v", err)
	}
}

func TestUniformLogits(t *testing.T) {
	const classes = 4
	pred := ts.MustZeros([]int64{2, classes, 3, 3}, gotch.Float, gotch.CPU)
	target := ts.MustZeros([]int64{2, 3, 3}, gotch.Int64, gotch.CPU)
	d := loss.NewDispatcher(loss.DefaultParams())

	req := loss.Request{
		"dsn_ce_loss": {Pred: pred, Target: target, Kind: loss.CE, Weight: 0.4},
		"ce_loss":     {Pred: pred, Target: target, Kind: loss.CE, Weight: 1.0},
	}
	total, err := d.Total(req)
	if err != nil {
		t.Fatal(err)
	}
	want := 1.4 * math.Log(classes)
	if got := total.Float64Values()[0]; math.Abs(got-want) > 1e-5 {
		t.Errorf("want %v, got %v", want, got)
	}
	total.MustDrop()

	// every pixel has probability 1/4 < 0.7 so OHEM keeps them all.
	ohem, err := d.Compute(loss.Entry{Pred: pred, Target: target, Kind: loss.OhemCE, Weight: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got := ohem.Float64Values()[0]; math.Abs(got-math.Log(classes)) > 1e-5 {
		t.Errorf("ohem: want %v, got %v", math.Log(classes), got)
	}
	ohem.MustDrop()

	if _, err := d.Compute(loss.Entry{Pred: pred, Target: target, Kind: loss.Kind(9)}); !errors.Is(err, loss.ErrUnknownLossKind) {
		t.Errorf("want ErrUnknownLossKind, got %v", err)
	}
	pred.MustDrop()
	target.MustDrop()
}

func TestIgnoredPixels(t *testing.T) {
	pred := ts.MustZeros([]int64{1, 3, 2, 2}, gotch.Float, gotch.CPU)
	// all but one pixel ignored
	target := ts.MustOfSlice([]int64{255, 255, 255, 1}).MustView([]int64{1, 2, 2}, true)
	d := loss.NewDispatcher(loss.DefaultParams())

	l, err := d.Compute(loss.Entry{Pred: pred, Target: target, Kind: loss.CE, Weight: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got := l.Float64Values()[0]; math.Abs(got-math.Log(3)) > 1e-5 {
		t.Errorf("want %v, got %v", math.Log(3), got)
	}
	l.MustDrop()
	pred.MustDrop()
	target.MustDrop()
}
