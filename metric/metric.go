// Package metric accumulates segmentation scores over a confusion matrix.
package metric

import (
	"fmt"
	"math"

	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ConfusionMatrix counts (target, prediction) pixel pairs. Rows are target
// classes and columns predicted classes.
type ConfusionMatrix struct {
	classes int
	ignore  int64
	m       *mat.Dense
}

// NewConfusionMatrix creates an empty matrix. Pixels labelled ignore are
// not counted.
func NewConfusionMatrix(classes int, ignore int64) *ConfusionMatrix {
	return &ConfusionMatrix{
		classes: classes,
		ignore:  ignore,
		m:       mat.NewDense(classes, classes, nil),
	}
}

// Update adds label slices of equal length.
func (c *ConfusionMatrix) Update(pred, target []int64) error {
	if len(pred) != len(target) {
		return fmt.Errorf("metric: %d predictions for %d targets", len(pred), len(target))
	}
	k := int64(c.classes)
	for i, t := range target {
		if t == c.ignore {
			continue
		}
		p := pred[i]
		if t < 0 || t >= k || p < 0 || p >= k {
			return fmt.Errorf("metric: label pair (%d, %d) out of range [0, %d)", t, p, k)
		}
		c.m.Set(int(t), int(p), c.m.At(int(t), int(p))+1)
	}
	return nil
}

// UpdateTensor adds a batch of logits [N C H W] against targets [N H W].
func (c *ConfusionMatrix) UpdateTensor(logits, target *ts.Tensor) error {
	pred := ArgMax(logits)
	defer pred.MustDrop()
	return c.Update(pred.Int64Values(), target.Int64Values())
}

// Reset clears every count.
func (c *ConfusionMatrix) Reset() { c.m.Zero() }

// Matrix returns the counts.
func (c *ConfusionMatrix) Matrix() mat.Matrix { return c.m }

// PixelAccuracy is the share of counted pixels predicted right.
func (c *ConfusionMatrix) PixelAccuracy() float64 {
	total := mat.Sum(c.m)
	if total == 0 {
		return 0
	}
	return mat.Trace(c.m) / total
}

// ClassIoU returns intersection over union per class. Classes absent from
// both target and prediction get NaN.
func (c *ConfusionMatrix) ClassIoU() []float64 {
	rows := make([]float64, c.classes)
	cols := make([]float64, c.classes)
	for i := 0; i < c.classes; i++ {
		rows[i] = floats.Sum(mat.Row(nil, i, c.m))
		cols[i] = floats.Sum(mat.Col(nil, i, c.m))
	}

	iou := make([]float64, c.classes)
	for i := range iou {
		inter := c.m.At(i, i)
		union := rows[i] + cols[i] - inter
		if union == 0 {
			iou[i] = math.NaN()
			continue
		}
		iou[i] = inter / union
	}
	return iou
}

// MeanIoU averages ClassIoU over the classes that occur.
func (c *ConfusionMatrix) MeanIoU() float64 {
	var present []float64
	for _, v := range c.ClassIoU() {
		if !math.IsNaN(v) {
			present = append(present, v)
		}
	}
	if len(present) == 0 {
		return 0
	}
	return floats.Sum(present) / float64(len(present))
}

// ArgMax returns the class index of every pixel of logits [N C H W] as an
// int64 tensor [N H W]. logits is not dropped.
func ArgMax(logits *ts.Tensor) *ts.Tensor {
	return logits.MustArgmax([]int64{1}, false, false).MustTotype(gotch.Int64, true)
}
