package backbone

import (
	log "github.com/sirupsen/logrus"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/nlseg/base"
	"github.com/sugarme/nlseg/graph"
)

// Dilated is MobileNetV2 whose last stages trade stride for dilation so
// that the deepest feature map has output stride 8 or 16.
type Dilated struct {
	features *base.Tree
	downIdx  []int
	scale    int
}

// NewDilated rewrites a copy of g for the given scale (8 or 16) and builds it
// under p. g is left untouched.
func NewDilated(p *nn.Path, g *graph.Graph, scale int) (*Dilated, error) {
	if err := checkSplit(g); err != nil {
		return nil, err
	}
	dg, err := graph.Dilate(g, DownIdx, scale)
	if err != nil {
		return nil, err
	}
	log.Debugf("backbone: dilated MobileNetV2 to output stride %d (%d stages)", scale, dg.NumStages())

	return &Dilated{
		features: base.NewTree(p, dg),
		downIdx:  append([]int(nil), DownIdx...),
		scale:    scale,
	}, nil
}

// ForwardAll returns the output of stage SplitIdx-1 and the last stage.
func (d *Dilated) ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor {
	return forwardPair(d.features, x, train)
}

// ForwardFeatureMaps returns the output of every down-sample stage followed
// by the output of the last stage.
func (d *Dilated) ForwardFeatureMaps(x *ts.Tensor, train bool) []*ts.Tensor {
	var maps []*ts.Tensor
	out := x
	kept := true // x belongs to the caller
	for i := 0; i < d.features.NumStages(); i++ {
		next := d.features.Stage(i).ForwardT(out, train)
		if !kept {
			out.MustDrop()
		}
		out = next
		kept = false
		if isDown(d.downIdx, i) {
			maps = append(maps, out)
			kept = true
		}
	}
	if kept {
		out = out.MustShallowClone()
	}

	return append(maps, out)
}

func isDown(idx []int, i int) bool {
	for _, d := range idx {
		if d == i {
			return true
		}
	}
	return false
}

// Scale returns the output stride.
func (d *Dilated) Scale() int { return d.scale }

func (d *Dilated) NumFeatures() int64  { return numFeatures }
func (d *Dilated) DSNFeatures() int64  { return dsnFeatures }
func (d *Dilated) Trees() []*base.Tree { return []*base.Tree{d.features} }
