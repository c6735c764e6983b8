package backbone

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/nlseg/base"
	"github.com/sugarme/nlseg/graph"
)

// FPN is MobileNetV2 with a top-down feature pyramid over PyramidIdx stages.
type FPN struct {
	features *base.Tree
	laterals []*base.Tree
	outConv  *base.Tree
	blockIdx []int
}

// NewFPN builds the pyramid on top of the features described by g.
func NewFPN(p *nn.Path, g *graph.Graph) (*FPN, error) {
	total := g.NumStages()
	if DSNIdx >= total {
		return nil, fmt.Errorf("%w: deep supervision stage %d out of range [0, %d)", graph.ErrStructuralMismatch, DSNIdx, total)
	}
	channels := StageChannels(g)
	for i, idx := range PyramidIdx {
		if idx < 0 || idx >= total {
			return nil, fmt.Errorf("%w: pyramid stage %d out of range [0, %d)", graph.ErrStructuralMismatch, idx, total)
		}
		if channels[idx] != PyramidChannels[i] {
			return nil, fmt.Errorf("%w: pyramid stage %d has %d channels, expected %d", graph.ErrStructuralMismatch, idx, channels[idx], PyramidChannels[i])
		}
	}

	laterals := make([]*base.Tree, len(PyramidIdx))
	for i, c := range PyramidChannels {
		lg := graph.New("")
		base.ConvBNReLU(lg, lg.Root(), "0", c, lateralChannel, 1, 0)
		laterals[i] = base.NewTree(p.Sub("lateral_convs").Sub(fmt.Sprint(i)), lg)
	}

	og := graph.New("")
	base.ConvBNReLU(og, og.Root(), "0", lateralChannel, numFeatures, 3, 1)

	return &FPN{
		features: base.NewTree(p, g),
		laterals: laterals,
		outConv:  base.NewTree(p.Sub("out_conv"), og),
		blockIdx: append([]int(nil), PyramidIdx...),
	}, nil
}

// ForwardAll returns the stage DSNIdx output and the fused pyramid output.
func (f *FPN) ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor {
	var (
		dsn  *ts.Tensor
		taps []*ts.Tensor
	)

	out := x
	kept := true
	for i := 0; i < f.features.NumStages(); i++ {
		next := f.features.Stage(i).ForwardT(out, train)
		if !kept {
			out.MustDrop()
		}
		out = next
		kept = false
		if i == DSNIdx {
			dsn = out
			kept = true
		}
		if isDown(f.blockIdx, i) {
			if kept {
				taps = append(taps, out.MustShallowClone())
			} else {
				taps = append(taps, out)
				kept = true
			}
		}
	}
	if !kept {
		out.MustDrop()
	}

	laterals := make([]*ts.Tensor, len(taps))
	for i, tap := range taps {
		laterals[i] = f.laterals[i].ForwardT(tap, train)
		tap.MustDrop()
	}

	fused := TopDown(laterals)
	res := f.outConv.ForwardT(fused, train)
	fused.MustDrop()

	return []*ts.Tensor{dsn, res}
}

// TopDown fuses lateral maps from the coarsest to the finest: each coarser
// map is upsampled to the next finer map's size and added to it. It takes
// ownership of laterals and returns the fused finest map.
func TopDown(laterals []*ts.Tensor) *ts.Tensor {
	for i := len(laterals) - 1; i > 0; i-- {
		up := base.UpsampleLike(laterals[i], laterals[i-1], false)
		laterals[i].MustDrop()
		laterals[i-1] = laterals[i-1].MustAdd(up, true)
		up.MustDrop()
	}
	return laterals[0]
}

// Head applies the output conv to a fused lateral map.
func (f *FPN) Head(fused *ts.Tensor, train bool) *ts.Tensor {
	return f.outConv.ForwardT(fused, train)
}

func (f *FPN) NumFeatures() int64 { return numFeatures }
func (f *FPN) DSNFeatures() int64 { return dsnFeatures }

func (f *FPN) Trees() []*base.Tree {
	trees := []*base.Tree{f.features}
	trees = append(trees, f.laterals...)
	return append(trees, f.outConv)
}
