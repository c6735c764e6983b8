package nonlocal

import (
	"math"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/nlseg/base"
)

const projectionStd = 0.01

// Block is a non-local block with an optional global context branch.
//
// For an input x of C channels the non-local branch computes
//   softmax(q(x)·k(x') / (sqrt(planes)·T)) · v(x')
// where x' is x (max-pooled when downsampling), scaled by a learnable gamma
// initialised at zero. The global context branch pools v(x') with a softmax
// spatial mask. Both are added to x, so the block preserves channels.
type Block struct {
	opts     Options
	inplanes int64
	planes   int64

	query *nn.Conv2D
	key   *nn.Conv2D
	value *nn.Conv2D
	out   *nn.Conv2D
	outBN *nn.BatchNorm
	mask  *nn.Conv2D
	gamma *ts.Tensor

	scale float64
}

// NewBlock creates a block over inplanes channels with planes inner
// channels for queries and keys.
func NewBlock(p *nn.Path, inplanes, planes int64, opts Options) (*Block, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	std := projectionStd * opts.WeightInitScale
	b := &Block{
		opts:     opts,
		inplanes: inplanes,
		planes:   planes,
		scale:    math.Sqrt(float64(planes)),
	}

	valueOut := inplanes
	if opts.UseOut {
		valueOut = planes
		b.out = base.Conv2dInit(p.Sub("conv_out"), planes, inplanes, 1, true, std)
	}
	b.value = base.Conv2dInit(p.Sub("conv_value"), inplanes, valueOut, 1, true, std)

	if opts.WithNL {
		b.query = base.Conv2dInit(p.Sub("conv_query"), inplanes, planes, 1, true, std)
		b.key = base.Conv2dInit(p.Sub("conv_key"), inplanes, planes, 1, true, std)
		b.gamma = p.Zeros("gamma", []int64{1})
		if opts.OutBN {
			b.outBN = nn.BatchNorm2D(p.Sub("out_bn"), inplanes, nn.DefaultBatchNormConfig())
		}
	}
	if opts.WithGC {
		config := nn.DefaultConv2DConfig()
		b.mask = nn.NewConv2D(p.Sub("conv_mask"), inplanes, 1, 1, config)
	}

	return b, nil
}

// Channels implements base.ContextBlock.
func (b *Block) Channels() int64 { return b.inplanes }

// NoDecayPrefixes returns the variable prefixes, relative to the block,
// that are trained without weight decay.
func (b *Block) NoDecayPrefixes() []string {
	var prefixes []string
	if b.opts.WithNL && contains(b.opts.NoDecay, NoDecayNL) {
		prefixes = append(prefixes, "conv_query.", "conv_key.", "gamma")
	}
	if b.opts.WithGC && contains(b.opts.NoDecay, NoDecayGC) {
		prefixes = append(prefixes, "conv_mask.")
	}
	return prefixes
}

// ForwardT implements ts.ModuleT for Block.
func (b *Block) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	n := x.MustSize()[0]

	input := x
	if b.opts.Downsample {
		input = x.MustMaxPool2d([]int64{3, 3}, []int64{2, 2}, []int64{1, 1}, []int64{1, 1}, false, false)
	}

	// [N, V, hw]
	valueOut := b.value.Ws.MustSize()[0]
	value := b.value.Forward(input).MustView([]int64{n, valueOut, -1}, true)

	var ctx *ts.Tensor
	if b.opts.WithNL {
		ctx = b.nonLocal(x, input, value, train)
	}
	if b.opts.WithGC {
		gc := b.globalContext(input, value)
		if ctx == nil {
			ctx = gc
		} else {
			ctx = ctx.MustAdd(gc, true)
			gc.MustDrop()
		}
	}
	value.MustDrop()
	if b.opts.Downsample {
		input.MustDrop()
	}

	out := x.MustAdd(ctx, false)
	ctx.MustDrop()
	return out
}

func (b *Block) nonLocal(x, input, value *ts.Tensor, train bool) *ts.Tensor {
	size := x.MustSize()
	n, h, w := size[0], size[2], size[3]

	// [N, HW, P]
	query := b.query.Forward(x).MustView([]int64{n, b.planes, -1}, true).MustPermute([]int64{0, 2, 1}, true)
	// [N, P, hw]
	key := b.key.Forward(input).MustView([]int64{n, b.planes, -1}, true)

	if contains(b.opts.WhitenType, WhitenChannel) {
		query = subMean(query, 1)
		key = subMean(key, 2)
	}
	if contains(b.opts.WhitenType, WhitenSpatial) {
		query = subMean(query, 2)
		key = subMean(key, 1)
	}

	// [N, HW, hw]
	sim := query.MustBmm(key, true)
	key.MustDrop()
	sim = sim.MustDiv1(ts.FloatScalar(b.scale*b.opts.Temperature), true)
	sim = sim.MustSoftmax(2, gotch.Float, true)

	// [N, HW, V]
	valueT := value.MustPermute([]int64{0, 2, 1}, false)
	out := sim.MustBmm(valueT, true)
	valueT.MustDrop()

	out = out.MustPermute([]int64{0, 2, 1}, true).MustReshape([]int64{n, -1, h, w}, true)
	if b.out != nil {
		projected := b.out.Forward(out)
		out.MustDrop()
		out = projected
	}
	if b.outBN != nil {
		normed := b.outBN.ForwardT(out, train)
		out.MustDrop()
		out = normed
	}

	return out.MustMul(b.gamma, true)
}

func (b *Block) globalContext(input, value *ts.Tensor) *ts.Tensor {
	n := input.MustSize()[0]

	// [N, hw, 1]
	mask := b.mask.Forward(input).MustView([]int64{n, 1, -1}, true)
	mask = mask.MustSoftmax(2, gotch.Float, true).MustPermute([]int64{0, 2, 1}, true)

	// [N, V, 1, 1]
	out := value.MustBmm(mask, false).MustUnsqueeze(-1, true)
	mask.MustDrop()
	if b.out != nil {
		projected := b.out.Forward(out)
		out.MustDrop()
		out = projected
	}
	return out
}

// subMean subtracts the mean of x over dim.
func subMean(x *ts.Tensor, dim int64) *ts.Tensor {
	mean := x.MustMean1([]int64{dim}, true, gotch.Float, false)
	out := x.MustSub(mean, true)
	mean.MustDrop()
	return out
}
