package nonlocal

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/nlseg/base"
	"github.com/sugarme/nlseg/config"
	"github.com/sugarme/nlseg/graph"
)

// Head refines a backbone feature map with a non-local block and classifies
// every pixel:
//   conva -> block x recurrence -> convb -> concat(x, .) -> bottleneck
type Head struct {
	conva      *base.Tree
	ctb        *base.Attention
	block      *Block
	convb      *base.Tree
	bottleneck *base.Tree
	recurrence int
}

// BottleneckGraph describes the classifier applied to the concatenated
// features: 1x1 conv (padding 0) + bn + relu, dropout 0.1, 1x1 conv to
// classes.
func BottleneckGraph(cIn, cOut, classes int64) *graph.Graph {
	g := graph.New("bottleneck")
	g.AddConv(g.Root(), "0", graph.ConvSpec{In: cIn, Out: cOut, Kernel: 1})
	g.AddNorm(g.Root(), "1", cOut)
	g.AddAct(g.Root(), "2", graph.ReLU)
	g.AddDropout(g.Root(), "3", 0.1)
	g.AddConv(g.Root(), "4", graph.ConvSpec{In: cOut, Out: classes, Kernel: 1, Bias: true})
	return g
}

// NewHead creates a head over inChannels features. The non-local block
// works on inChannels/2 channels with inChannels/4 inner planes.
func NewHead(p *nn.Path, inChannels, outChannels, classes int64, opts Options) (*Head, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	inter := inChannels / 2

	ga := graph.New("")
	base.ConvBNReLU(ga, ga.Root(), "conva", inChannels, inter, 3, 1)
	gb := graph.New("")
	base.ConvBNReLU(gb, gb.Root(), "convb", inter, inter, 3, 1)

	block, err := NewBlock(p.Sub("ctb"), inter, inter/2, opts)
	if err != nil {
		return nil, err
	}
	ctb, err := base.NewAttention(inter, block)
	if err != nil {
		return nil, err
	}
	log.Debugf("nonlocal head: %d -> %d channels, block planes %d, whiten %v, gc %v, recurrence %d",
		inChannels, inter, inter/2, opts.WhitenType, opts.WithGC, opts.Recurrence)

	return &Head{
		conva:      base.NewTree(p, ga),
		ctb:        ctb,
		block:      block,
		convb:      base.NewTree(p, gb),
		bottleneck: base.NewTree(p, BottleneckGraph(inChannels+inter, outChannels, classes)),
		recurrence: opts.Recurrence,
	}, nil
}

// Project runs conva on x. x is not dropped.
func (h *Head) Project(x *ts.Tensor, train bool) *ts.Tensor {
	return h.conva.ForwardT(x, train)
}

// Aggregate applies the non-local block recurrence times, each pass feeding
// the next. feature is not dropped.
func (h *Head) Aggregate(feature *ts.Tensor, recurrence int, train bool) (*ts.Tensor, error) {
	if err := checkRecurrence(recurrence); err != nil {
		return nil, err
	}

	out := h.ctb.ForwardT(feature, train)
	for i := 1; i < recurrence; i++ {
		next := h.ctb.ForwardT(out, train)
		out.MustDrop()
		out = next
	}
	return out, nil
}

func checkRecurrence(r int) error {
	if r < 1 {
		return fmt.Errorf("%w: recurrence must be at least 1, got %d", config.ErrConfiguration, r)
	}
	return nil
}

// Refine runs conva, the block recurrence times and convb. x is not dropped.
func (h *Head) Refine(x *ts.Tensor, recurrence int, train bool) (*ts.Tensor, error) {
	if err := checkRecurrence(recurrence); err != nil {
		return nil, err
	}
	projected := h.Project(x, train)
	out, err := h.Aggregate(projected, recurrence, train)
	projected.MustDrop()
	if err != nil {
		return nil, err
	}
	refined := h.convb.ForwardT(out, train)
	out.MustDrop()

	return refined, nil
}

// ForwardRecurrent returns per-pixel class logits at the resolution of x.
func (h *Head) ForwardRecurrent(x *ts.Tensor, recurrence int, train bool) (*ts.Tensor, error) {
	refined, err := h.Refine(x, recurrence, train)
	if err != nil {
		return nil, err
	}
	cat := ts.MustCat([]ts.Tensor{*x, *refined}, 1)
	refined.MustDrop()
	logits := h.bottleneck.ForwardT(cat, train)
	cat.MustDrop()

	return logits, nil
}

// Forward is ForwardRecurrent with the configured recurrence.
func (h *Head) Forward(x *ts.Tensor, train bool) (*ts.Tensor, error) {
	return h.ForwardRecurrent(x, h.recurrence, train)
}

// Recurrence returns the configured number of block applications.
func (h *Head) Recurrence() int { return h.recurrence }

// Trees returns the conv/bn trees of the head, for fusion.
func (h *Head) Trees() []*base.Tree {
	return []*base.Tree{h.conva, h.convb, h.bottleneck}
}

// NoDecayPrefixes returns variable prefixes, relative to the head, that are
// trained without weight decay.
func (h *Head) NoDecayPrefixes() []string {
	var prefixes []string
	for _, p := range h.block.NoDecayPrefixes() {
		prefixes = append(prefixes, "ctb."+p)
	}
	return prefixes
}
