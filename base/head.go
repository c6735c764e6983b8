package base

import (
	"github.com/sugarme/gotch/nn"

	"github.com/sugarme/nlseg/graph"
)

// ConvBNReLU appends a container of conv (no bias), batch norm and ReLU
// to parent. Layers are flat siblings named "conv", "bn" and "relu" so
// that the conv/bn pair can be folded at inference.
func ConvBNReLU(g *graph.Graph, parent int, name string, cIn, cOut, ksize, padding int64) int {
	c := g.AddContainer(parent, name, false)
	g.AddConv(c, "conv", graph.ConvSpec{In: cIn, Out: cOut, Kernel: ksize, Padding: padding})
	g.AddNorm(c, "bn", cOut)
	g.AddAct(c, "relu", graph.ReLU)
	return c
}

// SegmentationHeadGraph describes a deep supervision classifier:
// conv3x3 + bn + relu, channel dropout 0.1 and a 1x1 conv to classes.
func SegmentationHeadGraph(cIn, cMid, classes int64) *graph.Graph {
	g := graph.New("")
	ConvBNReLU(g, g.Root(), "0", cIn, cMid, 3, 1)
	g.AddDropout(g.Root(), "1", 0.1)
	g.AddConv(g.Root(), "2", graph.ConvSpec{In: cMid, Out: classes, Kernel: 1, Bias: true})
	return g
}

// NewSegmentationHead creates a deep supervision head under p.
func NewSegmentationHead(p *nn.Path, cIn, cMid, classes int64) *Tree {
	return NewTree(p, SegmentationHeadGraph(cIn, cMid, classes))
}
