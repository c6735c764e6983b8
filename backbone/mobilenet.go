package backbone

import (
	"fmt"
	"math"

	"github.com/sugarme/nlseg/graph"
)

// invertedResidualSetting lists (expand ratio, channels, repeats, stride).
var invertedResidualSetting = [][4]int64{
	{1, 16, 1, 1},
	{6, 24, 2, 2},
	{6, 32, 3, 2},
	{6, 64, 4, 2},
	{6, 96, 3, 1},
	{6, 160, 3, 2},
	{6, 320, 1, 1},
}

const (
	inputChannel = 32
	lastChannel  = 1280
)

// MobileNetV2Graph describes the MobileNetV2 feature extractor: a 3x3 stem,
// 17 inverted residual blocks and a final 1x1 projection to 1280 channels,
// 19 stages in total. Parameter names follow torch's "features.i..." layout.
func MobileNetV2Graph(widthMult float64) *graph.Graph {
	g := graph.New("features")

	cIn := int64(float64(inputChannel) * widthMult)
	last := int64(lastChannel)
	if widthMult > 1.0 {
		last = int64(float64(lastChannel) * widthMult)
	}

	g.ConvBNAct(g.Root(), "0", graph.ConvSpec{In: 3, Out: cIn, Kernel: 3, Stride: 2, Padding: 1}, graph.ReLU6)

	stage := 1
	for _, s := range invertedResidualSetting {
		t, c, n, stride := s[0], s[1], s[2], s[3]
		cOut := int64(float64(c) * widthMult)
		for i := int64(0); i < n; i++ {
			st := int64(1)
			if i == 0 {
				st = stride
			}
			invertedResidual(g, fmt.Sprint(stage), cIn, cOut, st, t)
			cIn = cOut
			stage++
		}
	}

	g.ConvBNAct(g.Root(), fmt.Sprint(stage), graph.ConvSpec{In: cIn, Out: last, Kernel: 1}, graph.ReLU6)

	return g
}

// invertedResidual appends a MobileNetV2 block. The block is residual when
// it keeps both resolution and channel count.
func invertedResidual(g *graph.Graph, name string, cIn, cOut, stride, expand int64) {
	hidden := int64(math.Round(float64(cIn * expand)))
	block := g.AddContainer(g.Root(), name, stride == 1 && cIn == cOut)
	conv := g.AddContainer(block, "conv", false)

	if expand == 1 {
		// depthwise
		g.AddConv(conv, "0", graph.ConvSpec{In: hidden, Out: hidden, Kernel: 3, Stride: stride, Padding: 1, Groups: hidden})
		g.AddNorm(conv, "1", hidden)
		g.AddAct(conv, "2", graph.ReLU6)
		// pointwise linear
		g.AddConv(conv, "3", graph.ConvSpec{In: hidden, Out: cOut, Kernel: 1})
		g.AddNorm(conv, "4", cOut)
		return
	}

	// pointwise expansion
	g.AddConv(conv, "0", graph.ConvSpec{In: cIn, Out: hidden, Kernel: 1})
	g.AddNorm(conv, "1", hidden)
	g.AddAct(conv, "2", graph.ReLU6)
	// depthwise
	g.AddConv(conv, "3", graph.ConvSpec{In: hidden, Out: hidden, Kernel: 3, Stride: stride, Padding: 1, Groups: hidden})
	g.AddNorm(conv, "4", hidden)
	g.AddAct(conv, "5", graph.ReLU6)
	// pointwise linear
	g.AddConv(conv, "6", graph.ConvSpec{In: hidden, Out: cOut, Kernel: 1})
	g.AddNorm(conv, "7", cOut)
}

// StageChannels returns the output channel count of every stage of g.
func StageChannels(g *graph.Graph) []int64 {
	out := make([]int64, g.NumStages())
	for i := range out {
		id, _ := g.Stage(i)
		g.Walk(id, func(n *graph.Node) bool {
			if n.Kind == graph.Conv {
				out[i] = n.Conv.Out
			}
			return true
		})
	}
	return out
}
