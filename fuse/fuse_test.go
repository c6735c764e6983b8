package fuse_test

import (
	"testing"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/nlseg/base"
	"github.com/sugarme/nlseg/fuse"
	"github.com/sugarme/nlseg/graph"
)

func testGraph() *graph.Graph {
	g := graph.New("features")
	g.ConvBNAct(g.Root(), "0", graph.ConvSpec{In: 3, Out: 8, Kernel: 3, Stride: 2, Padding: 1}, graph.ReLU6)
	block := g.AddContainer(g.Root(), "1", true)
	conv := g.AddContainer(block, "conv", false)
	g.AddConv(conv, "0", graph.ConvSpec{In: 8, Out: 8, Kernel: 3, Padding: 1, Groups: 8})
	g.AddNorm(conv, "1", 8)
	g.AddAct(conv, "2", graph.ReLU6)
	g.AddConv(conv, "3", graph.ConvSpec{In: 8, Out: 8, Kernel: 1, Bias: true})
	g.AddNorm(conv, "4", 8)
	return g
}

func TestFuseKeepsEvalOutput(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	tree := base.NewTree(vs.Root(), testGraph())

	// a few train passes so running statistics move away from (0, 1)
	for i := 0; i < 3; i++ {
		x := ts.MustRand([]int64{4, 3, 16, 16}, gotch.Float, gotch.CPU)
		ts.NoGrad(func() {
			tree.ForwardT(x, true).MustDrop()
		})
		x.MustDrop()
	}

	x := ts.MustRand([]int64{2, 3, 16, 16}, gotch.Float, gotch.CPU)
	var before, after *ts.Tensor
	ts.NoGrad(func() {
		before = tree.ForwardT(x, false)
	})

	n, err := fuse.Tree(tree)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("want 3 fused pairs, got %d", n)
	}

	ts.NoGrad(func() {
		after = tree.ForwardT(x, false)
	})
	diff := after.MustSub(before, false).MustAbs(true).MustMax(true)
	if v := diff.Float64Values()[0]; v > 1e-4 {
		t.Errorf("fused output deviates by %v", v)
	}
	diff.MustDrop()

	if _, ok := vs.Vars.NamedVariables["features.0.0.bias"]; !ok {
		t.Error("fused conv without bias did not get one")
	}

	// second pass is a no-op
	if n, err := fuse.Tree(tree); err != nil || n != 0 {
		t.Errorf("refuse: want 0 pairs, got %d (%v)", n, err)
	}

	x.MustDrop()
	before.MustDrop()
	after.MustDrop()
}

func TestFuseHead(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	head := base.NewSegmentationHead(vs.Root().Sub("dsn"), 8, 4, 3)
	n, err := fuse.Trees([]*base.Tree{head})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("want 1 fused pair, got %d", n)
	}
	if _, ok := vs.Vars.NamedVariables["dsn.0.conv.bias"]; !ok {
		t.Error("missing dsn.0.conv.bias")
	}
}
