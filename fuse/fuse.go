// Package fuse folds batch norm layers into the convolutions that directly
// precede them, for inference.
package fuse

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/nlseg/base"
	"github.com/sugarme/nlseg/graph"
)

// Tree folds every conv -> norm pair planned by graph.FusionPlan and
// replaces the norm layers with identities. It returns the number of folded
// pairs. Norm layers already bypassed are skipped.
//
// The fused network must only be used for inference: running statistics
// are baked into the conv weights.
func Tree(t *base.Tree) (n int, err error) {
	g := t.Graph()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fuse: %v", r)
		}
	}()

	for _, pair := range graph.FusionPlan(g, g.Root()) {
		conv, norm := t.Layer(pair.Conv), t.Layer(pair.Norm)
		if norm.Bypassed() {
			continue
		}
		ts.NoGrad(func() {
			fold(conv, norm)
		})
		norm.Bypass()
		n++
	}

	return n, nil
}

// Trees fuses every tree and returns the total number of folded pairs.
func Trees(trees []*base.Tree) (int, error) {
	total := 0
	for _, t := range trees {
		n, err := Tree(t)
		if err != nil {
			return total, err
		}
		total += n
	}
	log.Infof("fuse: folded %d conv/bn pairs", total)
	return total, nil
}

// fold computes, with s = gamma / sqrt(var + eps),
//   W' = W * s (per output channel)
//   b' = (b - mean) * s + beta
func fold(convLayer, normLayer *base.Layer) {
	conv := convLayer.Conv
	bn := normLayer.Norm
	eps := normLayer.Node.Norm.Eps
	out := convLayer.Node.Conv.Out

	bias := convLayer.Bias()

	std := bn.RunningVar.MustAdd1(ts.FloatScalar(eps), false).MustSqrt(true)
	scale := bn.Ws.MustDiv(std, false)
	std.MustDrop()

	scale4 := scale.MustView([]int64{out, 1, 1, 1}, false)
	w := conv.Ws.MustMul(scale4, false)
	scale4.MustDrop()
	b := bias.MustSub(bn.RunningMean, false).MustMul(scale, true).MustAdd(bn.Bs, true)

	conv.Ws.Copy_(w)
	bias.Copy_(b)

	w.MustDrop()
	b.MustDrop()
	scale.MustDrop()
}
