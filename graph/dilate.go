package graph

import (
	"fmt"
)

// noStrideDilate rewrites every convolution inside the given stages:
//  - stride 2 becomes stride 1 and, for 3x3 kernels, dilation and padding
//    become dilate;
//  - other 3x3 convolutions get dilation and padding dilate;
//  - anything else is left as is.
// It works on g in place; Dilate only calls it on fresh clones.
func noStrideDilate(g *Graph, stages []int, dilate int64) {
	for _, s := range stages {
		g.Walk(s, func(n *Node) bool {
			if n.Kind != Conv {
				return true
			}
			c := &n.Conv
			if c.Stride == 2 {
				c.Stride = 1
				if c.Kernel == 3 {
					c.Dilation = dilate
					c.Padding = dilate
				}
			} else if c.Kernel == 3 {
				c.Dilation = dilate
				c.Padding = dilate
			}
			return true
		})
	}
}

// Dilate returns a rewritten copy of g whose output stride is scale (8 or 16)
// instead of the stride implied by downIdx.
//
// For scale 8, stages [downIdx[-2], downIdx[-1]) get dilation 2 and stages
// [downIdx[-1], end) get dilation 4. For scale 16, stages [downIdx[-1], end)
// get dilation 2. g itself is not modified. A graph that was already
// dilated is refused.
func Dilate(g *Graph, downIdx []int, scale int) (*Graph, error) {
	if g.dilated {
		return nil, fmt.Errorf("%w: graph is already dilated", ErrStructuralMismatch)
	}
	if len(downIdx) < 2 {
		return nil, fmt.Errorf("%w: need at least two down-sample indices, got %v", ErrStructuralMismatch, downIdx)
	}
	total := g.NumStages()
	for _, i := range downIdx {
		if i < 0 || i >= total {
			return nil, fmt.Errorf("%w: down-sample index %d out of range [0, %d)", ErrStructuralMismatch, i, total)
		}
	}

	last := downIdx[len(downIdx)-1]
	prev := downIdx[len(downIdx)-2]

	out := g.Clone()
	switch scale {
	case 8:
		noStrideDilate(out, stageRange(out, prev, last), 2)
		noStrideDilate(out, stageRange(out, last, total), 4)
	case 16:
		noStrideDilate(out, stageRange(out, last, total), 2)
	default:
		return nil, fmt.Errorf("%w: unsupported dilate scale %d, expected 8 or 16", ErrStructuralMismatch, scale)
	}
	out.dilated = true

	return out, nil
}

func stageRange(g *Graph, from, to int) []int {
	root := g.nodes[g.root].Children
	return append([]int(nil), root[from:to]...)
}
