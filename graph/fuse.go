package graph

// Pair is a convolution immediately followed by a batch normalisation.
type Pair struct {
	Conv int
	Norm int
}

// frame is one container on the worklist together with the convolution
// that directly precedes the next child, or -1.
type frame struct {
	container int
	next      int
	preceding int
}

// FusionPlan lists the (conv, norm) pairs that can be folded for inference.
//
// Only direct siblings fuse: a norm is paired with the convolution that
// comes right before it inside the same container. Each container starts
// with no preceding convolution, and any non-conv sibling (a nested
// container included) clears it. Norms already paired are never reused.
//
// A convolution is not carried into a following container, so
// conv -> Sequential(bn, relu) stays unfused even though the bn is the
// next layer to run. Such nesting is not produced by the graph builders
// here.
func FusionPlan(g *Graph, root int) []Pair {
	var pairs []Pair
	stack := []frame{{container: root, preceding: -1}}

	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		children := g.nodes[f.container].Children
		if f.next >= len(children) {
			stack = stack[:len(stack)-1]
			continue
		}

		id := children[f.next]
		f.next++
		n := g.nodes[id]

		switch n.Kind {
		case Conv:
			f.preceding = id
		case Norm:
			if f.preceding >= 0 && g.nodes[f.preceding].Conv.Out == n.Norm.Features {
				pairs = append(pairs, Pair{Conv: f.preceding, Norm: id})
			}
			f.preceding = -1
		case Container:
			f.preceding = -1
			stack = append(stack, frame{container: id, preceding: -1})
		default:
			f.preceding = -1
		}
	}

	return pairs
}
