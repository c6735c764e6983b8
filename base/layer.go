package base

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/nlseg/graph"
)

// Layer is a materialised graph node.
type Layer struct {
	Node     graph.Node
	Conv     *nn.Conv2D
	Norm     *nn.BatchNorm
	Children []*Layer

	path   *nn.Path
	bypass *Identity
}

// ForwardT implements ts.ModuleT for Layer.
func (l *Layer) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	switch l.Node.Kind {
	case graph.Conv:
		return l.Conv.ForwardT(x, train)
	case graph.Norm:
		if l.bypass != nil {
			return l.bypass.ForwardT(x, train)
		}
		return l.Norm.ForwardT(x, train)
	case graph.Act:
		switch l.Node.Activation {
		case graph.ReLU6:
			return x.MustClip(ts.FloatScalar(0), ts.FloatScalar(6), false)
		default:
			return x.MustRelu(false)
		}
	case graph.Dropout:
		return ts.MustFeatureDropout(x, l.Node.Rate, train)
	}

	// Container
	if len(l.Children) == 0 {
		return x.MustShallowClone()
	}
	out := l.Children[0].ForwardT(x, train)
	for _, c := range l.Children[1:] {
		next := c.ForwardT(out, train)
		out.MustDrop()
		out = next
	}
	if l.Node.Residual {
		return out.MustAdd(x, true)
	}
	return out
}

// Bypass replaces a folded norm layer with an identity.
func (l *Layer) Bypass() {
	if l.Node.Kind != graph.Norm {
		panic(fmt.Sprintf("base: cannot bypass %v layer %q", l.Node.Kind, l.Node.Name))
	}
	l.bypass = NewIdentity()
}

// Bias returns the conv bias. A conv built without one gets a zero bias
// variable registered at its path.
func (l *Layer) Bias() *ts.Tensor {
	if l.Node.Kind != graph.Conv {
		panic(fmt.Sprintf("base: %v layer %q has no bias", l.Node.Kind, l.Node.Name))
	}
	if !l.Node.Conv.Bias {
		l.Conv.Bs = l.path.Zeros("bias", []int64{l.Node.Conv.Out})
		l.Node.Conv.Bias = true
	}
	return l.Conv.Bs
}

// Bypassed reports whether the layer was folded away.
func (l *Layer) Bypassed() bool { return l.bypass != nil }

// Tree is a network built from a graph.Graph. It keeps the graph so that
// later passes (fusion) can be planned on the description and applied to
// the modules.
type Tree struct {
	graph  *graph.Graph
	root   *Layer
	layers map[int]*Layer
}

// NewTree materialises g under p. The root container adds its name as a
// path segment when it is not empty.
func NewTree(p *nn.Path, g *graph.Graph) *Tree {
	t := &Tree{graph: g, layers: make(map[int]*Layer, g.Len())}
	rootPath := p
	if name := g.Node(g.Root()).Name; name != "" {
		rootPath = p.Sub(name)
	}
	t.root = t.build(rootPath, g.Root())
	return t
}

func (t *Tree) build(p *nn.Path, id int) *Layer {
	n := t.graph.Node(id)
	l := &Layer{Node: n, path: p}

	switch n.Kind {
	case graph.Conv:
		l.Conv = Conv2d(p, n.Conv)
	case graph.Norm:
		bnConfig := nn.DefaultBatchNormConfig()
		bnConfig.Eps = n.Norm.Eps
		l.Norm = nn.BatchNorm2D(p, n.Norm.Features, bnConfig)
	case graph.Container:
		for _, cid := range n.Children {
			child := t.graph.Node(cid)
			l.Children = append(l.Children, t.build(p.Sub(child.Name), cid))
		}
	}

	t.layers[id] = l
	return l
}

// ForwardT implements ts.ModuleT for Tree.
func (t *Tree) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return t.root.ForwardT(x, train)
}

// Graph returns the description the tree was built from.
func (t *Tree) Graph() *graph.Graph { return t.graph }

// Root returns the root layer.
func (t *Tree) Root() *Layer { return t.root }

// Layer returns the layer built for graph node id.
func (t *Tree) Layer(id int) *Layer { return t.layers[id] }

// NumStages returns the number of root children.
func (t *Tree) NumStages() int { return len(t.root.Children) }

// Stage returns root child i.
func (t *Tree) Stage(i int) *Layer { return t.root.Children[i] }

// ForwardStages runs stages [from, to) on x. x is not dropped.
func (t *Tree) ForwardStages(x *ts.Tensor, from, to int, train bool) *ts.Tensor {
	if from >= to {
		return x.MustShallowClone()
	}
	out := t.Stage(from).ForwardT(x, train)
	for i := from + 1; i < to; i++ {
		next := t.Stage(i).ForwardT(out, train)
		out.MustDrop()
		out = next
	}
	return out
}
