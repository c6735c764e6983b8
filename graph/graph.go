// Package graph describes network topologies as an arena of layer records.
//
// A Graph is a plain value description of a network (kernel sizes, strides,
// dilations, channel counts, nesting). Rewrites such as dilation operate on
// a cloned Graph before any module is materialised, so a pretrained topology
// is never mutated in place.
package graph

import (
	"errors"
	"fmt"
)

// ErrStructuralMismatch is returned (wrapped) when stage indices do not fit
// the underlying topology or a rewrite cannot be applied to it.
var ErrStructuralMismatch = errors.New("structural mismatch")

// Kind is the closed set of layer variants.
type Kind int

const (
	Conv Kind = iota
	Norm
	Act
	Dropout
	Container
)

func (k Kind) String() string {
	switch k {
	case Conv:
		return "conv"
	case Norm:
		return "norm"
	case Act:
		return "act"
	case Dropout:
		return "dropout"
	case Container:
		return "container"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Activation names a pointwise non-linearity.
type Activation string

const (
	ReLU  Activation = "relu"
	ReLU6 Activation = "relu6"
)

// ConvSpec describes a 2D convolution. Kernel, stride, padding and dilation
// are square.
type ConvSpec struct {
	In       int64
	Out      int64
	Kernel   int64
	Stride   int64
	Padding  int64
	Dilation int64
	Groups   int64
	Bias     bool
}

// NormSpec describes a 2D batch normalisation.
type NormSpec struct {
	Features int64
	Eps      float64
}

// Node is one record of the arena.
type Node struct {
	ID   int
	Name string // parameter path segment, e.g. "0" or "conv"
	Kind Kind

	Conv       ConvSpec
	Norm       NormSpec
	Activation Activation
	Rate       float64 // dropout rate

	// Residual containers add their input to their output.
	Residual bool
	Children []int
}

// Graph is an arena of nodes with a single root container.
type Graph struct {
	nodes   []Node
	root    int
	dilated bool
}

// New creates a graph whose root container carries the given name.
func New(rootName string) *Graph {
	g := &Graph{}
	g.root = g.add(Node{Name: rootName, Kind: Container})
	return g
}

func (g *Graph) add(n Node) int {
	n.ID = len(g.nodes)
	g.nodes = append(g.nodes, n)
	return n.ID
}

// Root returns the root container id.
func (g *Graph) Root() int { return g.root }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns a copy of node id.
func (g *Graph) Node(id int) Node {
	n := g.nodes[id]
	n.Children = append([]int(nil), n.Children...)
	return n
}

// Children returns the child ids of a container.
func (g *Graph) Children(id int) []int {
	return append([]int(nil), g.nodes[id].Children...)
}

// Dilated reports whether a dilation rewrite has been applied.
func (g *Graph) Dilated() bool { return g.dilated }

func (g *Graph) attach(parent int, n Node) int {
	if g.nodes[parent].Kind != Container {
		panic(fmt.Sprintf("graph: node %d (%v) cannot hold children", parent, g.nodes[parent].Kind))
	}
	id := g.add(n)
	g.nodes[parent].Children = append(g.nodes[parent].Children, id)
	return id
}

// AddConv appends a convolution to a container.
func (g *Graph) AddConv(parent int, name string, spec ConvSpec) int {
	if spec.Dilation == 0 {
		spec.Dilation = 1
	}
	if spec.Groups == 0 {
		spec.Groups = 1
	}
	if spec.Stride == 0 {
		spec.Stride = 1
	}
	return g.attach(parent, Node{Name: name, Kind: Conv, Conv: spec})
}

// AddNorm appends a batch normalisation to a container.
func (g *Graph) AddNorm(parent int, name string, features int64) int {
	return g.attach(parent, Node{Name: name, Kind: Norm, Norm: NormSpec{Features: features, Eps: 1e-5}})
}

// AddAct appends an activation to a container.
func (g *Graph) AddAct(parent int, name string, a Activation) int {
	return g.attach(parent, Node{Name: name, Kind: Act, Activation: a})
}

// AddDropout appends a channel dropout to a container.
func (g *Graph) AddDropout(parent int, name string, rate float64) int {
	return g.attach(parent, Node{Name: name, Kind: Dropout, Rate: rate})
}

// AddContainer appends a sequential container to a container.
func (g *Graph) AddContainer(parent int, name string, residual bool) int {
	return g.attach(parent, Node{Name: name, Kind: Container, Residual: residual})
}

// NumStages returns the number of direct children of the root. Backbones
// use root children as their stage sequence.
func (g *Graph) NumStages() int { return len(g.nodes[g.root].Children) }

// Stage returns the node id of stage i.
func (g *Graph) Stage(i int) (int, error) {
	if i < 0 || i >= g.NumStages() {
		return 0, fmt.Errorf("%w: stage %d out of range [0, %d)", ErrStructuralMismatch, i, g.NumStages())
	}
	return g.nodes[g.root].Children[i], nil
}

// Clone returns a deep copy; the two graphs share no slices.
func (g *Graph) Clone() *Graph {
	c := &Graph{root: g.root, dilated: g.dilated, nodes: make([]Node, len(g.nodes))}
	for i, n := range g.nodes {
		n.Children = append([]int(nil), n.Children...)
		c.nodes[i] = n
	}
	return c
}

// Truncate returns a copy whose root keeps only the first n stages.
// Nodes of dropped stages stay in the arena but are unreachable.
func (g *Graph) Truncate(n int) (*Graph, error) {
	if n < 0 || n > g.NumStages() {
		return nil, fmt.Errorf("%w: cannot keep %d of %d stages", ErrStructuralMismatch, n, g.NumStages())
	}
	c := g.Clone()
	c.nodes[c.root].Children = c.nodes[c.root].Children[:n]
	return c, nil
}

// Walk visits id and all its descendants in pre-order using an explicit
// stack. Returning false from fn skips the node's children.
func (g *Graph) Walk(id int, fn func(n *Node) bool) {
	stack := []int{id}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &g.nodes[top]
		if !fn(n) {
			continue
		}
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
}

// ConvBNAct appends a container holding conv, norm and activation named
// "0", "1" and "2", the layout of torch's nn.Sequential.
func (g *Graph) ConvBNAct(parent int, name string, spec ConvSpec, act Activation) int {
	c := g.AddContainer(parent, name, false)
	g.AddConv(c, "0", spec)
	g.AddNorm(c, "1", spec.Out)
	g.AddAct(c, "2", act)
	return c
}
