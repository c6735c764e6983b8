package base

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/nlseg/config"
	"github.com/sugarme/nlseg/graph"
)

// Identity is a nn.Module placeholder.
// It forwards the input tensor as such.
type Identity struct{}

// Forward implement nn.Module for Identity struct
func (i *Identity) Forward(x *ts.Tensor) *ts.Tensor {
	return x.MustDetach(false)
}

// Forward implement nn.ModuleT for Identity struct.
func (i *Identity) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return x.MustDetach(false)
}

// NewIdentity creates a new Identity struct.
func NewIdentity() *Identity {
	return &Identity{}
}

// ContextBlock is a channel preserving module applied on a feature map,
// e.g. a non-local block.
type ContextBlock interface {
	ts.ModuleT
	Channels() int64
}

// Attention wraps an optional context block. Without one it is an identity.
type Attention struct {
	attn ts.ModuleT
}

func (a *Attention) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return a.attn.ForwardT(x, train)
}

// NewAttention creates a new Attention over cIn channels.
func NewAttention(cIn int64, blockOpt ...ContextBlock) (*Attention, error) {
	var attention ts.ModuleT = &Identity{}
	if len(blockOpt) > 0 && blockOpt[0] != nil {
		b := blockOpt[0]
		if b.Channels() != cIn {
			return nil, fmt.Errorf("%w: context block has %d channels, expected %d", config.ErrConfiguration, b.Channels(), cIn)
		}
		attention = b
	}

	return &Attention{attention}, nil
}

// NormType names the normalisation layer used by ConvBNReLU blocks.
type NormType string

const (
	BatchNorm     NormType = "batchnorm"
	SyncBatchNorm NormType = "sync_batchnorm"
)

// ParseNormType validates a norm type name. Synchronised batch norm runs as
// plain batch norm in a single process.
func ParseNormType(s string) (NormType, error) {
	switch NormType(s) {
	case BatchNorm, SyncBatchNorm:
		return NormType(s), nil
	case "":
		return BatchNorm, nil
	}
	return "", fmt.Errorf("%w: unsupported norm type %q", config.ErrConfiguration, s)
}

// Conv2d creates the Conv2D described by c. Stride, padding and dilation
// apply to both spatial axes.
func Conv2d(p *nn.Path, c graph.ConvSpec) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Stride = []int64{c.Stride, c.Stride}
	config.Padding = []int64{c.Padding, c.Padding}
	config.Dilation = []int64{c.Dilation, c.Dilation}
	config.Groups = c.Groups
	config.Bias = c.Bias

	return nn.NewConv2D(p, c.In, c.Out, c.Kernel, config)
}

// Conv2dInit creates Conv2D whose weights are drawn from N(0, std).
func Conv2dInit(p *nn.Path, cIn, cOut, ksize int64, bias bool, std float64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = bias
	config.WsInit = nn.NewRandnInit(0.0, std)

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}
