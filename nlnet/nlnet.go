// Package nlnet assembles the non-local segmentation network: a MobileNetV2
// backbone, a deep supervision branch and a non-local head.
package nlnet

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/nlseg/backbone"
	"github.com/sugarme/nlseg/base"
	"github.com/sugarme/nlseg/config"
	"github.com/sugarme/nlseg/fuse"
	"github.com/sugarme/nlseg/loss"
	"github.com/sugarme/nlseg/nonlocal"
	"github.com/sugarme/nlseg/pretrained"
)

const (
	dsnChannels  = 64
	headChannels = 512

	backbonePrefix = "backbone"
	dsnPrefix      = "dsn"
	headPrefix     = "nlm"
)

// Batch is the network input. Labelmap is required in the train phase.
type Batch struct {
	Img      *ts.Tensor // [N 3 H W] float
	Labelmap *ts.Tensor // [N H W] int64
}

// Output holds both predictions at input resolution and, in the train
// phase, the loss request.
type Output struct {
	DSN  *ts.Tensor
	Out  *ts.Tensor
	Loss loss.Request
}

// MustDrop releases the prediction tensors.
func (o *Output) MustDrop() {
	o.DSN.MustDrop()
	o.Out.MustDrop()
}

// Network is the non-local segmentation network.
type Network struct {
	backbone backbone.FeatureExtractor
	dsn      *base.Tree
	head     *nonlocal.Head

	phase   config.Phase
	classes int64
	// valid maps the loss entries built in the train phase to their weight.
	valid map[string]float64
}

// New builds the network described by cfg under vs. store resolves
// pretrained backbone weights and may be nil when network.pretrained is
// false.
func New(ctx context.Context, vs *nn.VarStore, cfg *config.Config, store pretrained.Store) (*Network, error) {
	phase, err := cfg.Phase()
	if err != nil {
		return nil, err
	}
	classes, err := cfg.Int("data.num_classes")
	if err != nil {
		return nil, err
	}
	if classes < 1 {
		return nil, fmt.Errorf("%w: data.num_classes must be positive, got %d", config.ErrConfiguration, classes)
	}

	var valid map[string]float64
	if phase == config.PhaseTrain {
		if valid, err = loss.ValidWeights(cfg); err != nil {
			return nil, err
		}
	}

	bopts, err := backbone.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	bopts.Store = store
	fe, err := backbone.Build(ctx, vs, backbonePrefix, bopts)
	if err != nil {
		return nil, err
	}

	nlopts, err := nonlocal.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	root := vs.Root()
	head, err := nonlocal.NewHead(root.Sub(headPrefix), fe.NumFeatures(), headChannels, int64(classes), nlopts)
	if err != nil {
		return nil, err
	}

	net := &Network{
		backbone: fe,
		dsn:      base.NewSegmentationHead(root.Sub(dsnPrefix), fe.DSNFeatures(), dsnChannels, int64(classes)),
		head:     head,
		phase:    phase,
		classes:  int64(classes),
		valid:    valid,
	}
	log.Infof("nlnet: %s backbone, %d classes, phase %s, losses %v", bopts.Name, classes, phase, valid)

	return net, nil
}

// Forward runs the network. Both outputs are bilinearly upsampled (aligned
// corners) to the input size. In the train phase the output carries a loss
// request with one entry per valid loss.
func (n *Network) Forward(b Batch, train bool) (*Output, error) {
	if b.Img == nil {
		return nil, fmt.Errorf("%w: batch has no image", config.ErrConfiguration)
	}
	if n.phase == config.PhaseTrain && b.Labelmap == nil {
		return nil, fmt.Errorf("%w: train phase batch has no labelmap", config.ErrConfiguration)
	}
	size := b.Img.MustSize()[2:]

	features := n.backbone.ForwardAll(b.Img, train)
	aux := n.dsn.ForwardT(features[0], train)
	main, err := n.head.Forward(features[1], train)
	for _, f := range features {
		f.MustDrop()
	}
	if err != nil {
		aux.MustDrop()
		return nil, err
	}

	out := &Output{
		DSN: base.Upsample(aux, size, true),
		Out: base.Upsample(main, size, true),
	}
	aux.MustDrop()
	main.MustDrop()

	if n.phase != config.PhaseTrain {
		return out, nil
	}

	out.Loss = make(loss.Request, len(n.valid))
	for name, weight := range n.valid {
		kind, err := loss.EntryKind(name)
		if err != nil {
			out.MustDrop()
			return nil, err
		}
		pred := out.Out
		if name == loss.DSNCELoss {
			pred = out.DSN
		}
		out.Loss[name] = loss.Entry{Pred: pred, Target: b.Labelmap, Kind: kind, Weight: weight}
	}

	return out, nil
}

// Phase returns the phase the network was built for.
func (n *Network) Phase() config.Phase { return n.phase }

// NumClasses returns the number of output channels.
func (n *Network) NumClasses() int64 { return n.classes }

// Trees returns every conv/bn tree of the network.
func (n *Network) Trees() []*base.Tree {
	trees := append([]*base.Tree(nil), n.backbone.Trees()...)
	trees = append(trees, n.dsn)
	return append(trees, n.head.Trees()...)
}

// Fuse folds batch norms into the preceding convolutions. The network is
// inference only afterwards.
func (n *Network) Fuse() (int, error) {
	return fuse.Trees(n.Trees())
}

// NoDecayPrefixes returns variable name prefixes trained without weight
// decay.
func (n *Network) NoDecayPrefixes() []string {
	var prefixes []string
	for _, p := range n.head.NoDecayPrefixes() {
		prefixes = append(prefixes, headPrefix+"."+p)
	}
	return prefixes
}
