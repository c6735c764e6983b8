package backbone

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/sugarme/gotch/nn"

	"github.com/sugarme/nlseg/base"
	"github.com/sugarme/nlseg/config"
	"github.com/sugarme/nlseg/pretrained"
)

// Arch names a backbone variant.
type Arch string

const (
	Base      Arch = "base"
	Dilated8  Arch = "dilated-8"
	Dilated16 Arch = "dilated-16"
	Pyramid   Arch = "fpn"
)

// weightArch is the key pretrained weights are stored under.
const weightArch = "mobilenetv2"

var archAliases = map[string]Arch{
	"base":                  Base,
	"mobilenetv2":           Base,
	"dilated-8":             Dilated8,
	"mobilenetv2_dilated8":  Dilated8,
	"dilated-16":            Dilated16,
	"mobilenetv2_dilated16": Dilated16,
	"fpn":                   Pyramid,
	"mobilenetv2_fpn":       Pyramid,
}

// ParseArch resolves a backbone name or alias.
func ParseArch(name string) (Arch, error) {
	a, ok := archAliases[name]
	if !ok {
		return "", fmt.Errorf("%w: unknown backbone %q", config.ErrConfiguration, name)
	}
	return a, nil
}

// Options selects and initialises a backbone.
type Options struct {
	Name       string
	Pretrained bool
	NormType   string
	// Store resolves pretrained weights. Required when Pretrained is set.
	Store pretrained.Store
}

// OptionsFromConfig reads network.backbone, network.pretrained and
// network.norm_type. The weight store is left to the caller.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	var (
		opts Options
		err  error
	)
	if opts.Name, err = cfg.String("network.backbone"); err != nil {
		return opts, err
	}
	if opts.Pretrained, err = cfg.BoolOr(false, "network.pretrained"); err != nil {
		return opts, err
	}
	if opts.NormType, err = cfg.StringOr("batchnorm", "network.norm_type"); err != nil {
		return opts, err
	}
	return opts, nil
}

// Build creates the backbone named by opts under vs at prefix and, when
// asked, loads pretrained weights into its "features" scope.
func Build(ctx context.Context, vs *nn.VarStore, prefix string, opts Options) (FeatureExtractor, error) {
	arch, err := ParseArch(opts.Name)
	if err != nil {
		return nil, err
	}
	if _, err := base.ParseNormType(opts.NormType); err != nil {
		return nil, err
	}

	p := vs.Root()
	if prefix != "" {
		p = p.Sub(prefix)
	}

	g := featureGraph()
	var fe FeatureExtractor
	switch arch {
	case Base:
		fe, err = NewMobileNetV2(p, g)
	case Dilated8:
		fe, err = NewDilated(p, g, 8)
	case Dilated16:
		fe, err = NewDilated(p, g, 16)
	case Pyramid:
		fe, err = NewFPN(p, g)
	}
	if err != nil {
		return nil, err
	}
	log.Infof("backbone: built %s (%d stages)", arch, g.NumStages())

	if !opts.Pretrained {
		return fe, nil
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: pretrained backbone requested without a weight store", config.ErrConfiguration)
	}
	path, err := opts.Store.Fetch(ctx, weightArch)
	if err != nil {
		return nil, err
	}
	if err := pretrained.Load(vs, prefix, "features", path); err != nil {
		return nil, err
	}
	log.Infof("backbone: loaded pretrained weights from %s", path)

	return fe, nil
}
