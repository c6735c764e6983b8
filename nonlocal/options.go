// Package nonlocal implements the non-local context block and the
// segmentation head built around it.
package nonlocal

import (
	"fmt"

	"github.com/sugarme/nlseg/config"
)

// Whitening modes.
const (
	WhitenChannel = "channel"
	WhitenSpatial = "spatial"
)

// No weight decay groups.
const (
	NoDecayNL = "nl"
	NoDecayGC = "gc"
)

// Options configures the non-local block (keys under "nonlocal").
type Options struct {
	// Downsample max-pools keys and values (3x3, stride 2).
	Downsample bool
	// WhitenType subtracts the mean of queries and keys over the spatial
	// axis ("channel") and/or the channel axis ("spatial").
	WhitenType []string
	// WeightInitScale scales the std of the projection initialisation.
	WeightInitScale float64
	WithGC          bool
	WithNL          bool
	// NoDecay lists the parameter groups ("nl", "gc") trained without
	// weight decay.
	NoDecay []string
	// UseOut projects values to the inner width and back.
	UseOut bool
	// OutBN normalises the non-local output.
	OutBN       bool
	Temperature float64
	// Recurrence is the number of block applications in the head.
	Recurrence int
}

// DefaultOptions returns the settings used when a key is absent.
func DefaultOptions() Options {
	return Options{
		Downsample:      true,
		WhitenType:      []string{WhitenChannel},
		WeightInitScale: 1.0,
		WithNL:          true,
		NoDecay:         []string{NoDecayNL},
		Temperature:     1.0,
		Recurrence:      1,
	}
}

// OptionsFromConfig reads the "nonlocal" section of cfg on top of
// DefaultOptions and validates the result.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	o := DefaultOptions()
	var err error

	if o.Downsample, err = cfg.BoolOr(o.Downsample, "nonlocal.downsample"); err != nil {
		return o, err
	}
	if cfg.Has("nonlocal.whiten_type") {
		if o.WhitenType, err = cfg.Strings("nonlocal.whiten_type"); err != nil {
			return o, err
		}
	}
	if o.WeightInitScale, err = cfg.FloatOr(o.WeightInitScale, "nonlocal.weight_init_scale"); err != nil {
		return o, err
	}
	if o.WithGC, err = cfg.BoolOr(o.WithGC, "nonlocal.with_gc"); err != nil {
		return o, err
	}
	if o.WithNL, err = cfg.BoolOr(o.WithNL, "nonlocal.with_nl"); err != nil {
		return o, err
	}
	if cfg.Has("nonlocal.nowd") {
		if o.NoDecay, err = cfg.Strings("nonlocal.nowd"); err != nil {
			return o, err
		}
	}
	if o.UseOut, err = cfg.BoolOr(o.UseOut, "nonlocal.use_out"); err != nil {
		return o, err
	}
	if o.OutBN, err = cfg.BoolOr(o.OutBN, "nonlocal.out_bn"); err != nil {
		return o, err
	}
	if o.Temperature, err = cfg.FloatOr(o.Temperature, "nonlocal.temperature"); err != nil {
		return o, err
	}
	if o.Recurrence, err = cfg.IntOr(o.Recurrence, "nonlocal.recurrence"); err != nil {
		return o, err
	}

	return o, o.Validate()
}

// Validate checks option values.
func (o Options) Validate() error {
	if !o.WithNL && !o.WithGC {
		return fmt.Errorf("%w: nonlocal block needs with_nl or with_gc", config.ErrConfiguration)
	}
	for _, w := range o.WhitenType {
		if w != WhitenChannel && w != WhitenSpatial {
			return fmt.Errorf("%w: unknown whiten type %q", config.ErrConfiguration, w)
		}
	}
	for _, g := range o.NoDecay {
		if g != NoDecayNL && g != NoDecayGC {
			return fmt.Errorf("%w: unknown nowd group %q", config.ErrConfiguration, g)
		}
	}
	if o.WeightInitScale <= 0 {
		return fmt.Errorf("%w: weight_init_scale must be positive, got %v", config.ErrConfiguration, o.WeightInitScale)
	}
	if o.Temperature <= 0 {
		return fmt.Errorf("%w: temperature must be positive, got %v", config.ErrConfiguration, o.Temperature)
	}
	if o.Recurrence < 1 {
		return fmt.Errorf("%w: recurrence must be at least 1, got %d", config.ErrConfiguration, o.Recurrence)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
