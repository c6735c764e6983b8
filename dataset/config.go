// Package dataset reads segmentation samples: an image and a label map per
// sample, listed from <root>/<split>/{image,label} directories or zip
// archives.
package dataset

import (
	"fmt"

	"github.com/sugarme/nlseg/config"
)

// Image decoding tools.
const (
	// ToolPIL decodes with imaging, honouring EXIF orientation.
	ToolPIL = "pil"
	// ToolCV2 decodes with the standard image decoders.
	ToolCV2 = "cv2"
)

// Channel orders.
const (
	ModeRGB = "RGB"
	ModeBGR = "BGR"
)

// DefaultExtraRepeatBase is the size ratio between the extra and the main
// training corpus the oversampling ratio is applied to.
const DefaultExtraRepeatBase = 114646.0 / 7500.0

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	ImageTool string
	InputMode string
	// UseZipReader resolves "archive.zip@inner/dir" paths inside archives.
	UseZipReader bool
	// LabelList maps source class ids to training ids (by position).
	LabelList       []int
	ReduceZeroLabel bool
	// IncludeVal adds the val split to the train split.
	IncludeVal bool
	// ExtraRatio > 0 adds every sample of ExtraDir
	// int(ExtraRepeatBase*ExtraRatio)+1 times to the train split.
	ExtraRatio      float64
	ExtraDir        string
	ExtraRepeatBase float64
	// InputSize is the [width, height] samples are resized to. Empty keeps
	// the decoded size.
	InputSize []int
	// Images are divided by DivValue then normalised with Mean and Std.
	DivValue float64
	Mean     []float64
	Std      []float64
}

// DefaultLoaderConfig returns ImageNet normalisation on RGB images.
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		ImageTool:       ToolPIL,
		InputMode:       ModeRGB,
		ExtraDir:        "msra10k_split/train",
		ExtraRepeatBase: DefaultExtraRepeatBase,
		DivValue:        255,
		Mean:            []float64{0.485, 0.456, 0.406},
		Std:             []float64{0.229, 0.224, 0.225},
	}
}

// LoaderConfigFromConfig reads data.*, normalize.*, use_zipreader and
// extra_msrab_ratio on top of DefaultLoaderConfig.
func LoaderConfigFromConfig(cfg *config.Config) (LoaderConfig, error) {
	c := DefaultLoaderConfig()
	var err error

	if c.ImageTool, err = cfg.StringOr(c.ImageTool, "data.image_tool"); err != nil {
		return c, err
	}
	if c.InputMode, err = cfg.StringOr(c.InputMode, "data.input_mode"); err != nil {
		return c, err
	}
	if c.UseZipReader, err = cfg.BoolOr(false, "use_zipreader"); err != nil {
		return c, err
	}
	if cfg.Has("data.label_list") {
		if c.LabelList, err = cfg.Ints("data.label_list"); err != nil {
			return c, err
		}
	}
	if c.ReduceZeroLabel, err = cfg.BoolOr(false, "data.reduce_zero_label"); err != nil {
		return c, err
	}
	if c.IncludeVal, err = cfg.BoolOr(false, "data.include_val"); err != nil {
		return c, err
	}
	if c.ExtraRatio, err = cfg.FloatOr(0, "extra_msrab_ratio"); err != nil {
		return c, err
	}
	if c.ExtraDir, err = cfg.StringOr(c.ExtraDir, "data.extra_dir"); err != nil {
		return c, err
	}
	if c.ExtraRepeatBase, err = cfg.FloatOr(c.ExtraRepeatBase, "data.extra_repeat_base"); err != nil {
		return c, err
	}
	if cfg.Has("data.input_size") {
		if c.InputSize, err = cfg.Ints("data.input_size"); err != nil {
			return c, err
		}
	}
	if c.DivValue, err = cfg.FloatOr(c.DivValue, "normalize.div_value"); err != nil {
		return c, err
	}
	if cfg.Has("normalize.mean") {
		if c.Mean, err = cfg.Floats("normalize.mean"); err != nil {
			return c, err
		}
	}
	if cfg.Has("normalize.std") {
		if c.Std, err = cfg.Floats("normalize.std"); err != nil {
			return c, err
		}
	}

	return c, c.Validate()
}

// Validate checks option values.
func (c LoaderConfig) Validate() error {
	if c.ImageTool != ToolPIL && c.ImageTool != ToolCV2 {
		return fmt.Errorf("%w: unknown image tool %q", config.ErrConfiguration, c.ImageTool)
	}
	if c.InputMode != ModeRGB && c.InputMode != ModeBGR {
		return fmt.Errorf("%w: unknown input mode %q", config.ErrConfiguration, c.InputMode)
	}
	if len(c.InputSize) != 0 && (len(c.InputSize) != 2 || c.InputSize[0] < 1 || c.InputSize[1] < 1) {
		return fmt.Errorf("%w: input size must be [width, height], got %v", config.ErrConfiguration, c.InputSize)
	}
	if len(c.Mean) != 3 || len(c.Std) != 3 {
		return fmt.Errorf("%w: normalize mean and std need 3 values", config.ErrConfiguration)
	}
	for _, s := range c.Std {
		if s == 0 {
			return fmt.Errorf("%w: zero normalize std", config.ErrConfiguration)
		}
	}
	if c.DivValue == 0 {
		return fmt.Errorf("%w: zero normalize div_value", config.ErrConfiguration)
	}
	if c.ExtraRatio < 0 {
		return fmt.Errorf("%w: negative extra ratio %v", config.ErrConfiguration, c.ExtraRatio)
	}
	return nil
}
