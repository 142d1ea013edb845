// Package config loads and validates the quantification configuration and
// the declarative ontology rule files. Configuration is loaded once per run
// into immutable values passed explicitly to every component.
package config

import (
	"fmt"

	"histoquant/pkg/domain"
)

// Config is the recognized option set for one quantification run.
type Config struct {
	ObjectType      string              `yaml:"object_type"`
	SegmentationTag string              `yaml:"segmentation_tag"`
	Atlas           AtlasConfig         `yaml:"atlas"`
	Channels        NamesColors         `yaml:"channels"`
	Hemispheres     NamesColors         `yaml:"hemispheres"`
	Distributions   DistributionsConfig `yaml:"distributions"`
	Regions         RegionsConfig       `yaml:"regions"`
}

// AtlasConfig identifies the reference atlas and its display hints.
type AtlasConfig struct {
	Name              string   `yaml:"name"`
	Type              string   `yaml:"type"`
	Midline           float64  `yaml:"midline"`
	OutlineStructures []string `yaml:"outline_structures"`
}

// NamesColors maps raw identifiers (for example "cy5") to display names,
// and display names to colors.
type NamesColors struct {
	Names  map[string]string `yaml:"names"`
	Colors map[string]string `yaml:"colors"`
}

// AxisConfig defines the 1-D histogram range and bin count for one axis.
type AxisConfig struct {
	Lim   [2]float64 `yaml:"lim"`
	NBins int        `yaml:"nbins"`
}

// DistributionsConfig configures the spatial-distribution stage.
type DistributionsConfig struct {
	Stereo     bool                 `yaml:"stereo"`
	AP         AxisConfig           `yaml:"ap"`
	DV         AxisConfig           `yaml:"dv"`
	ML         AxisConfig           `yaml:"ml"`
	Hue        string               `yaml:"hue"`
	HueFilter  []string             `yaml:"hue_filter"`
	CommonNorm bool                 `yaml:"common_norm"`
	Display    DistributionsDisplay `yaml:"display"`
}

// DistributionsDisplay holds rendering hints carried through to output
// metadata; the engine itself never draws.
type DistributionsDisplay struct {
	ShowInjection bool       `yaml:"show_injection"`
	Cmap          string     `yaml:"cmap"`
	CmapNBins     int        `yaml:"cmap_nbins"`
	CmapLim       [2]float64 `yaml:"cmap_lim"`
}

// RegionsConfig configures the region-metrics stage.
type RegionsConfig struct {
	BaseMeasurement       string            `yaml:"base_measurement"`
	Hue                   string            `yaml:"hue"`
	HueFilter             []string          `yaml:"hue_filter"`
	HueMirror             bool              `yaml:"hue_mirror"`
	NormalizeStarterCells bool              `yaml:"normalize_starter_cells"`
	Metrics               map[string]string `yaml:"metrics"`
	Display               RegionsDisplay    `yaml:"display"`
}

// RegionsDisplay holds region-plot hints carried through to output metadata.
type RegionsDisplay struct {
	NRegions    int               `yaml:"nregions"`
	Orientation string            `yaml:"orientation"`
	Order       string            `yaml:"order"`
	Dodge       bool              `yaml:"dodge"`
	LogScale    bool              `yaml:"log_scale"`
	Metrics     map[string]string `yaml:"metrics"`
}

// Validate checks recognized options before any animal is processed.
func (c *Config) Validate() error {
	if c.SegmentationTag == "" {
		return domain.ConfigError{Option: "segmentation_tag", Reason: "required"}
	}
	if c.Regions.BaseMeasurement == "" {
		return domain.ConfigError{Option: "regions.base_measurement", Reason: "required"}
	}
	if err := validateHue("regions.hue", c.Regions.Hue); err != nil {
		return err
	}
	if err := validateHue("distributions.hue", c.Distributions.Hue); err != nil {
		return err
	}
	for name, axis := range map[string]AxisConfig{
		"distributions.ap": c.Distributions.AP,
		"distributions.dv": c.Distributions.DV,
		"distributions.ml": c.Distributions.ML,
	} {
		if axis.NBins <= 0 {
			return domain.ConfigError{Option: name + ".nbins", Reason: "must be positive"}
		}
		if axis.Lim[1] <= axis.Lim[0] {
			return domain.ConfigError{Option: name + ".lim", Reason: "max must exceed min"}
		}
	}
	if c.Distributions.Display.CmapNBins < 0 {
		return domain.ConfigError{Option: "distributions.display.cmap_nbins", Reason: "must not be negative"}
	}
	// With a retain-everything filter the two-hue requirement depends on
	// the data, so the calculator enforces it at run time instead.
	if c.Regions.HueMirror && !domain.HueFilterAll(c.Regions.HueFilter) && len(c.Regions.HueFilter) != 2 {
		return domain.ConfigError{Option: "regions.hue_mirror", Reason: "needs exactly two hue_filter values"}
	}
	return nil
}

func validateHue(option, hue string) error {
	switch hue {
	case "", "channel", "hemisphere":
		return nil
	default:
		return domain.ConfigError{Option: option, Reason: fmt.Sprintf("unknown hue mode %q", hue)}
	}
}

// ChannelName maps a raw channel identifier to its display name, falling
// back to the identifier itself.
func (c *Config) ChannelName(raw string) string {
	if name, ok := c.Channels.Names[raw]; ok {
		return name
	}
	return raw
}
