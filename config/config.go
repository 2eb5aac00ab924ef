// Package config loads codec configuration from YAML. Parsing starts from
// the defaults, so a file only needs the fields it changes; the tensor
// shape (channels, groups, per-level alphabet sizes) has no sensible
// default and must always be present.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/hupe1980/vqgo/persistence"
	"github.com/hupe1980/vqgo/quantizer"
)

// Entropy holds the usage-tracking constants.
type Entropy struct {
	// Decay is the fraction of each usage update blended into the running
	// histogram, in [0, 1].
	Decay float64 `yaml:"decay"`

	// Eps is the usage mass below which a codebook entry counts as dead.
	Eps float64 `yaml:"eps"`

	// DegenerateThreshold is the histogram mass below which the entropy
	// model substitutes a uniform distribution.
	DegenerateThreshold float64 `yaml:"degenerate_threshold"`
}

// Coder holds the entropy coder knobs.
type Coder struct {
	// SelfCheck re-decodes every compressed image and fails on mismatch.
	SelfCheck bool `yaml:"self_check"`

	// Parallelism caps concurrent per-image workers; zero means one per
	// logical CPU.
	Parallelism int `yaml:"parallelism"`
}

// Snapshot holds codec state persistence knobs.
type Snapshot struct {
	// Compression selects the snapshot section codec: none, lz4 or zstd.
	Compression string `yaml:"compression"`
}

// Codec is the full codec configuration.
type Codec struct {
	Channels int    `yaml:"channels"`
	Groups   int    `yaml:"groups"`
	K        []int  `yaml:"k"`
	Strategy string `yaml:"strategy"`
	Seed     int64  `yaml:"seed"`

	Entropy  Entropy  `yaml:"entropy"`
	Coder    Coder    `yaml:"coder"`
	Snapshot Snapshot `yaml:"snapshot"`
}

// Default returns the configuration every parse starts from. The shape
// fields stay zero and fail validation until set.
func Default() Codec {
	return Codec{
		Strategy: "residual",
		Entropy: Entropy{
			Decay:               0.01,
			Eps:                 1e-6,
			DegenerateThreshold: 1.0,
		},
		Snapshot: Snapshot{
			Compression: "zstd",
		},
	}
}

// Parse unmarshals YAML over the defaults and validates the result.
func Parse(data []byte) (*Codec, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Codec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Marshal renders the configuration back to YAML.
func (c *Codec) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: marshal: %w", err)
	}
	return data, nil
}

// Validate checks every field against its documented range.
func (c *Codec) Validate() error {
	if c.Channels <= 0 {
		return fmt.Errorf("config: channels must be positive, got %d", c.Channels)
	}
	if c.Groups <= 0 {
		return fmt.Errorf("config: groups must be positive, got %d", c.Groups)
	}
	if c.Channels%c.Groups != 0 {
		return fmt.Errorf("config: %d channels not divisible by %d groups", c.Channels, c.Groups)
	}
	if len(c.K) == 0 {
		return errors.New("config: k must list at least one level")
	}
	for lv, k := range c.K {
		if k <= 0 {
			return fmt.Errorf("config: k[%d] must be positive, got %d", lv, k)
		}
	}
	if _, err := ParseStrategy(c.Strategy); err != nil {
		return err
	}
	if c.Entropy.Decay < 0 || c.Entropy.Decay > 1 {
		return fmt.Errorf("config: entropy.decay %v outside [0, 1]", c.Entropy.Decay)
	}
	if c.Entropy.Eps <= 0 {
		return fmt.Errorf("config: entropy.eps must be positive, got %v", c.Entropy.Eps)
	}
	if c.Entropy.DegenerateThreshold < 0 {
		return fmt.Errorf("config: entropy.degenerate_threshold must not be negative, got %v", c.Entropy.DegenerateThreshold)
	}
	if c.Coder.Parallelism < 0 {
		return fmt.Errorf("config: coder.parallelism must not be negative, got %d", c.Coder.Parallelism)
	}
	if _, err := ParseCompression(c.Snapshot.Compression); err != nil {
		return err
	}
	return nil
}

// ParseStrategy maps a strategy name to its quantizer constant.
func ParseStrategy(name string) (quantizer.Strategy, error) {
	switch name {
	case "single-level":
		return quantizer.StrategySingleLevel, nil
	case "residual":
		return quantizer.StrategyResidual, nil
	case "residual-backward":
		return quantizer.StrategyResidualBackward, nil
	default:
		return 0, fmt.Errorf("config: unknown strategy %q", name)
	}
}

// ParseCompression maps a snapshot compression name to its persistence
// constant.
func ParseCompression(name string) (persistence.CompressionType, error) {
	switch name {
	case "none":
		return persistence.CompressionNone, nil
	case "lz4":
		return persistence.CompressionLZ4, nil
	case "zstd":
		return persistence.CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("config: unknown snapshot.compression %q", name)
	}
}
