package display

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// OutputFormat selects how results are printed
type OutputFormat string

const (
	FormatTable   OutputFormat = "table"
	FormatJSON    OutputFormat = "json"
	FormatYAML    OutputFormat = "yaml"
	FormatCompact OutputFormat = "compact"
)

// Formats lists every supported output format
var Formats = []OutputFormat{FormatTable, FormatJSON, FormatYAML, FormatCompact}

// Config holds configuration for visual display options
type Config struct {
	ColorEnabled  bool   `mapstructure:"color_enabled" yaml:"color_enabled"`
	Theme         string `mapstructure:"theme" yaml:"theme"`
	OutputFormat  string `mapstructure:"output_format" yaml:"output_format"`
	UseIcons      bool   `mapstructure:"use_icons" yaml:"use_icons"`
	Quiet         bool   `mapstructure:"quiet" yaml:"quiet"`
	MaxTableWidth int    `mapstructure:"max_table_width" yaml:"max_table_width"`

	Writer    io.Writer `mapstructure:"-" yaml:"-"`
	ErrWriter io.Writer `mapstructure:"-" yaml:"-"`
}

// DefaultConfig returns the default display configuration
func DefaultConfig() *Config {
	cfg := &Config{ColorEnabled: true, UseIcons: true}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for unspecified configuration options
func (c *Config) SetDefaults() {
	if c.Theme == "" {
		c.Theme = "dark"
	}
	if c.OutputFormat == "" {
		c.OutputFormat = string(FormatTable)
	}
	if c.MaxTableWidth == 0 {
		c.MaxTableWidth = 160
	}
	if c.Writer == nil {
		c.Writer = os.Stdout
	}
	if c.ErrWriter == nil {
		c.ErrWriter = os.Stderr
	}
}

// Validate validates the display configuration
func (c *Config) Validate() error {
	var errs []error

	switch c.Theme {
	case "dark", "light", "high-contrast":
	default:
		errs = append(errs, fmt.Errorf("invalid theme '%s', must be one of: dark, light, high-contrast", c.Theme))
	}

	valid := false
	names := make([]string, 0, len(Formats))
	for _, format := range Formats {
		names = append(names, string(format))
		if string(format) == c.OutputFormat {
			valid = true
		}
	}
	if !valid {
		errs = append(errs, fmt.Errorf("invalid output format '%s', must be one of: %s", c.OutputFormat, strings.Join(names, ", ")))
	}

	if c.MaxTableWidth < 40 || c.MaxTableWidth > 300 {
		errs = append(errs, fmt.Errorf("max table width must be between 40 and 300, got %d", c.MaxTableWidth))
	}

	if len(errs) > 0 {
		return fmt.Errorf("display configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}
