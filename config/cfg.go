package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/rupor-github/gencfg"
)

//go:embed config.yaml.tmpl
var ConfigTmpl []byte

type (
	// TypographyConfig describes settings that affect pagination. Changing
	// any of those requires re-slicing of resident windows.
	TypographyConfig struct {
		FontSize   float64 `yaml:"font_size" validate:"gt=4,lte=72"`
		LineHeight float64 `yaml:"line_height" validate:"gte=1,lte=3"`
		FontFamily string  `yaml:"font_family" validate:"required"`
	}

	ViewportConfig struct {
		Width  int `yaml:"width" validate:"min=200"`
		Height int `yaml:"height" validate:"min=200"`
	}

	ConveyorConfig struct {
		// Number of resident windows, kept odd so the active window can sit
		// in the center slot.
		Windows           int `yaml:"windows" validate:"min=3,max=11"`
		ChaptersPerWindow int `yaml:"chapters_per_window" validate:"min=1"`
		BoundaryCooldown  int `yaml:"boundary_cooldown_ms" validate:"min=0,max=5000"`
		SliceTimeout      int `yaml:"slice_timeout_ms" validate:"min=100"`
	}

	ReaderConfig struct {
		StylesheetPath string           `yaml:"stylesheet_path,omitempty" sanitize:"assure_file_access" validate:"omitempty,filepath"`
		PositionsPath  string           `yaml:"positions_path,omitempty" sanitize:"path_clean,assure_dir_exists_for_file" validate:"omitempty,filepath"`
		Typography     TypographyConfig `yaml:"typography"`
		Viewport       ViewportConfig   `yaml:"viewport"`
		Conveyor       ConveyorConfig   `yaml:"conveyor"`
	}

	Config struct {
		Version   int            `yaml:"version" validate:"eq=1"`
		Reader    ReaderConfig   `yaml:"reader"`
		Logging   LoggingConfig  `yaml:"logging"`
		Reporting ReporterConfig `yaml:"reporting"`
	}
)

func (c *ConveyorConfig) Cooldown() time.Duration {
	return time.Duration(c.BoundaryCooldown) * time.Millisecond
}

func (c *ConveyorConfig) Timeout() time.Duration {
	return time.Duration(c.SliceTimeout) * time.Millisecond
}

func unmarshalConfig(data []byte, cfg *Config, process bool) (*Config, error) {
	// We want to use only fields we defined so we cannot use yaml.Unmarshal
	// directly here
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration data: %w", err)
	}
	if process {
		// sanitize and validate what has been loaded
		if err := gencfg.Sanitize(cfg); err != nil {
			return nil, err
		}
		if err := gencfg.Validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadConfiguration reads the configuration from the file at the given path,
// superimposes its values on top of expanded configuration template to provide
// sane defaults and performs validation.
func LoadConfiguration(path string, options ...func(*gencfg.ProcessingOptions)) (*Config, error) {
	haveFile := len(path) > 0

	data, err := gencfg.Process(ConfigTmpl, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to process configuration template: %w", err)
	}
	cfg, err := unmarshalConfig(data, &Config{}, !haveFile)
	if err != nil {
		return nil, fmt.Errorf("failed to process configuration template: %w", err)
	}
	if !haveFile {
		return cfg, nil
	}

	// overwrite cfg values with values from the file
	data, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err = unmarshalConfig(data, cfg, haveFile)
	if err != nil {
		return nil, fmt.Errorf("failed to process configuration file: %w", err)
	}
	return cfg, nil
}

// Prepare generates configuration file from template and returns it as a byte
// slice.
func Prepare() ([]byte, error) {
	return gencfg.Process(ConfigTmpl)
}

func Dump(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(*cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config to yaml: %v", err)
	}
	return data, nil
}
