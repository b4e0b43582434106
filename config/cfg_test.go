package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rupor-github/gencfg"
)

func TestLoadConfiguration_NoFile(t *testing.T) {
	cfg, err := LoadConfiguration("")
	if err != nil {
		t.Fatalf("LoadConfiguration() with empty path error = %v", err)
	}

	if cfg == nil {
		t.Fatal("LoadConfiguration() returned nil config")
	}

	if cfg.Version != 1 {
		t.Errorf("Default config version = %d, want 1", cfg.Version)
	}
}

func TestLoadConfiguration_WithFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `version: 1
reader:
  typography:
    font_size: 18
    line_height: 1.6
    font_family: Georgia
  viewport:
    width: 720
    height: 1080
  conveyor:
    windows: 7
    chapters_per_window: 2
    boundary_cooldown_ms: 250
    slice_timeout_ms: 2000
logging:
  console:
    level: normal
  file:
    level: debug
    destination: /tmp/test.log
    mode: append
reporting:
  destination: /tmp/test-report.zip
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := LoadConfiguration(configPath)
	if err != nil {
		t.Fatalf("LoadConfiguration() error = %v", err)
	}

	if cfg.Version != 1 {
		t.Errorf("Version = %d, want 1", cfg.Version)
	}

	if cfg.Reader.Typography.FontSize != 18 {
		t.Errorf("FontSize = %f, want 18", cfg.Reader.Typography.FontSize)
	}

	if cfg.Reader.Typography.FontFamily != "Georgia" {
		t.Errorf("FontFamily = %q, want Georgia", cfg.Reader.Typography.FontFamily)
	}

	if cfg.Reader.Viewport.Width != 720 {
		t.Errorf("Viewport.Width = %d, want 720", cfg.Reader.Viewport.Width)
	}

	if cfg.Reader.Conveyor.Windows != 7 {
		t.Errorf("Conveyor.Windows = %d, want 7", cfg.Reader.Conveyor.Windows)
	}

	if got := cfg.Reader.Conveyor.Cooldown(); got != 250*time.Millisecond {
		t.Errorf("Cooldown() = %v, want 250ms", got)
	}

	if got := cfg.Reader.Conveyor.Timeout(); got != 2*time.Second {
		t.Errorf("Timeout() = %v, want 2s", got)
	}
}

func TestLoadConfiguration_NonExistentFile(t *testing.T) {
	_, err := LoadConfiguration("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Expected error for nonexistent file")
	}
}

func TestLoadConfiguration_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `version: 1
reader:
  typography:
  invalid indent
`

	if err := os.WriteFile(configPath, []byte(invalidYAML), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	_, err := LoadConfiguration(configPath)
	if err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

func TestLoadConfiguration_UnknownFields(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "unknown.yaml")

	configWithUnknown := `version: 1
unknown_field: value
`

	if err := os.WriteFile(configPath, []byte(configWithUnknown), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	_, err := LoadConfiguration(configPath)
	if err == nil {
		t.Error("Expected error for unknown fields")
	}
}

func TestLoadConfiguration_ValidationError(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad version", "version: 2\n"},
		{"too few windows", `version: 1
reader:
  conveyor:
    windows: 2
`},
		{"tiny viewport", `version: 1
reader:
  viewport:
    width: 10
    height: 10
`},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "bad.yaml")
			if err := os.WriteFile(configPath, []byte(c.content), 0644); err != nil {
				t.Fatalf("Failed to write config file: %v", err)
			}
			if _, err := LoadConfiguration(configPath); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestLoadConfiguration_MergeWithDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "partial.yaml")

	// Partial config that only overrides some values
	partialConfig := `version: 1
reader:
  conveyor:
    windows: 7
`

	if err := os.WriteFile(configPath, []byte(partialConfig), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := LoadConfiguration(configPath)
	if err != nil {
		t.Fatalf("LoadConfiguration() error = %v", err)
	}

	if cfg.Reader.Conveyor.Windows != 7 {
		t.Errorf("Windows = %d, want 7 from config file", cfg.Reader.Conveyor.Windows)
	}

	// Defaults stay in place for unspecified fields
	if cfg.Reader.Typography.FontSize != 16 {
		t.Errorf("FontSize = %f, want default 16", cfg.Reader.Typography.FontSize)
	}

	if cfg.Reader.Typography.LineHeight != 1.4 {
		t.Errorf("LineHeight = %f, want default 1.4", cfg.Reader.Typography.LineHeight)
	}
}

func TestLoadConfiguration_WithOptions(t *testing.T) {
	option := func(opts *gencfg.ProcessingOptions) {
		// Options are opaque, just test that we can pass them
	}

	cfg, err := LoadConfiguration("", option)
	if err != nil {
		t.Fatalf("LoadConfiguration() with options error = %v", err)
	}

	if cfg == nil {
		t.Fatal("LoadConfiguration() returned nil config")
	}
}

func TestPrepare(t *testing.T) {
	data, err := Prepare()
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	if len(data) == 0 {
		t.Error("Prepare() returned empty data")
	}

	// Verify it's valid YAML by trying to unmarshal
	cfg := &Config{}
	_, err = unmarshalConfig(data, cfg, true)
	if err != nil {
		t.Errorf("Prepared config is not valid: %v", err)
	}
}

func TestDump(t *testing.T) {
	cfg := &Config{
		Version: 1,
		Reader: ReaderConfig{
			Typography: TypographyConfig{
				FontSize:   16,
				LineHeight: 1.4,
				FontFamily: "serif",
			},
			Viewport: ViewportConfig{Width: 600, Height: 800},
			Conveyor: ConveyorConfig{
				Windows:           5,
				ChaptersPerWindow: 1,
				BoundaryCooldown:  300,
				SliceTimeout:      5000,
			},
		},
	}

	data, err := Dump(cfg)
	if err != nil {
		t.Fatalf("Dump() error = %v", err)
	}

	if len(data) == 0 {
		t.Error("Dump() returned empty data")
	}

	// Verify we can load it back
	cfg2 := &Config{}
	_, err = unmarshalConfig(data, cfg2, false)
	if err != nil {
		t.Errorf("Dumped config cannot be loaded: %v", err)
	}

	if cfg2.Reader.Conveyor.Windows != cfg.Reader.Conveyor.Windows {
		t.Errorf("Windows mismatch after dump/load: got %d, want %d",
			cfg2.Reader.Conveyor.Windows, cfg.Reader.Conveyor.Windows)
	}
}

func TestConfig_DefaultValues(t *testing.T) {
	cfg, err := LoadConfiguration("")
	if err != nil {
		t.Fatalf("LoadConfiguration() error = %v", err)
	}

	if cfg.Reader.Conveyor.Windows%2 == 0 || cfg.Reader.Conveyor.Windows < 3 {
		t.Errorf("Windows = %d, want odd and at least 3", cfg.Reader.Conveyor.Windows)
	}

	if cfg.Reader.Conveyor.ChaptersPerWindow < 1 {
		t.Errorf("ChaptersPerWindow = %d, want at least 1", cfg.Reader.Conveyor.ChaptersPerWindow)
	}

	if cfg.Reader.Typography.FontSize <= 4 {
		t.Errorf("FontSize = %f, should be usable", cfg.Reader.Typography.FontSize)
	}

	if cfg.Reader.Viewport.Width < 200 || cfg.Reader.Viewport.Height < 200 {
		t.Errorf("Viewport %dx%d too small for pagination",
			cfg.Reader.Viewport.Width, cfg.Reader.Viewport.Height)
	}
}
