package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ContentFilter selects which quote ratings are eligible for display.
type ContentFilter string

const (
	FilterAll  ContentFilter = "all"
	FilterSFW  ContentFilter = "sfw"
	FilterNSFW ContentFilter = "nsfw"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the Web UI/API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration. The refresh loop
// re-reads it at the start of every cycle; the web interface writes it.
type Config struct {
	// Listen is the HTTP listen address for the Web UI and API.
	Listen string `yaml:"listen" json:"listen"`

	// QuotesPath is the pipe-delimited quote source file.
	QuotesPath string `yaml:"quotes_path" json:"quotes_path"`

	// LogFile, when set, mirrors all log output into a file.
	LogFile string `yaml:"log_file" json:"log_file"`

	// UpdateInterval is the display refresh cadence in seconds.
	UpdateInterval int `yaml:"update_interval" json:"update_interval"`

	// FontSize is the quote body text size in pixels.
	FontSize int `yaml:"font_size" json:"font_size"`

	// ShowBookInfo toggles the book title line under the quote.
	ShowBookInfo bool `yaml:"show_book_info" json:"show_book_info"`

	// ShowAuthor toggles the author on the attribution line. It has no
	// effect when ShowBookInfo is false.
	ShowAuthor bool `yaml:"show_author" json:"show_author"`

	// ContentFilter restricts which quote ratings may be displayed.
	ContentFilter ContentFilter `yaml:"content_filter" json:"content_filter"`

	// DisplayBrightness (0-100) is a contrast hint. The panel is bistable,
	// so this feeds the pre-pack ink threshold rather than any backlight.
	DisplayBrightness int `yaml:"display_brightness" json:"display_brightness"`

	// MaintenanceCron schedules the nightly full clear that keeps
	// tri-color panels from ghosting. Empty disables it.
	MaintenanceCron string `yaml:"maintenance_cron" json:"maintenance_cron"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration. The numeric
// defaults match the original deployment (10 minute cadence, 40px body).
func DefaultConfig() *Config {
	return &Config{
		Listen:            "127.0.0.1:8080",
		QuotesPath:        "/var/lib/litclock/quotes.csv",
		LogFile:           "",
		UpdateInterval:    600,
		FontSize:          40,
		ShowBookInfo:      true,
		ShowAuthor:        true,
		ContentFilter:     FilterAll,
		DisplayBrightness: 100,
		MaintenanceCron:   "0 3 * * *",
		BasicAuth:         nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., hand-edited files) still behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.QuotesPath == "" {
		c.QuotesPath = "/var/lib/litclock/quotes.csv"
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = 600
	}
	if c.FontSize <= 0 {
		c.FontSize = 40
	}
	switch c.ContentFilter {
	case FilterAll, FilterSFW, FilterNSFW:
	default:
		c.ContentFilter = FilterAll
	}
	// 0 is a legal brightness (the lightest ink threshold), so only the
	// out-of-range ends are clamped. Absent keys pick up the default in
	// Load, which unmarshals over DefaultConfig.
	if c.DisplayBrightness < 0 {
		c.DisplayBrightness = 0
	}
	if c.DisplayBrightness > 100 {
		c.DisplayBrightness = 100
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written there
//     (parent dir created, 0600 perms) and returned.
//   - Otherwise the YAML is unmarshalled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	// Unmarshal over the defaults: keys absent from the file keep their
	// default values, while an explicit zero stays zero.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

// Save writes the configuration atomically (temp file + rename) with
// 0600 permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".litclock-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save writes c to path. See the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
