// pkg/config/config.go - configuration settings for autopackager.
//
// Values are layered: built-in defaults, then the YAML config file (when it
// exists), then AUTOPACKAGER_* environment variables. CLI flags are applied on
// top by the caller.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables that override config keys,
// e.g. AUTOPACKAGER_TENANT_ID sets tenant_id.
const EnvPrefix = "AUTOPACKAGER_"

// ErrMissingCredentials is returned when the upload pass has no tenant credentials.
var ErrMissingCredentials = errors.New("missing tenant credentials")

// Configuration holds the configurable options for autopackager
type Configuration struct {
	RepoPath     string `koanf:"repo_path"`     // Root of the per-application archive directories
	CatalogPath  string `koanf:"catalog_path"`  // Optional descriptor override file; empty uses the built-in catalog
	LogsPath     string `koanf:"logs_path"`     // Base directory for timestamped run logs
	PackagerPath string `koanf:"packager_path"` // IntuneWinAppUtil.exe
	LogLevel     string `koanf:"log_level"`

	TenantID     string `koanf:"tenant_id"`
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	GitHubToken  string `koanf:"github_token"`

	GraphBaseURL string `koanf:"graph_base_url"`
	LoginBaseURL string `koanf:"login_base_url"`

	HTTPTimeout     time.Duration `koanf:"http_timeout"`
	HTTPRetries     int           `koanf:"http_retries"`
	DownloadRetries int           `koanf:"download_retries"`

	// Verification of creates that reported an error
	VerifyAttempts     int           `koanf:"verify_attempts"`
	VerifyInitialDelay time.Duration `koanf:"verify_initial_delay"`
	VerifyMultiplier   float64       `koanf:"verify_multiplier"`

	CommitPollInterval time.Duration `koanf:"commit_poll_interval"`
	CommitTimeout      time.Duration `koanf:"commit_timeout"`

	KeepLogRuns int `koanf:"keep_log_runs"`
}

// dataRoot is the machine-wide base directory for repo and logs.
func dataRoot() string {
	if programData := os.Getenv("ProgramData"); programData != "" {
		return filepath.Join(programData, "AutoPackager")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".autopackager")
	}
	return ".autopackager"
}

// DefaultConfigPath is where LoadConfig looks when no path is given.
func DefaultConfigPath() string {
	return filepath.Join(dataRoot(), "config.yaml")
}

// GetDefaultConfig provides default configuration values.
func GetDefaultConfig() *Configuration {
	root := dataRoot()
	return &Configuration{
		RepoPath:           filepath.Join(root, "repo"),
		LogsPath:           filepath.Join(root, "logs"),
		PackagerPath:       filepath.Join(root, "tools", "IntuneWinAppUtil.exe"),
		LogLevel:           "info",
		GraphBaseURL:       "https://graph.microsoft.com/beta",
		LoginBaseURL:       "https://login.microsoftonline.com",
		HTTPTimeout:        60 * time.Second,
		HTTPRetries:        3,
		DownloadRetries:    3,
		VerifyAttempts:     4,
		VerifyInitialDelay: 15 * time.Second,
		VerifyMultiplier:   2,
		CommitPollInterval: 5 * time.Second,
		CommitTimeout:      10 * time.Minute,
		KeepLogRuns:        20,
	}
}

func defaultsMap() map[string]interface{} {
	d := GetDefaultConfig()
	return map[string]interface{}{
		"repo_path":            d.RepoPath,
		"catalog_path":         d.CatalogPath,
		"logs_path":            d.LogsPath,
		"packager_path":        d.PackagerPath,
		"log_level":            d.LogLevel,
		"graph_base_url":       d.GraphBaseURL,
		"login_base_url":       d.LoginBaseURL,
		"http_timeout":         d.HTTPTimeout,
		"http_retries":         d.HTTPRetries,
		"download_retries":     d.DownloadRetries,
		"verify_attempts":      d.VerifyAttempts,
		"verify_initial_delay": d.VerifyInitialDelay,
		"verify_multiplier":    d.VerifyMultiplier,
		"commit_poll_interval": d.CommitPollInterval,
		"commit_timeout":       d.CommitTimeout,
		"keep_log_runs":        d.KeepLogRuns,
	}
}

// LoadConfig loads the configuration. An empty path means DefaultConfigPath;
// a missing default file is not an error, a missing explicit file is.
func LoadConfig(path string) (*Configuration, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultsMap(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("configuration file %s: %w", path, err)
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	var cfg Configuration
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.RepoPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create repo directory: %w", err)
	}
	return &cfg, nil
}

// ValidateCredentials reports which tenant credentials are missing.
func (c *Configuration) ValidateCredentials() error {
	var missing []string
	if c.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if c.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}
