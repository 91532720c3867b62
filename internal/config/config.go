// Package config loads the launcher configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/gowe-launcher/internal/engine"
	"github.com/me/gowe-launcher/internal/logging"
	"github.com/me/gowe-launcher/internal/transfer"
)

// LauncherConfig holds configuration for the launcher.
type LauncherConfig struct {
	// WorkingDirectory is where launcher-<uuid> directories are created.
	WorkingDirectory string `yaml:"working-directory"`
	LogLevel         string `yaml:"log-level"`  // debug, info, warn, error
	LogFormat        string `yaml:"log-format"` // text, json

	MaxConcurrentTransfers int `yaml:"max-concurrent-transfers"`

	// TransferTimeout bounds each file transfer, EngineTimeout the whole
	// engine run. Zero means no limit.
	TransferTimeout time.Duration `yaml:"transfer-timeout"`
	EngineTimeout   time.Duration `yaml:"engine-timeout"`

	Engine EngineConfig `yaml:"engine"`
	HTTP   HTTPConfig   `yaml:"http"`
	S3     S3Config     `yaml:"s3"`

	// Notifications is a webhook URL that receives a message as each launch
	// phase starts, fails or completes. Empty disables notifications.
	Notifications        string        `yaml:"notifications"`
	NotificationsTimeout time.Duration `yaml:"notifications-timeout"`
}

// EngineConfig describes how the execution engine is invoked.
type EngineConfig struct {
	Name string `yaml:"name"`

	// Command is the argv template; see engine.CommandConfig.
	Command      []string `yaml:"command"`
	ReportMarker string   `yaml:"report-marker"`
	ReportFile   string   `yaml:"report-file"`

	// ExpressionLib is JavaScript loaded before secondaryFiles expressions.
	ExpressionLib []string `yaml:"expression-lib"`
}

// HTTPConfig holds HTTP/HTTPS transfer settings.
type HTTPConfig struct {
	Timeout      time.Duration                  `yaml:"timeout"`
	MaxRetries   int                            `yaml:"max-retries"`
	RetryDelay   time.Duration                  `yaml:"retry-delay"`
	Headers      map[string]string              `yaml:"headers"`
	Credentials  map[string]transfer.Credential `yaml:"credentials"`
	UploadMethod string                         `yaml:"upload-method"`

	// CACertPath adds a PEM CA certificate to the trust pool.
	CACertPath string `yaml:"ca-cert"`

	// InsecureSkipVerify disables certificate verification. Testing only.
	InsecureSkipVerify bool `yaml:"insecure-skip-verify"`
}

// S3Config holds S3 transfer settings.
type S3Config struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use-path-style"`
}

// DefaultLauncherConfig returns sensible defaults.
func DefaultLauncherConfig() LauncherConfig {
	return LauncherConfig{
		WorkingDirectory:       "./datastore",
		LogLevel:               "info",
		LogFormat:              "text",
		MaxConcurrentTransfers: runtime.NumCPU(),
		TransferTimeout:        30 * time.Minute,
		Engine: EngineConfig{
			Name:         "cwltool",
			Command:      engine.DefaultCommand,
			ReportMarker: engine.DefaultReportMarker,
		},
		HTTP: HTTPConfig{
			Timeout:      5 * time.Minute,
			MaxRetries:   3,
			RetryDelay:   time.Second,
			UploadMethod: "PUT",
		},
		NotificationsTimeout: 10 * time.Second,
	}
}

// Load reads a YAML configuration file over the defaults. An empty path, or
// a path that does not exist, yields the defaults.
func Load(path string) (LauncherConfig, error) {
	cfg := DefaultLauncherConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *LauncherConfig) Validate() error {
	if c.WorkingDirectory == "" {
		return errors.New("working-directory must not be empty")
	}
	if err := logging.ValidateFormat(c.LogFormat); err != nil {
		return err
	}
	if c.MaxConcurrentTransfers < 0 {
		return fmt.Errorf("max-concurrent-transfers must be >= 0, got %d", c.MaxConcurrentTransfers)
	}
	if c.TransferTimeout < 0 || c.EngineTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.Notifications != "" {
		u, err := url.Parse(c.Notifications)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("notifications must be an http(s) URL, got %q", c.Notifications)
		}
	}
	switch c.HTTP.UploadMethod {
	case "", "PUT", "POST":
	default:
		return fmt.Errorf("http.upload-method must be PUT or POST, got %q", c.HTTP.UploadMethod)
	}
	return nil
}

// EngineCommand converts the engine settings for engine.NewCommandEngine.
func (c *LauncherConfig) EngineCommand() engine.CommandConfig {
	return engine.CommandConfig{
		Name:         c.Engine.Name,
		Command:      c.Engine.Command,
		ReportMarker: c.Engine.ReportMarker,
		ReportFile:   c.Engine.ReportFile,
		Timeout:      c.EngineTimeout,
	}
}

// Transfer converts the HTTP settings for transfer.NewHTTPTransferer.
func (c *HTTPConfig) Transfer() transfer.HTTPConfig {
	return transfer.HTTPConfig{
		Timeout:      c.Timeout,
		MaxRetries:   c.MaxRetries,
		RetryDelay:   c.RetryDelay,
		Headers:      c.Headers,
		Credentials:  c.Credentials,
		UploadMethod: c.UploadMethod,
	}
}

// Transfer converts the S3 settings for transfer.NewS3Transferer.
func (c *S3Config) Transfer() transfer.S3Config {
	return transfer.S3Config{
		Region:       c.Region,
		Endpoint:     c.Endpoint,
		UsePathStyle: c.UsePathStyle,
	}
}
