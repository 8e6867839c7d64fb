package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

const (
	DefaultBindAddress             = "0.0.0.0"
	DefaultPort                    = 8000
	DefaultAssetPrefix             = "/assets/"
	DefaultGracefulShutdownTimeout = 10 * time.Second
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server    *ServerConfig    `json:"server,omitempty" toml:"server,omitempty" yaml:"server,omitempty"`
	Assets    *AssetsConfig    `json:"assets,omitempty" toml:"assets,omitempty" yaml:"assets,omitempty"`
	Templates *TemplatesConfig `json:"templates,omitempty" toml:"templates,omitempty" yaml:"templates,omitempty"`
	Logging   *LoggingConfig   `json:"logging,omitempty" toml:"logging,omitempty" yaml:"logging,omitempty"`

	originalFilePath string
}

// ServerConfig holds the listener settings and the served root. It is fixed
// once the server starts.
type ServerConfig struct {
	RootDirectory           string    `json:"root_directory,omitempty" toml:"root_directory,omitempty" yaml:"root_directory,omitempty"`
	BindAddress             *string   `json:"bind_address,omitempty" toml:"bind_address,omitempty" yaml:"bind_address,omitempty"`
	Port                    *int      `json:"port,omitempty" toml:"port,omitempty" yaml:"port,omitempty"`
	Compress                *bool     `json:"compress,omitempty" toml:"compress,omitempty" yaml:"compress,omitempty"`
	GracefulShutdownTimeout *Duration `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty" yaml:"graceful_shutdown_timeout,omitempty"` // e.g., "30s"
}

// AssetsConfig configures the bundled static assets (stylesheets, scripts,
// images). Directory overrides the embedded asset tree when set.
type AssetsConfig struct {
	Prefix        string            `json:"prefix,omitempty" toml:"prefix,omitempty" yaml:"prefix,omitempty"`
	Directory     string            `json:"directory,omitempty" toml:"directory,omitempty" yaml:"directory,omitempty"`
	MimeTypes     map[string]string `json:"mime_types,omitempty" toml:"mime_types,omitempty" yaml:"mime_types,omitempty"`
	MimeTypesPath *string           `json:"mime_types_path,omitempty" toml:"mime_types_path,omitempty" yaml:"mime_types_path,omitempty"`
}

// TemplatesConfig points at a directory holding index.html, listing.html and
// notfound.html. The embedded templates are used when Directory is empty.
type TemplatesConfig struct {
	Directory string `json:"directory,omitempty" toml:"directory,omitempty" yaml:"directory,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty" yaml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty" yaml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty" yaml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	Target         *string  `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
	Format         string   `json:"format,omitempty" toml:"format,omitempty" yaml:"format,omitempty"`
	TrustedProxies []string `json:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty" yaml:"trusted_proxies,omitempty"`
	RealIPHeader   *string  `json:"real_ip_header,omitempty" toml:"real_ip_header,omitempty" yaml:"real_ip_header,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
}

// ConfigError reports a problem with a configuration file or value.
type ConfigError struct {
	FilePath string
	Message  string
	Err      error
}

func (e *ConfigError) Error() string {
	var sb strings.Builder
	sb.WriteString("config error")
	if e.FilePath != "" {
		sb.WriteString(" in ")
		sb.WriteString(e.FilePath)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Duration wraps time.Duration so it can be written as "10s" in every
// supported file format.
type Duration struct {
	d time.Duration
}

// NewDuration returns a Duration holding d.
func NewDuration(d time.Duration) *Duration { return &Duration{d: d} }

func (d Duration) Value() time.Duration { return d.d }

func (d Duration) String() string { return d.d.String() }

// UnmarshalText parses a positive Go duration string. TOML and YAML decoders
// use it directly.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		return fmt.Errorf("duration string cannot be empty")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration string %q: %w", s, err)
	}
	if v <= 0 {
		return fmt.Errorf("duration must be positive, got %q", s)
	}
	d.d = v
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return d.UnmarshalText(nil)
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration should be a string, got %s", string(b))
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.d.String()), nil
}

// IsFilePath reports whether a log target names a file rather than a
// standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

// ExpandHome replaces a leading "~" with the current user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot expand %q: %w", path, err)
	}
	return filepath.Join(home, path[1:]), nil
}

// ResolveRootDirectory expands, absolutizes and checks the directory to
// serve. A missing or non-directory path is a ConfigError.
func ResolveRootDirectory(dir string) (string, error) {
	if dir == "" {
		return "", &ConfigError{Message: "root directory must be provided"}
	}
	expanded, err := ExpandHome(dir)
	if err != nil {
		return "", &ConfigError{Message: "invalid root directory", Err: err}
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", &ConfigError{Message: fmt.Sprintf("cannot resolve root directory %q", dir), Err: err}
	}
	fi, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &ConfigError{Message: fmt.Sprintf("directory %q does not exist", abs)}
		}
		return "", &ConfigError{Message: fmt.Sprintf("cannot access root directory %q", abs), Err: err}
	}
	if !fi.IsDir() {
		return "", &ConfigError{Message: fmt.Sprintf("%q is not a directory", abs)}
	}
	return filepath.Clean(abs), nil
}

// OriginalFilePath returns the path the configuration was loaded from, or ""
// when it was built programmatically.
func (c *Config) OriginalFilePath() string {
	if c == nil {
		return ""
	}
	return c.originalFilePath
}

// ListenAddress is the host:port pair handed to net.Listen.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(*c.Server.BindAddress, strconv.Itoa(*c.Server.Port))
}

// BaseURL is the absolute URL prefix shown as the current location in
// directory listings, e.g. "http://0.0.0.0:8000".
func (c *Config) BaseURL() string {
	return "http://" + c.ListenAddress()
}

// CompressionEnabled reports whether responses are gzip-encoded on request.
func (c *Config) CompressionEnabled() bool {
	return c.Server != nil && c.Server.Compress != nil && *c.Server.Compress
}

// ShutdownTimeout returns the graceful shutdown window.
func (c *Config) ShutdownTimeout() time.Duration {
	if c.Server == nil || c.Server.GracefulShutdownTimeout == nil {
		return DefaultGracefulShutdownTimeout
	}
	return c.Server.GracefulShutdownTimeout.Value()
}
