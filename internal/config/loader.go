package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads a configuration file, applies defaults and validates it.
// The format is chosen by extension (.json, .toml, .yaml, .yml); any other
// extension is tried as JSON, then TOML.
func LoadConfig(filePath string) (*Config, error) {
	if filePath == "" {
		return nil, &ConfigError{Message: "configuration file path cannot be empty"}
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, &ConfigError{FilePath: filePath, Message: "failed to read configuration file", Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ConfigError{FilePath: filePath, Message: "configuration file is empty"}
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".json":
		err = decodeJSON(data, cfg)
	case ".toml":
		err = decodeTOML(data, cfg)
	case ".yaml", ".yml":
		err = decodeYAML(data, cfg)
	default:
		if jsonErr := decodeJSON(data, cfg); jsonErr != nil {
			cfg = &Config{}
			if tomlErr := decodeTOML(data, cfg); tomlErr != nil {
				return nil, &ConfigError{
					FilePath: filePath,
					Message:  "failed to auto-detect configuration format (tried JSON and TOML)",
					Err:      fmt.Errorf("json: %v; toml: %v", jsonErr, tomlErr),
				}
			}
		}
	}
	if err != nil {
		return nil, &ConfigError{FilePath: filePath, Message: "failed to parse configuration file", Err: err}
	}

	cfg.originalFilePath = filePath
	cfg.resolveRelativePaths(filepath.Dir(filePath))
	ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		if ce, ok := err.(*ConfigError); ok && ce.FilePath == "" {
			ce.FilePath = filePath
		}
		return nil, err
	}
	return cfg, nil
}

func decodeJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

func decodeTOML(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys: %v", undecoded)
	}
	return nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// resolveRelativePaths anchors paths written in a config file to the file's
// own directory.
func (c *Config) resolveRelativePaths(baseDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || strings.HasPrefix(p, "~") {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	if c.Server != nil {
		c.Server.RootDirectory = abs(c.Server.RootDirectory)
	}
	if c.Assets != nil {
		c.Assets.Directory = abs(c.Assets.Directory)
		if c.Assets.MimeTypesPath != nil {
			p := abs(*c.Assets.MimeTypesPath)
			c.Assets.MimeTypesPath = &p
		}
	}
	if c.Templates != nil {
		c.Templates.Directory = abs(c.Templates.Directory)
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field. It is idempotent.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.BindAddress == nil {
		addr := DefaultBindAddress
		cfg.Server.BindAddress = &addr
	}
	if cfg.Server.Port == nil {
		port := DefaultPort
		cfg.Server.Port = &port
	}
	if cfg.Server.Compress == nil {
		f := false
		cfg.Server.Compress = &f
	}
	if cfg.Server.GracefulShutdownTimeout == nil {
		cfg.Server.GracefulShutdownTimeout = NewDuration(DefaultGracefulShutdownTimeout)
	}

	if cfg.Assets == nil {
		cfg.Assets = &AssetsConfig{}
	}
	if cfg.Assets.Prefix == "" {
		cfg.Assets.Prefix = DefaultAssetPrefix
	}
	if cfg.Templates == nil {
		cfg.Templates = &TemplatesConfig{}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = LogLevelInfo
	}
	if cfg.Logging.AccessLog == nil {
		cfg.Logging.AccessLog = &AccessLogConfig{}
	}
	if cfg.Logging.AccessLog.Enabled == nil {
		t := true
		cfg.Logging.AccessLog.Enabled = &t
	}
	if cfg.Logging.AccessLog.Target == nil {
		target := "stdout"
		cfg.Logging.AccessLog.Target = &target
	}
	if cfg.Logging.AccessLog.Format == "" {
		cfg.Logging.AccessLog.Format = "json"
	}
	if cfg.Logging.ErrorLog == nil {
		cfg.Logging.ErrorLog = &ErrorLogConfig{}
	}
	if cfg.Logging.ErrorLog.Target == nil {
		target := "stderr"
		cfg.Logging.ErrorLog.Target = &target
	}
}

// Validate checks a defaulted configuration. RootDirectory may be empty here
// because the command line usually supplies it after the file is loaded.
func (c *Config) Validate() error {
	if c.Server == nil || c.Assets == nil || c.Logging == nil {
		return &ConfigError{Message: "configuration has not been defaulted"}
	}

	if c.Server.RootDirectory != "" && !filepath.IsAbs(c.Server.RootDirectory) && !strings.HasPrefix(c.Server.RootDirectory, "~") {
		return &ConfigError{Message: fmt.Sprintf("server.root_directory %q must be absolute", c.Server.RootDirectory)}
	}
	if c.Server.BindAddress == nil || *c.Server.BindAddress == "" {
		return &ConfigError{Message: "server.bind_address cannot be empty"}
	}
	if strings.ContainsAny(*c.Server.BindAddress, " /") {
		return &ConfigError{Message: fmt.Sprintf("server.bind_address %q is not a valid host", *c.Server.BindAddress)}
	}
	if ip := net.ParseIP(*c.Server.BindAddress); ip == nil && strings.Contains(*c.Server.BindAddress, ":") {
		return &ConfigError{Message: fmt.Sprintf("server.bind_address %q must not include a port", *c.Server.BindAddress)}
	}
	if c.Server.Port == nil || *c.Server.Port < 0 || *c.Server.Port > 65535 {
		return &ConfigError{Message: "server.port must be between 0 and 65535"}
	}

	prefix := c.Assets.Prefix
	if !strings.HasPrefix(prefix, "/") || !strings.HasSuffix(prefix, "/") || prefix == "/" {
		return &ConfigError{Message: fmt.Sprintf("assets.prefix %q must start and end with '/' and not be the root", prefix)}
	}
	for ext, mimeType := range c.Assets.MimeTypes {
		if !strings.HasPrefix(ext, ".") {
			return &ConfigError{Message: fmt.Sprintf("assets.mime_types key %q must start with '.'", ext)}
		}
		if mimeType == "" {
			return &ConfigError{Message: fmt.Sprintf("assets.mime_types value for %q cannot be empty", ext)}
		}
	}

	switch c.Logging.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return &ConfigError{Message: fmt.Sprintf("logging.log_level %q is not one of DEBUG, INFO, WARNING, ERROR", c.Logging.LogLevel)}
	}
	if al := c.Logging.AccessLog; al != nil {
		if al.Format != "json" && al.Format != "console" {
			return &ConfigError{Message: fmt.Sprintf("logging.access_log.format %q must be json or console", al.Format)}
		}
		if al.Target != nil && *al.Target == "" {
			return &ConfigError{Message: "logging.access_log.target cannot be empty"}
		}
		for _, p := range al.TrustedProxies {
			if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
				return &ConfigError{Message: fmt.Sprintf("logging.access_log.trusted_proxies entry %q is not an IP or CIDR", p)}
			}
		}
	}
	if el := c.Logging.ErrorLog; el != nil && el.Target != nil && *el.Target == "" {
		return &ConfigError{Message: "logging.error_log.target cannot be empty"}
	}
	return nil
}

// ParseLogLevel maps a case-insensitive level name (as typed on the command
// line) to a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LogLevelDebug, nil
	case "INFO":
		return LogLevelInfo, nil
	case "WARN", "WARNING":
		return LogLevelWarning, nil
	case "ERROR":
		return LogLevelError, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}
