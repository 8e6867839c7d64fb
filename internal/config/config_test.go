package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// writeTempFile creates a temporary file with the given content and extension.
func writeTempFile(t *testing.T, content string, ext string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "test-config-*"+ext)
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	if _, err := tmpFile.WriteString(content); err != nil {
		tmpFile.Close()
		t.Fatalf("Failed to write to temp file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("Failed to close temp file: %v", err)
	}
	return tmpFile.Name()
}

// checkErrorContains checks if the error is not nil and its message contains the expected substring.
func checkErrorContains(t *testing.T, err error, expectedSubstring string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected an error containing %q, but got nil", expectedSubstring)
	}
	if !strings.Contains(err.Error(), expectedSubstring) {
		t.Fatalf("Expected error message to contain %q, but got: %v", expectedSubstring, err)
	}
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	_, err := LoadConfig("")
	checkErrorContains(t, err, "configuration file path cannot be empty")
}

func TestLoadConfig_NonExistentFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "non_existent_file.json"))
	checkErrorContains(t, err, "failed to read configuration file")

	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected *ConfigError, got %T", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected error to wrap os.ErrNotExist, got %v", err)
	}
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	for _, ext := range []string{".json", ".toml", ".yaml"} {
		t.Run(ext, func(t *testing.T) {
			path := writeTempFile(t, "  \n", ext)
			_, err := LoadConfig(path)
			checkErrorContains(t, err, "configuration file is empty")
		})
	}
}

func TestLoadConfig_ValidJSON(t *testing.T) {
	path := writeTempFile(t, `{"server": {"bind_address": "127.0.0.1", "port": 9090}}`, ".json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed for valid JSON: %v", err)
	}
	if *cfg.Server.BindAddress != "127.0.0.1" || *cfg.Server.Port != 9090 {
		t.Errorf("Expected 127.0.0.1:9090, got %s", cfg.ListenAddress())
	}
	if cfg.OriginalFilePath() != path {
		t.Errorf("Expected OriginalFilePath() %q, got %q", path, cfg.OriginalFilePath())
	}
}

func TestLoadConfig_ValidTOML(t *testing.T) {
	content := `
[server]
port = 8081
graceful_shutdown_timeout = "3s"

[assets.mime_types]
".md" = "text/markdown"
`
	cfg, err := LoadConfig(writeTempFile(t, content, ".toml"))
	if err != nil {
		t.Fatalf("LoadConfig failed for valid TOML: %v", err)
	}
	if *cfg.Server.Port != 8081 {
		t.Errorf("Expected port 8081, got %d", *cfg.Server.Port)
	}
	if cfg.ShutdownTimeout() != 3*time.Second {
		t.Errorf("Expected shutdown timeout 3s, got %v", cfg.ShutdownTimeout())
	}
	if cfg.Assets.MimeTypes[".md"] != "text/markdown" {
		t.Errorf("Expected .md mime type, got %v", cfg.Assets.MimeTypes)
	}
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	content := `
server:
  bind_address: "::1"
  compress: true
logging:
  log_level: DEBUG
  access_log:
    format: console
`
	cfg, err := LoadConfig(writeTempFile(t, content, ".yml"))
	if err != nil {
		t.Fatalf("LoadConfig failed for valid YAML: %v", err)
	}
	if cfg.ListenAddress() != "[::1]:8000" {
		t.Errorf("Expected [::1]:8000, got %s", cfg.ListenAddress())
	}
	if !cfg.CompressionEnabled() {
		t.Error("Expected compression to be enabled")
	}
	if cfg.Logging.LogLevel != LogLevelDebug || cfg.Logging.AccessLog.Format != "console" {
		t.Errorf("Unexpected logging config: %+v", cfg.Logging)
	}
}

func TestLoadConfig_AutoDetect(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		cfg, err := LoadConfig(writeTempFile(t, `{"logging": {"log_level": "DEBUG"}}`, ".conf"))
		if err != nil {
			t.Fatalf("LoadConfig failed for auto-detect JSON: %v", err)
		}
		if cfg.Logging.LogLevel != LogLevelDebug {
			t.Errorf("Expected log level DEBUG, got %v", cfg.Logging.LogLevel)
		}
	})
	t.Run("toml", func(t *testing.T) {
		cfg, err := LoadConfig(writeTempFile(t, "[logging]\nlog_level = \"ERROR\"\n", ".conf"))
		if err != nil {
			t.Fatalf("LoadConfig failed for auto-detect TOML: %v", err)
		}
		if cfg.Logging.LogLevel != LogLevelError {
			t.Errorf("Expected log level ERROR, got %v", cfg.Logging.LogLevel)
		}
	})
	t.Run("neither", func(t *testing.T) {
		_, err := LoadConfig(writeTempFile(t, "not json or toml", ".conf"))
		checkErrorContains(t, err, "failed to auto-detect configuration format")
	})
}

func TestLoadConfig_InvalidSyntax(t *testing.T) {
	tests := []struct {
		ext     string
		content string
	}{
		{".json", `{"server": {`},
		{".toml", "[server\nport = 1"},
		{".yaml", "server: [unclosed"},
		{".json", `{"unknown_section": {}}`},
	}
	for _, tc := range tests {
		t.Run(tc.ext, func(t *testing.T) {
			_, err := LoadConfig(writeTempFile(t, tc.content, tc.ext))
			checkErrorContains(t, err, "failed to parse configuration file")
		})
	}
}

func TestLoadConfig_RelativePathsResolvedAgainstFile(t *testing.T) {
	path := writeTempFile(t, `{"server": {"root_directory": "public"}, "templates": {"directory": "tpl"}}`, ".json")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	dir := filepath.Dir(path)
	if cfg.Server.RootDirectory != filepath.Join(dir, "public") {
		t.Errorf("Expected root directory under %s, got %s", dir, cfg.Server.RootDirectory)
	}
	if cfg.Templates.Directory != filepath.Join(dir, "tpl") {
		t.Errorf("Expected templates directory under %s, got %s", dir, cfg.Templates.Directory)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Default()

	if cfg.ListenAddress() != "0.0.0.0:8000" {
		t.Errorf("Expected default listen address 0.0.0.0:8000, got %s", cfg.ListenAddress())
	}
	if cfg.BaseURL() != "http://0.0.0.0:8000" {
		t.Errorf("Expected default base URL, got %s", cfg.BaseURL())
	}
	if cfg.Assets.Prefix != DefaultAssetPrefix {
		t.Errorf("Expected asset prefix %q, got %q", DefaultAssetPrefix, cfg.Assets.Prefix)
	}
	if cfg.CompressionEnabled() {
		t.Error("Expected compression disabled by default")
	}
	if cfg.ShutdownTimeout() != DefaultGracefulShutdownTimeout {
		t.Errorf("Expected default shutdown timeout, got %v", cfg.ShutdownTimeout())
	}
	if *cfg.Logging.AccessLog.Target != "stdout" || *cfg.Logging.ErrorLog.Target != "stderr" {
		t.Errorf("Unexpected default log targets")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate, got %v", err)
	}

	// Applying twice must not change anything.
	port := 1234
	cfg.Server.Port = &port
	ApplyDefaults(cfg)
	if *cfg.Server.Port != 1234 {
		t.Errorf("ApplyDefaults overwrote an explicit port")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		expectErr string
	}{
		{"relative root", func(c *Config) { c.Server.RootDirectory = "srv" }, "must be absolute"},
		{"empty bind address", func(c *Config) { s := ""; c.Server.BindAddress = &s }, "bind_address cannot be empty"},
		{"bind address with port", func(c *Config) { s := "127.0.0.1:80"; c.Server.BindAddress = &s }, "must not include a port"},
		{"port too large", func(c *Config) { p := 70000; c.Server.Port = &p }, "server.port"},
		{"negative port", func(c *Config) { p := -1; c.Server.Port = &p }, "server.port"},
		{"prefix without slash", func(c *Config) { c.Assets.Prefix = "assets" }, "assets.prefix"},
		{"prefix is root", func(c *Config) { c.Assets.Prefix = "/" }, "assets.prefix"},
		{"mime key without dot", func(c *Config) { c.Assets.MimeTypes = map[string]string{"css": "text/css"} }, "must start with '.'"},
		{"empty mime value", func(c *Config) { c.Assets.MimeTypes = map[string]string{".css": ""} }, "cannot be empty"},
		{"bad log level", func(c *Config) { c.Logging.LogLevel = "TRACE" }, "log_level"},
		{"bad access format", func(c *Config) { c.Logging.AccessLog.Format = "xml" }, "format"},
		{"bad proxy", func(c *Config) { c.Logging.AccessLog.TrustedProxies = []string{"not-an-ip"} }, "trusted_proxies"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			checkErrorContains(t, err, tc.expectErr)
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Errorf("Expected *ConfigError, got %T", err)
			}
		})
	}
}

func TestResolveRootDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ResolveRootDirectory(dir)
	if err != nil {
		t.Fatalf("ResolveRootDirectory(%q) failed: %v", dir, err)
	}
	if got != filepath.Clean(dir) {
		t.Errorf("Expected %q, got %q", dir, got)
	}

	_, err = ResolveRootDirectory(filepath.Join(dir, "missing"))
	checkErrorContains(t, err, "does not exist")

	_, err = ResolveRootDirectory(file)
	checkErrorContains(t, err, "is not a directory")

	_, err = ResolveRootDirectory("")
	checkErrorContains(t, err, "must be provided")
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		in, want string
	}{
		{"~", home},
		{"~/music", filepath.Join(home, "music")},
		{"/abs/path", "/abs/path"},
		{"rel/~path", "rel/~path"},
		{"~user/x", "~user/x"},
	}
	for _, tc := range tests {
		got, err := ExpandHome(tc.in)
		if err != nil {
			t.Fatalf("ExpandHome(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ExpandHome(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]LogLevel{"debug": LogLevelDebug, " Info ": LogLevelInfo, "warn": LogLevelWarning, "ERROR": LogLevelError} {
		got, err := ParseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLogLevel(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseLogLevel("loud"); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestDuration_Unmarshal(t *testing.T) {
	tests := []struct {
		name      string
		inputJSON string
		inputTOML string
		inputYAML string
		expectErr string
		expectDur time.Duration
	}{
		{name: "valid duration json", inputJSON: `{"timeout": "10s"}`, expectDur: 10 * time.Second},
		{name: "valid duration toml", inputTOML: `timeout = "15m"`, expectDur: 15 * time.Minute},
		{name: "valid duration yaml", inputYAML: `timeout: 2h`, expectDur: 2 * time.Hour},
		{name: "invalid duration string json", inputJSON: `{"timeout": "10"}`, expectErr: "invalid duration string \"10\": time: missing unit in duration"},
		{name: "invalid duration string toml", inputTOML: `timeout = "abc"`, expectErr: "invalid duration string \"abc\": time: invalid duration"},
		{name: "non-positive duration json", inputJSON: `{"timeout": "0s"}`, expectErr: "duration must be positive, got \"0s\""},
		{name: "non-positive duration toml", inputTOML: `timeout = "-1h"`, expectErr: "duration must be positive, got \"-1h\""},
		{name: "not a string json", inputJSON: `{"timeout": 10}`, expectErr: "duration should be a string, got 10"},
		{name: "empty string json", inputJSON: `{"timeout": ""}`, expectErr: "duration string cannot be empty"},
		{name: "empty string toml", inputTOML: `timeout = ""`, expectErr: "duration string cannot be empty"},
	}

	type testStruct struct {
		Timeout Duration `json:"timeout" toml:"timeout" yaml:"timeout"`
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var s testStruct
			var err error
			switch {
			case tc.inputJSON != "":
				err = json.Unmarshal([]byte(tc.inputJSON), &s)
			case tc.inputTOML != "":
				err = toml.Unmarshal([]byte(tc.inputTOML), &s)
			default:
				err = yaml.Unmarshal([]byte(tc.inputYAML), &s)
			}
			if tc.expectErr != "" {
				checkErrorContains(t, err, tc.expectErr)
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if s.Timeout.Value() != tc.expectDur {
				t.Errorf("Expected duration %v, got %v", tc.expectDur, s.Timeout.Value())
			}
			if s.Timeout.String() != tc.expectDur.String() {
				t.Errorf("Expected duration string %v, got %v", tc.expectDur.String(), s.Timeout.String())
			}
		})
	}
}

func TestIsFilePath(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		expected bool
	}{
		{"stdout", "stdout", false},
		{"stderr", "stderr", false},
		{"absolute path unix", "/var/log/app.log", true},
		{"relative path", "logs/app.log", true},
		{"simple file name", "app.log", true},
		{"path with spaces", "/my logs/app.log", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			actual := IsFilePath(tc.target)
			if actual != tc.expected {
				t.Errorf("IsFilePath(%q) = %v; want %v", tc.target, actual, tc.expected)
			}
		})
	}
}
