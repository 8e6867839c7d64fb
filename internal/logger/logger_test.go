package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"example.com/dirserve/internal/config"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

// decodeLines parses every JSON line written to buf.
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level      config.LogLevel
		wantLevels []string
	}{
		{config.LogLevelDebug, []string{"debug", "info", "warn", "error"}},
		{config.LogLevelInfo, []string{"info", "warn", "error"}},
		{config.LogLevelWarning, []string{"warn", "error"}},
		{config.LogLevelError, []string{"error"}},
	}
	for _, tc := range tests {
		t.Run(string(tc.level), func(t *testing.T) {
			var buf bytes.Buffer
			lg := NewWithWriters(tc.level, &buf, nil)
			lg.Debug("d", nil)
			lg.Info("i", nil)
			lg.Warn("w", nil)
			lg.Error("e", nil)

			lines := decodeLines(t, &buf)
			if len(lines) != len(tc.wantLevels) {
				t.Fatalf("expected %d lines, got %d: %s", len(tc.wantLevels), len(lines), buf.String())
			}
			for i, want := range tc.wantLevels {
				if lines[i]["level"] != want {
					t.Errorf("line %d: expected level %q, got %v", i, want, lines[i]["level"])
				}
			}
		})
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	lg := NewWithWriters(config.LogLevelInfo, &buf, nil)
	lg.Info("listing rendered", LogFields{"path": "/docs/", "entries": 3})

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["message"] != "listing rendered" || lines[0]["path"] != "/docs/" || lines[0]["entries"] != float64(3) {
		t.Errorf("unexpected entry: %v", lines[0])
	}
	if _, ok := lines[0]["time"]; !ok {
		t.Errorf("expected a timestamp field, got %v", lines[0])
	}
}

func TestLogger_Access(t *testing.T) {
	var errBuf, accessBuf bytes.Buffer
	lg := NewWithWriters(config.LogLevelInfo, &errBuf, &accessBuf)

	req := httptest.NewRequest(http.MethodGet, "/my%20folder/", nil)
	req.RemoteAddr = "192.0.2.10:54321"
	req.Header.Set("User-Agent", "test-agent")
	lg.Access(req, "req-1", http.StatusOK, 512, 1500*time.Millisecond)

	lines := decodeLines(t, &accessBuf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 access line, got %d", len(lines))
	}
	entry := lines[0]
	checks := map[string]interface{}{
		"remote_addr": "192.0.2.10",
		"remote_port": "54321",
		"method":      "GET",
		"uri":         "/my%20folder/",
		"status":      float64(200),
		"resp_bytes":  float64(512),
		"duration_ms": float64(1500),
		"request_id":  "req-1",
		"user_agent":  "test-agent",
	}
	for k, want := range checks {
		if entry[k] != want {
			t.Errorf("field %s: expected %v, got %v", k, want, entry[k])
		}
	}
	if _, ok := entry["level"]; ok {
		t.Errorf("access entries should carry no level, got %v", entry["level"])
	}
	if errBuf.Len() != 0 {
		t.Errorf("access entry leaked into error log: %s", errBuf.String())
	}
}

func TestLogger_AccessDisabled(t *testing.T) {
	lg, err := NewLogger(&config.LoggingConfig{
		LogLevel:  config.LogLevelInfo,
		AccessLog: &config.AccessLogConfig{Enabled: boolPtr(false)},
		ErrorLog:  &config.ErrorLogConfig{Target: strPtr("stderr")},
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if lg.accessLog != nil {
		t.Error("expected access logging to be disabled")
	}
	// Must not panic.
	lg.Access(httptest.NewRequest(http.MethodGet, "/", nil), "x", 200, 0, 0)
}

func TestNewLogger_FileTargetsAndReopen(t *testing.T) {
	dir := t.TempDir()
	errPath := filepath.Join(dir, "error.log")
	accessPath := filepath.Join(dir, "access.log")

	lg, err := NewLogger(&config.LoggingConfig{
		LogLevel:  config.LogLevelInfo,
		AccessLog: &config.AccessLogConfig{Enabled: boolPtr(true), Target: strPtr(accessPath), Format: "json"},
		ErrorLog:  &config.ErrorLogConfig{Target: strPtr(errPath)},
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer lg.CloseLogFiles()

	lg.Error("first", nil)

	// Simulate rotation: move the file away and reopen.
	rotated := errPath + ".1"
	if err := os.Rename(errPath, rotated); err != nil {
		t.Fatal(err)
	}
	if err := lg.ReopenLogFiles(); err != nil {
		t.Fatalf("ReopenLogFiles failed: %v", err)
	}
	lg.Error("second", nil)
	lg.Access(httptest.NewRequest(http.MethodGet, "/a", nil), "id", 404, 10, time.Millisecond)

	old, _ := os.ReadFile(rotated)
	cur, _ := os.ReadFile(errPath)
	if !strings.Contains(string(old), "first") || strings.Contains(string(old), "second") {
		t.Errorf("rotated file has unexpected content: %s", old)
	}
	if !strings.Contains(string(cur), "second") {
		t.Errorf("reopened file missing new entry: %s", cur)
	}
	access, _ := os.ReadFile(accessPath)
	if !strings.Contains(string(access), `"status":404`) {
		t.Errorf("access file missing entry: %s", access)
	}
}

func TestNewLogger_Errors(t *testing.T) {
	if _, err := NewLogger(nil); err == nil {
		t.Error("expected error for nil config")
	}
	_, err := NewLogger(&config.LoggingConfig{
		AccessLog: &config.AccessLogConfig{Enabled: boolPtr(true), Target: strPtr("stdout"), TrustedProxies: []string{"10.0.0.0/33"}},
	})
	if err == nil || !strings.Contains(err.Error(), "trusted proxies") {
		t.Errorf("expected trusted proxies error, got %v", err)
	}
	_, err = NewLogger(&config.LoggingConfig{
		ErrorLog: &config.ErrorLogConfig{Target: strPtr(filepath.Join(t.TempDir(), "missing", "dir", "e.log"))},
	})
	if err == nil {
		t.Error("expected error for unopenable file target")
	}
}

func TestGetRealClientIP(t *testing.T) {
	proxies, err := preParseTrustedProxies([]string{"10.0.0.0/8", " 192.168.1.1 ", ""})
	if err != nil {
		t.Fatalf("preParseTrustedProxies failed: %v", err)
	}

	tests := []struct {
		name       string
		remoteAddr string
		header     string
		headerName string
		want       string
	}{
		{"no header configured", "203.0.113.5:1234", "198.51.100.1", "", "203.0.113.5"},
		{"header absent", "203.0.113.5:1234", "", "X-Forwarded-For", "203.0.113.5"},
		{"single untrusted hop", "10.1.1.1:80", "198.51.100.1", "X-Forwarded-For", "198.51.100.1"},
		{"skip trusted hops", "10.1.1.1:80", "198.51.100.1, 192.168.1.1, 10.2.2.2", "X-Forwarded-For", "198.51.100.1"},
		{"all trusted", "10.1.1.1:80", "10.3.3.3, 192.168.1.1", "X-Forwarded-For", "10.1.1.1"},
		{"malformed hop", "10.1.1.1:80", "198.51.100.1, garbage", "X-Forwarded-For", "10.1.1.1"},
		{"bare ip remote", "::1", "", "", "::1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			if tc.header != "" {
				h.Set("X-Forwarded-For", tc.header)
			}
			got := getRealClientIP(tc.remoteAddr, h, tc.headerName, proxies)
			if got != tc.want {
				t.Errorf("getRealClientIP() = %q; want %q", got, tc.want)
			}
		})
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var lg *Logger
	lg.Info("ignored", nil)
	lg.Access(httptest.NewRequest(http.MethodGet, "/", nil), "", 200, 0, 0)
	if err := lg.CloseLogFiles(); err != nil {
		t.Errorf("CloseLogFiles on nil logger: %v", err)
	}
	NewDiscardLogger().Error("dropped", LogFields{"k": "v"})
}
