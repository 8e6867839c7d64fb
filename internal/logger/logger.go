package logger

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/dirserve/internal/config"
)

// LogFields carries structured key/value pairs attached to a log line.
type LogFields map[string]interface{}

// parsedProxiesContainer holds pre-parsed trusted proxy IP addresses and CIDR blocks.
type parsedProxiesContainer struct {
	cidrs []*net.IPNet
	ips   []net.IP
}

// Logger writes the error log (leveled diagnostics) and the access log (one
// line per response). Both sinks are zerolog loggers; file targets can be
// reopened on SIGHUP.
type Logger struct {
	errorLog  zerolog.Logger
	accessLog *zerolog.Logger

	files         []*reopenableFile
	realIPHeader  string
	parsedProxies parsedProxiesContainer
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}
	l := &Logger{}

	errorTarget := "stderr"
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != nil {
		errorTarget = *cfg.ErrorLog.Target
	}
	errorOut, err := l.openTarget(errorTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}
	l.errorLog = zerolog.New(errorOut).Level(zerologLevel(cfg.LogLevel)).With().Timestamp().Logger()

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		parsed, err := preParseTrustedProxies(cfg.AccessLog.TrustedProxies)
		if err != nil {
			l.CloseLogFiles()
			return nil, fmt.Errorf("failed to parse trusted proxies for access log: %w", err)
		}
		l.parsedProxies = parsed
		if cfg.AccessLog.RealIPHeader != nil {
			l.realIPHeader = *cfg.AccessLog.RealIPHeader
		}

		accessTarget := "stdout"
		if cfg.AccessLog.Target != nil {
			accessTarget = *cfg.AccessLog.Target
		}
		accessOut, err := l.openTarget(accessTarget)
		if err != nil {
			l.CloseLogFiles()
			return nil, fmt.Errorf("failed to open access log: %w", err)
		}
		if cfg.AccessLog.Format == "console" {
			accessOut = zerolog.ConsoleWriter{Out: accessOut, NoColor: true, TimeFormat: time.RFC3339}
		}
		al := zerolog.New(accessOut).With().Timestamp().Logger()
		l.accessLog = &al
	}

	return l, nil
}

// NewWithWriters builds a Logger on top of arbitrary writers. A nil access
// writer disables access logging.
func NewWithWriters(level config.LogLevel, errorOut, accessOut io.Writer) *Logger {
	l := &Logger{
		errorLog: zerolog.New(errorOut).Level(zerologLevel(level)).With().Timestamp().Logger(),
	}
	if accessOut != nil {
		al := zerolog.New(accessOut).With().Timestamp().Logger()
		l.accessLog = &al
	}
	return l
}

// NewDiscardLogger returns a Logger that drops everything.
func NewDiscardLogger() *Logger {
	return &Logger{errorLog: zerolog.Nop()}
}

func (l *Logger) openTarget(target string) (io.Writer, error) {
	switch target {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if !config.IsFilePath(target) || target == "" {
		return nil, fmt.Errorf("invalid log target: %q", target)
	}
	f, err := openReopenableFile(target)
	if err != nil {
		return nil, err
	}
	l.files = append(l.files, f)
	return f, nil
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *Logger) write(level zerolog.Level, msg string, fields []LogFields) {
	if l == nil {
		return
	}
	ev := l.errorLog.WithLevel(level)
	for _, f := range fields {
		ev = ev.Fields(map[string]interface{}(f))
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) { l.write(zerolog.DebugLevel, msg, fields) }
func (l *Logger) Info(msg string, fields ...LogFields)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields ...LogFields)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields ...LogFields) { l.write(zerolog.ErrorLevel, msg, fields) }

// Access writes one access log entry for a completed response.
func (l *Logger) Access(req *http.Request, requestID string, status int, responseBytes int64, duration time.Duration) {
	if l == nil || l.accessLog == nil {
		return
	}

	_, clientPort, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		clientPort = "0"
	}

	ev := l.accessLog.Log().
		Str("remote_addr", getRealClientIP(req.RemoteAddr, req.Header, l.realIPHeader, l.parsedProxies)).
		Str("remote_port", clientPort).
		Str("protocol", req.Proto).
		Str("method", req.Method).
		Str("uri", req.RequestURI).
		Int("status", status).
		Int64("resp_bytes", responseBytes).
		Int64("duration_ms", duration.Milliseconds()).
		Str("request_id", requestID)
	if ua := req.UserAgent(); ua != "" {
		ev = ev.Str("user_agent", ua)
	}
	if ref := req.Referer(); ref != "" {
		ev = ev.Str("referer", ref)
	}
	ev.Send()
}

// CloseLogFiles closes any open log files. Standard streams are left alone.
func (l *Logger) CloseLogFiles() error {
	if l == nil {
		return nil
	}
	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReopenLogFiles closes and reopens every file target, for log rotation on
// SIGHUP.
func (l *Logger) ReopenLogFiles() error {
	if l == nil {
		return nil
	}
	for _, f := range l.files {
		if err := f.Reopen(); err != nil {
			return err
		}
	}
	return nil
}

// reopenableFile is an append-only log file whose descriptor can be swapped
// while writers hold on to it.
type reopenableFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func openReopenableFile(path string) (*reopenableFile, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return &reopenableFile{path: path, f: f}, nil
}

func (r *reopenableFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return 0, os.ErrClosed
	}
	return r.f.Write(p)
}

func (r *reopenableFile) Reopen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f != nil {
		r.f.Close()
	}
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		r.f = nil
		return fmt.Errorf("failed to reopen log file %s: %w", r.path, err)
	}
	r.f = f
	return nil
}

func (r *reopenableFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// preParseTrustedProxies converts IP and CIDR strings into net.IP and
// *net.IPNet values.
func preParseTrustedProxies(proxyStrings []string) (parsedProxiesContainer, error) {
	var container parsedProxiesContainer
	for _, pStr := range proxyStrings {
		pStr = strings.TrimSpace(pStr)
		if pStr == "" {
			continue
		}
		if strings.Contains(pStr, "/") {
			_, ipNet, err := net.ParseCIDR(pStr)
			if err != nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid CIDR string in trusted_proxies '%s': %w", pStr, err)
			}
			container.cidrs = append(container.cidrs, ipNet)
			continue
		}
		ip := net.ParseIP(pStr)
		if ip == nil {
			return parsedProxiesContainer{}, fmt.Errorf("invalid IP string in trusted_proxies '%s'", pStr)
		}
		container.ips = append(container.ips, ip)
	}
	return container, nil
}

func isIPTrusted(ip net.IP, trustedProxies parsedProxiesContainer) bool {
	if ip == nil {
		return false
	}
	for _, cidr := range trustedProxies.cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	for _, trusted := range trustedProxies.ips {
		if trusted.Equal(ip) {
			return true
		}
	}
	return false
}

// getRealClientIP returns the first untrusted address found walking the
// real-IP header from right to left, falling back to the direct peer.
func getRealClientIP(remoteAddr string, headers http.Header, realIPHeaderName string, trustedProxies parsedProxiesContainer) string {
	peer := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		peer = host
	} else if ip := net.ParseIP(remoteAddr); ip != nil {
		peer = ip.String()
	}

	if realIPHeaderName == "" {
		return peer
	}
	headerValue := headers.Get(realIPHeaderName)
	if headerValue == "" {
		return peer
	}

	hops := strings.Split(headerValue, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		ip := net.ParseIP(hop)
		if ip == nil {
			// A malformed hop makes the whole chain unreliable.
			return peer
		}
		if !isIPTrusted(ip, trustedProxies) {
			return hop
		}
	}
	return peer
}
