// Package testutil starts a complete dirserve stack on a real TCP port and
// drives it with plain HTTP requests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"example.com/dirserve/internal/config"
	"example.com/dirserve/internal/handlers/assets"
	"example.com/dirserve/internal/logger"
	"example.com/dirserve/internal/router"
	"example.com/dirserve/internal/server"
	"example.com/dirserve/internal/templates"
	"example.com/dirserve/web"
)

// TestRequest models an HTTP request for E2E testing.
type TestRequest struct {
	Method  string
	Path    string // Should include query string if any, e.g., "/path?format=json"
	Headers http.Header
}

// HeaderMatcher maps a header name to its exact expected value.
type HeaderMatcher map[string]string

// BodyMatcher defines a way to match the response body.
type BodyMatcher interface {
	Match(body []byte) (bool, string) // Returns match status and a description of mismatch
}

// ExactBodyMatcher matches the body exactly.
type ExactBodyMatcher struct {
	ExpectedBody []byte
}

// Match implements BodyMatcher for ExactBodyMatcher.
func (m *ExactBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Equal(m.ExpectedBody, body) {
		return true, ""
	}
	return false, fmt.Sprintf("bodies do not match exactly. Expected: %q, Got: %q", string(m.ExpectedBody), string(body))
}

// StringContainsBodyMatcher checks if the body contains every substring.
type StringContainsBodyMatcher struct {
	Substrings []string
}

// Match implements BodyMatcher for StringContainsBodyMatcher.
func (m *StringContainsBodyMatcher) Match(body []byte) (bool, string) {
	for _, s := range m.Substrings {
		if !bytes.Contains(body, []byte(s)) {
			return false, fmt.Sprintf("body does not contain substring: %q. Body: %q", s, string(body))
		}
	}
	return true, ""
}

// ExpectedResponse models the expected outcome of an HTTP request.
type ExpectedResponse struct {
	StatusCode   int
	Headers      HeaderMatcher
	BodyMatcher  BodyMatcher
	ExpectNoBody bool // If true, BodyMatcher is ignored and body must be empty
}

// ActualResponse stores the outcome of an HTTP request.
type ActualResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Verify compares actual against expected and returns one message per
// mismatch.
func (e ExpectedResponse) Verify(actual *ActualResponse) []string {
	var problems []string
	if actual.StatusCode != e.StatusCode {
		problems = append(problems, fmt.Sprintf("status code: expected %d, got %d", e.StatusCode, actual.StatusCode))
	}
	for name, want := range e.Headers {
		if got := actual.Headers.Get(name); got != want {
			problems = append(problems, fmt.Sprintf("header %s: expected %q, got %q", name, want, got))
		}
	}
	if e.ExpectNoBody {
		if len(actual.Body) != 0 {
			problems = append(problems, fmt.Sprintf("expected empty body, got %d bytes", len(actual.Body)))
		}
	} else if e.BodyMatcher != nil {
		if ok, msg := e.BodyMatcher.Match(actual.Body); !ok {
			problems = append(problems, msg)
		}
	}
	return problems
}

// ServerInstance is a running server and the resources it owns.
type ServerInstance struct {
	Config    *config.Config
	Address   string // e.g. "127.0.0.1:8080"
	LogBuffer *SyncBuffer

	cancel       context.CancelFunc
	done         chan error
	mu           sync.Mutex
	cleanupFuncs []func() error
}

// SyncBuffer is a bytes.Buffer safe for the server's concurrent log writes.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteTempConfig creates a temporary configuration file in JSON or TOML format.
// It returns the path to the file and a cleanup function to remove it.
func WriteTempConfig(configData interface{}, format string) (filePath string, cleanupFunc func(), err error) {
	var data []byte
	var ext string

	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
		ext = ".json"
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(configData); err == nil {
			data = buf.Bytes()
		}
		ext = ".toml"
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}

	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal config data to %s: %w", format, err)
	}

	tmpFile, err := os.CreateTemp("", "testconfig-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp config file: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return "", nil, fmt.Errorf("failed to write to temp config file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		return "", nil, fmt.Errorf("failed to close temp config file: %w", err)
	}

	filePath = tmpFile.Name()
	cleanupFunc = func() { os.Remove(filePath) }
	return filePath, cleanupFunc, nil
}

// StartTestServer loads configFile, assembles the router with the embedded
// web bundle and serves it until Stop is called. It returns once the server
// accepts connections.
func StartTestServer(configFile string) (*ServerInstance, error) {
	if configFile == "" {
		return nil, fmt.Errorf("configFile cannot be empty")
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	config.ApplyDefaults(cfg)
	root, err := config.ResolveRootDirectory(cfg.Server.RootDirectory)
	if err != nil {
		return nil, err
	}
	cfg.Server.RootDirectory = root
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logs := &SyncBuffer{}
	lg := logger.NewWithWriters(cfg.Logging.LogLevel, logs, logs)

	reg, err := templates.New(web.Templates(), templates.WithAssetPrefix(cfg.Assets.Prefix))
	if err != nil {
		return nil, err
	}
	mimes, err := assets.NewMimeTypeResolver(cfg.Assets)
	if err != nil {
		return nil, err
	}
	store, err := assets.NewStore(web.Assets(), mimes)
	if err != nil {
		return nil, err
	}
	rt, err := router.NewRouter(router.Options{
		Root:        cfg.Server.RootDirectory,
		BaseURL:     cfg.BaseURL(),
		AssetPrefix: cfg.Assets.Prefix,
		Assets:      store,
		Templates:   reg,
		Logger:      lg,
	})
	if err != nil {
		return nil, err
	}
	srv, err := server.NewServer(cfg, lg, rt)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	instance := &ServerInstance{
		Config:    cfg,
		LogBuffer: logs,
		cancel:    cancel,
		done:      make(chan error, 1),
	}
	go func() { instance.done <- srv.Start(ctx) }()

	select {
	case <-srv.Ready():
		instance.Address = srv.Addr()
		return instance, nil
	case err := <-instance.done:
		cancel()
		return nil, fmt.Errorf("server failed to start: %w. Logs captured:\n%s", err, logs.String())
	case <-time.After(10 * time.Second):
		cancel()
		return nil, fmt.Errorf("server not ready after 10s. Logs captured:\n%s", logs.String())
	}
}

// AddCleanupFunc adds a function to be called when the server instance is stopped.
func (s *ServerInstance) AddCleanupFunc(f func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupFuncs = append(s.cleanupFuncs, f)
}

// Stop cancels the server, waits for the graceful shutdown and runs the
// cleanup functions in reverse order.
func (s *ServerInstance) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []string
	if s.cancel != nil {
		s.cancel()
		select {
		case err := <-s.done:
			if err != nil {
				errs = append(errs, fmt.Sprintf("server: %v", err))
			}
		case <-time.After(15 * time.Second):
			errs = append(errs, "server did not stop within 15s")
		}
		s.cancel = nil
	}
	for i := len(s.cleanupFuncs) - 1; i >= 0; i-- {
		if err := s.cleanupFuncs[i](); err != nil {
			errs = append(errs, fmt.Sprintf("cleanup_func_%d: %v", i, err))
		}
	}
	s.cleanupFuncs = nil

	if len(errs) > 0 {
		return fmt.Errorf("errors during stop: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Client issues requests without transparent decompression so tests see the
// bytes on the wire.
type Client struct {
	http *http.Client
}

// NewClient returns a Client with a short timeout.
func NewClient() *Client {
	return &Client{http: &http.Client{
		Timeout:   10 * time.Second,
		Transport: &http.Transport{DisableCompression: true},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

// Do sends request to serverAddr and reads the whole response.
func (c *Client) Do(serverAddr string, request TestRequest) (*ActualResponse, error) {
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	path := request.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequest(method, "http://"+serverAddr+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for name, values := range request.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &ActualResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

// MakeDocRoot creates a temporary directory populated from files, keyed by
// slash-separated relative path. A key ending in "/" creates an empty
// directory.
func MakeDocRoot(files map[string]string) (string, error) {
	root, err := os.MkdirTemp("", "e2e-docroot-")
	if err != nil {
		return "", err
	}
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if strings.HasSuffix(rel, "/") {
			if err := os.MkdirAll(p, 0o755); err != nil {
				os.RemoveAll(root)
				return "", err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			os.RemoveAll(root)
			return "", err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			os.RemoveAll(root)
			return "", err
		}
	}
	return root, nil
}
