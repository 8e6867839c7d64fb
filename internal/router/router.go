// Package router classifies each request path and dispatches it to the
// asset store, the index page, the directory renderer, the file download or
// the not-found page.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"example.com/dirserve/internal/handlers/assets"
	"example.com/dirserve/internal/handlers/download"
	"example.com/dirserve/internal/listing"
	"example.com/dirserve/internal/logger"
	"example.com/dirserve/internal/server"
	"example.com/dirserve/internal/templates"
)

// Kind is the outcome of classifying a request path.
type Kind int

const (
	KindMissing Kind = iota
	KindAsset
	KindIndex
	KindDirectory
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindAsset:
		return "asset"
	case KindIndex:
		return "index"
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	default:
		return "missing"
	}
}

// Renderer produces a complete page from a named template.
type Renderer interface {
	Render(name string, data map[string]any) ([]byte, error)
}

// DirectoryLister builds the listing context for a directory.
type DirectoryLister interface {
	Build(dirPath, urlPath, baseURL string) (listing.Context, error)
}

// AssetOpener reads a bundled asset by its name under the asset prefix.
type AssetOpener interface {
	Open(name string) (*assets.Asset, error)
}

// Options wires a Router. Root must be an absolute, clean directory.
type Options struct {
	Root        string
	BaseURL     string
	AssetPrefix string
	Assets      AssetOpener
	Templates   Renderer
	Lister      DirectoryLister
	Logger      *logger.Logger
}

// Route is a classified request.
type Route struct {
	Kind      Kind
	URLPath   string
	FilePath  string      // KindDirectory, KindFile
	Info      os.FileInfo // KindDirectory, KindFile
	AssetName string      // KindAsset
}

// Router is the http.Handler for the whole site. It holds no mutable state.
type Router struct {
	root        string
	baseURL     string
	assetPrefix string
	assets      AssetOpener
	templates   Renderer
	lister      DirectoryLister
	log         *logger.Logger
}

const (
	htmlContentType = "text/html; charset=utf-8"
	jsonContentType = "application/json; charset=utf-8"
)

// NewRouter validates opts and returns a Router.
func NewRouter(opts Options) (*Router, error) {
	if opts.Root == "" || !filepath.IsAbs(opts.Root) {
		return nil, fmt.Errorf("root directory %q must be an absolute path", opts.Root)
	}
	if opts.Assets == nil {
		return nil, fmt.Errorf("asset store cannot be nil")
	}
	if opts.Templates == nil {
		return nil, fmt.Errorf("template renderer cannot be nil")
	}
	if opts.Lister == nil {
		opts.Lister = listing.NewLister()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDiscardLogger()
	}
	prefix := opts.AssetPrefix
	if prefix == "" {
		prefix = "/assets/"
	}
	if !strings.HasPrefix(prefix, "/") || !strings.HasSuffix(prefix, "/") || prefix == "/" {
		return nil, fmt.Errorf("asset prefix %q must start and end with '/'", prefix)
	}
	return &Router{
		root:        filepath.Clean(opts.Root),
		baseURL:     strings.TrimSuffix(opts.BaseURL, "/"),
		assetPrefix: prefix,
		assets:      opts.Assets,
		templates:   opts.Templates,
		lister:      opts.Lister,
		log:         opts.Logger,
	}, nil
}

// Classify decides what a decoded URL path refers to. The asset prefix is
// checked first, then the root, then the filesystem.
func (r *Router) Classify(urlPath string) Route {
	if urlPath == "" {
		urlPath = "/"
	}
	if strings.HasPrefix(urlPath, r.assetPrefix) {
		return Route{Kind: KindAsset, URLPath: urlPath, AssetName: strings.TrimPrefix(urlPath, r.assetPrefix)}
	}
	if urlPath == "/" {
		return Route{Kind: KindIndex, URLPath: urlPath}
	}

	fsPath, fi, err := download.Resolve(r.root, urlPath)
	if err != nil {
		if errors.Is(err, download.ErrOutsideRoot) {
			r.log.Warn("Attempt to access path outside root", logger.LogFields{"path": urlPath})
		}
		return Route{Kind: KindMissing, URLPath: urlPath}
	}
	switch {
	case fi.IsDir():
		return Route{Kind: KindDirectory, URLPath: urlPath, FilePath: fsPath, Info: fi}
	case fi.Mode().IsRegular():
		return Route{Kind: KindFile, URLPath: urlPath, FilePath: fsPath, Info: fi}
	default:
		return Route{Kind: KindMissing, URLPath: urlPath}
	}
}

// ServeHTTP answers GET and HEAD. Every other method gets the not-found page
// so the only statuses ever sent are 200, 404 and 500.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		server.LogState(r.log, req, server.StateClassified, logger.LogFields{"kind": KindMissing.String(), "method": req.Method})
		r.serveNotFound(w, req)
		return
	}

	route := r.Classify(req.URL.Path)
	server.LogState(r.log, req, server.StateClassified, logger.LogFields{"kind": route.Kind.String()})

	switch route.Kind {
	case KindAsset:
		r.serveAsset(w, req, route)
	case KindIndex:
		if wantsJSON(req) {
			r.serveRootListing(w, req)
			return
		}
		r.renderPage(w, req, http.StatusOK, templates.Index, map[string]any{})
	case KindDirectory:
		r.serveDirectory(w, req, route)
	case KindFile:
		if err := download.Serve(w, req, route.FilePath, route.Info, r.log); err != nil {
			r.log.Warn("Cannot serve file", logger.LogFields{"request_id": server.RequestID(req), "path": route.FilePath, "error": err.Error()})
			r.serveNotFound(w, req)
			return
		}
		server.LogState(r.log, req, server.StateSent, logger.LogFields{"status": http.StatusOK})
	default:
		r.serveNotFound(w, req)
	}
}

// wantsJSON reports whether a directory should be answered as a JSON
// listing instead of the HTML page.
func wantsJSON(req *http.Request) bool {
	return req.URL.Query().Get("format") == "json" || server.PrefersJSON(req.Header.Get("Accept"))
}

func (r *Router) serveAsset(w http.ResponseWriter, req *http.Request, route Route) {
	a, err := r.assets.Open(route.AssetName)
	if err != nil {
		if !errors.Is(err, assets.ErrNotFound) {
			r.log.Error("Failed to read asset", logger.LogFields{"request_id": server.RequestID(req), "asset": route.AssetName, "error": err.Error()})
		}
		r.serveNotFound(w, req)
		return
	}
	r.send(w, req, http.StatusOK, a.ContentType, a.Body)
}

func (r *Router) serveDirectory(w http.ResponseWriter, req *http.Request, route Route) {
	ctx, err := r.lister.Build(route.FilePath, route.URLPath, r.baseURL)
	if err != nil {
		r.log.Warn("Directory listing failed", logger.LogFields{"request_id": server.RequestID(req), "path": route.FilePath, "error": err.Error()})
		r.serveNotFound(w, req)
		return
	}
	if wantsJSON(req) {
		r.sendJSON(w, req, ctx)
		return
	}
	r.renderPage(w, req, http.StatusOK, templates.Listing, ctx.AsMap())
}

func (r *Router) serveRootListing(w http.ResponseWriter, req *http.Request) {
	ctx, err := r.lister.Build(r.root, "/", r.baseURL)
	if err != nil {
		r.log.Warn("Directory listing failed", logger.LogFields{"request_id": server.RequestID(req), "path": r.root, "error": err.Error()})
		r.serveNotFound(w, req)
		return
	}
	r.sendJSON(w, req, ctx)
}

func (r *Router) serveNotFound(w http.ResponseWriter, req *http.Request) {
	r.renderPage(w, req, http.StatusNotFound, templates.NotFound, map[string]any{"path": req.URL.Path})
}

// renderPage renders a template completely before anything is written. A
// render failure becomes a 500 with an inline body.
func (r *Router) renderPage(w http.ResponseWriter, req *http.Request, status int, name string, data map[string]any) {
	server.LogState(r.log, req, server.StateRendering, logger.LogFields{"template": name})
	body, err := r.templates.Render(name, data)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	r.send(w, req, status, htmlContentType, body)
}

func (r *Router) sendJSON(w http.ResponseWriter, req *http.Request, ctx listing.Context) {
	body, err := json.Marshal(ctx)
	if err != nil {
		r.fail(w, req, fmt.Errorf("encode listing: %w", err))
		return
	}
	r.send(w, req, http.StatusOK, jsonContentType, body)
}

func (r *Router) send(w http.ResponseWriter, req *http.Request, status int, contentType string, body []byte) {
	if err := server.WriteBody(w, req, status, contentType, body); err != nil {
		r.log.Debug("Client went away", logger.LogFields{"request_id": server.RequestID(req), "error": err.Error()})
		return
	}
	server.LogState(r.log, req, server.StateSent, logger.LogFields{"status": status})
}

func (r *Router) fail(w http.ResponseWriter, req *http.Request, err error) {
	r.log.Error("Failed to render response", logger.LogFields{"request_id": server.RequestID(req), "path": req.URL.Path, "error": err.Error()})
	server.LogState(r.log, req, server.StateFailed, nil)
	if werr := server.WriteErrorResponse(w, req, http.StatusInternalServerError, err.Error(), r.log); werr == nil {
		server.LogState(r.log, req, server.StateErrorSent, logger.LogFields{"status": http.StatusInternalServerError})
	}
}
