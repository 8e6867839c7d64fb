// Package templates holds the page templates used by the router. A Registry
// is built once at startup and is read-only afterwards.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Template names known to the router.
const (
	Index    = "index"
	Listing  = "listing"
	NotFound = "notfound"
)

// Names lists every template a Registry loads.
var Names = []string{Index, Listing, NotFound}

// ErrNotFound is returned when a template file is missing from the tree.
var ErrNotFound = errors.New("template not found")

// RenderError wraps any failure to produce a page from a template: a missing
// file, a parse error or an execution error.
type RenderError struct {
	Template string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render template %q: %v", e.Template, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Registry maps template names to parsed templates. Templates that failed to
// load keep their error, which is reported by every Render of that name.
type Registry struct {
	templates map[string]*template.Template
	failures  map[string]error
}

// Option configures a Registry at construction.
type Option func(*template.FuncMap)

// WithAssetPrefix makes {{ asset "css/style.css" }} expand to prefix+path.
func WithAssetPrefix(prefix string) Option {
	return func(fm *template.FuncMap) {
		(*fm)["asset"] = func(p string) string {
			return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(path.Clean("/"+p), "/")
		}
	}
}

// New parses "<name>.html" from fsys for every entry of Names.
func New(fsys fs.FS, opts ...Option) (*Registry, error) {
	if fsys == nil {
		return nil, errors.New("template filesystem cannot be nil")
	}
	funcs := template.FuncMap{}
	WithAssetPrefix("/assets/")(&funcs)
	for _, opt := range opts {
		opt(&funcs)
	}

	r := &Registry{
		templates: make(map[string]*template.Template, len(Names)),
		failures:  make(map[string]error),
	}
	for _, name := range Names {
		file := name + ".html"
		src, err := fs.ReadFile(fsys, file)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				err = fmt.Errorf("%w: %s", ErrNotFound, file)
			}
			r.failures[name] = err
			continue
		}
		t, err := template.New(file).Funcs(funcs).Option("missingkey=error").Parse(string(src))
		if err != nil {
			r.failures[name] = err
			continue
		}
		r.templates[name] = t
	}
	return r, nil
}

// Failures returns a copy of the load errors keyed by template name.
func (r *Registry) Failures() map[string]error {
	out := make(map[string]error, len(r.failures))
	for k, v := range r.failures {
		out[k] = v
	}
	return out
}

// FailedNames is Failures' keys in order, for logging.
func (r *Registry) FailedNames() []string {
	names := make([]string, 0, len(r.failures))
	for k := range r.failures {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Render executes the named template into a buffer. Nothing is returned on
// failure, so callers never emit a partial page.
func (r *Registry) Render(name string, data map[string]any) ([]byte, error) {
	if err, failed := r.failures[name]; failed {
		return nil, &RenderError{Template: name, Err: err}
	}
	t, ok := r.templates[name]
	if !ok {
		return nil, &RenderError{Template: name, Err: ErrNotFound}
	}
	if data == nil {
		data = map[string]any{}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, &RenderError{Template: name, Err: err}
	}
	return buf.Bytes(), nil
}
