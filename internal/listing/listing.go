// Package listing turns a directory on disk into the data rendered by the
// listing template.
package listing

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ErrNotDirectory is returned by Build when the path is not a directory.
var ErrNotDirectory = errors.New("not a directory")

const (
	kib = 1024
	mib = 1024 * kib
	gib = 1024 * mib
)

// FormatSize renders a byte count with 1024-based units and two decimals:
// "500 bytes", "2.00 KB", "1.50 MB", "3.25 GB".
func FormatSize(n int64) string {
	switch {
	case n < kib:
		return fmt.Sprintf("%d bytes", n)
	case n < mib:
		return fmt.Sprintf("%.2f KB", float64(n)/kib)
	case n < gib:
		return fmt.Sprintf("%.2f MB", float64(n)/mib)
	default:
		return fmt.Sprintf("%.2f GB", float64(n)/gib)
	}
}

// Permissions is the owner's capability set on an entry.
type Permissions uint8

const (
	Read Permissions = 1 << iota
	Write
	Execute
)

// PermissionsFromMode reads the owner bits of m; group and other bits are
// ignored.
func PermissionsFromMode(m fs.FileMode) Permissions {
	var p Permissions
	if m&0o400 != 0 {
		p |= Read
	}
	if m&0o200 != 0 {
		p |= Write
	}
	if m&0o100 != 0 {
		p |= Execute
	}
	return p
}

func (p Permissions) Has(q Permissions) bool { return p&q == q }

// String renders the set the way ls does for the owner triplet, e.g. "rw-".
func (p Permissions) String() string {
	b := []byte("---")
	if p.Has(Read) {
		b[0] = 'r'
	}
	if p.Has(Write) {
		b[1] = 'w'
	}
	if p.Has(Execute) {
		b[2] = 'x'
	}
	return string(b)
}

func (p Permissions) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText accepts the form produced by String.
func (p *Permissions) UnmarshalText(text []byte) error {
	if len(text) != 3 {
		return fmt.Errorf("invalid permissions %q", text)
	}
	var out Permissions
	for i, flag := range []Permissions{Read, Write, Execute} {
		switch text[i] {
		case "rwx"[i]:
			out |= flag
		case '-':
		default:
			return fmt.Errorf("invalid permissions %q", text)
		}
	}
	*p = out
	return nil
}

// Entry describes one child of a listed directory.
type Entry struct {
	Name        string      `json:"name"`
	URL         string      `json:"url"`
	SizeLabel   string      `json:"size_label"`
	Size        int64       `json:"size"`
	Bytes       string      `json:"-"`
	IsDir       bool        `json:"is_dir"`
	Permissions Permissions `json:"permissions"`
	ModTime     time.Time   `json:"mod_time"`
	Modified    string      `json:"modified"`
}

// Context is everything the listing template needs for one directory.
type Context struct {
	ParentURL   string  `json:"parent_url"`
	Entries     []Entry `json:"entries"`
	CurrentPath string  `json:"current_path"`
}

// AsMap exposes the context under the keys used by the listing template.
func (c Context) AsMap() map[string]any {
	return map[string]any{
		"parent_url":   c.ParentURL,
		"entries":      c.Entries,
		"current_path": c.CurrentPath,
	}
}

// Lister reads directories. The function fields default to the os package
// and exist so tests can inject failures.
type Lister struct {
	ReadDir func(name string) ([]fs.DirEntry, error)
	Stat    func(name string) (fs.FileInfo, error)
	Now     func() time.Time
}

// NewLister returns a Lister backed by the real filesystem.
func NewLister() *Lister {
	return &Lister{ReadDir: os.ReadDir, Stat: os.Stat, Now: time.Now}
}

// Build lists dirPath, whose URL is urlPath (decoded, starting with "/"), and
// returns the render context. baseURL is "http://host:port". Any error while
// reading an entry aborts the whole listing.
func (l *Lister) Build(dirPath, urlPath, baseURL string) (Context, error) {
	dirURL := DirectoryURL(urlPath)

	fi, err := l.Stat(dirPath)
	if err != nil {
		return Context{}, fmt.Errorf("stat %s: %w", dirPath, err)
	}
	if !fi.IsDir() {
		return Context{}, fmt.Errorf("%s: %w", dirPath, ErrNotDirectory)
	}

	children, err := l.ReadDir(dirPath)
	if err != nil {
		return Context{}, fmt.Errorf("read directory %s: %w", dirPath, err)
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].Name() < children[j].Name()
	})

	now := l.Now()
	entries := make([]Entry, 0, len(children))
	for _, child := range children {
		info, err := child.Info()
		if err != nil {
			return Context{}, fmt.Errorf("read entry %s in %s: %w", child.Name(), dirPath, err)
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			// Links are shown as whatever they point at.
			info, err = l.Stat(filepath.Join(dirPath, child.Name()))
			if err != nil {
				return Context{}, fmt.Errorf("follow link %s in %s: %w", child.Name(), dirPath, err)
			}
		}
		entries = append(entries, newEntry(dirURL, child.Name(), info, now))
	}

	return Context{
		ParentURL:   ParentURL(urlPath),
		Entries:     entries,
		CurrentPath: strings.TrimSuffix(baseURL, "/") + dirURL,
	}, nil
}

func newEntry(dirURL, name string, info fs.FileInfo, now time.Time) Entry {
	e := Entry{
		Name:        name,
		URL:         ChildURL(dirURL, name, info.IsDir()),
		IsDir:       info.IsDir(),
		Permissions: PermissionsFromMode(info.Mode()),
		ModTime:     info.ModTime(),
		Modified:    humanize.RelTime(info.ModTime(), now, "ago", "from now"),
	}
	if e.IsDir {
		e.SizeLabel = "-"
	} else {
		e.Size = info.Size()
		e.SizeLabel = FormatSize(e.Size)
		e.Bytes = humanize.Comma(e.Size) + " bytes"
	}
	return e
}

// DirectoryURL cleans a decoded URL path and guarantees the trailing slash
// that relative links inside a directory rely on.
func DirectoryURL(urlPath string) string {
	p := path.Clean("/" + urlPath)
	if p != "/" {
		p += "/"
	}
	return p
}

// EscapePath percent-encodes every segment of a decoded URL path, keeping the
// separators.
func EscapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// ChildURL joins a directory URL and a child name into an absolute, escaped
// link. Directories get a trailing slash.
func ChildURL(dirURL, name string, isDir bool) string {
	u := EscapePath(DirectoryURL(dirURL)) + url.PathEscape(name)
	if isDir {
		u += "/"
	}
	return u
}

// ParentURL is the escaped link one level up from urlPath, or "" at the root.
func ParentURL(urlPath string) string {
	dir := DirectoryURL(urlPath)
	if dir == "/" {
		return ""
	}
	return EscapePath(DirectoryURL(path.Dir(strings.TrimSuffix(dir, "/"))))
}
