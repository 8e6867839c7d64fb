// Package assets serves the stylesheets, scripts and images bundled with the
// server. The asset tree is independent of the directory being browsed.
package assets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned for names that do not resolve to a regular file in
// the bundle, including names that try to leave it.
var ErrNotFound = errors.New("asset not found")

// Asset is one bundled file, read fully into memory.
type Asset struct {
	Name        string
	ContentType string // "" when the extension is unknown
	Body        []byte
	ModTime     time.Time
}

// Store resolves asset names against a read-only filesystem.
type Store struct {
	fsys  fs.FS
	mimes *MimeTypeResolver
}

// NewStore wraps fsys. A nil resolver means the built-in table only.
func NewStore(fsys fs.FS, mimes *MimeTypeResolver) (*Store, error) {
	if fsys == nil {
		return nil, errors.New("asset filesystem cannot be nil")
	}
	if mimes == nil {
		mimes = &MimeTypeResolver{}
	}
	return &Store{fsys: fsys, mimes: mimes}, nil
}

// NewDirStore serves assets from a directory on disk instead of the embedded
// bundle.
func NewDirStore(dir string, mimes *MimeTypeResolver) (*Store, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("asset directory: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("asset directory %q is not a directory", dir)
	}
	return NewStore(os.DirFS(dir), mimes)
}

// Open reads the asset called name, a slash-separated path relative to the
// asset prefix. Leading slashes and dot segments are cleaned away first.
func (s *Store) Open(name string) (*Asset, error) {
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	if clean == "" || !fs.ValidPath(clean) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	fi, err := fs.Stat(s.fsys, clean)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %q is not a file", ErrNotFound, name)
	}

	body, err := fs.ReadFile(s.fsys, clean)
	if err != nil {
		return nil, fmt.Errorf("read asset %q: %w", clean, err)
	}
	return &Asset{
		Name:        clean,
		ContentType: s.mimes.TypeFor(clean),
		Body:        body,
		ModTime:     fi.ModTime(),
	}, nil
}
