package assets

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"example.com/dirserve/internal/config"
)

// defaultMimeTypes covers what a page bundle ships: styles, scripts, images
// and fonts. Anything else is served without a Content-Type.
var defaultMimeTypes = map[string]string{
	".avif":  "image/avif",
	".bmp":   "image/bmp",
	".css":   "text/css",
	".gif":   "image/gif",
	".ico":   "image/x-icon",
	".jpeg":  "image/jpeg",
	".jpg":   "image/jpeg",
	".js":    "application/javascript",
	".json":  "application/json",
	".map":   "application/json",
	".mjs":   "application/javascript",
	".otf":   "font/otf",
	".png":   "image/png",
	".svg":   "image/svg+xml",
	".ttf":   "font/ttf",
	".webp":  "image/webp",
	".woff":  "font/woff",
	".woff2": "font/woff2",
}

// MimeTypeResolver maps asset file extensions to content types. Custom
// entries take precedence over the built-in table.
type MimeTypeResolver struct {
	custom map[string]string
}

// NewMimeTypeResolver merges the inline map and the optional JSON file of
// cfg. The file wins over the inline map.
func NewMimeTypeResolver(cfg *config.AssetsConfig) (*MimeTypeResolver, error) {
	r := &MimeTypeResolver{custom: make(map[string]string)}
	if cfg == nil {
		return r, nil
	}
	for ext, mimeType := range cfg.MimeTypes {
		r.custom[strings.ToLower(ext)] = mimeType
	}
	if cfg.MimeTypesPath != nil && *cfg.MimeTypesPath != "" {
		fromFile, err := LoadCustomMimeTypesFromFile(*cfg.MimeTypesPath)
		if err != nil {
			return nil, &config.ConfigError{
				FilePath: *cfg.MimeTypesPath,
				Message:  "failed to load custom MIME types",
				Err:      err,
			}
		}
		for ext, mimeType := range fromFile {
			r.custom[ext] = mimeType
		}
	}
	return r, nil
}

// TypeFor returns the content type for name, or "" when the extension is
// unknown.
func (r *MimeTypeResolver) TypeFor(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return ""
	}
	if r != nil {
		if mimeType, ok := r.custom[ext]; ok {
			return mimeType
		}
	}
	return defaultMimeTypes[ext]
}

// LoadCustomMimeTypesFromFile reads a JSON object of extension to MIME type.
// Extensions must start with '.' and types must not be empty. Keys are
// lowercased.
func LoadCustomMimeTypesFromFile(filePath string) (map[string]string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read MIME types file %q: %w", filePath, err)
	}

	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse JSON from MIME types file %q: %w", filePath, err)
	}

	out := make(map[string]string, len(parsed))
	for ext, mimeType := range parsed {
		if !strings.HasPrefix(ext, ".") {
			return nil, fmt.Errorf("invalid extension %q in MIME types file %q: must start with a '.'", ext, filePath)
		}
		if mimeType == "" {
			return nil, fmt.Errorf("empty MIME type for extension %q in MIME types file %q", ext, filePath)
		}
		out[strings.ToLower(ext)] = mimeType
	}
	return out, nil
}
