// Package download maps request paths onto the served root and streams
// regular files to the client as attachments.
package download

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"example.com/dirserve/internal/logger"
	"example.com/dirserve/internal/server"
)

// ErrOutsideRoot is returned when a request path would resolve to a location
// outside the served root.
var ErrOutsideRoot = errors.New("path escapes the served root")

// ContentType is sent for every download regardless of the file's extension.
const ContentType = "application/octet-stream"

// Resolve maps a decoded URL path onto root and stats the result. root must
// be absolute and clean. Dot segments are collapsed against "/" first, so the
// result never leaves root lexically.
func Resolve(root, urlPath string) (string, os.FileInfo, error) {
	clean := path.Clean("/" + urlPath)
	target := filepath.Join(root, filepath.FromSlash(clean))
	if target != root && !strings.HasPrefix(target, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator)) {
		return "", nil, fmt.Errorf("%w: %s", ErrOutsideRoot, urlPath)
	}
	fi, err := os.Stat(target)
	if err != nil {
		return "", nil, fmt.Errorf("stat %s: %w", target, err)
	}
	return target, fi, nil
}

// ContentDisposition builds the attachment header for a file called name.
func ContentDisposition(name string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `attachment; filename="` + r.Replace(name) + `"`
}

// Serve streams the regular file at filePath. If it cannot be opened nothing
// has been written yet and the error is returned for the caller to answer.
// Errors after the headers are sent are logged only.
func Serve(w http.ResponseWriter, req *http.Request, filePath string, fi os.FileInfo, lg *logger.Logger) error {
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", filePath)
	}
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", ContentDisposition(fi.Name()))
	server.LogState(lg, req, server.StateStreaming, logger.LogFields{"file": filePath, "size": fi.Size()})
	n, err := server.WriteStream(w, req, http.StatusOK, ContentType, fi.Size(), f)
	if err != nil {
		lg.Error("Error streaming file", logger.LogFields{
			"request_id": server.RequestID(req),
			"path":       filePath,
			"written":    n,
			"error":      err.Error(),
		})
	}
	return nil
}
