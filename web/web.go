// Package web bundles the default page templates and static assets served
// under the asset prefix.
package web

import (
	"embed"
	"io/fs"
)

//go:embed templates/*.html assets
var content embed.FS

// Templates returns the embedded template tree (index.html, listing.html,
// notfound.html at its root).
func Templates() fs.FS {
	sub, err := fs.Sub(content, "templates")
	if err != nil {
		panic(err)
	}
	return sub
}

// Assets returns the embedded asset tree (css/, js/, img/ at its root).
func Assets() fs.FS {
	sub, err := fs.Sub(content, "assets")
	if err != nil {
		panic(err)
	}
	return sub
}
