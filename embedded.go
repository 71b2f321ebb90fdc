package main

import (
	"embed"
	"io/fs"
)

//go:embed static/index.html
var embeddedFiles embed.FS

// indexPage returns the bundled upload form.
func indexPage() ([]byte, error) {
	return fs.ReadFile(embeddedFiles, "static/index.html")
}
