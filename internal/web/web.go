// Package web bundles the HTML templates and static assets the service
// renders. Everything is embedded so the binary is self-contained.
package web

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"io/fs"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// Pages renders the application's HTML templates.
type Pages struct {
	templates *template.Template
}

// NewPages parses the embedded templates.
func NewPages() (*Pages, error) {
	t, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Pages{templates: t}, nil
}

// Render executes the named template with data.
func (p *Pages) Render(w io.Writer, name string, data any) error {
	return p.templates.ExecuteTemplate(w, name, data)
}

// Static exposes the embedded asset tree rooted at its js/css/image
// directories, ready to mount behind a file server.
func Static() (fs.FS, error) {
	return fs.Sub(staticFS, "static")
}
