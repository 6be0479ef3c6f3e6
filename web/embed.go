// Package web embeds the HTML templates used by the hook server: the
// confirmation emails and the confirmation error page.
package web

import "embed"

// TemplatesFS embeds HTML templates for server-side rendering.
//
//go:embed templates/*.html
var TemplatesFS embed.FS
