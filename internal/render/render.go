// Package render produces recipient-specific email text from a template.
package render

import (
	"strings"

	"certmailer/internal/models"
)

// Rendered is the subject and body for one recipient.
type Rendered struct {
	Subject string
	Body    string
}

// Render replaces every occurrence of tmpl.Placeholder in the subject and
// body with the recipient's full name. The template is taken by value and
// every call starts from it, so output for one recipient never depends on a
// previous call.
func Render(tmpl models.Template, rec models.Recipient) Rendered {
	if tmpl.Placeholder == "" {
		return Rendered{Subject: tmpl.Subject, Body: tmpl.Body}
	}
	return Rendered{
		Subject: strings.ReplaceAll(tmpl.Subject, tmpl.Placeholder, rec.FullName),
		Body:    strings.ReplaceAll(tmpl.Body, tmpl.Placeholder, rec.FullName),
	}
}
