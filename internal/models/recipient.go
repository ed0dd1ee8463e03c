package models

import "strings"

// Recipient is one roster row. Index is the row's position in the roster and
// is its identity for the lifetime of a batch.
type Recipient struct {
	Index    int    `json:"index"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

// Eligible reports whether both required fields are present.
func (r Recipient) Eligible() bool {
	return strings.TrimSpace(r.FullName) != "" && strings.TrimSpace(r.Email) != ""
}

// Template is the email subject/body carrying one substitutable placeholder.
type Template struct {
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	Placeholder string `json:"placeholder"`
}

// RenderedDocument is the exported certificate for one recipient.
type RenderedDocument struct {
	Recipient Recipient
	Name      string
	Content   []byte
}
