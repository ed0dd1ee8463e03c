package mailer

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"
)

const pdfContentType mail.ContentType = "application/pdf"

// message builds one email with an HTML body and the certificate attached as
// a PDF. Subject and file name may contain any UTF-8.
func (s *SMTP) message(to, subject, body string, attachment []byte, attachmentName string) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("sender address %q: %w", s.cfg.From, err)
	}
	if err := m.To(to); err != nil {
		return nil, fmt.Errorf("recipient address %q: %w", to, err)
	}
	m.Subject(subject)
	m.SetDateWithValue(s.now())
	m.SetMessageIDWithValue(uuid.NewString() + "@" + domainOf(s.cfg.From))
	m.SetBodyString(mail.TypeTextHTML, body)
	if len(attachment) > 0 {
		if err := m.AttachReader(attachmentName, bytes.NewReader(attachment), mail.WithFileContentType(pdfContentType)); err != nil {
			return nil, fmt.Errorf("attach %s: %w", attachmentName, err)
		}
	}
	return m, nil
}

func domainOf(addr string) string {
	addr = strings.TrimSuffix(strings.TrimSpace(addr), ">")
	if at := strings.LastIndex(addr, "@"); at >= 0 && at < len(addr)-1 {
		return addr[at+1:]
	}
	return "localhost"
}
