package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"certmailer/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// relay is a minimal plaintext SMTP server that records one transaction per
// connection.
type relay struct {
	ln         net.Listener
	rejectRcpt bool

	mu       sync.Mutex
	received []string
	conns    []net.Conn
	wg       sync.WaitGroup
}

func startRelay(t *testing.T, rejectRcpt bool) *relay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r := &relay{ln: ln, rejectRcpt: rejectRcpt}
	r.wg.Add(1)
	go r.serve()
	t.Cleanup(func() {
		ln.Close()
		r.mu.Lock()
		for _, c := range r.conns {
			c.Close()
		}
		r.mu.Unlock()
		r.wg.Wait()
	})
	return r
}

func (r *relay) serve() {
	defer r.wg.Done()
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns = append(r.conns, conn)
		r.mu.Unlock()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handle(conn)
		}()
	}
}

func (r *relay) handle(conn net.Conn) {
	defer conn.Close()
	tp := textproto.NewConn(conn)
	_ = tp.PrintfLine("220 localhost ESMTP test")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch cmd {
		case "EHLO", "HELO":
			_ = tp.PrintfLine("250 localhost")
		case "MAIL", "RSET", "NOOP":
			_ = tp.PrintfLine("250 OK")
		case "RCPT":
			if r.rejectRcpt {
				_ = tp.PrintfLine("550 no such user")
				continue
			}
			_ = tp.PrintfLine("250 OK")
		case "DATA":
			_ = tp.PrintfLine("354 go ahead")
			data, err := tp.ReadDotBytes()
			if err != nil {
				return
			}
			r.mu.Lock()
			r.received = append(r.received, string(data))
			r.mu.Unlock()
			_ = tp.PrintfLine("250 queued")
		case "QUIT":
			_ = tp.PrintfLine("221 bye")
			return
		default:
			_ = tp.PrintfLine("502 not implemented")
		}
	}
}

func (r *relay) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.received...)
}

func (r *relay) config(t *testing.T) Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(r.ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Config{Host: host, Port: port, From: "Events <events@example.org>", Timeout: 5 * time.Second, AllowPlaintext: true}
}

func TestSendDeliversMessage(t *testing.T) {
	r := startRelay(t, false)
	s := NewSMTP(r.config(t), nil)

	rec := models.Recipient{Index: 0, FullName: "Ada Lovelace", Email: "ada@example.com"}
	pdf := []byte("%PDF-1.4 fake bytes")
	err := s.Send(context.Background(), rec, "Your certificate", "<p>Hi Ada Lovelace</p>", pdf, "Ada Lovelace_Certificate.pdf")
	require.NoError(t, err)

	msgs := r.messages()
	require.Len(t, msgs, 1)

	parsed, err := mail.ReadMessage(strings.NewReader(msgs[0]))
	require.NoError(t, err)
	require.Equal(t, "<ada@example.com>", parsed.Header.Get("To"))
	require.Equal(t, "Your certificate", parsed.Header.Get("Subject"))

	body, att := splitParts(t, parsed)
	require.Equal(t, "<p>Hi Ada Lovelace</p>", body)
	require.Equal(t, pdf, att)
}

func TestSendRejectedRecipient(t *testing.T) {
	r := startRelay(t, true)
	s := NewSMTP(r.config(t), nil)

	err := s.Send(context.Background(), models.Recipient{FullName: "X", Email: "x@example.com"}, "s", "b", []byte("%PDF"), "X_Certificate.pdf")
	require.ErrorIs(t, err, ErrDelivery)
	require.Empty(t, r.messages())
}

func TestSendRequiresStartTLS(t *testing.T) {
	r := startRelay(t, false)
	cfg := r.config(t)
	cfg.AllowPlaintext = false
	s := NewSMTP(cfg, nil)

	err := s.Send(context.Background(), models.Recipient{FullName: "X", Email: "x@example.com"}, "s", "b", []byte("%PDF"), "X_Certificate.pdf")
	require.ErrorIs(t, err, ErrDelivery)
	require.Empty(t, r.messages())
}

func TestSendUnreachableRelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	s := NewSMTP(Config{Host: "127.0.0.1", Port: addr.Port, Timeout: time.Second, AllowPlaintext: true}, nil)
	err = s.Send(context.Background(), models.Recipient{FullName: "X", Email: "x@example.com"}, "s", "b", nil, "")
	require.ErrorIs(t, err, ErrDelivery)
}

func TestSendInvalidAddress(t *testing.T) {
	s := NewSMTP(Config{Host: "127.0.0.1", Port: 1}, nil)
	err := s.Send(context.Background(), models.Recipient{FullName: "X", Email: "not an address"}, "s", "b", nil, "")
	require.ErrorIs(t, err, ErrDelivery)
}

func TestMessageEncodesNonASCIISubjectAndFilename(t *testing.T) {
	s := NewSMTP(Config{From: "events@example.org"}, nil)
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	attachment := []byte{0x25, 0x50, 0x44, 0x46, 0x00, 0xff}
	msg, err := s.message("zoe@example.com", "Certificat pour Zoë", "<p>Zoë</p>", attachment, "Zoë_Certificate.pdf")
	require.NoError(t, err)
	var raw bytes.Buffer
	_, err = msg.WriteTo(&raw)
	require.NoError(t, err)

	parsed, err := mail.ReadMessage(&raw)
	require.NoError(t, err)
	subject, err := new(mime.WordDecoder).DecodeHeader(parsed.Header.Get("Subject"))
	require.NoError(t, err)
	require.Equal(t, "Certificat pour Zoë", subject)
	require.Contains(t, parsed.Header.Get("Message-ID"), "@example.org>")

	body, att := splitParts(t, parsed)
	require.Equal(t, "<p>Zoë</p>", body)
	require.Equal(t, attachment, att)
}

func splitParts(t *testing.T, msg *mail.Message) (string, []byte) {
	t.Helper()
	_, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	mr := multipart.NewReader(msg.Body, params["boundary"])

	// multipart.Reader decodes quoted-printable parts transparently.
	bodyPart, err := mr.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(bodyPart)
	require.NoError(t, err)

	var att []byte
	attPart, err := mr.NextPart()
	if err == io.EOF {
		return string(body), nil
	}
	require.NoError(t, err)
	require.Equal(t, "attachment", strings.SplitN(attPart.Header.Get("Content-Disposition"), ";", 2)[0])
	encoded, err := io.ReadAll(attPart)
	require.NoError(t, err)
	att, err = base64.StdEncoding.DecodeString(strings.Join(strings.Fields(string(encoded)), ""))
	require.NoError(t, err)
	return string(body), att
}
