// Package email sends site-owner notifications over SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	Owner    string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured reports whether owner notifications can be delivered.
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != "" && s.config.Owner != ""
}

// NewCommentData is rendered into the owner notification.
type NewCommentData struct {
	SiteName  string
	PageID    string
	CommentID string
	Username  string
	Content   string
	IsReply   bool
	Timestamp time.Time
}

// NotifyNewComment tells the site owner that someone commented.
func (s *Service) NotifyNewComment(data NewCommentData) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	if data.SiteName == "" {
		data.SiteName = "Inkwell"
	}

	kind := "comment"
	if data.IsReply {
		kind = "reply"
	}
	subject := fmt.Sprintf("New %s on %s from %s", kind, data.PageID, data.Username)

	html, err := renderTemplate(newCommentTemplate, data)
	if err != nil {
		return fmt.Errorf("render new comment template: %w", err)
	}
	return s.sendHTML([]string{s.config.Owner}, subject, html)
}

func (s *Service) sendHTML(to []string, subject, htmlBody string) error {
	msg := buildMessage(s.fromHeader(), to, subject, htmlBody)
	if err := s.send(s.server, s.auth, s.config.From, to, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func (s *Service) fromHeader() string {
	if s.config.FromName == "" {
		return s.config.From
	}
	return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
}

func buildMessage(from string, to []string, subject, htmlBody string) []byte {
	boundary := "boundary-inkwell"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", subject)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const newCommentTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>New {{if .IsReply}}reply{{else}}comment{{end}} on {{.PageID}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #7a4cc2; padding-bottom: 10px; margin-bottom: 20px; }
        .quote { border-left: 3px solid #ddd; padding-left: 12px; color: #555; white-space: pre-wrap; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.SiteName}}</h1>
    </div>

    <p><strong>{{.Username}}</strong> left a {{if .IsReply}}reply{{else}}comment{{end}} on <code>{{.PageID}}</code>:</p>

    <p class="quote">{{.Content}}</p>

    <div class="footer">
        <p>Comment {{.CommentID}} &middot; {{.Timestamp.Format "2006-01-02 15:04 MST"}}</p>
    </div>
</body>
</html>`
