// Package email sends moderation alerts via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewService creates a new email service
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

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendHTMLEmail sends an HTML email with a plain text alternative.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	if len(to) == 0 {
		return fmt.Errorf("email has no recipients")
	}

	boundary := "boundary-mentorly-alert"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.fromHeader())
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// BlockedContentAlert describes a message rejected on a thread that may
// include minors. The message text itself is never included.
type BlockedContentAlert struct {
	WorkspaceID string
	ThreadID    string
	ThreadKind  string
	SenderID    string
	FlagTypes   []string
	BlockedAt   time.Time
}

// SendBlockedContentAlert notifies safety admins of a blocked message.
func (s *Service) SendBlockedContentAlert(to []string, alert BlockedContentAlert) error {
	subject := fmt.Sprintf("[Mentorly safety] Message blocked in thread %s", alert.ThreadID)
	text := fmt.Sprintf(
		"A message was blocked by the content policy.\n\nWorkspace: %s\nThread: %s (%s)\nSender: %s\nDetected: %s\nAt: %s\n",
		alert.WorkspaceID,
		alert.ThreadID,
		alert.ThreadKind,
		alert.SenderID,
		strings.Join(alert.FlagTypes, ", "),
		alert.BlockedAt.UTC().Format(time.RFC3339),
	)
	html, err := renderTemplate(blockedContentTemplate, alert)
	if err != nil {
		return fmt.Errorf("render blocked content template: %w", err)
	}
	return s.SendHTMLEmail(to, subject, text, html)
}

var templateFuncs = template.FuncMap{
	"join": strings.Join,
	"utc":  func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Funcs(templateFuncs).Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const blockedContentTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Message blocked</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #b42318; padding-bottom: 10px; margin-bottom: 20px; }
        th { text-align: left; padding-right: 16px; color: #666; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Mentorly safety</h1>
    </div>

    <p>A message was blocked by the content policy before delivery.</p>

    <table>
        <tr><th>Workspace</th><td>{{.WorkspaceID}}</td></tr>
        <tr><th>Thread</th><td>{{.ThreadID}} ({{.ThreadKind}})</td></tr>
        <tr><th>Sender</th><td>{{.SenderID}}</td></tr>
        <tr><th>Detected</th><td>{{join .FlagTypes ", "}}</td></tr>
        <tr><th>At</th><td>{{utc .BlockedAt}}</td></tr>
    </table>

    <div class="footer">
        <p>Review the moderation audit trail for details. The message text is not included in this alert.</p>
    </div>
</body>
</html>`
