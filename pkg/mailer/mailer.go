// Package mailer sends the HTML emails of the application: welcome mails for
// new clients and notification digests.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"

	"caseace/pkg/config"
)

type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// New returns an SMTP sender when SMTP is configured and a logging no-op
// sender otherwise.
func New(cfg config.SMTPConfig, log zerolog.Logger) (Sender, error) {
	if !cfg.Enabled() {
		log.Info().Msg("SMTP not configured, emails are only logged")
		return Noop{log: log}, nil
	}
	return NewSMTP(cfg, log)
}

type SMTP struct {
	client *mail.Client
	from   string
	log    zerolog.Logger
}

func NewSMTP(cfg config.SMTPConfig, log zerolog.Logger) (*SMTP, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &SMTP{client: c, from: cfg.From, log: log}, nil
}

func (s *SMTP) Send(ctx context.Context, m Message) error {
	msg := mail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return fmt.Errorf("from address: %w", err)
	}
	if err := msg.To(m.To); err != nil {
		return fmt.Errorf("to address: %w", err)
	}
	msg.Subject(m.Subject)
	msg.SetBodyString(mail.TypeTextHTML, m.HTML)
	if m.Text != "" {
		msg.AddAlternativeString(mail.TypeTextPlain, m.Text)
	}
	if err := s.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", m.To, err)
	}
	s.log.Debug().Str("to", m.To).Str("subject", m.Subject).Msg("mail sent")
	return nil
}

// Noop logs messages instead of sending them.
type Noop struct {
	log zerolog.Logger
}

func NewNoop(log zerolog.Logger) Noop { return Noop{log: log} }

func (n Noop) Send(_ context.Context, m Message) error {
	n.log.Info().Str("to", m.To).Str("subject", m.Subject).Msg("mail not sent (SMTP disabled)")
	return nil
}

var templates = template.Must(template.New("mail").Parse(`
{{define "welcome"}}<p>Dear {{.Name}},</p>
<p>An account was created for you on the CaseAce client portal.</p>
<p>Login: <b>{{.Email}}</b><br>Temporary password: <b>{{.Password}}</b></p>
<p>Please sign in at <a href="{{.AppURL}}/login">{{.AppURL}}</a> and change your password.</p>{{end}}
{{define "notification"}}<p>{{.Title}}</p>
<p>{{.Message}}</p>
<p><a href="{{.AppURL}}">Open CaseAce</a></p>{{end}}
`))

// WelcomeData fills the welcome template.
type WelcomeData struct {
	Name     string
	Email    string
	Password string
	AppURL   string
}

func Welcome(d WelcomeData) (Message, error) {
	html, err := render("welcome", d)
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:      d.Email,
		Subject: "Your CaseAce client account",
		HTML:    html,
		Text:    fmt.Sprintf("Login: %s\nTemporary password: %s\n%s/login", d.Email, d.Password, d.AppURL),
	}, nil
}

type NotificationData struct {
	Title   string
	Message string
	AppURL  string
}

func Notification(to string, d NotificationData) (Message, error) {
	html, err := render("notification", d)
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: d.Title, HTML: html, Text: d.Message}, nil
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
