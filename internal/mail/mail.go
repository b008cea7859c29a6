// Package mail renders the service's notification templates and sends them
// from the signed-in provider mailbox.
package mail

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"strings"

	"obsapi.org/internal/graph"
	"obsapi.org/internal/store"
)

// Template names.
const (
	Welcome  = "obs"
	Transfer = "transfer"
)

//go:embed templates/*.html
var files embed.FS

var subjects = map[string]string{
	Welcome:  "Welcome to the One Button Studio",
	Transfer: "Transfer your One Button Studio recordings",
}

// Data is what every template may reference.
type Data struct {
	FullName         string
	Account          string
	ValidationString string
}

// Sender delivers a message using a bearer token.
type Sender interface {
	SendMail(ctx context.Context, token string, msg graph.Message) error
}

// Tokens yields the current service token.
type Tokens interface {
	Current(ctx context.Context) (store.AccessToken, error)
}

// Mailer sends templated mail.
type Mailer struct {
	sender    Sender
	tokens    Tokens
	templates *template.Template
}

// New parses the embedded templates.
func New(sender Sender, tokens Tokens) (*Mailer, error) {
	tmpl, err := template.ParseFS(files, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse mail templates: %w", err)
	}
	return &Mailer{sender: sender, tokens: tokens, templates: tmpl}, nil
}

// Render returns the subject and HTML body of template name.
func (m *Mailer) Render(name string, data Data) (string, string, error) {
	subject, ok := subjects[name]
	if !ok {
		return "", "", fmt.Errorf("mail: unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := m.templates.ExecuteTemplate(&buf, name+".html", data); err != nil {
		return "", "", fmt.Errorf("render %s: %w", name, err)
	}
	return subject, buf.String(), nil
}

// Send renders template name and mails it to the given address.
func (m *Mailer) Send(ctx context.Context, to, name string, data Data) error {
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("mail: no recipient")
	}
	subject, body, err := m.Render(name, data)
	if err != nil {
		return err
	}
	tok, err := m.tokens.Current(ctx)
	if err != nil {
		return fmt.Errorf("mail: load token: %w", err)
	}
	return m.sender.SendMail(ctx, tok.Value, graph.Message{
		Subject:      subject,
		Body:         graph.ItemBody{ContentType: "HTML", Content: body},
		ToRecipients: []graph.Recipient{{EmailAddress: graph.EmailAddress{Address: to}}},
	})
}
