// Package notify delivers security notifications to license holders and
// portal operators.
package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

const (
	TemplateTamperHolder   = "tamper_holder.html"
	TemplateTamperOperator = "tamper_operator.html"
)

// TamperNotice is the data rendered into both tamper templates
type TamperNotice struct {
	CustomerName string
	LicenseKey   string
	ProductName  string
	Event        string
	Reason       string
	DeviceID     string
	Hostname     string
	IPAddress    string
	IncidentID   uint
	Suspended    bool
	OccurredAt   time.Time
	SupportEmail string
}

// Message is one rendered e-mail
type Message struct {
	To      []string
	Subject string
	HTML    string
}

// Notifier sends a message. Implementations must be safe to call again
// with the same message; duplicates are acceptable.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// HolderTamperMessage renders the notice sent to the license holder
func HolderTamperMessage(to string, n TamperNotice) (Message, error) {
	return render([]string{to}, "URGENT: AMPOS License Suspended - Security Violation", TemplateTamperHolder, n)
}

// OperatorTamperMessage renders the notice sent to the portal operator
func OperatorTamperMessage(to string, n TamperNotice) (Message, error) {
	return render([]string{to}, "CRITICAL: AMPOS Security Violation - License "+n.LicenseKey, TemplateTamperOperator, n)
}

func render(to []string, subject, name string, data any) (Message, error) {
	var body bytes.Buffer
	if err := templates.ExecuteTemplate(&body, name, data); err != nil {
		return Message{}, fmt.Errorf("execute template %s: %w", name, err)
	}
	return Message{To: to, Subject: subject, HTML: body.String()}, nil
}

// LogNotifier records messages in the log instead of sending them. It is
// used when SMTP is not configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Send implements Notifier
func (n LogNotifier) Send(ctx context.Context, msg Message) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification (smtp disabled)",
		slog.String("component", "notify"),
		slog.Any("to", msg.To),
		slog.String("subject", msg.Subject))
	return nil
}
