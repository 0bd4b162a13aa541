// Package email sends ticket acknowledgements to the customer over
// SMTP. Messages are composed from markdown into text and HTML parts.
package email

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"

	"github.com/nugget/supporthub/internal/config"
	"github.com/nugget/supporthub/internal/ticket"
)

// TicketHeader carries the ticket id on every acknowledgement.
const TicketHeader = "X-Supporthub-Ticket"

// SendFunc delivers a composed message. SendMail is the default.
type SendFunc func(ctx context.Context, cfg config.SMTPConfig, from string, recipients []string, msg []byte) error

var ackTemplate = template.Must(template.New("ack").Parse(`Hello,

We received your request and opened ticket **{{.ID}}** with **{{.Priority}}** priority. A member of our support team will follow up by email.

## Your message

{{range .UserLines}}> {{.}}
{{end}}
Reply to this email if you have anything to add. Please keep the ticket number in the subject.

Thanks,
The Support Team
`))

// Notifier emails an acknowledgement for each ticket that carries a
// user email address. It satisfies ticket.Notifier.
type Notifier struct {
	cfg    config.EmailConfig
	send   SendFunc
	logger *slog.Logger
}

// NewNotifier creates an acknowledgement notifier using cfg.
func NewNotifier(cfg config.EmailConfig, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:    cfg,
		send:   SendMail,
		logger: logger.With("component", "email"),
	}
}

// TicketCreated sends the acknowledgement. Tickets without an email
// address are skipped.
func (n *Notifier) TicketCreated(ctx context.Context, t ticket.Ticket) error {
	if t.UserEmail == "" {
		n.logger.Debug("ticket has no email, skipping acknowledgement", "ticket_id", t.ID)
		return nil
	}

	msg, err := n.Compose(t)
	if err != nil {
		return err
	}

	rcpts := collectRecipients([]string{t.UserEmail}, n.cfg.Bcc)
	if err := n.send(ctx, n.cfg.SMTP, n.cfg.From, rcpts, msg); err != nil {
		return fmt.Errorf("send acknowledgement for %s: %w", t.ID, err)
	}
	n.logger.Info("ticket acknowledgement sent", "ticket_id", t.ID, "recipients", len(rcpts))
	return nil
}

// Compose builds the acknowledgement message for t.
func (n *Notifier) Compose(t ticket.Ticket) ([]byte, error) {
	var body bytes.Buffer
	data := struct {
		ticket.Ticket
		UserLines []string
	}{t, splitLines(t.UserMessage)}
	if err := ackTemplate.Execute(&body, data); err != nil {
		return nil, fmt.Errorf("render acknowledgement: %w", err)
	}

	msg, err := ComposeMessage(ComposeOptions{
		From:    n.cfg.From,
		To:      []string{t.UserEmail},
		Subject: fmt.Sprintf("[%s] We received your support request", t.ID),
		Body:    body.String(),
		Headers: map[string]string{TicketHeader: t.ID},
		Date:    t.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("compose acknowledgement for %s: %w", t.ID, err)
	}
	return msg, nil
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}
