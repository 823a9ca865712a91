// Package notify delivers change-set emails over SMTP submission.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/tracker"
)

// TimestampLayout is the layout of the check timestamp in the message body.
const TimestampLayout = "2006-01-02 15:04:05"

const sslPort = 465

// Config describes the SMTP account and recipient.
type Config struct {
	Host      string
	Port      int
	Sender    string
	Password  string
	Recipient string
	Timeout   time.Duration
}

// Sender delivers composed messages. *mail.Client satisfies it.
type Sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Notifier composes and sends one plain-text message per change set.
type Notifier struct {
	cfg    Config
	sender Sender
	clock  tracker.Clock
	logger *zap.Logger
}

// Option customizes a Notifier.
type Option func(*Notifier)

// WithSender replaces the SMTP client.
func WithSender(s Sender) Option {
	return func(n *Notifier) { n.sender = s }
}

// WithClock sets the clock used for the check timestamp.
func WithClock(c tracker.Clock) Option {
	return func(n *Notifier) { n.clock = c }
}

// New builds a Notifier. Unless WithSender is given, an SMTP client is
// configured with mandatory STARTTLS (implicit TLS on port 465) and AUTH PLAIN.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Notifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Recipient == "" {
		cfg.Recipient = cfg.Sender
	}
	n := &Notifier{cfg: cfg, logger: logger, clock: system.New()}
	for _, opt := range opts {
		opt(n)
	}
	if n.sender != nil {
		return n, nil
	}

	client, err := newClient(cfg)
	if err != nil {
		return nil, &tracker.NotifyError{Recipient: cfg.Recipient, Err: err}
	}
	n.sender = client
	return n, nil
}

func newClient(cfg Config) (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Sender),
		mail.WithPassword(cfg.Password),
		mail.WithTLSPolicy(mail.TLSMandatory),
	}
	if cfg.Port == sslPort {
		opts = append(opts, mail.WithSSL())
	}
	if cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(cfg.Timeout))
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return client, nil
}

// Subject returns the message subject for changes.
func Subject(changes tracker.ChangeSet) string {
	return fmt.Sprintf("Webpage Changes Detected - %d page(s) updated", len(changes))
}

// Body renders the plain-text message body.
func Body(changes tracker.ChangeSet, checkedAt time.Time) string {
	var b strings.Builder
	b.WriteString("Hello,\n\nThe following webpage(s) have been updated since the last check:\n\n")
	for _, c := range changes {
		b.WriteString("  - ")
		b.WriteString(c.URL.String())
		if c.FirstSeen {
			b.WriteString(" (now tracking)")
		}
		b.WriteString("\n")
	}
	b.WriteString("\n\nCheck timestamp: ")
	b.WriteString(checkedAt.Format(TimestampLayout))
	b.WriteString("\n\n---\nThis is an automated message from your webpage change tracker.\n")
	return b.String()
}

// Compose builds the message for changes. A malformed address is a *tracker.NotifyError.
func (n *Notifier) Compose(changes tracker.ChangeSet) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(n.cfg.Sender); err != nil {
		return nil, &tracker.NotifyError{Recipient: n.cfg.Recipient, Err: fmt.Errorf("sender address: %w", err)}
	}
	if err := msg.To(n.cfg.Recipient); err != nil {
		return nil, &tracker.NotifyError{Recipient: n.cfg.Recipient, Err: fmt.Errorf("recipient address: %w", err)}
	}
	now := n.clock.Now()
	msg.Subject(Subject(changes))
	msg.SetDateWithValue(now)
	msg.SetBodyString(mail.TypeTextPlain, Body(changes, now))
	return msg, nil
}

// Notify sends a single message. An empty change set sends nothing.
func (n *Notifier) Notify(ctx context.Context, changes tracker.ChangeSet) error {
	if len(changes) == 0 {
		return nil
	}
	msg, err := n.Compose(changes)
	if err != nil {
		return err
	}
	if err := n.sender.DialAndSendWithContext(ctx, msg); err != nil {
		return &tracker.NotifyError{Recipient: n.cfg.Recipient, Err: err}
	}
	n.logger.Info("notification sent",
		zap.String("recipient", n.cfg.Recipient),
		zap.Int("changes", len(changes)))
	return nil
}
