// Package notifier emails the operator when a destination needs attention.
package notifier

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ibeckermayer/threadmirror/internal/config"
	"github.com/ibeckermayer/threadmirror/internal/notifier/providers"
)

// Notifier sends operator alerts
type Notifier struct {
	sender   Sender
	to       string
	cooldown time.Duration
	log      zerolog.Logger
	now      func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

// Sender defines the interface for email sending
type Sender interface {
	Send(to, subject, htmlBody, plainBody string) error
}

// New creates a notifier that mails to. Repeated alerts about the same
// platform within cooldown are only logged.
func New(sender Sender, to string, cooldown time.Duration, log zerolog.Logger) *Notifier {
	return &Notifier{
		sender:   sender,
		to:       to,
		cooldown: cooldown,
		log:      log.With().Str("component", "notifier").Logger(),
		now:      time.Now,
		sent:     make(map[string]time.Time),
	}
}

// NewFromConfig creates a notifier based on configuration. A disabled
// config yields a notifier that only logs.
func NewFromConfig(cfg config.EmailConfig, log zerolog.Logger) (*Notifier, error) {
	if !cfg.Enabled {
		return New(nil, "", 0, log), nil
	}

	var sender Sender

	switch cfg.Provider {
	case "smtp":
		sender = providers.NewSMTPSender(
			cfg.SMTPHost,
			cfg.SMTPPort,
			cfg.SMTPUser,
			cfg.SMTPPass,
			cfg.FromAddr,
		)
	default:
		return nil, fmt.Errorf("unknown email provider: %s", cfg.Provider)
	}

	return New(sender, cfg.ToAddr, cfg.AlertCooldown.Duration, log), nil
}

// AuthFailure reports that platform rejected its credentials.
func (n *Notifier) AuthFailure(platform string, cause error) error {
	n.log.Error().Err(cause).Str("platform", platform).Msg("Destination rejected credentials")

	if n.sender == nil {
		return nil
	}

	n.mu.Lock()
	now := n.now()
	if last, ok := n.sent[platform]; ok && n.cooldown > 0 && now.Sub(last) < n.cooldown {
		n.mu.Unlock()
		n.log.Debug().Str("platform", platform).Time("last_sent", last).Msg("Alert suppressed by cooldown")
		return nil
	}
	n.sent[platform] = now
	n.mu.Unlock()

	alert, err := authFailureAlert(platform, cause, now)
	if err != nil {
		return err
	}

	if err := n.sender.Send(n.to, alert.Subject, alert.HTMLBody, alert.PlainBody); err != nil {
		// allow a retry on the next failure
		n.mu.Lock()
		delete(n.sent, platform)
		n.mu.Unlock()
		return fmt.Errorf("failed to send alert: %w", err)
	}
	return nil
}

// SendTest sends a message confirming the mail settings work
func (n *Notifier) SendTest() error {
	if n.sender == nil {
		return fmt.Errorf("email alerts are disabled")
	}
	alert, err := testAlert(n.now())
	if err != nil {
		return err
	}
	return n.sender.Send(n.to, alert.Subject, alert.HTMLBody, alert.PlainBody)
}
