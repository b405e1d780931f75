// Package notify delivers operator notifications. Slack is the production
// sink; a zerolog fallback keeps development and degraded deployments from
// silently dropping alerts.
package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Severity selects the destination channel.
type Severity string

const (
	SevInfo     Severity = "info"
	SevWarning  Severity = "warning"
	SevCritical Severity = "critical"
)

// Notifier delivers one message to operators. Implementations must be safe
// for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, sev Severity, title, detail string) error
}

// SlackNotifier posts to per-severity channels.
type SlackNotifier struct {
	client   *slack.Client
	channels map[Severity]string
	fallback Notifier
	log      zerolog.Logger
}

// NewSlackNotifier builds a notifier posting to the given channels. Missing
// severities fall back to the warning channel; delivery failures fall back
// to the log notifier so alerts are never lost outright.
func NewSlackNotifier(token string, channels map[Severity]string, logger zerolog.Logger) *SlackNotifier {
	return &SlackNotifier{
		client:   slack.New(token),
		channels: channels,
		fallback: NewLogNotifier(logger),
		log:      logger.With().Str("component", "notify").Logger(),
	}
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, sev Severity, title, detail string) error {
	channel, ok := n.channels[sev]
	if !ok {
		channel = n.channels[SevWarning]
	}
	if channel == "" {
		return n.fallback.Notify(ctx, sev, title, detail)
	}

	_, _, err := n.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText(fmt.Sprintf("*%s*\n%s", title, detail), false),
	)
	if err != nil {
		n.log.Error().Err(err).Str("channel", channel).Msg("slack delivery failed")
		return n.fallback.Notify(ctx, sev, title, detail)
	}
	return nil
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier builds the log-only notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: logger.With().Str("component", "notify").Logger()}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, sev Severity, title, detail string) error {
	ev := n.log.Info()
	switch sev {
	case SevWarning:
		ev = n.log.Warn()
	case SevCritical:
		ev = n.log.Error()
	}
	ev.Str("title", title).Str("detail", detail).Msg("notification")
	return nil
}
