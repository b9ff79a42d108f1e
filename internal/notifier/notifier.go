package notifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/containrrr/shoutrrr"
	"github.com/containrrr/shoutrrr/pkg/types"
	"github.com/moistari/rls"

	"github.com/mescon/stallarr/internal/domain"
	"github.com/mescon/stallarr/internal/eventbus"
	"github.com/mescon/stallarr/internal/logger"
)

// Sender is the subset of shoutrrr's router the notifier uses.
type Sender interface {
	Send(message string, params *types.Params) []error
}

// Notifier delivers operator messages to every configured shoutrrr endpoint.
type Notifier struct {
	sender    Sender
	endpoints int
	publisher eventbus.Publisher
}

// New creates a notifier for urls. With no urls the notifier is disabled and
// Send always reports false. publisher may be nil.
func New(urls []string, publisher eventbus.Publisher) (*Notifier, error) {
	n := &Notifier{publisher: publisher, endpoints: len(urls)}
	if len(urls) == 0 {
		return n, nil
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("invalid notification URL: %w", err)
	}
	n.sender = sender
	return n, nil
}

// NewWithSender wires a custom sender standing in for endpoints endpoints.
func NewWithSender(sender Sender, endpoints int, publisher eventbus.Publisher) *Notifier {
	return &Notifier{sender: sender, endpoints: endpoints, publisher: publisher}
}

// Enabled reports whether any endpoint is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.sender != nil && n.endpoints > 0
}

// Send delivers message with title to all endpoints. It returns true when at
// least one endpoint accepted it.
func (n *Notifier) Send(ctx context.Context, title, message string) bool {
	if !n.Enabled() {
		logger.Debugf("Notifications not configured, dropping %q", title)
		return false
	}
	if err := ctx.Err(); err != nil {
		logger.Warnf("Notification %q not sent: %v", title, err)
		return false
	}

	errs := n.sender.Send(message, &types.Params{"title": title})

	delivered := 0
	var failures []string
	for i := 0; i < n.endpoints; i++ {
		var err error
		if i < len(errs) {
			err = errs[i]
		}
		if err != nil {
			failures = append(failures, err.Error())
			continue
		}
		delivered++
	}

	if len(failures) > 0 {
		logger.Errorf("Notification %q failed on %d of %d endpoints: %s", title, len(failures), n.endpoints, strings.Join(failures, "; "))
	}
	if delivered == 0 {
		n.publish(domain.NotificationFailed, title, strings.Join(failures, "; "))
		return false
	}
	logger.Infof("Notification sent: %s", title)
	n.publish(domain.NotificationSent, title, "")
	return true
}

func (n *Notifier) publish(eventType domain.EventType, title, errMsg string) {
	if n.publisher == nil {
		return
	}
	data := map[string]interface{}{"title": title}
	if errMsg != "" {
		data["error"] = errMsg
	}
	if err := n.publisher.Publish(domain.Event{
		AggregateType: domain.AggregateNotification,
		AggregateID:   title,
		EventType:     eventType,
		EventData:     data,
	}); err != nil {
		logger.Warnf("Failed to journal %s: %v", eventType, err)
	}
}

// =============================================================================
// Message formatting
// =============================================================================

// FormatTitle turns a scene-style release name into a readable title:
// "Show S01E02", "Movie (2020)" or the name unchanged when it does not parse.
func FormatTitle(name string) string {
	r := rls.ParseString(name)
	if r.Title == "" {
		return name
	}
	switch {
	case r.Series > 0 && r.Episode > 0:
		return fmt.Sprintf("%s S%02dE%02d", r.Title, r.Series, r.Episode)
	case r.Series > 0:
		return fmt.Sprintf("%s S%02d", r.Title, r.Series)
	case r.Year > 0:
		return fmt.Sprintf("%s (%d)", r.Title, r.Year)
	default:
		return r.Title
	}
}

// StalledTitle is the notification title for a stalled download.
func StalledTitle(manager domain.Manager) string {
	if manager == "" {
		return "Stalled download"
	}
	return fmt.Sprintf("Stalled download (%s)", manager.DisplayName())
}

// StalledMessage describes a stalled download.
func StalledMessage(name, reason string, checks int64) string {
	return fmt.Sprintf("%s\nReason: %s\nFailed checks: %d\nMarked as failed and removed.", FormatTitle(name), reason, checks)
}

// ConnectivityMessage describes an aborted cycle.
func ConnectivityMessage(err error) string {
	return fmt.Sprintf("Polling cycle aborted, a remote service is unreachable:\n%v", err)
}
