package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"endpointwatch/internal/telegram"
)

// ChannelKind is one of the fixed notification channel variants.
type ChannelKind string

const (
	// ChannelBroadcast publishes to an ntfy topic.
	ChannelBroadcast ChannelKind = "ntfy"
	// ChannelDirect messages a Telegram private chat.
	ChannelDirect ChannelKind = "telegram"
	// ChannelGroup messages a Telegram group, optionally in a forum thread.
	ChannelGroup ChannelKind = "telegram_group"
)

// Target is one delivery destination. Address is the ntfy topic for
// broadcasts and the chat id otherwise.
type Target struct {
	Kind     ChannelKind
	Address  string
	ThreadID int64
}

func (t Target) String() string {
	if t.ThreadID != 0 {
		return t.Address + "#" + strconv.FormatInt(t.ThreadID, 10)
	}
	return t.Address
}

// Publisher sends broadcast messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

// TelegramAPI is the subset of the Bot API the dispatcher uses.
type TelegramAPI interface {
	SendMessage(ctx context.Context, req telegram.SendMessageRequest) (*telegram.Message, error)
	GetMe(ctx context.Context) (*telegram.User, error)
}

// ErrChannelUnavailable is returned for a target whose channel client is not
// configured.
var ErrChannelUnavailable = errors.New("channel not configured")

// send delivers msg to t once and returns the text that was sent.
func (d *Dispatcher) send(ctx context.Context, t Target, msg Message) (string, error) {
	switch t.Kind {
	case ChannelBroadcast:
		if d.publisher == nil {
			return msg.Plain, ErrChannelUnavailable
		}
		return msg.Plain, d.publisher.Publish(ctx, t.Address, msg)
	case ChannelDirect, ChannelGroup:
		text := msg.HTML
		if t.Kind == ChannelGroup {
			text = msg.Group
		}
		if d.telegram == nil {
			return text, ErrChannelUnavailable
		}
		_, err := d.telegram.SendMessage(ctx, telegram.SendMessageRequest{
			ChatID:                t.Address,
			Text:                  text,
			ParseMode:             telegram.ParseModeHTML,
			MessageThreadID:       t.ThreadID,
			DisableWebPagePreview: true,
		})
		return text, err
	default:
		return "", fmt.Errorf("unsupported channel %q", t.Kind)
	}
}

// DispatchError describes a delivery that failed after all attempts.
type DispatchError struct {
	Channel  ChannelKind
	Target   string
	Attempts int
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s %s: failed after %d attempt(s): %v", e.Channel, e.Target, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// IsTransient reports whether a failed send is worth one immediate retry:
// network failures, rate limiting and server errors.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrChannelUnavailable) {
		return false
	}
	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
