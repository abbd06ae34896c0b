package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"endpointwatch/internal/models"
)

// StartPayloadPrefix prefixes the endpoint id in /start deep-link payloads.
const StartPayloadPrefix = "endpoint_"

// ErrBotUnavailable is returned by DeepLink when no Telegram bot is
// configured.
var ErrBotUnavailable = errors.New("telegram bot not configured")

// DeepLink builds the invitation that subscribes a Telegram chat to the
// endpoint's notifications.
func (d *Dispatcher) DeepLink(ctx context.Context, endpointID string) (models.Invitation, error) {
	e, err := d.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return models.Invitation{}, err
	}
	username, err := d.BotUsername(ctx)
	if err != nil {
		return models.Invitation{}, err
	}

	name := e.DisplayName()
	link := fmt.Sprintf("https://t.me/%s?start=%s", url.PathEscape(username), url.QueryEscape(StartPayloadPrefix+e.ID))
	return models.Invitation{
		EndpointName: name,
		Instructions: fmt.Sprintf("Open the link in Telegram and press Start to receive notifications for %s.", name),
		DeepLink:     link,
	}, nil
}

// BotUsername returns the configured bot username, asking the Bot API once
// when none was configured.
func (d *Dispatcher) BotUsername(ctx context.Context) (string, error) {
	d.botMu.Lock()
	defer d.botMu.Unlock()

	if d.botUsername != "" {
		return d.botUsername, nil
	}
	if d.telegram == nil {
		return "", ErrBotUnavailable
	}
	me, err := d.telegram.GetMe(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve bot username: %w", err)
	}
	if me.Username == "" {
		return "", ErrBotUnavailable
	}
	d.botUsername = strings.TrimPrefix(me.Username, "@")
	return d.botUsername, nil
}
