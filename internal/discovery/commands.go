package discovery

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"endpointwatch/internal/models"
	"endpointwatch/internal/notify"
	"endpointwatch/internal/storage"
	"endpointwatch/internal/telegram"
)

// Inline keyboard callback data. Endpoint ids follow the prefixes.
const (
	callbackSubscribe   = "sub:"
	callbackUnsubscribe = "unsub:"
	callbackRefresh     = "refresh"
)

// parseCommand splits "/cmd@bot arg" into its command and argument.
func parseCommand(text string) (string, string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	cmd, arg, _ := strings.Cut(text, " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return strings.ToLower(cmd), strings.TrimSpace(arg), true
}

func (l *Listener) handleCommand(ctx context.Context, msg *telegram.Message) {
	cmd, arg, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	switch cmd {
	case "/start":
		switch id, found := strings.CutPrefix(arg, notify.StartPayloadPrefix); {
		case found:
			l.reply(ctx, msg, l.subscribe(ctx, msg, id))
		case arg != "":
			l.reply(ctx, msg, "❓ Unknown parameter. Send /help for usage.")
		default:
			l.reply(ctx, msg, l.helpText())
		}
	case "/help":
		l.reply(ctx, msg, l.helpText())
	case "/status":
		l.reply(ctx, msg, l.statusText(ctx))
	case "/subscribe":
		text, keyboard := l.subscribeMenu(ctx, strconv.FormatInt(msg.Chat.ID, 10))
		l.reply(ctx, msg, text, keyboard...)
	case "/list":
		l.reply(ctx, msg, l.listText(ctx, msg))
	case "/unsubscribe":
		l.reply(ctx, msg, l.unsubscribe(ctx, msg, strings.TrimPrefix(arg, notify.StartPayloadPrefix)))
	}
}

// handleCallback applies a /subscribe menu button and redraws the menu.
func (l *Listener) handleCallback(ctx context.Context, q *telegram.CallbackQuery) {
	if q.Message == nil {
		l.answer(ctx, q, "This menu has expired, send /subscribe again.")
		return
	}
	chatID := strconv.FormatInt(q.Message.Chat.ID, 10)

	var notice string
	switch {
	case q.Data == callbackRefresh:
		notice = "🔄 Refreshed"
	case strings.HasPrefix(q.Data, callbackSubscribe):
		e, err := l.enable(ctx, q.Message.Chat, q.Message.MessageThreadID, strings.TrimPrefix(q.Data, callbackSubscribe))
		switch {
		case errors.Is(err, storage.ErrNotFound):
			notice = "❌ Endpoint not found."
		case err != nil:
			notice = "❌ Could not subscribe, please try again later."
		default:
			notice = "✅ Subscribed to " + e.DisplayName()
		}
	case strings.HasPrefix(q.Data, callbackUnsubscribe):
		n, err := l.disable(ctx, chatID, strings.TrimPrefix(q.Data, callbackUnsubscribe))
		switch {
		case err != nil:
			notice = "❌ Could not unsubscribe, please try again later."
		case n == 0:
			notice = "ℹ️ Not subscribed."
		default:
			notice = "🔕 Unsubscribed"
		}
	default:
		l.answer(ctx, q, "❓ Unknown action.")
		return
	}
	l.answer(ctx, q, notice)

	text, keyboard := l.subscribeMenu(ctx, chatID)
	err := l.bot.EditMessageText(ctx, telegram.EditMessageRequest{
		ChatID:    chatID,
		MessageID: q.Message.MessageID,
		Text:      text,
		ParseMode: telegram.ParseModeHTML,
		Keyboard:  keyboard,
	})
	if err != nil {
		// an unchanged menu is rejected as "message is not modified"
		l.logger.Debug("error updating subscribe menu", "chat_id", chatID, "error", err)
	}
}

func (l *Listener) answer(ctx context.Context, q *telegram.CallbackQuery, text string) {
	if err := l.bot.AnswerCallbackQuery(ctx, q.ID, text); err != nil {
		l.logger.Warn("error answering callback", "callback_id", q.ID, "error", err)
	}
}

func subscriptionKind(chatType string) models.SubscriptionKind {
	if chatType == "private" {
		return models.SubscriptionDirect
	}
	return models.SubscriptionGroup
}

// enable creates or re-enables the chat's subscription to an endpoint. A
// forum thread id pins group deliveries to that thread.
func (l *Listener) enable(ctx context.Context, chat telegram.Chat, threadID int64, endpointID string) (*models.Endpoint, error) {
	e, err := l.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			l.logger.Error("error loading endpoint for subscription", "endpoint_id", endpointID, "error", err)
		}
		return nil, err
	}

	sub := &models.Subscription{
		EndpointID: e.ID,
		Kind:       subscriptionKind(chat.Type),
		ChatID:     strconv.FormatInt(chat.ID, 10),
		Enabled:    true,
	}
	if threadID != 0 {
		sub.ThreadID = strconv.FormatInt(threadID, 10)
	}
	if _, err := l.store.EnableSubscription(ctx, sub); err != nil {
		l.logger.Error("error enabling subscription", "endpoint_id", e.ID, "chat_id", sub.ChatID, "error", err)
		return nil, err
	}
	l.logger.Info("subscription enabled", "endpoint_id", e.ID, "chat_id", sub.ChatID, "kind", string(sub.Kind))
	return e, nil
}

func (l *Listener) subscribe(ctx context.Context, msg *telegram.Message, endpointID string) string {
	e, err := l.enable(ctx, msg.Chat, msg.MessageThreadID, endpointID)
	if errors.Is(err, storage.ErrNotFound) {
		return "❌ Endpoint not found."
	}
	if err != nil {
		return "❌ Could not create the subscription, please try again later."
	}
	return fmt.Sprintf("✅ Subscribed to <b>%s</b>.\nYou will be notified when it goes down or recovers.\n\nUse /list to see your subscriptions.", html.EscapeString(e.DisplayName()))
}

// subscribeMenu renders one button per endpoint: subscribed endpoints
// unsubscribe when pressed, the others subscribe.
func (l *Listener) subscribeMenu(ctx context.Context, chatID string) (string, [][]telegram.Button) {
	endpoints, err := l.endpoints(ctx)
	if errors.Is(err, errNoEndpoints) {
		return "❌ No endpoints are monitored.", nil
	}
	if err != nil {
		l.logger.Error("error listing endpoints", "error", err)
		return "❌ Could not load endpoints.", nil
	}
	_, subs, err := l.chatSubscriptions(ctx, chatID)
	if err != nil {
		l.logger.Error("error listing subscriptions", "chat_id", chatID, "error", err)
		return "❌ Could not load subscriptions.", nil
	}
	subscribed := make(map[string]bool, len(subs))
	for _, sub := range subs {
		if sub.Enabled {
			subscribed[sub.EndpointID] = true
		}
	}

	keyboard := make([][]telegram.Button, 0, len(endpoints)+1)
	for _, e := range endpoints {
		b := telegram.Button{Text: stateEmoji(e) + " " + e.DisplayName(), Data: callbackSubscribe + e.ID}
		if subscribed[e.ID] {
			b = telegram.Button{Text: "✅ " + e.DisplayName(), Data: callbackUnsubscribe + e.ID}
		}
		keyboard = append(keyboard, []telegram.Button{b})
	}
	keyboard = append(keyboard, []telegram.Button{{Text: "🔄 Refresh", Data: callbackRefresh}})

	text := fmt.Sprintf("📋 <b>Choose endpoints to monitor</b>\n\nSubscribed to %d of %d. Tap an endpoint to subscribe, tap a ✅ one to unsubscribe.", len(subscribed), len(endpoints))
	return text, keyboard
}

// chatSubscriptions returns the chat's subscriptions with their endpoints.
func (l *Listener) chatSubscriptions(ctx context.Context, chatID string) ([]models.Endpoint, []models.Subscription, error) {
	endpoints, err := l.endpoints(ctx)
	if err != nil {
		return nil, nil, err
	}
	var eps []models.Endpoint
	var subs []models.Subscription
	for _, e := range endpoints {
		list, err := l.store.ListSubscriptions(ctx, e.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("list subscriptions: %w", err)
		}
		for _, sub := range list {
			if sub.ChatID == chatID {
				eps = append(eps, e)
				subs = append(subs, sub)
			}
		}
	}
	return eps, subs, nil
}

func (l *Listener) listText(ctx context.Context, msg *telegram.Message) string {
	eps, subs, err := l.chatSubscriptions(ctx, strconv.FormatInt(msg.Chat.ID, 10))
	if err != nil && !errors.Is(err, errNoEndpoints) {
		l.logger.Error("error listing subscriptions", "chat_id", msg.Chat.ID, "error", err)
		return "❌ Could not load subscriptions."
	}
	if len(subs) == 0 {
		return "📭 No subscriptions yet. Send /subscribe to pick endpoints."
	}
	var b strings.Builder
	b.WriteString("📋 <b>Subscriptions</b>\n")
	for i, sub := range subs {
		state := "✅"
		if !sub.Enabled {
			state = "⏸️"
		}
		fmt.Fprintf(&b, "\n%s %s %s", stateEmoji(eps[i]), state, html.EscapeString(eps[i].DisplayName()))
	}
	return b.String()
}

// disable turns off the chat's enabled subscriptions, all of them when
// endpointID is empty. It returns how many were disabled.
func (l *Listener) disable(ctx context.Context, chatID, endpointID string) (int, error) {
	eps, subs, err := l.chatSubscriptions(ctx, chatID)
	if errors.Is(err, errNoEndpoints) {
		return 0, nil
	}
	if err != nil {
		l.logger.Error("error listing subscriptions", "chat_id", chatID, "error", err)
		return 0, err
	}
	disabled := 0
	for i, sub := range subs {
		if !sub.Enabled || (endpointID != "" && eps[i].ID != endpointID) {
			continue
		}
		if _, err := l.store.SetSubscriptionEnabled(ctx, sub.ID, false); err != nil {
			l.logger.Error("error disabling subscription", "subscription_id", sub.ID, "error", err)
			continue
		}
		disabled++
	}
	return disabled, nil
}

func (l *Listener) unsubscribe(ctx context.Context, msg *telegram.Message, endpointID string) string {
	disabled, err := l.disable(ctx, strconv.FormatInt(msg.Chat.ID, 10), endpointID)
	if err != nil {
		return "❌ Could not load subscriptions."
	}
	if disabled == 0 {
		return "ℹ️ Nothing to unsubscribe from."
	}
	return fmt.Sprintf("🔕 Unsubscribed from %d endpoint(s).", disabled)
}

func (l *Listener) statusText(ctx context.Context) string {
	endpoints, err := l.endpoints(ctx)
	if errors.Is(err, errNoEndpoints) {
		return "❌ No endpoints are monitored."
	}
	if err != nil {
		l.logger.Error("error listing endpoints", "error", err)
		return "❌ Could not load endpoints."
	}

	var b strings.Builder
	b.WriteString("📊 <b>Endpoint status</b>\n")
	up, down := 0, 0
	for _, e := range endpoints {
		switch e.State() {
		case "down":
			down++
		case "up":
			up++
		}
		checked := "never"
		if e.LastChecked != nil {
			checked = e.LastChecked.UTC().Format("15:04:05 MST")
		}
		fmt.Fprintf(&b, "\n%s <b>%s</b> - %s\n   checked: %s", stateEmoji(e), html.EscapeString(e.DisplayName()), e.State(), checked)
	}
	fmt.Fprintf(&b, "\n\n📈 <b>Total:</b> %d up, %d down", up, down)
	return b.String()
}

func stateEmoji(e models.Endpoint) string {
	switch e.State() {
	case "down":
		return "🔴"
	case "up":
		return "🟢"
	default:
		return "⚪"
	}
}

func (l *Listener) helpText() string {
	text := "🤖 <b>Endpoint monitor bot</b>\n\n" +
		"/subscribe - pick endpoints to get alerts for\n" +
		"/status - current state of every endpoint\n" +
		"/list - subscriptions of this chat\n" +
		"/unsubscribe - stop notifications for this chat\n" +
		"/help - show this help\n\n" +
		"You can also open an endpoint's Telegram link on the dashboard."
	if l.opts.DashboardURL != "" {
		text += "\n\n📱 Dashboard: " + html.EscapeString(l.opts.DashboardURL)
	}
	return text
}
