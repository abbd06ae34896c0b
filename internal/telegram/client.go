// Package telegram adapts the telego Bot API client to the calls the monitor
// makes: sending and editing messages, answering button presses,
// long-polling updates and resolving the bot's own username.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	ta "github.com/mymmrac/telego/telegoapi"
)

const defaultRequestTimeout = 10 * time.Second

// ParseModeHTML selects Telegram's HTML message formatting.
const ParseModeHTML = "HTML"

// AllowedUpdates are the update kinds the listener asks getUpdates for.
var AllowedUpdates = []string{"message", "channel_post", "my_chat_member", "callback_query"}

// Client calls the Bot API for a single bot token.
type Client struct {
	bot            *telego.Bot
	token          string
	requestTimeout time.Duration
}

// NewClient creates a Client. An empty baseURL selects the public Bot API and
// a nil httpClient selects a client without a global timeout; every call is
// bounded through its context instead.
func NewClient(baseURL, token string, httpClient *http.Client) (*Client, error) {
	hc := &http.Client{}
	if httpClient != nil {
		copied := *httpClient
		hc = &copied
	}
	next := hc.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	hc.Transport = statusTransport{next: next}

	opts := []telego.BotOption{
		telego.WithHTTPClient(hc),
		telego.WithDiscardLogger(),
	}
	if baseURL != "" {
		opts = append(opts, telego.WithAPIServer(strings.TrimRight(baseURL, "/")))
	}
	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Client{bot: bot, token: token, requestTimeout: defaultRequestTimeout}, nil
}

// User is a Telegram user or bot.
type User struct {
	ID        int64
	IsBot     bool
	FirstName string
	LastName  string
	Username  string
}

// Chat is a private chat, group, supergroup or channel.
type Chat struct {
	ID        int64
	Type      string
	Title     string
	Username  string
	FirstName string
	LastName  string
}

// DisplayName returns the group title or the user's name.
func (c Chat) DisplayName() string {
	if c.Title != "" {
		return c.Title
	}
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name == "" && c.Username != "" {
		return "@" + c.Username
	}
	return name
}

// Message is an incoming message.
type Message struct {
	MessageID       int64
	MessageThreadID int64
	From            *User
	Chat            Chat
	Date            int64
	Text            string
}

// ChatMemberUpdated is sent when the bot is added to or removed from a chat.
type ChatMemberUpdated struct {
	Chat Chat
	From User
	Date int64
}

// CallbackQuery is a press on an inline keyboard button. Message is nil when
// the message carrying the keyboard is no longer accessible.
type CallbackQuery struct {
	ID      string
	From    User
	Message *Message
	Data    string
}

// Update is one entry returned by getUpdates.
type Update struct {
	UpdateID      int64
	Message       *Message
	ChannelPost   *Message
	MyChatMember  *ChatMemberUpdated
	CallbackQuery *CallbackQuery
}

// Chat returns the chat the update belongs to, if any.
func (u Update) Chat() (Chat, bool) {
	switch {
	case u.Message != nil:
		return u.Message.Chat, true
	case u.ChannelPost != nil:
		return u.ChannelPost.Chat, true
	case u.MyChatMember != nil:
		return u.MyChatMember.Chat, true
	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil:
		return u.CallbackQuery.Message.Chat, true
	default:
		return Chat{}, false
	}
}

// Button is an inline keyboard button that sends Data back as a callback.
type Button struct {
	Text string
	Data string
}

// SendMessageRequest is the sendMessage payload. ChatID may be a numeric id
// or an @channel username. Keyboard rows are attached as an inline keyboard.
type SendMessageRequest struct {
	ChatID                string
	Text                  string
	ParseMode             string
	MessageThreadID       int64
	DisableWebPagePreview bool
	Keyboard              [][]Button
}

// EditMessageRequest replaces the text and keyboard of a sent message.
type EditMessageRequest struct {
	ChatID    string
	MessageID int64
	Text      string
	ParseMode string
	Keyboard  [][]Button
}

// APIError is returned when the Bot API answers with ok=false or a 5xx
// status.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
	// RetryAfter is set on flood-control (429) responses.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("telegram %s: status %d", e.Method, e.StatusCode)
	}
	return fmt.Sprintf("telegram %s: status %d: %s", e.Method, e.StatusCode, e.Description)
}

// Temporary reports whether retrying the call may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// SendMessage posts a text message.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	params := &telego.SendMessageParams{
		ChatID:          chatID(req.ChatID),
		Text:            req.Text,
		ParseMode:       req.ParseMode,
		MessageThreadID: int(req.MessageThreadID),
	}
	if req.DisableWebPagePreview {
		params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
	}
	if len(req.Keyboard) > 0 {
		params.ReplyMarkup = inlineKeyboard(req.Keyboard)
	}
	msg, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return nil, c.wrap("sendMessage", err)
	}
	return fromMessage(msg), nil
}

// EditMessageText rewrites a message the bot sent earlier.
func (c *Client) EditMessageText(ctx context.Context, req EditMessageRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	params := &telego.EditMessageTextParams{
		ChatID:             chatID(req.ChatID),
		MessageID:          int(req.MessageID),
		Text:               req.Text,
		ParseMode:          req.ParseMode,
		LinkPreviewOptions: &telego.LinkPreviewOptions{IsDisabled: true},
	}
	if len(req.Keyboard) > 0 {
		params.ReplyMarkup = inlineKeyboard(req.Keyboard)
	}
	if _, err := c.bot.EditMessageText(ctx, params); err != nil {
		return c.wrap("editMessageText", err)
	}
	return nil
}

// AnswerCallbackQuery acknowledges a button press, showing text as a toast.
func (c *Client) AnswerCallbackQuery(ctx context.Context, id, text string) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: id,
		Text:            text,
	})
	if err != nil {
		return c.wrap("answerCallbackQuery", err)
	}
	return nil
}

// GetMe returns the bot's own user record.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return nil, c.wrap("getMe", err)
	}
	u := fromUser(*me)
	return &u, nil
}

// GetUpdates long-polls for updates with an id of at least offset. The call
// blocks for up to timeout when no update is pending.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+c.requestTimeout)
	defer cancel()

	raw, err := c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
		Offset:         int(offset),
		Timeout:        int(timeout / time.Second),
		AllowedUpdates: AllowedUpdates,
	})
	if err != nil {
		return nil, c.wrap("getUpdates", err)
	}
	updates := make([]Update, 0, len(raw))
	for _, u := range raw {
		updates = append(updates, fromUpdate(u))
	}
	return updates, nil
}

// wrap maps telego failures onto APIError and strips the bot token from
// transport errors, which embed the request URL.
func (c *Client) wrap(method string, err error) error {
	var apiErr *ta.Error
	if errors.As(err, &apiErr) {
		out := &APIError{Method: method, StatusCode: apiErr.ErrorCode, Description: apiErr.Description}
		if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
			out.RetryAfter = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
		}
		return out
	}
	var srvErr *serverError
	if errors.As(err, &srvErr) {
		return &APIError{Method: method, StatusCode: srvErr.status, Description: http.StatusText(srvErr.status)}
	}

	var urlErr *url.Error
	if c.token != "" && errors.As(err, &urlErr) {
		urlErr.URL = strings.ReplaceAll(urlErr.URL, c.token, "<token>")
	}
	if c.token != "" && strings.Contains(err.Error(), c.token) {
		return &redactedError{msg: fmt.Sprintf("telegram %s: %s", method, strings.ReplaceAll(err.Error(), c.token, "<token>")), err: err}
	}
	return fmt.Errorf("telegram %s: %w", method, err)
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// serverError carries the status of a 5xx Bot API answer, which has no JSON
// body to decode.
type serverError struct {
	status int
}

func (e *serverError) Error() string {
	return "bot api server error: " + strconv.Itoa(e.status)
}

type statusTransport struct {
	next http.RoundTripper
}

func (t statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil || resp.StatusCode < http.StatusInternalServerError {
		return resp, err
	}
	resp.Body.Close()
	return nil, &serverError{status: resp.StatusCode}
}

func chatID(s string) telego.ChatID {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return telego.ChatID{ID: id}
	}
	return telego.ChatID{Username: s}
}

func inlineKeyboard(rows [][]Button) *telego.InlineKeyboardMarkup {
	markup := &telego.InlineKeyboardMarkup{InlineKeyboard: make([][]telego.InlineKeyboardButton, 0, len(rows))}
	for _, row := range rows {
		buttons := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, telego.InlineKeyboardButton{Text: b.Text, CallbackData: b.Data})
		}
		markup.InlineKeyboard = append(markup.InlineKeyboard, buttons)
	}
	return markup
}

func fromUser(u telego.User) User {
	return User{ID: u.ID, IsBot: u.IsBot, FirstName: u.FirstName, LastName: u.LastName, Username: u.Username}
}

func fromChat(c telego.Chat) Chat {
	return Chat{ID: c.ID, Type: c.Type, Title: c.Title, Username: c.Username, FirstName: c.FirstName, LastName: c.LastName}
}

func fromMessage(m *telego.Message) *Message {
	if m == nil {
		return nil
	}
	out := &Message{
		MessageID:       int64(m.MessageID),
		MessageThreadID: int64(m.MessageThreadID),
		Chat:            fromChat(m.Chat),
		Date:            m.Date,
		Text:            m.Text,
	}
	if m.From != nil {
		from := fromUser(*m.From)
		out.From = &from
	}
	return out
}

func fromUpdate(u telego.Update) Update {
	out := Update{
		UpdateID:    int64(u.UpdateID),
		Message:     fromMessage(u.Message),
		ChannelPost: fromMessage(u.ChannelPost),
	}
	if m := u.MyChatMember; m != nil {
		out.MyChatMember = &ChatMemberUpdated{Chat: fromChat(m.Chat), From: fromUser(m.From), Date: m.Date}
	}
	if q := u.CallbackQuery; q != nil {
		cq := &CallbackQuery{ID: q.ID, From: fromUser(q.From), Data: q.Data}
		if m, ok := q.Message.(*telego.Message); ok {
			cq.Message = fromMessage(m)
		}
		out.CallbackQuery = cq
	}
	return out
}
