// Package discovery learns Telegram chats from inbound bot messages and
// serves the bot's subscription commands.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"endpointwatch/internal/models"
	"endpointwatch/internal/storage"
	"endpointwatch/internal/telegram"
)

// State is the listener's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
)

// Mode decides whether listening ends at the first new chat.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeMulti  Mode = "multi"
)

// Bot is the subset of the Bot API the listener uses.
type Bot interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
	SendMessage(ctx context.Context, req telegram.SendMessageRequest) (*telegram.Message, error)
	EditMessageText(ctx context.Context, req telegram.EditMessageRequest) error
	AnswerCallbackQuery(ctx context.Context, id, text string) error
}

// Options configures a Listener.
type Options struct {
	Enabled bool
	Mode    Mode
	// Timeout ends a listening session. Zero means no timeout.
	Timeout time.Duration
	// PollTimeout is the getUpdates long-poll duration.
	PollTimeout  time.Duration
	DashboardURL string
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

// Status is a snapshot for the API.
type Status struct {
	State      State      `json:"state"`
	Mode       Mode       `json:"mode"`
	Discovered int        `json:"discovered"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// Listener long-polls getUpdates while listening. It records every chat it
// sees and answers bot commands.
type Listener struct {
	store  storage.Storer
	bot    Bot
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	stopped    bool
	cancel     context.CancelFunc
	done       chan struct{}
	offset     int64
	discovered int
	startedAt  *time.Time
	lastErr    string
}

// New creates a Listener. bot may be nil when no token is configured; Start
// is then a no-op.
func New(store storage.Storer, bot Bot, opts Options, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Mode != ModeSingle {
		opts.Mode = ModeMulti
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 25 * time.Second
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Listener{
		store:  store,
		bot:    bot,
		opts:   opts,
		logger: logger.With("component", "discovery"),
		state:  StateIdle,
	}
}

// Start enters the listening state. It reports false when the listener is
// disabled, has no bot, is already listening or has been stopped.
func (l *Listener) Start(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.opts.Enabled || l.bot == nil || l.stopped || l.state == StateListening {
		return false
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if l.opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, l.opts.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	now := time.Now().UTC()
	l.state = StateListening
	l.cancel = cancel
	l.done = make(chan struct{})
	l.discovered = 0
	l.startedAt = &now
	l.lastErr = ""

	l.logger.Info("discovery listening", "mode", string(l.opts.Mode), "timeout", l.opts.Timeout.String())
	go l.run(runCtx, l.done)
	return true
}

// Stop ends the listening session, waits for the poll loop to exit and
// refuses later sessions.
func (l *Listener) Stop() {
	l.mu.Lock()
	l.stopped = true
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Status returns a snapshot of the listener.
func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		State:      l.state,
		Mode:       l.opts.Mode,
		Discovered: l.discovered,
		StartedAt:  l.startedAt,
		LastError:  l.lastErr,
	}
}

func (l *Listener) run(ctx context.Context, done chan struct{}) {
	defer func() {
		l.mu.Lock()
		l.state = StateIdle
		if l.cancel != nil {
			l.cancel()
		}
		l.cancel = nil
		l.mu.Unlock()
		close(done)
		l.logger.Info("discovery idle")
	}()

	backoff := l.opts.MinBackoff
	for ctx.Err() == nil {
		l.mu.Lock()
		offset := l.offset
		l.mu.Unlock()

		updates, err := l.bot.GetUpdates(ctx, offset, l.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.setError(err)
			l.logger.Warn("error polling updates", "error", err, "retry_in", backoff.String())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, l.opts.MaxBackoff)
			continue
		}
		backoff = l.opts.MinBackoff

		for _, u := range updates {
			isNew := l.handleUpdate(ctx, u)
			l.mu.Lock()
			l.offset = u.UpdateID + 1
			if isNew {
				l.discovered++
			}
			l.mu.Unlock()
			if isNew && l.opts.Mode == ModeSingle {
				return
			}
		}
	}
}

func (l *Listener) setError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastErr = err.Error()
}

// handleUpdate records the update's chat and answers commands. It reports
// whether the chat was new.
func (l *Listener) handleUpdate(ctx context.Context, u telegram.Update) bool {
	// received updates are committed even when the session is ending
	writeCtx := context.WithoutCancel(ctx)

	isNew := false
	if chat, ok := u.Chat(); ok {
		isNew = l.recordChat(writeCtx, chat)
	}

	switch {
	case u.Message != nil:
		l.handleCommand(writeCtx, u.Message)
	case u.CallbackQuery != nil:
		l.handleCallback(writeCtx, u.CallbackQuery)
	}
	return isNew
}

func (l *Listener) recordChat(ctx context.Context, chat telegram.Chat) bool {
	chatID := strconv.FormatInt(chat.ID, 10)
	isNew, err := l.store.RecordChat(ctx, models.Chat{
		ChatID:       chatID,
		Type:         chat.Type,
		Title:        chat.DisplayName(),
		DiscoveredAt: time.Now().UTC(),
	})
	if err != nil {
		l.logger.Error("error recording chat", "chat_id", chatID, "error", err)
		return false
	}
	if isNew {
		l.logger.Info("discovered chat", "chat_id", chatID, "type", chat.Type, "title", chat.DisplayName())
	}
	return isNew
}

func (l *Listener) reply(ctx context.Context, msg *telegram.Message, text string, keyboard ...[]telegram.Button) {
	_, err := l.bot.SendMessage(ctx, telegram.SendMessageRequest{
		ChatID:                strconv.FormatInt(msg.Chat.ID, 10),
		Text:                  text,
		ParseMode:             telegram.ParseModeHTML,
		MessageThreadID:       msg.MessageThreadID,
		DisableWebPagePreview: true,
		Keyboard:              keyboard,
	})
	if err != nil {
		l.logger.Warn("error sending reply", "chat_id", msg.Chat.ID, "error", err)
	}
}

var errNoEndpoints = errors.New("no endpoints")

func (l *Listener) endpoints(ctx context.Context) ([]models.Endpoint, error) {
	endpoints, err := l.store.ListEndpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return nil, errNoEndpoints
	}
	return endpoints, nil
}
