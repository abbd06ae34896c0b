package discovery_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"endpointwatch/internal/discovery"
	"endpointwatch/internal/models"
	"endpointwatch/internal/storage"
	"endpointwatch/internal/storage/memory"
	"endpointwatch/internal/telegram"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type pollResult struct {
	updates []telegram.Update
	err     error
}

// fakeBot serves queued poll results, then blocks like an idle long poll.
type fakeBot struct {
	mu      sync.Mutex
	queue   []pollResult
	offsets []int64
	replies []telegram.SendMessageRequest
	edits   []telegram.EditMessageRequest
	answers []string
}

func (b *fakeBot) push(r pollResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, r)
}

func (b *fakeBot) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error) {
	b.mu.Lock()
	b.offsets = append(b.offsets, offset)
	if len(b.queue) > 0 {
		r := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		return r.updates, r.err
	}
	b.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *fakeBot) SendMessage(ctx context.Context, req telegram.SendMessageRequest) (*telegram.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies = append(b.replies, req)
	return &telegram.Message{MessageID: 1}, nil
}

func (b *fakeBot) EditMessageText(ctx context.Context, req telegram.EditMessageRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.edits = append(b.edits, req)
	return nil
}

func (b *fakeBot) AnswerCallbackQuery(ctx context.Context, id, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.answers = append(b.answers, text)
	return nil
}

func (b *fakeBot) Edits() []telegram.EditMessageRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]telegram.EditMessageRequest(nil), b.edits...)
}

func (b *fakeBot) Answers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.answers...)
}

func (b *fakeBot) Replies() []telegram.SendMessageRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]telegram.SendMessageRequest(nil), b.replies...)
}

func (b *fakeBot) Offsets() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.offsets...)
}

func message(updateID, chatID int64, chatType, text string) telegram.Update {
	return telegram.Update{
		UpdateID: updateID,
		Message: &telegram.Message{
			MessageID: updateID,
			Chat:      telegram.Chat{ID: chatID, Type: chatType, FirstName: "Ann"},
			Text:      text,
		},
	}
}

func press(updateID, chatID, messageID int64, data string) telegram.Update {
	return telegram.Update{
		UpdateID: updateID,
		CallbackQuery: &telegram.CallbackQuery{
			ID:   "cb" + strconv.FormatInt(updateID, 10),
			From: telegram.User{ID: chatID, FirstName: "Ann"},
			Message: &telegram.Message{
				MessageID: messageID,
				Chat:      telegram.Chat{ID: chatID, Type: "private", FirstName: "Ann"},
			},
			Data: data,
		},
	}
}

func probe(id string, status int) storage.ProbeUpdate {
	return storage.ProbeUpdate{EndpointID: id, Status: status, IsDown: status != 200, CheckedAt: time.Now()}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestListenerSingleMode(t *testing.T) {
	store := memory.New()
	bot := &fakeBot{}
	bot.push(pollResult{updates: []telegram.Update{message(10, 55, "private", "hello")}})
	l := discovery.New(store, bot, discovery.Options{Enabled: true, Mode: discovery.ModeSingle}, testLogger())

	if !l.Start(context.Background()) {
		t.Fatal("expected Start to begin listening")
	}
	waitFor(t, func() bool { return l.State() == discovery.StateIdle })

	chats, _ := store.ListChats(context.Background())
	if len(chats) != 1 || chats[0].ChatID != "55" || chats[0].Type != "private" {
		t.Errorf("unexpected chats %+v", chats)
	}
	if l.Status().Discovered != 1 {
		t.Errorf("expected 1 discovered chat, got %d", l.Status().Discovered)
	}
}

func TestListenerMultiMode(t *testing.T) {
	store := memory.New()
	bot := &fakeBot{}
	bot.push(pollResult{updates: []telegram.Update{
		message(10, 55, "private", "hi"),
		message(11, 55, "private", "again"),
	}})
	bot.push(pollResult{updates: []telegram.Update{message(12, -100, "supergroup", "hello group")}})
	l := discovery.New(store, bot, discovery.Options{Enabled: true, Mode: discovery.ModeMulti}, testLogger())

	l.Start(context.Background())
	if l.Start(context.Background()) {
		t.Error("expected second Start to be a no-op")
	}
	waitFor(t, func() bool { return len(bot.Offsets()) >= 3 })
	if l.State() != discovery.StateListening {
		t.Errorf("expected listener to keep listening, got %s", l.State())
	}

	l.Stop()
	l.Stop()
	if l.State() != discovery.StateIdle {
		t.Errorf("expected idle after Stop, got %s", l.State())
	}

	offsets := bot.Offsets()
	if offsets[0] != 0 || offsets[1] != 12 || offsets[2] != 13 {
		t.Errorf("unexpected offsets %v", offsets)
	}
	chats, _ := store.ListChats(context.Background())
	if len(chats) != 2 {
		t.Errorf("expected 2 chats, got %d", len(chats))
	}
	if l.Status().Discovered != 2 {
		t.Errorf("expected 2 discovered chats, got %d", l.Status().Discovered)
	}
}

func TestListenerTimeout(t *testing.T) {
	bot := &fakeBot{}
	l := discovery.New(memory.New(), bot, discovery.Options{Enabled: true, Timeout: 50 * time.Millisecond}, testLogger())

	l.Start(context.Background())
	waitFor(t, func() bool { return l.State() == discovery.StateIdle })

	// a new session can be started after the timeout
	if !l.Start(context.Background()) {
		t.Error("expected restart after timeout")
	}
	l.Stop()
}

func TestListenerBackoff(t *testing.T) {
	store := memory.New()
	bot := &fakeBot{}
	bot.push(pollResult{err: errors.New("connection reset")})
	bot.push(pollResult{err: errors.New("connection reset")})
	bot.push(pollResult{updates: []telegram.Update{message(1, 55, "private", "hi")}})
	l := discovery.New(store, bot, discovery.Options{
		Enabled:    true,
		Mode:       discovery.ModeSingle,
		MinBackoff: time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
	}, testLogger())

	l.Start(context.Background())
	waitFor(t, func() bool { return l.State() == discovery.StateIdle })

	if l.Status().LastError != "connection reset" {
		t.Errorf("expected last error to be kept, got %q", l.Status().LastError)
	}
	if chats, _ := store.ListChats(context.Background()); len(chats) != 1 {
		t.Errorf("expected chat recorded after retries, got %d", len(chats))
	}
}

func TestListenerStartAfterStop(t *testing.T) {
	l := discovery.New(memory.New(), &fakeBot{}, discovery.Options{Enabled: true}, testLogger())
	l.Start(context.Background())
	l.Stop()

	if l.Start(context.Background()) {
		t.Error("expected Start after Stop to be refused")
	}
	if l.State() != discovery.StateIdle {
		t.Errorf("expected idle, got %s", l.State())
	}
}

func TestListenerDisabled(t *testing.T) {
	if discovery.New(memory.New(), &fakeBot{}, discovery.Options{}, testLogger()).Start(context.Background()) {
		t.Error("expected disabled listener not to start")
	}
	if discovery.New(memory.New(), nil, discovery.Options{Enabled: true}, testLogger()).Start(context.Background()) {
		t.Error("expected listener without bot not to start")
	}
}

func TestListenerSubscribeDeepLink(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e, _ := store.CreateEndpoint(ctx, &models.Endpoint{URL: "https://example.com", Name: "Example"}, "https://example.com")

	forum := message(2, -100, "supergroup", "/start@watch_bot endpoint_"+e.ID)
	forum.Message.MessageThreadID = 9

	bot := &fakeBot{}
	bot.push(pollResult{updates: []telegram.Update{
		message(1, 55, "private", "/start endpoint_"+e.ID),
		forum,
		message(3, 56, "private", "/start endpoint_missing"),
	}})
	l := discovery.New(store, bot, discovery.Options{Enabled: true}, testLogger())
	l.Start(ctx)
	waitFor(t, func() bool { return len(bot.Replies()) >= 3 })
	l.Stop()

	subs, _ := store.ListSubscriptions(ctx, e.ID)
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(subs))
	}
	byChat := map[string]models.Subscription{}
	for _, s := range subs {
		byChat[s.ChatID] = s
	}
	if s := byChat["55"]; s.Kind != models.SubscriptionDirect || !s.Enabled {
		t.Errorf("unexpected direct subscription %+v", s)
	}
	if s := byChat["-100"]; s.Kind != models.SubscriptionGroup || s.ThreadID != "9" {
		t.Errorf("unexpected group subscription %+v", s)
	}

	replies := bot.Replies()
	if !strings.Contains(replies[0].Text, "Subscribed to <b>Example</b>") {
		t.Errorf("unexpected reply %q", replies[0].Text)
	}
	if replies[1].MessageThreadID != 9 {
		t.Errorf("expected reply in thread 9, got %d", replies[1].MessageThreadID)
	}
	if !strings.Contains(replies[2].Text, "not found") {
		t.Errorf("unexpected reply %q", replies[2].Text)
	}
}

func TestListenerCommands(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	up, _ := store.CreateEndpoint(ctx, &models.Endpoint{URL: "https://up.example.com"}, "https://up.example.com")
	store.CreateEndpoint(ctx, &models.Endpoint{URL: "https://new.example.com"}, "https://new.example.com")
	store.RecordProbe(ctx, probe(up.ID, 200))
	store.EnableSubscription(ctx, &models.Subscription{EndpointID: up.ID, Kind: models.SubscriptionDirect, ChatID: "55"})

	bot := &fakeBot{}
	bot.push(pollResult{updates: []telegram.Update{
		message(1, 55, "private", "/status"),
		message(2, 55, "private", "/list"),
		message(3, 55, "private", "/unsubscribe"),
		message(4, 55, "private", "/help"),
		message(5, 55, "private", "just chatting"),
	}})
	l := discovery.New(store, bot, discovery.Options{Enabled: true, DashboardURL: "http://dash"}, testLogger())
	l.Start(ctx)
	waitFor(t, func() bool { return len(bot.Offsets()) >= 2 })
	l.Stop()

	replies := bot.Replies()
	if len(replies) != 4 {
		t.Fatalf("expected 4 replies, got %d", len(replies))
	}
	if !strings.Contains(replies[0].Text, "1 up, 0 down") {
		t.Errorf("unexpected status reply %q", replies[0].Text)
	}
	if !strings.Contains(replies[1].Text, "https://up.example.com") {
		t.Errorf("unexpected list reply %q", replies[1].Text)
	}
	if !strings.Contains(replies[2].Text, "Unsubscribed from 1") {
		t.Errorf("unexpected unsubscribe reply %q", replies[2].Text)
	}
	if !strings.Contains(replies[3].Text, "http://dash") {
		t.Errorf("unexpected help reply %q", replies[3].Text)
	}

	subs, _ := store.ListSubscriptions(ctx, up.ID)
	if len(subs) != 1 || subs[0].Enabled {
		t.Errorf("expected subscription disabled, got %+v", subs)
	}
}

func TestListenerSubscribeMenu(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	api, _ := store.CreateEndpoint(ctx, &models.Endpoint{URL: "https://api.example.com", Name: "API"}, "https://api.example.com")
	web, _ := store.CreateEndpoint(ctx, &models.Endpoint{URL: "https://web.example.com", Name: "Web"}, "https://web.example.com")
	store.EnableSubscription(ctx, &models.Subscription{EndpointID: web.ID, Kind: models.SubscriptionDirect, ChatID: "55"})

	bot := &fakeBot{}
	bot.push(pollResult{updates: []telegram.Update{message(1, 55, "private", "/subscribe")}})
	bot.push(pollResult{updates: []telegram.Update{
		press(2, 55, 1, "sub:"+api.ID),
		press(3, 55, 1, "unsub:"+web.ID),
		press(4, 55, 1, "refresh"),
		press(5, 55, 1, "bogus"),
	}})
	l := discovery.New(store, bot, discovery.Options{Enabled: true}, testLogger())
	l.Start(ctx)
	waitFor(t, func() bool { return len(bot.Answers()) >= 4 })
	l.Stop()

	replies := bot.Replies()
	if len(replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(replies))
	}
	menu := replies[0].Keyboard
	if len(menu) != 3 {
		t.Fatalf("expected 2 endpoint rows and a refresh row, got %+v", menu)
	}
	wantData := map[string]bool{"sub:" + api.ID: true, "unsub:" + web.ID: true, "refresh": true}
	for _, row := range menu {
		if !wantData[row[0].Data] {
			t.Errorf("unexpected button %+v", row[0])
		}
	}

	subs, _ := store.ListSubscriptions(ctx, api.ID)
	if len(subs) != 1 || !subs[0].Enabled || subs[0].ChatID != "55" {
		t.Errorf("expected chat 55 subscribed to API, got %+v", subs)
	}
	subs, _ = store.ListSubscriptions(ctx, web.ID)
	if len(subs) != 1 || subs[0].Enabled {
		t.Errorf("expected Web subscription disabled, got %+v", subs)
	}

	answers := bot.Answers()
	if !strings.Contains(answers[0], "Subscribed to API") || !strings.Contains(answers[1], "Unsubscribed") || !strings.Contains(answers[3], "Unknown") {
		t.Errorf("unexpected answers %q", answers)
	}
	edits := bot.Edits()
	if len(edits) != 3 {
		t.Fatalf("expected the menu redrawn 3 times, got %d", len(edits))
	}
	last := edits[len(edits)-1]
	if last.MessageID != 1 || last.ChatID != "55" {
		t.Errorf("unexpected edit target %+v", last)
	}
	if last.Keyboard[0][0].Data != "unsub:"+api.ID && last.Keyboard[1][0].Data != "unsub:"+api.ID {
		t.Errorf("expected API to show as subscribed, got %+v", last.Keyboard)
	}
}

func TestListenerExpiredMenu(t *testing.T) {
	bot := &fakeBot{}
	expired := press(1, 55, 1, "refresh")
	expired.CallbackQuery.Message = nil
	bot.push(pollResult{updates: []telegram.Update{expired}})
	l := discovery.New(memory.New(), bot, discovery.Options{Enabled: true}, testLogger())
	l.Start(context.Background())
	waitFor(t, func() bool { return len(bot.Answers()) >= 1 })
	l.Stop()

	if !strings.Contains(bot.Answers()[0], "expired") {
		t.Errorf("unexpected answer %q", bot.Answers()[0])
	}
	if len(bot.Edits()) != 0 {
		t.Error("expected no edit for an inaccessible message")
	}
}

func TestListenerUnknownStartPayload(t *testing.T) {
	bot := &fakeBot{}
	bot.push(pollResult{updates: []telegram.Update{
		message(1, 55, "private", "/start promo"),
		message(2, 55, "private", "/start"),
	}})
	l := discovery.New(memory.New(), bot, discovery.Options{Enabled: true}, testLogger())
	l.Start(context.Background())
	waitFor(t, func() bool { return len(bot.Replies()) >= 2 })
	l.Stop()

	replies := bot.Replies()
	if !strings.Contains(replies[0].Text, "Unknown parameter") {
		t.Errorf("unexpected reply %q", replies[0].Text)
	}
	if !strings.Contains(replies[1].Text, "/subscribe") {
		t.Errorf("expected help for a bare /start, got %q", replies[1].Text)
	}
}
