package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"endpointwatch/internal/models"
	"endpointwatch/internal/storage"
	"endpointwatch/internal/storage/sqlstore"
)

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := sqlstore.Open(context.Background(), "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func createEndpoint(t *testing.T, store storage.Storer, url string) *models.Endpoint {
	t.Helper()
	e, err := store.CreateEndpoint(context.Background(), &models.Endpoint{URL: url}, url)
	if err != nil {
		t.Fatalf("failed to create endpoint %s: %v", url, err)
	}
	return e
}

func TestEndpoints(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	t.Run("create and get", func(t *testing.T) {
		created, err := store.CreateEndpoint(ctx, &models.Endpoint{URL: "https://example.com", Name: "Example"}, "https://example.com")
		if err != nil {
			t.Fatalf("failed to create endpoint: %v", err)
		}
		if created.ID == "" {
			t.Fatal("expected an id to be assigned")
		}
		if !created.Pending() || created.IsDown {
			t.Errorf("new endpoint should be pending and not down: %+v", created)
		}

		got, err := store.GetEndpoint(ctx, created.ID)
		if err != nil {
			t.Fatalf("failed to get endpoint: %v", err)
		}
		if got.URL != "https://example.com" || got.Name != "Example" {
			t.Errorf("unexpected endpoint: %+v", got)
		}
	})

	t.Run("duplicate canonical url", func(t *testing.T) {
		first := createEndpoint(t, store, "https://dup.example.com")
		existing, err := store.CreateEndpoint(ctx, &models.Endpoint{URL: "HTTPS://DUP.example.com/"}, "https://dup.example.com")
		if !errors.Is(err, storage.ErrDuplicateKey) {
			t.Fatalf("expected ErrDuplicateKey, got %v", err)
		}
		if existing == nil || existing.ID != first.ID {
			t.Errorf("expected existing endpoint %s, got %+v", first.ID, existing)
		}
	})

	t.Run("not found", func(t *testing.T) {
		if _, err := store.GetEndpoint(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := store.DeleteEndpoint(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound on delete, got %v", err)
		}
	})

	t.Run("update name and url", func(t *testing.T) {
		e := createEndpoint(t, store, "https://rename.example.com")
		if err := store.RecordProbe(ctx, storage.ProbeUpdate{EndpointID: e.ID, Status: 200, CheckedAt: time.Now()}); err != nil {
			t.Fatalf("record probe: %v", err)
		}

		name := "Renamed"
		got, err := store.UpdateEndpoint(ctx, e.ID, storage.EndpointPatch{Name: &name})
		if err != nil {
			t.Fatalf("update name: %v", err)
		}
		if got.Name != "Renamed" || got.Pending() {
			t.Errorf("name update should keep probe state: %+v", got)
		}

		url := "https://moved.example.com"
		got, err = store.UpdateEndpoint(ctx, e.ID, storage.EndpointPatch{URL: &url, CanonicalURL: &url})
		if err != nil {
			t.Fatalf("update url: %v", err)
		}
		if got.URL != url || !got.Pending() {
			t.Errorf("url update should reset to pending: %+v", got)
		}
	})

	t.Run("list", func(t *testing.T) {
		all, err := store.ListEndpoints(ctx)
		if err != nil {
			t.Fatalf("list endpoints: %v", err)
		}
		if len(all) < 3 {
			t.Errorf("expected at least 3 endpoints, got %d", len(all))
		}
	})
}

func TestRecordProbe(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := createEndpoint(t, store, "https://probe.example.com")

	now := time.Now().UTC()
	if err := store.RecordProbe(ctx, storage.ProbeUpdate{EndpointID: e.ID, Status: models.StatusUnreachable, IsDown: true, CheckedAt: now}); err != nil {
		t.Fatalf("record probe: %v", err)
	}
	got, _ := store.GetEndpoint(ctx, e.ID)
	if got.LastStatus == nil || *got.LastStatus != models.StatusUnreachable || !got.IsDown {
		t.Errorf("unexpected state after unreachable probe: %+v", got)
	}
	if got.LastChecked == nil || !got.LastChecked.Equal(now) {
		t.Errorf("last_checked = %v, want %v", got.LastChecked, now)
	}

	// a probe that finishes after the endpoint was deleted must not resurrect it
	if err := store.DeleteEndpoint(ctx, e.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err := store.RecordProbe(ctx, storage.ProbeUpdate{EndpointID: e.ID, Status: 200, CheckedAt: now})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for deleted endpoint, got %v", err)
	}
	if _, err := store.GetEndpoint(ctx, e.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("endpoint should stay deleted, got %v", err)
	}
}

func TestClaimNotification(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := createEndpoint(t, store, "https://claim.example.com")
	window := 2 * time.Minute
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		at    time.Time
		force bool
		want  bool
	}{
		{"first claim with no last_notified", base, false, true},
		{"inside window is refused", base.Add(time.Minute), false, false},
		{"forced claim inside window", base.Add(90 * time.Second), true, true},
		{"window restarts from forced claim", base.Add(3 * time.Minute), false, false},
		{"after window", base.Add(90*time.Second + window), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ClaimNotification(ctx, e.ID, tt.at, window, tt.force)
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if got != tt.want {
				t.Errorf("ClaimNotification() = %v, want %v", got, tt.want)
			}
		})
	}

	ok, err := store.ClaimNotification(ctx, "missing", base, window, true)
	if err != nil || ok {
		t.Errorf("claim on missing endpoint = %v, %v; want false, nil", ok, err)
	}
}

func TestCascadeDeleteKeepsLogs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := createEndpoint(t, store, "https://cascade.example.com")

	for i := 0; i < 3; i++ {
		_, err := store.CreateSubscription(ctx, &models.Subscription{
			EndpointID: e.ID,
			Kind:       models.SubscriptionDirect,
			ChatID:     fmt.Sprintf("%d", 1000+i),
			Enabled:    true,
		})
		if err != nil {
			t.Fatalf("create subscription %d: %v", i, err)
		}
	}
	if err := store.AppendNotificationLog(ctx, &models.NotificationLogEntry{
		EndpointID: e.ID, EndpointURL: e.URL, Channel: "ntfy", Target: "topic", Message: "down", Status: models.DeliverySent,
	}); err != nil {
		t.Fatalf("append log: %v", err)
	}

	if err := store.DeleteEndpoint(ctx, e.ID); err != nil {
		t.Fatalf("delete endpoint: %v", err)
	}

	subs, err := store.ListSubscriptions(ctx, e.ID)
	if err != nil {
		t.Fatalf("list subscriptions: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("expected 0 subscriptions after delete, got %d", len(subs))
	}

	page, err := store.ListNotificationLogs(ctx, storage.LogQuery{EndpointFilter: e.URL})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if page.TotalItems != 1 {
		t.Errorf("expected the log entry to survive, got %d", page.TotalItems)
	}
}

func TestSubscriptions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := createEndpoint(t, store, "https://subs.example.com")

	sub, err := store.CreateSubscription(ctx, &models.Subscription{EndpointID: e.ID, Kind: models.SubscriptionDirect, ChatID: "42", Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	t.Run("duplicate per kind", func(t *testing.T) {
		_, err := store.CreateSubscription(ctx, &models.Subscription{EndpointID: e.ID, Kind: models.SubscriptionDirect, ChatID: "42", Enabled: true})
		if !errors.Is(err, storage.ErrDuplicateKey) {
			t.Errorf("expected ErrDuplicateKey, got %v", err)
		}
		// the same chat may be subscribed as a group target
		if _, err := store.CreateSubscription(ctx, &models.Subscription{EndpointID: e.ID, Kind: models.SubscriptionGroup, ChatID: "42", ThreadID: "7", Enabled: true}); err != nil {
			t.Errorf("group subscription for same chat: %v", err)
		}
	})

	t.Run("unknown endpoint", func(t *testing.T) {
		_, err := store.CreateSubscription(ctx, &models.Subscription{EndpointID: "missing", Kind: models.SubscriptionDirect, ChatID: "1"})
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("toggle preserves record", func(t *testing.T) {
		got, err := store.SetSubscriptionEnabled(ctx, sub.ID, false)
		if err != nil {
			t.Fatalf("disable: %v", err)
		}
		if got.Enabled {
			t.Error("expected subscription to be disabled")
		}
		subs, _ := store.ListSubscriptions(ctx, e.ID)
		if len(subs) != 2 {
			t.Errorf("expected 2 subscriptions, got %d", len(subs))
		}
	})

	t.Run("enable re-enables existing", func(t *testing.T) {
		got, err := store.EnableSubscription(ctx, &models.Subscription{EndpointID: e.ID, Kind: models.SubscriptionDirect, ChatID: "42"})
		if err != nil {
			t.Fatalf("enable: %v", err)
		}
		if got.ID != sub.ID || !got.Enabled {
			t.Errorf("expected existing subscription re-enabled, got %+v", got)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := store.DeleteSubscription(ctx, sub.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := store.GetSubscription(ctx, sub.ID); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRecordChat(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	isNew, err := store.RecordChat(ctx, models.Chat{ChatID: "100", Type: "private"})
	if err != nil || !isNew {
		t.Fatalf("first RecordChat = %v, %v", isNew, err)
	}
	isNew, err = store.RecordChat(ctx, models.Chat{ChatID: "100", Type: "private"})
	if err != nil || isNew {
		t.Fatalf("second RecordChat = %v, %v", isNew, err)
	}
	chats, err := store.ListChats(ctx)
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if len(chats) != 1 || chats[0].ChatID != "100" {
		t.Errorf("unexpected chats: %+v", chats)
	}
}

func TestListNotificationLogs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 30; i++ {
		status := models.DeliverySent
		if i%3 == 0 {
			status = models.DeliveryFailed
		}
		url := "https://a.example.com"
		if i%2 == 1 {
			url = "https://b.example.com"
		}
		err := store.AppendNotificationLog(ctx, &models.NotificationLogEntry{
			EndpointID:  "e",
			EndpointURL: url,
			Channel:     "telegram",
			Target:      "1",
			Message:     fmt.Sprintf("message %02d", i),
			Status:      status,
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	t.Run("defaults", func(t *testing.T) {
		page, err := store.ListNotificationLogs(ctx, storage.LogQuery{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if page.TotalItems != 30 || page.TotalPages != 2 || page.CurrentPage != 1 {
			t.Errorf("unexpected counters: %+v", page)
		}
		if len(page.Logs) != storage.DefaultPerPage {
			t.Errorf("expected %d logs, got %d", storage.DefaultPerPage, len(page.Logs))
		}
		if page.Logs[0].Message != "message 29" {
			t.Errorf("expected newest first, got %q", page.Logs[0].Message)
		}
	})

	t.Run("second page ascending", func(t *testing.T) {
		page, err := store.ListNotificationLogs(ctx, storage.LogQuery{Page: 2, PerPage: 10, Order: "asc"})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page.Logs) != 10 || page.Logs[0].Message != "message 10" {
			t.Errorf("unexpected page: %d logs, first %q", len(page.Logs), page.Logs[0].Message)
		}
		if page.TotalPages != 3 {
			t.Errorf("expected 3 pages, got %d", page.TotalPages)
		}
	})

	t.Run("filters and search", func(t *testing.T) {
		page, err := store.ListNotificationLogs(ctx, storage.LogQuery{StatusFilter: models.DeliveryFailed})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if page.TotalItems != 10 {
			t.Errorf("expected 10 failed entries, got %d", page.TotalItems)
		}

		page, err = store.ListNotificationLogs(ctx, storage.LogQuery{EndpointFilter: "https://b.example.com", Search: "message 1"})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		// odd indexes among 10..19
		if page.TotalItems != 5 {
			t.Errorf("expected 5 entries, got %d", page.TotalItems)
		}
	})

	t.Run("page past the end", func(t *testing.T) {
		page, err := store.ListNotificationLogs(ctx, storage.LogQuery{Page: 9})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page.Logs) != 0 || page.Logs == nil {
			t.Errorf("expected an empty, non-nil page, got %v", page.Logs)
		}
	})
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.SeedSettings(ctx, models.Settings{CheckIntervalSeconds: 10, NotifyEveryMinutes: 2}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.UpdateSettings(ctx, models.Settings{CheckIntervalSeconds: 30, NotifyEveryMinutes: 5}); err != nil {
		t.Fatalf("update: %v", err)
	}
	// seeding again must not clobber edited values
	if err := store.SeedSettings(ctx, models.Settings{CheckIntervalSeconds: 10, NotifyEveryMinutes: 2}); err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	got, err := store.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CheckIntervalSeconds != 30 || got.NotifyEveryMinutes != 5 {
		t.Errorf("unexpected settings: %+v", got)
	}
}
