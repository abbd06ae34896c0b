package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"endpointwatch/internal/models"
	"endpointwatch/internal/storage"
	"endpointwatch/internal/storage/memory"
)

func TestMemoryStoreEndpoints(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	e, err := store.CreateEndpoint(ctx, &models.Endpoint{URL: "https://example.com"}, "https://example.com")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateEndpoint(ctx, &models.Endpoint{URL: "https://example.com/"}, "https://example.com"); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}

	// returned records are copies
	got, _ := store.GetEndpoint(ctx, e.ID)
	got.Name = "mutated"
	again, _ := store.GetEndpoint(ctx, e.ID)
	if again.Name != "" {
		t.Error("store should not share memory with callers")
	}

	if err := store.RecordProbe(ctx, storage.ProbeUpdate{EndpointID: e.ID, Status: 503, IsDown: true, CheckedAt: time.Now()}); err != nil {
		t.Fatalf("record probe: %v", err)
	}
	if err := store.DeleteEndpoint(ctx, e.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.RecordProbe(ctx, storage.ProbeUpdate{EndpointID: e.ID, Status: 200, CheckedAt: time.Now()}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	// canonical url is free again
	if _, err := store.CreateEndpoint(ctx, &models.Endpoint{URL: "https://example.com"}, "https://example.com"); err != nil {
		t.Errorf("re-create after delete: %v", err)
	}
}

func TestMemoryStoreClaimNotification(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e, _ := store.CreateEndpoint(ctx, &models.Endpoint{URL: "https://a.example.com"}, "https://a.example.com")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if ok, _ := store.ClaimNotification(ctx, e.ID, base, time.Minute, false); !ok {
		t.Fatal("first claim should succeed")
	}
	if ok, _ := store.ClaimNotification(ctx, e.ID, base.Add(30*time.Second), time.Minute, false); ok {
		t.Error("claim inside window should fail")
	}
	if ok, _ := store.ClaimNotification(ctx, e.ID, base.Add(30*time.Second), time.Minute, true); !ok {
		t.Error("forced claim should succeed")
	}
	if ok, _ := store.ClaimNotification(ctx, e.ID, base.Add(90*time.Second), time.Minute, false); !ok {
		t.Error("claim after window should succeed")
	}
}

func TestMemoryStoreLogs(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, status := range []string{models.DeliverySent, models.DeliveryFailed, models.DeliverySent} {
		store.AppendNotificationLog(ctx, &models.NotificationLogEntry{
			EndpointURL: "https://a.example.com",
			Message:     "msg",
			Status:      status,
			Timestamp:   base.Add(time.Duration(i) * time.Second),
		})
	}

	page, err := store.ListNotificationLogs(ctx, storage.LogQuery{PerPage: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.TotalItems != 3 || page.TotalPages != 2 || len(page.Logs) != 2 {
		t.Errorf("unexpected page: %+v", page)
	}
	if !page.Logs[0].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Errorf("expected newest first, got %v", page.Logs[0].Timestamp)
	}

	page, _ = store.ListNotificationLogs(ctx, storage.LogQuery{StatusFilter: models.DeliveryFailed})
	if page.TotalItems != 1 {
		t.Errorf("expected 1 failed entry, got %d", page.TotalItems)
	}
}
