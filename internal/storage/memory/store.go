// Package memory provides a process-local implementation of storage.Storer.
//
// MemoryStore keeps everything in maps guarded by a single RWMutex. It is
// selected with DATABASE_DRIVER=memory and loses all data on restart, which
// makes it suitable for trials and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"endpointwatch/internal/models"
	"endpointwatch/internal/storage"
)

// MemoryStore is an in-memory implementation of storage.Storer.
type MemoryStore struct {
	mu            sync.RWMutex
	endpoints     map[string]models.Endpoint
	canonical     map[string]string
	subscriptions map[string]models.Subscription
	chats         map[string]models.Chat
	logs          []models.NotificationLogEntry
	settings      models.Settings
	hasSettings   bool
}

// New creates an empty MemoryStore.
func New() *MemoryStore {
	return &MemoryStore{
		endpoints:     make(map[string]models.Endpoint),
		canonical:     make(map[string]string),
		subscriptions: make(map[string]models.Subscription),
		chats:         make(map[string]models.Chat),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func clone(e models.Endpoint) *models.Endpoint {
	c := e
	if e.LastStatus != nil {
		v := *e.LastStatus
		c.LastStatus = &v
	}
	if e.LastChecked != nil {
		v := *e.LastChecked
		c.LastChecked = &v
	}
	if e.LastNotified != nil {
		v := *e.LastNotified
		c.LastNotified = &v
	}
	return &c
}

func (s *MemoryStore) CreateEndpoint(ctx context.Context, endpoint *models.Endpoint, canonicalURL string) (*models.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.canonical[canonicalURL]; ok {
		return clone(s.endpoints[id]), storage.ErrDuplicateKey
	}
	e := models.Endpoint{ID: endpoint.ID, URL: endpoint.URL, Name: endpoint.Name, CreatedAt: endpoint.CreatedAt}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.endpoints[e.ID] = e
	s.canonical[canonicalURL] = e.ID
	return clone(e), nil
}

func (s *MemoryStore) GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.endpoints[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(e), nil
}

func (s *MemoryStore) ListEndpoints(ctx context.Context) ([]models.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		out = append(out, *clone(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateEndpoint(ctx context.Context, id string, patch storage.EndpointPatch) (*models.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.endpoints[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if patch.URL != nil && patch.CanonicalURL != nil {
		if other, taken := s.canonical[*patch.CanonicalURL]; taken && other != id {
			return nil, storage.ErrDuplicateKey
		}
		for key, owner := range s.canonical {
			if owner == id {
				delete(s.canonical, key)
			}
		}
		s.canonical[*patch.CanonicalURL] = id
		e.URL = *patch.URL
		e.LastStatus, e.LastChecked, e.IsDown = nil, nil, false
	}
	if patch.Name != nil {
		e.Name = *patch.Name
	}
	s.endpoints[id] = e
	return clone(e), nil
}

func (s *MemoryStore) DeleteEndpoint(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.endpoints[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.endpoints, id)
	for key, owner := range s.canonical {
		if owner == id {
			delete(s.canonical, key)
		}
	}
	for sid, sub := range s.subscriptions {
		if sub.EndpointID == id {
			delete(s.subscriptions, sid)
		}
	}
	return nil
}

func (s *MemoryStore) RecordProbe(ctx context.Context, u storage.ProbeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.endpoints[u.EndpointID]
	if !ok {
		return storage.ErrNotFound
	}
	status := u.Status
	checked := u.CheckedAt.UTC()
	e.LastStatus = &status
	e.IsDown = u.IsDown
	e.LastChecked = &checked
	s.endpoints[u.EndpointID] = e
	return nil
}

func (s *MemoryStore) ClaimNotification(ctx context.Context, endpointID string, now time.Time, minInterval time.Duration, force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.endpoints[endpointID]
	if !ok {
		return false, nil
	}
	if !force && e.LastNotified != nil && now.Sub(*e.LastNotified) < minInterval {
		return false, nil
	}
	at := now.UTC()
	e.LastNotified = &at
	s.endpoints[endpointID] = e
	return true, nil
}

func (s *MemoryStore) insertSubscription(sub *models.Subscription) (*models.Subscription, error) {
	if _, ok := s.endpoints[sub.EndpointID]; !ok {
		return nil, storage.ErrNotFound
	}
	for _, existing := range s.subscriptions {
		if existing.EndpointID == sub.EndpointID && existing.Kind == sub.Kind && existing.ChatID == sub.ChatID {
			return nil, storage.ErrDuplicateKey
		}
	}
	c := *sub
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.subscriptions[c.ID] = c
	sub.ID = c.ID
	return &c, nil
}

func (s *MemoryStore) CreateSubscription(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertSubscription(sub)
}

func (s *MemoryStore) EnableSubscription(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.subscriptions {
		if existing.EndpointID == sub.EndpointID && existing.Kind == sub.Kind && existing.ChatID == sub.ChatID {
			existing.Enabled = true
			existing.ThreadID = sub.ThreadID
			s.subscriptions[id] = existing
			c := existing
			return &c, nil
		}
	}
	sub.Enabled = true
	return s.insertSubscription(sub)
}

func (s *MemoryStore) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &sub, nil
}

func (s *MemoryStore) ListSubscriptions(ctx context.Context, endpointID string) ([]models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Subscription{}
	for _, sub := range s.subscriptions {
		if sub.EndpointID == endpointID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) SetSubscriptionEnabled(ctx context.Context, id string, enabled bool) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	sub.Enabled = enabled
	s.subscriptions[id] = sub
	return &sub, nil
}

func (s *MemoryStore) DeleteSubscription(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.subscriptions, id)
	return nil
}

func (s *MemoryStore) RecordChat(ctx context.Context, chat models.Chat) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chat.ChatID]; ok {
		return false, nil
	}
	if chat.DiscoveredAt.IsZero() {
		chat.DiscoveredAt = time.Now().UTC()
	}
	s.chats[chat.ChatID] = chat
	return true, nil
}

func (s *MemoryStore) ListChats(ctx context.Context) ([]models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DiscoveredAt.Equal(out[j].DiscoveredAt) {
			return out[i].ChatID < out[j].ChatID
		}
		return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
	})
	return out, nil
}

func (s *MemoryStore) AppendNotificationLog(ctx context.Context, entry *models.NotificationLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.logs = append(s.logs, *entry)
	return nil
}

func (s *MemoryStore) ListNotificationLogs(ctx context.Context, q storage.LogQuery) (*storage.LogPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q = q.Normalize()
	search := strings.ToLower(q.Search)
	var matched []models.NotificationLogEntry
	for _, e := range s.logs {
		if q.EndpointFilter != "" && e.EndpointID != q.EndpointFilter && e.EndpointURL != q.EndpointFilter {
			continue
		}
		if q.StatusFilter != "" && e.Status != q.StatusFilter {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(e.EndpointURL), search) && !strings.Contains(strings.ToLower(e.Message), search) {
			continue
		}
		matched = append(matched, e)
	}

	compare := func(a, b models.NotificationLogEntry) int {
		switch q.SortBy {
		case "endpoint_url":
			return strings.Compare(a.EndpointURL, b.EndpointURL)
		case "status":
			return strings.Compare(a.Status, b.Status)
		case "channel":
			return strings.Compare(a.Channel, b.Channel)
		default:
			return a.Timestamp.Compare(b.Timestamp)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		c := compare(matched[i], matched[j])
		if c == 0 {
			c = strings.Compare(matched[i].ID, matched[j].ID)
		}
		if q.Order == "asc" {
			return c < 0
		}
		return c > 0
	})

	total := len(matched)
	start := q.Offset()
	if start > total {
		start = total
	}
	end := start + q.PerPage
	if end > total {
		end = total
	}
	page := append([]models.NotificationLogEntry(nil), matched[start:end]...)
	return storage.NewLogPage(q, page, total), nil
}

func (s *MemoryStore) SeedSettings(ctx context.Context, defaults models.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasSettings {
		s.settings = defaults
		s.hasSettings = true
	}
	return nil
}

func (s *MemoryStore) GetSettings(ctx context.Context) (models.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

func (s *MemoryStore) UpdateSettings(ctx context.Context, settings models.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	s.hasSettings = true
	return nil
}

var _ storage.Storer = (*MemoryStore)(nil)
