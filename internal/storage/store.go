package storage

import (
	"context"
	"errors"
	"time"

	"endpointwatch/internal/models"
)

var (
	// ErrDuplicateKey is returned when attempting to create a duplicate resource
	ErrDuplicateKey = errors.New("duplicate")
	// ErrNotFound is returned when a requested resource is not found
	ErrNotFound = errors.New("not found")
)

// Default and maximum page sizes for the notification log.
const (
	DefaultPerPage = 25
	MaxPerPage     = 100
)

// ProbeUpdate carries the outcome of one probe for a single endpoint.
// Status is models.StatusUnreachable when no response was received.
type ProbeUpdate struct {
	EndpointID string
	Status     int
	IsDown     bool
	CheckedAt  time.Time
}

// EndpointPatch holds the user-editable endpoint fields. Nil fields are left
// untouched.
type EndpointPatch struct {
	URL          *string
	CanonicalURL *string
	Name         *string
}

// LogQuery contains parameters for listing notification log entries with
// filtering, sorting and page-number pagination.
type LogQuery struct {
	Page           int
	PerPage        int
	SortBy         string
	Order          string
	EndpointFilter string
	StatusFilter   string
	Search         string
}

// LogPage is one page of the notification log.
type LogPage struct {
	Logs        []models.NotificationLogEntry `json:"logs"`
	TotalItems  int                           `json:"total_items"`
	TotalPages  int                           `json:"total_pages"`
	CurrentPage int                           `json:"current_page"`
}

// sortColumns maps accepted sort keys to column names.
var sortColumns = map[string]string{
	"timestamp":    "sent_at",
	"endpoint_url": "endpoint_url",
	"status":       "status",
	"channel":      "channel",
}

// Normalize clamps the query to supported values.
func (q LogQuery) Normalize() LogQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 {
		q.PerPage = DefaultPerPage
	}
	if q.PerPage > MaxPerPage {
		q.PerPage = MaxPerPage
	}
	if _, ok := sortColumns[q.SortBy]; !ok {
		q.SortBy = "timestamp"
	}
	if q.Order != "asc" {
		q.Order = "desc"
	}
	return q
}

// SortColumn returns the column to sort by. Call on a normalized query.
func (q LogQuery) SortColumn() string {
	return sortColumns[q.SortBy]
}

// Offset returns the row offset of the requested page.
func (q LogQuery) Offset() int {
	return (q.Page - 1) * q.PerPage
}

// NewLogPage computes the page counters for total matching rows.
func NewLogPage(q LogQuery, logs []models.NotificationLogEntry, total int) *LogPage {
	if logs == nil {
		logs = []models.NotificationLogEntry{}
	}
	pages := (total + q.PerPage - 1) / q.PerPage
	return &LogPage{Logs: logs, TotalItems: total, TotalPages: pages, CurrentPage: q.Page}
}

// Storer defines the interface for storage operations on endpoints,
// subscriptions, discovered chats, the notification log and settings.
type Storer interface {
	CreateEndpoint(ctx context.Context, endpoint *models.Endpoint, canonicalURL string) (*models.Endpoint, error)
	GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]models.Endpoint, error)
	UpdateEndpoint(ctx context.Context, id string, patch EndpointPatch) (*models.Endpoint, error)
	// DeleteEndpoint removes the endpoint and its subscriptions. Log
	// entries are kept.
	DeleteEndpoint(ctx context.Context, id string) error
	// RecordProbe writes the probe outcome to a single row. It returns
	// ErrNotFound when the endpoint was deleted in the meantime.
	RecordProbe(ctx context.Context, update ProbeUpdate) error
	// ClaimNotification atomically sets last_notified to now if force is
	// set, last_notified is absent, or it is at least minInterval old. It
	// reports whether the claim succeeded.
	ClaimNotification(ctx context.Context, endpointID string, now time.Time, minInterval time.Duration, force bool) (bool, error)

	CreateSubscription(ctx context.Context, sub *models.Subscription) (*models.Subscription, error)
	// EnableSubscription creates the subscription or re-enables an
	// existing one for the same endpoint, kind and chat.
	EnableSubscription(ctx context.Context, sub *models.Subscription) (*models.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	ListSubscriptions(ctx context.Context, endpointID string) ([]models.Subscription, error)
	SetSubscriptionEnabled(ctx context.Context, id string, enabled bool) (*models.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error

	// RecordChat stores a discovered chat and reports whether it was new.
	RecordChat(ctx context.Context, chat models.Chat) (bool, error)
	ListChats(ctx context.Context) ([]models.Chat, error)

	AppendNotificationLog(ctx context.Context, entry *models.NotificationLogEntry) error
	ListNotificationLogs(ctx context.Context, q LogQuery) (*LogPage, error)

	// SeedSettings inserts defaults for settings that are not stored yet.
	SeedSettings(ctx context.Context, defaults models.Settings) error
	GetSettings(ctx context.Context) (models.Settings, error)
	UpdateSettings(ctx context.Context, s models.Settings) error

	Close() error
}
