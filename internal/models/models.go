package models

import "time"

// StatusUnreachable is stored as last_status when the last probe got no HTTP
// response at all (DNS, connect, TLS or timeout failure).
const StatusUnreachable = 0

// Endpoint represents an HTTP(S) target to be monitored.
// LastStatus is nil only while the endpoint is pending.
type Endpoint struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Name         string     `json:"name,omitempty"`
	LastStatus   *int       `json:"last_status"`
	IsDown       bool       `json:"is_down"`
	LastChecked  *time.Time `json:"last_checked"`
	LastNotified *time.Time `json:"last_notified"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Pending reports whether the endpoint has never been probed.
func (e Endpoint) Pending() bool {
	return e.LastStatus == nil
}

// DisplayName returns the name if set, the URL otherwise.
func (e Endpoint) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.URL
}

// State returns a short label for dashboards and bot replies.
func (e Endpoint) State() string {
	switch {
	case e.Pending():
		return "pending"
	case e.IsDown:
		return "down"
	default:
		return "up"
	}
}

// SubscriptionKind distinguishes private chats from group/forum targets.
type SubscriptionKind string

const (
	SubscriptionDirect SubscriptionKind = "direct"
	SubscriptionGroup  SubscriptionKind = "group"
)

// Valid reports whether k is a known subscription kind.
func (k SubscriptionKind) Valid() bool {
	return k == SubscriptionDirect || k == SubscriptionGroup
}

// Subscription binds a chat target to an endpoint's notifications.
type Subscription struct {
	ID         string           `json:"id"`
	EndpointID string           `json:"endpoint_id"`
	Kind       SubscriptionKind `json:"kind"`
	ChatID     string           `json:"chat_id"`
	ThreadID   string           `json:"thread_id,omitempty"`
	Enabled    bool             `json:"enabled"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Chat is a Telegram chat learned by the discovery listener.
type Chat struct {
	ChatID       string    `json:"chat_id"`
	Type         string    `json:"type"`
	Title        string    `json:"title,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Delivery outcomes recorded in the notification log.
const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

// NotificationLogEntry records one delivery attempt to one channel target.
// EndpointURL is a snapshot and survives endpoint deletion.
type NotificationLogEntry struct {
	ID          string    `json:"id"`
	EndpointID  string    `json:"endpoint_id"`
	EndpointURL string    `json:"endpoint_url"`
	Channel     string    `json:"channel"`
	Target      string    `json:"target"`
	Message     string    `json:"message"`
	Status      string    `json:"status"`
	Error       *string   `json:"error"`
	Timestamp   time.Time `json:"timestamp"`
}

// Settings are the runtime-tunable monitoring knobs.
type Settings struct {
	CheckIntervalSeconds int `json:"check_interval"`
	NotifyEveryMinutes   int `json:"notify_every_minutes"`
}

// CheckInterval returns the interval as a duration.
func (s Settings) CheckInterval() time.Duration {
	return time.Duration(s.CheckIntervalSeconds) * time.Second
}

// NotifyEvery returns the throttle window as a duration.
func (s Settings) NotifyEvery() time.Duration {
	return time.Duration(s.NotifyEveryMinutes) * time.Minute
}

// Invitation is the payload handed to users who want to subscribe to an
// endpoint through a chat deep link.
type Invitation struct {
	EndpointName string `json:"endpoint_name"`
	Instructions string `json:"instructions"`
	DeepLink     string `json:"deep_link"`
}

// EventKind is the kind of state change a notification reports.
type EventKind string

const (
	EventDown      EventKind = "down"
	EventRecovered EventKind = "recovered"
	EventStillDown EventKind = "still_down"
)

// Event is handed from the scheduler to the notification pipeline.
type Event struct {
	Kind       EventKind
	Endpoint   Endpoint
	StatusCode int
	Latency    time.Duration
	Error      string
	OccurredAt time.Time
}
