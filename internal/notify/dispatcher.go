// Package notify turns endpoint state changes into deliveries on the
// configured channels: an ntfy topic, Telegram private chats and Telegram
// groups or forum threads. Every delivery attempt is recorded in the
// notification log.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"endpointwatch/internal/metrics"
	"endpointwatch/internal/models"
	"endpointwatch/internal/storage"
)

// maxParallelSends bounds concurrent deliveries of one event.
const maxParallelSends = 8

// Options configures a Dispatcher.
type Options struct {
	DashboardURL string

	NtfyEnabled bool
	NtfyTopic   string

	TelegramEnabled bool
	// ChatIDs are the configured direct chats; MessageThreadID applies to them.
	ChatIDs         []string
	MessageThreadID int64

	GroupEnabled  bool
	GroupChatID   string
	GroupThreadID int64

	// BotUsername is used for deep links. It is resolved with getMe when
	// empty.
	BotUsername string

	// NotifyEvery is the throttle window used while settings carry none.
	NotifyEvery time.Duration
}

// Outcome is the result of delivering one event to one target.
type Outcome struct {
	Target   Target
	Attempts int
	Err      error
}

// Dispatcher throttles, renders and delivers notifications.
type Dispatcher struct {
	store     storage.Storer
	publisher Publisher
	telegram  TelegramAPI
	throttle  *Throttle
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	botMu       sync.Mutex
	botUsername string
}

// NewDispatcher creates a Dispatcher. publisher and tg may be nil when the
// matching channels are disabled.
func NewDispatcher(store storage.Storer, publisher Publisher, tg TelegramAPI, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.NotifyEvery <= 0 {
		opts.NotifyEvery = 2 * time.Minute
	}
	return &Dispatcher{
		store:       store,
		publisher:   publisher,
		telegram:    tg,
		throttle:    NewThrottle(store, opts.NotifyEvery),
		opts:        opts,
		logger:      logger.With("component", "notify"),
		now:         func() time.Time { return time.Now().UTC() },
		botUsername: strings.TrimPrefix(opts.BotUsername, "@"),
	}
}

// Notify applies the throttle and dispatches evt to every target. It returns
// an error only if the throttle could not be evaluated or every target
// failed.
func (d *Dispatcher) Notify(ctx context.Context, evt models.Event) error {
	at := evt.OccurredAt
	if at.IsZero() {
		at = d.now()
	}
	allowed, err := d.throttle.Allow(ctx, evt.Endpoint.ID, evt.Kind, at)
	if err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	if !allowed {
		d.logger.Debug("notification suppressed by throttle", "endpoint_id", evt.Endpoint.ID, "event", string(evt.Kind))
		return nil
	}

	outcomes := d.Dispatch(ctx, evt)
	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	if len(outcomes) > 0 && len(errs) == len(outcomes) {
		return errors.Join(errs...)
	}
	return nil
}

// Dispatch delivers evt to every target without consulting the throttle.
// Targets are sent to concurrently; each gets at most one immediate retry on
// a transient failure and one log entry.
func (d *Dispatcher) Dispatch(ctx context.Context, evt models.Event) []Outcome {
	targets, err := d.Targets(ctx, evt.Endpoint.ID)
	if err != nil {
		d.logger.Error("error resolving notification targets", "endpoint_id", evt.Endpoint.ID, "error", err)
	}
	if len(targets) == 0 {
		d.logger.Warn("no notification targets configured", "endpoint_id", evt.Endpoint.ID)
		return nil
	}

	msg := Render(evt, d.opts.DashboardURL)
	outcomes := make([]Outcome, len(targets))
	var g errgroup.Group
	g.SetLimit(maxParallelSends)
	for i, t := range targets {
		g.Go(func() error {
			outcomes[i] = d.deliver(ctx, evt, t, msg)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (d *Dispatcher) deliver(ctx context.Context, evt models.Event, t Target, msg Message) Outcome {
	out := Outcome{Target: t}
	var text string
	text, out.Err = d.send(ctx, t, msg)
	out.Attempts = 1
	if out.Err != nil && IsTransient(out.Err) && ctx.Err() == nil {
		d.logger.Info("retrying notification", "channel", string(t.Kind), "target", t.String(), "error", out.Err)
		text, out.Err = d.send(ctx, t, msg)
		out.Attempts = 2
	}
	if out.Err != nil {
		out.Err = &DispatchError{Channel: t.Kind, Target: t.String(), Attempts: out.Attempts, Err: out.Err}
	}

	// an interrupted send is abandoned rather than logged half-way
	if errors.Is(out.Err, context.Canceled) {
		return out
	}

	entry := &models.NotificationLogEntry{
		EndpointID:  evt.Endpoint.ID,
		EndpointURL: evt.Endpoint.URL,
		Channel:     string(t.Kind),
		Target:      t.String(),
		Message:     text,
		Status:      models.DeliverySent,
		Timestamp:   d.now(),
	}
	if out.Err != nil {
		entry.Status = models.DeliveryFailed
		errText := out.Err.Error()
		entry.Error = &errText
		d.logger.Warn("notification failed", "endpoint_id", evt.Endpoint.ID, "channel", string(t.Kind), "target", t.String(), "attempts", out.Attempts, "error", out.Err)
	} else {
		d.logger.Info("notification sent", "endpoint_id", evt.Endpoint.ID, "channel", string(t.Kind), "target", t.String(), "event", string(evt.Kind))
	}
	metrics.ObserveNotification(entry.Channel, entry.Status)
	if err := d.store.AppendNotificationLog(ctx, entry); err != nil {
		d.logger.Error("error writing notification log", "endpoint_id", evt.Endpoint.ID, "error", err)
	}
	return out
}

// Targets lists the destinations for an endpoint's notifications: the
// broadcast topic, the configured direct chats and group, and the endpoint's
// enabled subscriptions. A chat the bot has merely seen is not a target until
// it subscribes. Duplicates are dropped per channel.
func (d *Dispatcher) Targets(ctx context.Context, endpointID string) ([]Target, error) {
	var targets []Target
	seen := make(map[Target]bool)
	add := func(t Target) {
		if t.Address == "" || seen[t] {
			return
		}
		seen[t] = true
		targets = append(targets, t)
	}

	if d.opts.NtfyEnabled && d.publisher != nil {
		add(Target{Kind: ChannelBroadcast, Address: d.opts.NtfyTopic})
	}
	if d.telegram == nil || (!d.opts.TelegramEnabled && !d.opts.GroupEnabled) {
		return targets, nil
	}

	if d.opts.TelegramEnabled {
		for _, id := range d.opts.ChatIDs {
			add(Target{Kind: ChannelDirect, Address: id, ThreadID: d.opts.MessageThreadID})
		}
	}
	if d.opts.GroupEnabled {
		add(Target{Kind: ChannelGroup, Address: d.opts.GroupChatID, ThreadID: d.opts.GroupThreadID})
	}

	var errs []error
	subs, err := d.store.ListSubscriptions(ctx, endpointID)
	if err != nil {
		errs = append(errs, fmt.Errorf("list subscriptions: %w", err))
	}
	for _, sub := range subs {
		if !sub.Enabled {
			continue
		}
		thread, err := parseThreadID(sub.ThreadID)
		if err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		switch sub.Kind {
		case models.SubscriptionDirect:
			if d.opts.TelegramEnabled {
				add(Target{Kind: ChannelDirect, Address: sub.ChatID, ThreadID: thread})
			}
		case models.SubscriptionGroup:
			if d.opts.GroupEnabled {
				add(Target{Kind: ChannelGroup, Address: sub.ChatID, ThreadID: thread})
			}
		}
	}
	return targets, errors.Join(errs...)
}

func parseThreadID(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid thread id %q", s)
	}
	return id, nil
}
