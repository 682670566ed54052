// Package notify delivers user and staff notifications. Delivery is
// fire-and-forget from the caller's point of view: wrap any Notifier in
// BestEffort and failures are logged instead of returned.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/assessor/internal/observability"
)

// Audiences.
const (
	AudienceUser  = "user"
	AudienceStaff = "staff"
)

// maxInbox caps the per-recipient notification list kept in Redis.
const maxInbox = 100

// Notifier sends notifications to users and staff members.
type Notifier interface {
	SendUserNotification(ctx context.Context, userID, title, body string, metadata map[string]any) error
	SendStaffNotification(ctx context.Context, staffID, title, body string, metadata map[string]any) error
}

// Notification is the payload delivered to a recipient.
type Notification struct {
	Audience    string         `json:"audience"`
	RecipientID string         `json:"recipient_id"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	SentAt      time.Time      `json:"sent_at"`
}

// LogNotifier writes notifications to the log. It is the default driver
// when no delivery channel is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs every notification.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// SendUserNotification logs a user notification.
func (n *LogNotifier) SendUserNotification(_ context.Context, userID, title, body string, metadata map[string]any) error {
	n.log(AudienceUser, userID, title, body, metadata)
	return nil
}

// SendStaffNotification logs a staff notification.
func (n *LogNotifier) SendStaffNotification(_ context.Context, staffID, title, body string, metadata map[string]any) error {
	n.log(AudienceStaff, staffID, title, body, metadata)
	return nil
}

func (n *LogNotifier) log(audience, recipient, title, body string, metadata map[string]any) {
	n.logger.Info("notification",
		zap.String("audience", audience),
		zap.String("recipient_id", recipient),
		zap.String("title", title),
		zap.String("body", body),
		zap.Any("metadata", metadata),
	)
}

// RedisNotifier publishes notifications on a per-recipient Redis channel
// and keeps the most recent ones in a capped list under the same key.
type RedisNotifier struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisNotifier creates a Redis notifier. Keys are prefixed with prefix.
func NewRedisNotifier(client *redis.Client, prefix string) *RedisNotifier {
	return &RedisNotifier{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SendUserNotification publishes a user notification.
func (n *RedisNotifier) SendUserNotification(ctx context.Context, userID, title, body string, metadata map[string]any) error {
	return n.send(ctx, AudienceUser, userID, title, body, metadata)
}

// SendStaffNotification publishes a staff notification.
func (n *RedisNotifier) SendStaffNotification(ctx context.Context, staffID, title, body string, metadata map[string]any) error {
	return n.send(ctx, AudienceStaff, staffID, title, body, metadata)
}

// Key returns the channel and inbox key for a recipient.
func (n *RedisNotifier) Key(audience, recipientID string) string {
	return n.prefix + "notifications:" + audience + ":" + recipientID
}

func (n *RedisNotifier) send(ctx context.Context, audience, recipient, title, body string, metadata map[string]any) error {
	data, err := json.Marshal(Notification{
		Audience:    audience,
		RecipientID: recipient,
		Title:       title,
		Body:        body,
		Metadata:    metadata,
		SentAt:      n.now(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	key := n.Key(audience, recipient)
	pipe := n.client.TxPipeline()
	pipe.LPush(ctx, key+":inbox", data)
	pipe.LTrim(ctx, key+":inbox", 0, maxInbox-1)
	pipe.Publish(ctx, key, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish notification to %s: %w", key, err)
	}
	return nil
}

// Inbox returns the most recent notifications kept for a recipient, newest
// first.
func (n *RedisNotifier) Inbox(ctx context.Context, audience, recipientID string) ([]Notification, error) {
	raw, err := n.client.LRange(ctx, n.Key(audience, recipientID)+":inbox", 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read notification inbox: %w", err)
	}
	out := make([]Notification, 0, len(raw))
	for _, item := range raw {
		var note Notification
		if err := json.Unmarshal([]byte(item), &note); err != nil {
			return nil, fmt.Errorf("unmarshal notification: %w", err)
		}
		out = append(out, note)
	}
	return out, nil
}

// BestEffort wraps a Notifier so that delivery failures are logged and
// counted but never returned.
type BestEffort struct {
	next    Notifier
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewBestEffort wraps next.
func NewBestEffort(next Notifier, logger *zap.Logger, metrics *observability.Metrics) *BestEffort {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BestEffort{next: next, logger: logger, metrics: metrics}
}

// SendUserNotification delivers a user notification, logging failures.
func (b *BestEffort) SendUserNotification(ctx context.Context, userID, title, body string, metadata map[string]any) error {
	b.observe(AudienceUser, userID, title, b.next.SendUserNotification(ctx, userID, title, body, metadata))
	return nil
}

// SendStaffNotification delivers a staff notification, logging failures.
func (b *BestEffort) SendStaffNotification(ctx context.Context, staffID, title, body string, metadata map[string]any) error {
	b.observe(AudienceStaff, staffID, title, b.next.SendStaffNotification(ctx, staffID, title, body, metadata))
	return nil
}

func (b *BestEffort) observe(audience, recipient, title string, err error) {
	if err != nil {
		b.metrics.RecordNotification(audience, "failed")
		b.logger.Warn("notification delivery failed",
			zap.String("audience", audience),
			zap.String("recipient_id", recipient),
			zap.String("title", title),
			zap.Error(err),
		)
		return
	}
	b.metrics.RecordNotification(audience, "sent")
}
