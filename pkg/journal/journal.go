package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/igorsilveira/kefu/pkg/client"
	"github.com/igorsilveira/kefu/pkg/protocol"
	"github.com/igorsilveira/kefu/pkg/telemetry"
)

type Entry struct {
	ID        string    `gorm:"primaryKey;column:id"`
	Timestamp time.Time `gorm:"column:timestamp;not null;index:idx_journal_timestamp"`
	Kind      string    `gorm:"column:kind;not null;index:idx_journal_kind"`
	SessionID string    `gorm:"column:session_id;not null;default:''"`
	UserID    string    `gorm:"column:user_id;not null;default:''"`
	MessageID string    `gorm:"column:message_id;not null;default:''"`
	Peer      string    `gorm:"column:peer;not null;default:''"`
	Detail    string    `gorm:"column:detail;not null;default:''"`
}

func (Entry) TableName() string {
	return "journal"
}

// Journal keeps a local record of channel activity: connection changes,
// errors, warnings and inbound messages.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
}

func New(db *gorm.DB, logger *slog.Logger) (*Journal, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: running migrations: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger}, nil
}

func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()
	if err := j.db.WithContext(ctx).Create(&e).Error; err != nil {
		telemetry.Metrics.JournalWriteErrors.Inc()
		return fmt.Errorf("journal: recording %s: %w", e.Kind, err)
	}
	return nil
}

type Filter struct {
	Kind      string
	SessionID string
	UserID    string
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (j *Journal) Query(ctx context.Context, f Filter) ([]Entry, error) {
	q := j.db.WithContext(ctx)

	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.SessionID != "" {
		q = q.Where("session_id = ?", f.SessionID)
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q = q.Where("timestamp <= ?", f.Until.UTC())
	}

	q = q.Order("timestamp DESC")

	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var entries []Entry
	err := q.Find(&entries).Error
	return entries, err
}

// Prune deletes entries older than before.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := j.db.WithContext(ctx).Where("timestamp < ?", before.UTC()).Delete(&Entry{})
	return res.RowsAffected, res.Error
}

// Source is the part of the channel client the journal listens to.
type Source interface {
	On(kind client.Kind, fn func(client.Event)) client.Subscription
	Off(sub client.Subscription)
	Identity() protocol.Identity
}

var attachedKinds = []client.Kind{
	client.KindStatusChange,
	client.KindConnected,
	client.KindDisconnected,
	client.KindReconnecting,
	client.KindError,
	client.KindWarning,
	client.KindMessage,
}

// Attach records every event src publishes until the returned func is
// called. Write failures are logged and counted, never returned to src.
func (j *Journal) Attach(src Source) (detach func()) {
	subs := make([]client.Subscription, 0, len(attachedKinds))
	for _, kind := range attachedKinds {
		subs = append(subs, src.On(kind, func(ev client.Event) {
			e := entryFor(ev)
			id := src.Identity()
			e.SessionID = id.SessionID
			e.UserID = id.UserID
			if err := j.Record(context.Background(), e); err != nil {
				j.logger.Warn("journal write failed", slog.String("err", err.Error()))
			}
		}))
	}
	return func() {
		for _, sub := range subs {
			src.Off(sub)
		}
	}
}

func entryFor(ev client.Event) Entry {
	e := Entry{Kind: string(ev.Kind())}
	switch v := ev.(type) {
	case client.StatusChange:
		detail := map[string]string{"from": v.From.String(), "to": v.To.String()}
		if v.Err != nil {
			detail["err"] = v.Err.Error()
		}
		e.Detail = encodeDetail(detail)
	case client.ConnectedEvent:
		e.Detail = encodeDetail(map[string]any{"endpoint": v.Endpoint, "reconnected": v.Reconnected})
	case client.DisconnectedEvent:
		e.Detail = encodeDetail(map[string]any{
			"code":      int(v.Code),
			"reason":    v.Reason,
			"clean":     v.WasClean,
			"requested": v.Requested,
			"dropped":   v.Dropped,
		})
	case client.ReconnectingEvent:
		e.Detail = encodeDetail(map[string]any{
			"attempt": v.Attempt.Number,
			"delay":   v.Attempt.Delay.String(),
		})
	case client.ErrorEvent:
		e.Detail = v.Err.Error()
	case client.Warning:
		e.Detail = v.Message
		if v.Evicted != nil {
			e.MessageID = v.Evicted.ID
			e.Peer = v.Evicted.To
		}
	case client.MessageEvent:
		e.Kind = string(v.Message.Type)
		e.MessageID = v.Message.ID
		e.Peer = v.Message.From
		e.Timestamp = v.Message.Timestamp
		e.Detail = encodeDetail(v.Message.Content)
	}
	return e
}

func encodeDetail(v any) string {
	switch d := v.(type) {
	case nil:
		return ""
	case string:
		return d
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
