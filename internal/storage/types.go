package storage

import (
	"context"
	"errors"
	"time"

	"courierops/internal/orders"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures the sqlite store.
type Config struct {
	Path        string        `json:"path" yaml:"path"`
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"` // 0 means default
}

// Setting keys. The chat-id mapping is a single JSON blob (courier id ->
// destination chat id) that is read fully and rewritten fully on every change.
const (
	SettingBotToken       = "COURIER_BOT_TOKEN"
	SettingCourierChatIDs = "COURIER_CHAT_ID"
)

// AuditEntry records a notification lifecycle event for operational forensics.
type AuditEntry struct {
	At      time.Time
	Kind    string // sent | deduped | failed | registered
	OrderID string
	Key     string
	ChatID  string
	Error   string
}

// StatsFilter narrows the statistics aggregation window.
type StatsFilter struct {
	From     time.Time // zero = unbounded
	To       time.Time // zero = unbounded
	PriceMin float64
	PriceMax float64 // 0 = unbounded
}

// CourierStats is the aggregate a courier sees on the statistics screen.
type CourierStats struct {
	Delivered int
	Canceled  int
	Revenue   float64
}

// Store is the persistence API. Consumers should depend on the narrow
// subset they need (the notify package defines its own small interfaces).
type Store interface {
	// Couriers.
	CreateCourier(ctx context.Context, c orders.Courier) error
	CourierByID(ctx context.Context, id string) (*orders.Courier, error)
	CourierByAnyPhone(ctx context.Context, candidates []string) (*orders.Courier, error)
	Couriers(ctx context.Context) ([]orders.Courier, error)
	UpdateCourierProfile(ctx context.Context, id, fullname string) error

	// Orders.
	CreateOrder(ctx context.Context, o orders.Order) error
	OrderByID(ctx context.Context, id string) (*orders.Order, error)
	OrdersByStatus(ctx context.Context, statuses []orders.Status) ([]orders.Order, error)
	OrdersUpdatedSince(ctx context.Context, since time.Time) ([]orders.Order, error)
	CountOrdersByStatus(ctx context.Context, statuses []orders.Status) (int, error)
	UpdateOrderStatus(ctx context.Context, id string, status orders.Status, cancelComment, courierID string) error
	CourierStatistics(ctx context.Context, courierID string, f StatsFilter) (CourierStats, error)

	// Settings (key-value).
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// Courier-to-chat bindings, stored as one settings blob.
	CourierChatIDs(ctx context.Context) (map[string]string, error)
	CourierChatID(ctx context.Context, courierID string) (string, error)
	SetCourierChatID(ctx context.Context, courierID, chatID string) error
	RemoveCourierChatID(ctx context.Context, courierID string) error

	// Audit.
	AppendAudit(ctx context.Context, e AuditEntry) error
	PruneAudit(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}
