// Package notify implements the notification dispatch and deduplication core:
// a cooldown-based dedup cache, a message composer, a per-recipient-isolated
// channel dispatcher, the single/bulk request handlers, and the courier
// registration flow.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"courierops/internal/gateway"
	"courierops/internal/orders"
)

// Type enumerates the notification kinds.
type Type string

const (
	TypeNewOrder       Type = "NEW_ORDER"
	TypeStatusUpdate   Type = "STATUS_UPDATE"
	TypeOrderCancelled Type = "ORDER_CANCELLED"
)

var ErrValidation = errors.New("notify: invalid request")

// Request is a single notification trigger. Immutable once built; one is
// created per triggering event and discarded after dispatch.
type Request struct {
	OrderID       string        `json:"orderId"`
	Type          Type          `json:"type"`
	OldStatus     orders.Status `json:"oldStatus,omitempty"`
	CancelComment string        `json:"cancelComment,omitempty"`
}

// Key derives the dedup identity. STATUS_UPDATE keys include the old status
// so two different transitions of the same order stay distinct events, while
// repeated signals of the same transition collapse.
func (r Request) Key() string {
	if r.Type == TypeStatusUpdate && r.OldStatus != "" {
		return fmt.Sprintf("%s_%s_%s", r.OrderID, r.Type, r.OldStatus)
	}
	return fmt.Sprintf("%s_%s", r.OrderID, r.Type)
}

// Validate rejects malformed requests before any dispatch work happens.
func (r Request) Validate() error {
	if r.OrderID == "" {
		return fmt.Errorf("%w: orderId is required", ErrValidation)
	}
	switch r.Type {
	case TypeNewOrder, TypeOrderCancelled:
	case TypeStatusUpdate:
		if r.OldStatus == "" {
			return fmt.Errorf("%w: oldStatus is required for STATUS_UPDATE", ErrValidation)
		}
		if !r.OldStatus.Valid() {
			return fmt.Errorf("%w: unknown oldStatus %q", ErrValidation, r.OldStatus)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrValidation, r.Type)
	}
	return nil
}

// Result is the per-request outcome. Duplicates are successes, not errors.
type Result struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	OrderID   string `json:"orderId"`
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Duplicate bool   `json:"duplicate,omitempty"`
}

// RegistrationResult is the outcome of an identity-to-courier binding attempt.
type RegistrationResult struct {
	Success     bool
	Message     string
	Keyboard    *gateway.Keyboard
	CourierID   string
	CourierName string
}

// Event is published on the bus for every handled notification; the app
// turns these into audit rows.
type Event struct {
	Kind    string // sent | deduped | failed
	OrderID string
	Key     string
	ChatID  string
	Error   string
}

// TokenStore is the secondary idempotency layer at the HTTP boundary
// (cookie-backed today). Check reports suppression; Record is performed by
// the HTTP layer only after a genuinely new successful dispatch.
type TokenStore interface {
	Check(key string) bool
	Record(key string, at time.Time)
}

// OrderSource is the read-only event source adapter over persistence.
type OrderSource interface {
	OrderByID(ctx context.Context, id string) (*orders.Order, error)
}

// CourierDirectory lists couriers and resolves phone-number candidates.
type CourierDirectory interface {
	Couriers(ctx context.Context) ([]orders.Courier, error)
	CourierByAnyPhone(ctx context.Context, candidates []string) (*orders.Courier, error)
}

// BindingStore maps courier ids to gateway destinations.
type BindingStore interface {
	CourierChatID(ctx context.Context, courierID string) (string, error)
	SetCourierChatID(ctx context.Context, courierID, chatID string) error
}

// Sender is the outbound half of the gateway the dispatcher needs.
type Sender interface {
	SendMessage(ctx context.Context, destination, text string, kb *gateway.Keyboard) error
}
