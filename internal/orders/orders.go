// Package orders holds the delivery-order domain types and the order status
// state machine consumed by the HTTP layer and the notification core.
package orders

import (
	"errors"
	"strings"
	"time"
)

// Status is the order lifecycle state.
//
// CREATED -> COURIER_WAIT -> COURIER_PICKED -> ENROUTE -> DELIVERED
// CANCELED is reachable from COURIER_PICKED and ENROUTE and requires a
// non-empty cancellation comment.
type Status string

const (
	StatusCreated       Status = "CREATED"
	StatusCourierWait   Status = "COURIER_WAIT"
	StatusCourierPicked Status = "COURIER_PICKED"
	StatusEnroute       Status = "ENROUTE"
	StatusDelivered     Status = "DELIVERED"
	StatusCanceled      Status = "CANCELED"
)

var (
	ErrCancelCommentRequired = errors.New("orders: cancellation requires a comment")
	ErrBadTransition         = errors.New("orders: status transition not allowed")
)

var statusLabels = map[Status]string{
	StatusCreated:       "Создан",
	StatusCourierWait:   "Ожидает курьера",
	StatusCourierPicked: "Принят курьером",
	StatusEnroute:       "В пути",
	StatusDelivered:     "Доставлен",
	StatusCanceled:      "Отменен",
}

// Label returns the human-readable (courier-facing) name of a status.
// Unknown statuses are returned verbatim.
func (s Status) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

func (s Status) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// CourierSettable lists the statuses a courier may move an order into.
var CourierSettable = []Status{StatusCourierPicked, StatusEnroute, StatusDelivered, StatusCanceled}

func (s Status) CourierMaySet() bool {
	for _, v := range CourierSettable {
		if s == v {
			return true
		}
	}
	return false
}

var transitions = map[Status][]Status{
	StatusCreated:       {StatusCourierWait},
	StatusCourierWait:   {StatusCourierPicked},
	StatusCourierPicked: {StatusEnroute, StatusCanceled},
	StatusEnroute:       {StatusDelivered, StatusCanceled},
}

// ValidateTransition checks the from->to edge and the cancellation-comment rule.
func ValidateTransition(from, to Status, cancelComment string) error {
	if to == StatusCanceled && strings.TrimSpace(cancelComment) == "" {
		return ErrCancelCommentRequired
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return ErrBadTransition
}

type Courier struct {
	ID           string
	Fullname     string
	Phone        string
	PasswordHash string
	CreatedAt    time.Time
}

type Item struct {
	ID        string
	OrderID   string
	Name      string
	UnitPrice float64
	Quantity  int
}

type Order struct {
	ID              string
	Status          Status
	DeliveryAddress string
	CustomerName    string
	CustomerPhone   string
	CustomerComment string
	CancelComment   string
	CourierID       string
	Courier         *Courier
	Items           []Item
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Total is the sum over line items of unit price times quantity.
func (o *Order) Total() float64 {
	var sum float64
	for _, it := range o.Items {
		sum += it.UnitPrice * float64(it.Quantity)
	}
	return sum
}

// ShortID is the display form of an order id: the last 8 characters.
// It is for humans only and must never be used as a lookup or dedup key.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
