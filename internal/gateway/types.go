// Package gateway defines the narrow messaging-gateway abstraction the
// notification core depends on, plus the session manager that owns the one
// long-lived connection to the external gateway.
package gateway

import (
	"context"
	"errors"
)

// MaxMessageLen is the gateway's hard limit for combined text and keyboard
// payload, in characters.
const MaxMessageLen = 4096

// ErrConflict signals that another consumer already owns the gateway session
// (the external gateway rejects duplicate long-poll consumers).
var ErrConflict = errors.New("gateway: session already owned by another consumer")

// Button is a single action link in a message keyboard.
type Button struct {
	Label string `json:"text"`
	URL   string `json:"url"`
}

// Keyboard is a grid of action links attached to an outbound message.
type Keyboard struct {
	Rows [][]Button `json:"inline_keyboard"`
}

// Identity describes the bot account behind the gateway credential.
type Identity struct {
	ID       int64
	Username string
}

// Client is the transport adapter the core talks to. Implementations wrap a
// concrete messaging SDK; the core never imports one directly.
type Client interface {
	// Identity performs the gateway identity check (preflight). It returns
	// ErrConflict when another consumer owns the session.
	Identity(ctx context.Context) (Identity, error)

	// SendMessage delivers a formatted text (optionally with a keyboard) to a
	// destination chat. Destination is the gateway-native chat identifier.
	SendMessage(ctx context.Context, destination, text string, kb *Keyboard) error

	// Start begins consuming inbound events (long-poll). It must not block.
	Start(ctx context.Context) error

	// Stop tears the connection down, bounded by ctx.
	Stop(ctx context.Context) error
}
