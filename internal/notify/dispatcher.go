package notify

import (
	"context"
	"time"

	"courierops/internal/gateway"
	logx "courierops/pkg/logx"
)

// DefaultSendTimeout bounds a single outbound gateway call.
const DefaultSendTimeout = 10 * time.Second

// Outcome is the per-recipient delivery result. A missing binding is not an
// error — not every courier has registered with the bot.
type Outcome struct {
	CourierID     string `json:"courierId,omitempty"`
	Destination   string `json:"destination,omitempty"`
	Sent          bool   `json:"sent"`
	NoDestination bool   `json:"noDestination,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Dispatcher resolves destinations and performs delivery. It is stateless:
// dedup recording is the request handler's responsibility, which keeps this
// component independently testable.
type Dispatcher struct {
	sender   Sender
	bindings BindingStore
	couriers CourierDirectory
	timeout  time.Duration
	log      logx.Logger
}

func NewDispatcher(sender Sender, bindings BindingStore, couriers CourierDirectory, timeout time.Duration, log logx.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{sender: sender, bindings: bindings, couriers: couriers, timeout: timeout, log: log}
}

// DispatchToOne sends to a concrete gateway destination.
func (d *Dispatcher) DispatchToOne(ctx context.Context, destination, text string, kb *gateway.Keyboard) Outcome {
	out := Outcome{Destination: destination}
	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sender.SendMessage(sctx, destination, text, kb); err != nil {
		out.Error = err.Error()
		d.log.Warn("send failed", logx.String("destination", destination), logx.Err(err))
		return out
	}
	out.Sent = true
	return out
}

// DispatchToCourier resolves the courier's binding first; an unbound courier
// yields a NoDestination outcome, not an error.
func (d *Dispatcher) DispatchToCourier(ctx context.Context, courierID, text string, kb *gateway.Keyboard) Outcome {
	dest, err := d.bindings.CourierChatID(ctx, courierID)
	if err != nil {
		return Outcome{CourierID: courierID, Error: err.Error()}
	}
	if dest == "" {
		d.log.Debug("courier has no chat binding", logx.String("courier_id", courierID))
		return Outcome{CourierID: courierID, NoDestination: true}
	}
	out := d.DispatchToOne(ctx, dest, text, kb)
	out.CourierID = courierID
	return out
}

// DispatchToAllCouriers fans the message out to every known courier. One
// recipient's failure never aborts delivery to the rest.
func (d *Dispatcher) DispatchToAllCouriers(ctx context.Context, text string, kb *gateway.Keyboard) []Outcome {
	all, err := d.couriers.Couriers(ctx)
	if err != nil {
		d.log.Error("courier list unavailable", logx.Err(err))
		return []Outcome{{Error: err.Error()}}
	}
	outcomes := make([]Outcome, 0, len(all))
	for _, c := range all {
		outcomes = append(outcomes, d.DispatchToCourier(ctx, c.ID, text, kb))
	}
	return outcomes
}
