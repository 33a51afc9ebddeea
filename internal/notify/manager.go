package notify

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"courierops/internal/eventbus"
	"courierops/internal/orders"
	"courierops/internal/storage"
	logx "courierops/pkg/logx"
)

// DefaultBulkPace is the minimum spacing between items of a bulk batch,
// bounding burst load on the external gateway.
const DefaultBulkPace = 100 * time.Millisecond

const (
	msgDuplicate      = "Уведомление уже было отправлено недавно"
	msgNotFound       = "Заказ не найден"
	msgStale          = "Заказ не имеет статус COURIER_WAIT"
	msgNewOrderSent   = "Уведомление о новом заказе отправлено"
	msgStatusSent     = "Уведомление об изменении статуса отправлено"
	msgNoCourierBound = "У заказа нет назначенного курьера"
)

// Manager runs the single-notification algorithm and the bulk orchestrator
// on top of the dedup cache, composer and dispatcher.
type Manager struct {
	cache      *Cache
	source     OrderSource
	composer   *Composer
	dispatcher *Dispatcher
	bus        *eventbus.Bus[Event]
	pacer      *rate.Limiter
	log        logx.Logger
	now        func() time.Time
}

func NewManager(cache *Cache, source OrderSource, composer *Composer, dispatcher *Dispatcher, bus *eventbus.Bus[Event], pace time.Duration, log logx.Logger) *Manager {
	if pace <= 0 {
		pace = DefaultBulkPace
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cache:      cache,
		source:     source,
		composer:   composer,
		dispatcher: dispatcher,
		bus:        bus,
		pacer:      rate.NewLimiter(rate.Every(pace), 1),
		log:        log,
		now:        time.Now,
	}
}

// Handle processes one notification request:
//
//  1. suppress via the in-memory dedup cache, then via the HTTP-boundary
//     token store (both report duplicate as success);
//  2. load the order; a missing order is terminal failure;
//  3. a NEW_ORDER for an order that already left COURIER_WAIT is stale and
//     actively suppressed;
//  4. compose and dispatch (broadcast for NEW_ORDER, unicast otherwise);
//  5. record the attempt in the cache regardless of per-recipient delivery
//     outcome — fewer duplicate messages wins over delivery retries.
//
// tokens may be nil for non-HTTP callers. The caller sets the dedup cookie
// only when the result is a genuinely new success.
func (m *Manager) Handle(ctx context.Context, req Request, tokens TokenStore) Result {
	res := Result{OrderID: req.OrderID, Type: req.Type, Timestamp: m.now().UnixMilli()}

	if err := req.Validate(); err != nil {
		res.Message = err.Error()
		return res
	}
	key := req.Key()
	log := m.log.With(logx.String("order", orders.ShortID(req.OrderID)), logx.String("type", string(req.Type)))

	if m.cache.ShouldSuppress(key) {
		log.Debug("suppressed by dedup cache")
		m.publish("deduped", req, key, "")
		res.Success, res.Duplicate, res.Message = true, true, msgDuplicate
		return res
	}
	if tokens != nil && tokens.Check(key) {
		log.Debug("suppressed by idempotency token")
		m.publish("deduped", req, key, "")
		res.Success, res.Duplicate, res.Message = true, true, msgDuplicate
		return res
	}

	order, err := m.source.OrderByID(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn("order not found")
			res.Message = msgNotFound
			return res
		}
		log.Error("order load failed", logx.Err(err))
		res.Message = msgNotFound
		return res
	}

	// A racing status change can invalidate a NEW_ORDER fan-out between
	// trigger and handling; stale fan-outs are suppressed, not deduplicated.
	if req.Type == TypeNewOrder && order.Status != orders.StatusCourierWait {
		log.Warn("stale new-order notification", logx.String("status", string(order.Status)))
		res.Message = msgStale
		return res
	}

	text, kb := m.composer.Compose(req, order)

	var outcomes []Outcome
	switch req.Type {
	case TypeNewOrder:
		outcomes = m.dispatcher.DispatchToAllCouriers(ctx, text, kb)
		res.Message = msgNewOrderSent
	default:
		if order.CourierID == "" {
			res.Message = msgNoCourierBound
		} else {
			outcomes = []Outcome{m.dispatcher.DispatchToCourier(ctx, order.CourierID, text, kb)}
			res.Message = msgStatusSent
		}
	}

	// Record the attempt even when every send failed: within the cooldown a
	// repeat signal is the same logical event.
	m.cache.Record(key)
	res.Success = true

	sent, failed := 0, 0
	for _, o := range outcomes {
		switch {
		case o.Sent:
			sent++
			m.publish("sent", req, key, o.Destination)
		case o.NoDestination:
			// Unregistered couriers are expected; nothing to report.
		default:
			failed++
			m.publish("failed", req, key, o.Destination)
		}
	}
	log.Info("notification handled", logx.Int("sent", sent), logx.Int("failed", failed))
	return res
}

// HandleMany processes a batch strictly sequentially with fixed pacing
// between items. Individual failures never short-circuit the batch; summary
// counts are the caller's job.
func (m *Manager) HandleMany(ctx context.Context, reqs []Request, tokens TokenStore) []Result {
	results := make([]Result, 0, len(reqs))
	for i, req := range reqs {
		if i > 0 {
			if err := m.pacer.Wait(ctx); err != nil {
				// Context gone; report the remainder as not processed.
				for _, rest := range reqs[i:] {
					results = append(results, Result{
						OrderID: rest.OrderID, Type: rest.Type,
						Timestamp: m.now().UnixMilli(), Message: err.Error(),
					})
				}
				return results
			}
		}
		results = append(results, m.Handle(ctx, req, tokens))
	}
	return results
}

func (m *Manager) CacheStats() CacheStats { return m.cache.Stats() }
func (m *Manager) ClearCache()            { m.cache.Clear() }
func (m *Manager) SweepCache() int        { return m.cache.Sweep() }

func (m *Manager) publish(kind string, req Request, key, chatID string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish("notify."+kind, Event{Kind: kind, OrderID: req.OrderID, Key: key, ChatID: chatID})
}

// SetClock overrides the timestamp source. Test hook.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }
