package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"courierops/internal/eventbus"
	"courierops/internal/gateway"
	"courierops/internal/orders"
	"courierops/internal/storage"
	logx "courierops/pkg/logx"
)

// fakeWorld implements OrderSource, CourierDirectory and BindingStore over
// in-memory maps.
type fakeWorld struct {
	mu       sync.Mutex
	orders   map[string]*orders.Order
	couriers []orders.Courier
	bindings map[string]string
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{orders: map[string]*orders.Order{}, bindings: map[string]string{}}
}

func (w *fakeWorld) OrderByID(_ context.Context, id string) (*orders.Order, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	o, ok := w.orders[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (w *fakeWorld) Couriers(context.Context) ([]orders.Courier, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]orders.Courier(nil), w.couriers...), nil
}

func (w *fakeWorld) CourierByAnyPhone(_ context.Context, candidates []string) (*orders.Courier, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range w.couriers {
		for _, ph := range candidates {
			if c.Phone == ph {
				cp := c
				return &cp, nil
			}
		}
	}
	return nil, storage.ErrNotFound
}

func (w *fakeWorld) CourierChatID(_ context.Context, courierID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bindings[courierID], nil
}

func (w *fakeWorld) SetCourierChatID(_ context.Context, courierID, chatID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bindings[courierID] = chatID
	return nil
}

type sentMsg struct {
	dest string
	text string
	kb   *gateway.Keyboard
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sentMsg
	failFor map[string]error
}

func (s *fakeSender) SendMessage(_ context.Context, dest, text string, kb *gateway.Keyboard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failFor[dest]; err != nil {
		return err
	}
	s.sent = append(s.sent, sentMsg{dest: dest, text: text, kb: kb})
	return nil
}

func (s *fakeSender) sentTo() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.dest)
	}
	return out
}

func newTestManager(w *fakeWorld, s *fakeSender) *Manager {
	cache := NewCache(5*time.Minute, logx.Nop())
	dispatcher := NewDispatcher(s, w, w, time.Second, logx.Nop())
	return NewManager(cache, w, NewComposer("https://food.example.kg"), dispatcher, eventbus.New[Event](), time.Millisecond, logx.Nop())
}

func seedOrder(w *fakeWorld, status orders.Status, courierID string) *orders.Order {
	o := &orders.Order{
		ID:              "cmg1order0000012345678",
		Status:          status,
		DeliveryAddress: "ул. Киевская 95",
		CustomerName:    "Айбек",
		CustomerPhone:   "+996700123456",
		CourierID:       courierID,
		Items:           []orders.Item{{Name: "Плов", UnitPrice: 250, Quantity: 2}},
		CreatedAt:       time.Now(),
	}
	w.orders[o.ID] = o
	return o
}

func TestHandleNewOrderBroadcast(t *testing.T) {
	w := newFakeWorld()
	w.couriers = []orders.Courier{
		{ID: "c1", Fullname: "Бакыт", Phone: "+996700000001"},
		{ID: "c2", Fullname: "Нурлан", Phone: "+996700000002"},
	}
	w.bindings["c1"] = "111"
	s := &fakeSender{}
	m := newTestManager(w, s)
	o := seedOrder(w, orders.StatusCourierWait, "")

	res := m.Handle(context.Background(), Request{OrderID: o.ID, Type: TypeNewOrder}, nil)
	if !res.Success || res.Duplicate {
		t.Fatalf("result = %+v, want new success", res)
	}
	if got := s.sentTo(); len(got) != 1 || got[0] != "111" {
		t.Fatalf("sent to %v, want only bound courier 111", got)
	}

	// Same trigger within the cooldown collapses to a duplicate success.
	res2 := m.Handle(context.Background(), Request{OrderID: o.ID, Type: TypeNewOrder}, nil)
	if !res2.Success || !res2.Duplicate {
		t.Fatalf("second result = %+v, want duplicate success", res2)
	}
	if got := s.sentTo(); len(got) != 1 {
		t.Fatalf("duplicate must not resend, sent %v", got)
	}
}

func TestHandleStaleNewOrder(t *testing.T) {
	w := newFakeWorld()
	w.couriers = []orders.Courier{{ID: "c1", Phone: "+996700000001"}}
	w.bindings["c1"] = "111"
	s := &fakeSender{}
	m := newTestManager(w, s)
	o := seedOrder(w, orders.StatusEnroute, "c1")

	res := m.Handle(context.Background(), Request{OrderID: o.ID, Type: TypeNewOrder}, nil)
	if res.Success {
		t.Fatalf("stale new-order must fail, got %+v", res)
	}
	if len(s.sentTo()) != 0 {
		t.Fatal("stale new-order must not send")
	}
	// Stale suppression is not dedup: the key stays unrecorded.
	if m.CacheStats().Size != 0 {
		t.Fatal("stale request must not be recorded in the cache")
	}
}

func TestHandleOrderNotFound(t *testing.T) {
	m := newTestManager(newFakeWorld(), &fakeSender{})
	res := m.Handle(context.Background(), Request{OrderID: "missing", Type: TypeNewOrder}, nil)
	if res.Success {
		t.Fatalf("missing order must fail, got %+v", res)
	}
}

func TestHandleValidation(t *testing.T) {
	m := newTestManager(newFakeWorld(), &fakeSender{})
	cases := []struct {
		name string
		req  Request
	}{
		{"no order id", Request{Type: TypeNewOrder}},
		{"unknown type", Request{OrderID: "x", Type: "NONSENSE"}},
		{"status update without old status", Request{OrderID: "x", Type: TypeStatusUpdate}},
		{"status update with bad old status", Request{OrderID: "x", Type: TypeStatusUpdate, OldStatus: "NOPE"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := m.Handle(context.Background(), tc.req, nil)
			if res.Success {
				t.Fatalf("invalid request accepted: %+v", res)
			}
		})
	}
}

func TestHandleStatusUpdateUnicast(t *testing.T) {
	w := newFakeWorld()
	w.couriers = []orders.Courier{
		{ID: "c1", Phone: "+996700000001"},
		{ID: "c2", Phone: "+996700000002"},
	}
	w.bindings["c1"] = "111"
	w.bindings["c2"] = "222"
	s := &fakeSender{}
	m := newTestManager(w, s)
	o := seedOrder(w, orders.StatusCourierPicked, "c1")

	res := m.Handle(context.Background(), Request{
		OrderID: o.ID, Type: TypeStatusUpdate, OldStatus: orders.StatusCourierWait,
	}, nil)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if got := s.sentTo(); len(got) != 1 || got[0] != "111" {
		t.Fatalf("status update went to %v, want only the assigned courier", got)
	}
}

func TestHandleStatusUpdateNoCourierBound(t *testing.T) {
	w := newFakeWorld()
	s := &fakeSender{}
	m := newTestManager(w, s)
	o := seedOrder(w, orders.StatusCourierPicked, "")

	res := m.Handle(context.Background(), Request{
		OrderID: o.ID, Type: TypeStatusUpdate, OldStatus: orders.StatusCourierWait,
	}, nil)
	if !res.Success {
		t.Fatalf("unassigned order should still be a handled success, got %+v", res)
	}
	if len(s.sentTo()) != 0 {
		t.Fatal("nothing should be sent without an assigned courier")
	}
}

func TestDistinctTransitionsAreDistinctEvents(t *testing.T) {
	w := newFakeWorld()
	w.couriers = []orders.Courier{{ID: "c1", Phone: "+996700000001"}}
	w.bindings["c1"] = "111"
	s := &fakeSender{}
	m := newTestManager(w, s)
	o := seedOrder(w, orders.StatusEnroute, "c1")

	r1 := m.Handle(context.Background(), Request{OrderID: o.ID, Type: TypeStatusUpdate, OldStatus: orders.StatusCourierWait}, nil)
	r2 := m.Handle(context.Background(), Request{OrderID: o.ID, Type: TypeStatusUpdate, OldStatus: orders.StatusCourierPicked}, nil)
	if !r1.Success || r1.Duplicate {
		t.Fatalf("first transition: %+v", r1)
	}
	if !r2.Success || r2.Duplicate {
		t.Fatalf("different old status must not be deduplicated: %+v", r2)
	}
	if got := len(s.sentTo()); got != 2 {
		t.Fatalf("sent %d messages, want 2", got)
	}
}

func TestRecordOnAttemptDespiteSendFailure(t *testing.T) {
	w := newFakeWorld()
	w.couriers = []orders.Courier{{ID: "c1", Phone: "+996700000001"}}
	w.bindings["c1"] = "111"
	s := &fakeSender{failFor: map[string]error{"111": errors.New("gateway down")}}
	m := newTestManager(w, s)
	o := seedOrder(w, orders.StatusCourierWait, "")

	res := m.Handle(context.Background(), Request{OrderID: o.ID, Type: TypeNewOrder}, nil)
	if !res.Success {
		t.Fatalf("delivery failure is not a handling failure: %+v", res)
	}
	res2 := m.Handle(context.Background(), Request{OrderID: o.ID, Type: TypeNewOrder}, nil)
	if !res2.Duplicate {
		t.Fatal("failed attempt must still claim the dedup window")
	}
}

func TestPerRecipientIsolation(t *testing.T) {
	w := newFakeWorld()
	w.couriers = []orders.Courier{
		{ID: "c1", Phone: "+996700000001"},
		{ID: "c2", Phone: "+996700000002"},
		{ID: "c3", Phone: "+996700000003"},
	}
	w.bindings["c1"] = "111"
	w.bindings["c2"] = "222"
	w.bindings["c3"] = "333"
	s := &fakeSender{failFor: map[string]error{"222": errors.New("blocked the bot")}}
	m := newTestManager(w, s)
	o := seedOrder(w, orders.StatusCourierWait, "")

	res := m.Handle(context.Background(), Request{OrderID: o.ID, Type: TypeNewOrder}, nil)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	got := s.sentTo()
	if len(got) != 2 || got[0] != "111" || got[1] != "333" {
		t.Fatalf("one failing recipient must not block the rest, sent %v", got)
	}
}

type fakeTokens struct {
	known map[string]bool
}

func (f *fakeTokens) Check(key string) bool    { return f.known[key] }
func (f *fakeTokens) Record(string, time.Time) {}

func TestTokenStoreSuppression(t *testing.T) {
	w := newFakeWorld()
	s := &fakeSender{}
	m := newTestManager(w, s)
	o := seedOrder(w, orders.StatusCourierWait, "")

	req := Request{OrderID: o.ID, Type: TypeNewOrder}
	tokens := &fakeTokens{known: map[string]bool{req.Key(): true}}
	res := m.Handle(context.Background(), req, tokens)
	if !res.Success || !res.Duplicate {
		t.Fatalf("token hit must report duplicate success, got %+v", res)
	}
	if len(s.sentTo()) != 0 {
		t.Fatal("token hit must not dispatch")
	}
}

func TestHandleMany(t *testing.T) {
	w := newFakeWorld()
	w.couriers = []orders.Courier{{ID: "c1", Phone: "+996700000001"}}
	w.bindings["c1"] = "111"
	s := &fakeSender{}
	m := newTestManager(w, s)
	o := seedOrder(w, orders.StatusCourierWait, "")

	reqs := []Request{
		{OrderID: o.ID, Type: TypeNewOrder},
		{OrderID: o.ID, Type: TypeNewOrder}, // duplicate of the first
		{OrderID: "missing", Type: TypeNewOrder},
	}
	results := m.HandleMany(context.Background(), reqs, nil)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if !results[0].Success || results[0].Duplicate {
		t.Fatalf("first: %+v", results[0])
	}
	if !results[1].Duplicate {
		t.Fatalf("second should be duplicate: %+v", results[1])
	}
	if results[2].Success {
		t.Fatalf("third should fail: %+v", results[2])
	}
}

func TestHandleManyCancelledContext(t *testing.T) {
	w := newFakeWorld()
	s := &fakeSender{}
	cache := NewCache(5*time.Minute, logx.Nop())
	dispatcher := NewDispatcher(s, w, w, time.Second, logx.Nop())
	// Slow pacing so cancellation lands between items.
	m := NewManager(cache, w, NewComposer(""), dispatcher, eventbus.New[Event](), time.Hour, logx.Nop())
	o := seedOrder(w, orders.StatusCourierWait, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reqs := []Request{
		{OrderID: o.ID, Type: TypeNewOrder},
		{OrderID: o.ID, Type: TypeOrderCancelled},
	}
	results := m.HandleMany(ctx, reqs, nil)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[1].Success {
		t.Fatalf("remainder after cancellation must not succeed: %+v", results[1])
	}
}
