package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"courierops/internal/orders"
	logx "courierops/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.sqlite")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCourierRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	c := orders.Courier{ID: "c1", Fullname: "Бакыт", Phone: "+996700123456", PasswordHash: "hash"}
	if err := st.CreateCourier(ctx, c); err != nil {
		t.Fatalf("CreateCourier: %v", err)
	}

	got, err := st.CourierByID(ctx, "c1")
	if err != nil {
		t.Fatalf("CourierByID: %v", err)
	}
	if got.Fullname != "Бакыт" || got.Phone != "+996700123456" {
		t.Fatalf("courier = %+v", got)
	}

	if _, err := st.CourierByID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing courier = %v, want ErrNotFound", err)
	}

	byPhone, err := st.CourierByAnyPhone(ctx, []string{"0700123456", "+996700123456"})
	if err != nil {
		t.Fatalf("CourierByAnyPhone: %v", err)
	}
	if byPhone.ID != "c1" {
		t.Fatalf("byPhone = %+v", byPhone)
	}
	if _, err := st.CourierByAnyPhone(ctx, []string{"+996700999999"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown phone = %v, want ErrNotFound", err)
	}
	if _, err := st.CourierByAnyPhone(ctx, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty candidates = %v, want ErrNotFound", err)
	}

	if err := st.UpdateCourierProfile(ctx, "c1", "Бакыт Б."); err != nil {
		t.Fatalf("UpdateCourierProfile: %v", err)
	}
	got, _ = st.CourierByID(ctx, "c1")
	if got.Fullname != "Бакыт Б." {
		t.Fatalf("fullname after update = %q", got.Fullname)
	}
	if err := st.UpdateCourierProfile(ctx, "ghost", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("updating missing courier = %v, want ErrNotFound", err)
	}
}

func TestOrderRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateCourier(ctx, orders.Courier{ID: "c1", Fullname: "Бакыт", Phone: "1"}); err != nil {
		t.Fatal(err)
	}

	o := orders.Order{
		ID:              "ord1",
		Status:          orders.StatusCourierWait,
		DeliveryAddress: "ул. Киевская 95",
		CustomerName:    "Айбек",
		CustomerPhone:   "+996700111222",
		Items: []orders.Item{
			{ID: "i1", Name: "Плов", UnitPrice: 250, Quantity: 2},
			{ID: "i2", Name: "Чай", UnitPrice: 50, Quantity: 1},
		},
	}
	if err := st.CreateOrder(ctx, o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	got, err := st.OrderByID(ctx, "ord1")
	if err != nil {
		t.Fatalf("OrderByID: %v", err)
	}
	if got.Status != orders.StatusCourierWait || len(got.Items) != 2 {
		t.Fatalf("order = %+v", got)
	}
	if total := got.Total(); total != 550 {
		t.Fatalf("total = %v, want 550", total)
	}
	if _, err := st.OrderByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing order = %v, want ErrNotFound", err)
	}

	// Pick the order: status moves and the courier is assigned.
	if err := st.UpdateOrderStatus(ctx, "ord1", orders.StatusCourierPicked, "", "c1"); err != nil {
		t.Fatalf("UpdateOrderStatus: %v", err)
	}
	got, _ = st.OrderByID(ctx, "ord1")
	if got.Status != orders.StatusCourierPicked || got.CourierID != "c1" {
		t.Fatalf("after pick: %+v", got)
	}
	if got.Courier == nil || got.Courier.Fullname != "Бакыт" {
		t.Fatalf("courier not joined: %+v", got.Courier)
	}

	// Cancel with a comment.
	if err := st.UpdateOrderStatus(ctx, "ord1", orders.StatusCanceled, "клиент отказался", ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ = st.OrderByID(ctx, "ord1")
	if got.Status != orders.StatusCanceled || got.CancelComment != "клиент отказался" {
		t.Fatalf("after cancel: %+v", got)
	}
	// Courier assignment survives the cancel.
	if got.CourierID != "c1" {
		t.Fatalf("courier lost on cancel: %+v", got)
	}

	if err := st.UpdateOrderStatus(ctx, "ghost", orders.StatusEnroute, "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("updating missing order = %v, want ErrNotFound", err)
	}
}

func TestOrderQueries(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	mk := func(id string, status orders.Status) {
		t.Helper()
		if err := st.CreateOrder(ctx, orders.Order{ID: id, Status: status}); err != nil {
			t.Fatal(err)
		}
	}
	mk("o1", orders.StatusCourierWait)
	mk("o2", orders.StatusCourierWait)
	mk("o3", orders.StatusDelivered)

	waiting, err := st.OrdersByStatus(ctx, []orders.Status{orders.StatusCourierWait})
	if err != nil {
		t.Fatalf("OrdersByStatus: %v", err)
	}
	if len(waiting) != 2 {
		t.Fatalf("waiting = %d, want 2", len(waiting))
	}

	n, err := st.CountOrdersByStatus(ctx, []orders.Status{orders.StatusCourierWait, orders.StatusDelivered})
	if err != nil {
		t.Fatalf("CountOrdersByStatus: %v", err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}

	recent, err := st.OrdersUpdatedSince(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("OrdersUpdatedSince: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("recent = %d, want 3", len(recent))
	}
	none, err := st.OrdersUpdatedSince(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("future since should match nothing, got %d", len(none))
	}
}

func TestCourierStatistics(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateCourier(ctx, orders.Courier{ID: "c1", Fullname: "Бакыт", Phone: "1"}); err != nil {
		t.Fatal(err)
	}
	mk := func(id string, status orders.Status, price float64) {
		t.Helper()
		err := st.CreateOrder(ctx, orders.Order{
			ID: id, Status: status, CourierID: "c1",
			Items: []orders.Item{{ID: id + "-i", Name: "x", UnitPrice: price, Quantity: 1}},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	mk("d1", orders.StatusDelivered, 300)
	mk("d2", orders.StatusDelivered, 700)
	mk("x1", orders.StatusCanceled, 100)
	mk("w1", orders.StatusCourierWait, 999)

	stats, err := st.CourierStatistics(ctx, "c1", StatsFilter{})
	if err != nil {
		t.Fatalf("CourierStatistics: %v", err)
	}
	if stats.Delivered != 2 || stats.Canceled != 1 || stats.Revenue != 1000 {
		t.Fatalf("stats = %+v", stats)
	}

	// Price band keeps only the 700-som order.
	banded, err := st.CourierStatistics(ctx, "c1", StatsFilter{PriceMin: 500, PriceMax: 800})
	if err != nil {
		t.Fatal(err)
	}
	if banded.Delivered != 1 || banded.Revenue != 700 || banded.Canceled != 0 {
		t.Fatalf("banded stats = %+v", banded)
	}

	// Unknown courier aggregates to zero.
	empty, err := st.CourierStatistics(ctx, "ghost", StatsFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if empty != (CourierStats{}) {
		t.Fatalf("empty stats = %+v", empty)
	}
}

func TestSettingsAndBindings(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.GetSetting(ctx, SettingBotToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing setting = %v, want ErrNotFound", err)
	}
	if err := st.SetSetting(ctx, SettingBotToken, "12345:abc"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := st.SetSetting(ctx, SettingBotToken, "12345:def"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	v, err := st.GetSetting(ctx, SettingBotToken)
	if err != nil || v != "12345:def" {
		t.Fatalf("GetSetting = %q, %v", v, err)
	}

	// Bindings start empty, not missing.
	m, err := st.CourierChatIDs(ctx)
	if err != nil || len(m) != 0 {
		t.Fatalf("initial bindings = %v, %v", m, err)
	}
	if err := st.SetCourierChatID(ctx, "c1", "111"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetCourierChatID(ctx, "c2", "222"); err != nil {
		t.Fatal(err)
	}
	chat, err := st.CourierChatID(ctx, "c1")
	if err != nil || chat != "111" {
		t.Fatalf("CourierChatID = %q, %v", chat, err)
	}
	unbound, err := st.CourierChatID(ctx, "ghost")
	if err != nil || unbound != "" {
		t.Fatalf("unbound courier = %q, %v", unbound, err)
	}
	if err := st.RemoveCourierChatID(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	m, _ = st.CourierChatIDs(ctx)
	if len(m) != 1 || m["c2"] != "222" {
		t.Fatalf("bindings after remove = %v", m)
	}
}

func TestAuditAppendAndPrune(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	old := AuditEntry{At: time.Now().Add(-48 * time.Hour), Kind: "sent", OrderID: "o1", Key: "o1_NEW_ORDER", ChatID: "111"}
	fresh := AuditEntry{Kind: "failed", OrderID: "o2", Key: "o2_NEW_ORDER", Error: "gateway down"}
	if err := st.AppendAudit(ctx, old); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	if err := st.AppendAudit(ctx, fresh); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	n, err := st.PruneAudit(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneAudit: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
}
