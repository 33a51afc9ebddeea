package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"courierops/internal/orders"
	logx "courierops/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store, creating the database file and schema
// on first use.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- couriers ----

func (s *sqliteStore) CreateCourier(ctx context.Context, c orders.Courier) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO couriers(id, fullname, phone, password_hash, created_at) VALUES(?,?,?,?,?)`,
		c.ID, c.Fullname, c.Phone, c.PasswordHash, c.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) scanCourier(row *sql.Row) (*orders.Courier, error) {
	var c orders.Courier
	var created string
	err := row.Scan(&c.ID, &c.Fullname, &c.Phone, &c.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &c, nil
}

func (s *sqliteStore) CourierByID(ctx context.Context, id string) (*orders.Courier, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, fullname, phone, password_hash, created_at FROM couriers WHERE id = ?`, id)
	return s.scanCourier(row)
}

func (s *sqliteStore) CourierByAnyPhone(ctx context.Context, candidates []string) (*orders.Courier, error) {
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	ph := make([]string, 0, len(candidates))
	args := make([]any, 0, len(candidates))
	for _, c := range candidates {
		ph = append(ph, "?")
		args = append(args, c)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, fullname, phone, password_hash, created_at FROM couriers
		 WHERE phone IN (`+strings.Join(ph, ",")+`) LIMIT 1`, args...)
	return s.scanCourier(row)
}

func (s *sqliteStore) Couriers(ctx context.Context) ([]orders.Courier, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fullname, phone, password_hash, created_at FROM couriers ORDER BY fullname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Courier
	for rows.Next() {
		var c orders.Courier
		var created string
		if err := rows.Scan(&c.ID, &c.Fullname, &c.Phone, &c.PasswordHash, &created); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateCourierProfile(ctx context.Context, id, fullname string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE couriers SET fullname = ? WHERE id = ?`, fullname, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- orders ----

func (s *sqliteStore) CreateOrder(ctx context.Context, o orders.Order) error {
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = now
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO orders(id, status, delivery_address, customer_name, customer_phone,
		                    customer_comment, cancel_comment, courier_id, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		o.ID, string(o.Status), o.DeliveryAddress, o.CustomerName, o.CustomerPhone,
		o.CustomerComment, o.CancelComment, nullStr(o.CourierID),
		o.CreatedAt.Format(time.RFC3339Nano), o.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	for _, it := range o.Items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO order_items(id, order_id, name, unit_price, quantity) VALUES(?,?,?,?,?)`,
			it.ID, o.ID, it.Name, it.UnitPrice, it.Quantity,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

const orderCols = `o.id, o.status, o.delivery_address, o.customer_name, o.customer_phone,
	o.customer_comment, o.cancel_comment, COALESCE(o.courier_id, ''), o.created_at, o.updated_at`

func scanOrder(scan func(dest ...any) error) (*orders.Order, error) {
	var o orders.Order
	var status, created, updated string
	err := scan(&o.ID, &status, &o.DeliveryAddress, &o.CustomerName, &o.CustomerPhone,
		&o.CustomerComment, &o.CancelComment, &o.CourierID, &created, &updated)
	if err != nil {
		return nil, err
	}
	o.Status = orders.Status(status)
	o.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	o.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &o, nil
}

func (s *sqliteStore) loadItems(ctx context.Context, o *orders.Order) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, name, unit_price, quantity FROM order_items WHERE order_id = ? ORDER BY rowid`, o.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var it orders.Item
		if err := rows.Scan(&it.ID, &it.OrderID, &it.Name, &it.UnitPrice, &it.Quantity); err != nil {
			return err
		}
		o.Items = append(o.Items, it)
	}
	return rows.Err()
}

func (s *sqliteStore) loadCourier(ctx context.Context, o *orders.Order) {
	if o.CourierID == "" {
		return
	}
	c, err := s.CourierByID(ctx, o.CourierID)
	if err == nil {
		o.Courier = c
	}
}

func (s *sqliteStore) OrderByID(ctx context.Context, id string) (*orders.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders o WHERE o.id = ?`, id)
	o, err := scanOrder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, o); err != nil {
		return nil, err
	}
	s.loadCourier(ctx, o)
	return o, nil
}

func (s *sqliteStore) queryOrders(ctx context.Context, where string, args ...any) ([]orders.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderCols+` FROM orders o `+where+` ORDER BY o.updated_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.loadItems(ctx, &out[i]); err != nil {
			return nil, err
		}
		s.loadCourier(ctx, &out[i])
	}
	return out, nil
}

func statusPlaceholders(statuses []orders.Status) (string, []any) {
	ph := make([]string, 0, len(statuses))
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		ph = append(ph, "?")
		args = append(args, string(st))
	}
	return strings.Join(ph, ","), args
}

func (s *sqliteStore) OrdersByStatus(ctx context.Context, statuses []orders.Status) ([]orders.Order, error) {
	if len(statuses) == 0 {
		return s.queryOrders(ctx, "")
	}
	ph, args := statusPlaceholders(statuses)
	return s.queryOrders(ctx, `WHERE o.status IN (`+ph+`)`, args...)
}

func (s *sqliteStore) OrdersUpdatedSince(ctx context.Context, since time.Time) ([]orders.Order, error) {
	return s.queryOrders(ctx, `WHERE o.updated_at > ?`, since.Format(time.RFC3339Nano))
}

func (s *sqliteStore) CountOrdersByStatus(ctx context.Context, statuses []orders.Status) (int, error) {
	var n int
	if len(statuses) == 0 {
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&n)
		return n, err
	}
	ph, args := statusPlaceholders(statuses)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE status IN (`+ph+`)`, args...).Scan(&n)
	return n, err
}

func (s *sqliteStore) UpdateOrderStatus(ctx context.Context, id string, status orders.Status, cancelComment, courierID string) error {
	q := `UPDATE orders SET status = ?, updated_at = ?`
	args := []any{string(status), time.Now().Format(time.RFC3339Nano)}
	if cancelComment != "" {
		q += `, cancel_comment = ?`
		args = append(args, cancelComment)
	}
	if courierID != "" {
		q += `, courier_id = ?`
		args = append(args, courierID)
	}
	q += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) CourierStatistics(ctx context.Context, courierID string, f StatsFilter) (CourierStats, error) {
	q := `SELECT o.status, COALESCE(SUM(i.unit_price * i.quantity), 0)
	      FROM orders o LEFT JOIN order_items i ON i.order_id = o.id
	      WHERE o.courier_id = ? AND o.status IN ('DELIVERED', 'CANCELED')`
	args := []any{courierID}
	if !f.From.IsZero() {
		q += ` AND o.updated_at >= ?`
		args = append(args, f.From.Format(time.RFC3339Nano))
	}
	if !f.To.IsZero() {
		q += ` AND o.updated_at < ?`
		args = append(args, f.To.Format(time.RFC3339Nano))
	}
	q += ` GROUP BY o.id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return CourierStats{}, err
	}
	defer rows.Close()

	var stats CourierStats
	for rows.Next() {
		var status string
		var total float64
		if err := rows.Scan(&status, &total); err != nil {
			return CourierStats{}, err
		}
		if f.PriceMin > 0 && total < f.PriceMin {
			continue
		}
		if f.PriceMax > 0 && total > f.PriceMax {
			continue
		}
		switch orders.Status(status) {
		case orders.StatusDelivered:
			stats.Delivered++
			stats.Revenue += total
		case orders.StatusCanceled:
			stats.Canceled++
		}
	}
	return stats, rows.Err()
}

// ---- settings ----

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *sqliteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// ---- bindings (courier -> chat id blob) ----

func (s *sqliteStore) CourierChatIDs(ctx context.Context) (map[string]string, error) {
	raw, err := s.GetSetting(ctx, SettingCourierChatIDs)
	if errors.Is(err, ErrNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	m := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		s.log.Warn("courier chat-id blob is corrupt, treating as empty", logx.Err(err))
		return map[string]string{}, nil
	}
	return m, nil
}

func (s *sqliteStore) CourierChatID(ctx context.Context, courierID string) (string, error) {
	m, err := s.CourierChatIDs(ctx)
	if err != nil {
		return "", err
	}
	return m[courierID], nil
}

func (s *sqliteStore) SetCourierChatID(ctx context.Context, courierID, chatID string) error {
	m, err := s.CourierChatIDs(ctx)
	if err != nil {
		return err
	}
	m[courierID] = chatID
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.SetSetting(ctx, SettingCourierChatIDs, string(b))
}

func (s *sqliteStore) RemoveCourierChatID(ctx context.Context, courierID string) error {
	m, err := s.CourierChatIDs(ctx)
	if err != nil {
		return err
	}
	delete(m, courierID)
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.SetSetting(ctx, SettingCourierChatIDs, string(b))
}

// ---- audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, kind, order_id, key, chat_id, err) VALUES(?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Kind, e.OrderID, e.Key, e.ChatID, nullStr(e.Error),
	)
	return err
}

func (s *sqliteStore) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit WHERE at < ?`, olderThan.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
