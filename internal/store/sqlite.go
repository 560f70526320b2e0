package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kistrader/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderStore = (*SQLiteStore)(nil)
var _ PositionStore = (*SQLiteStore)(nil)
var _ AuditStore = (*SQLiteStore)(nil)
var _ DriftStore = (*SQLiteStore)(nil)

// SQLiteStore implements OrderStore, PositionStore, AuditStore, and
// DriftStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, runs the
// schema migration, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Serialized access suits the single-writer ledger discipline.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	signal_id       TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL UNIQUE,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	type            TEXT NOT NULL,
	qty             INTEGER NOT NULL,
	limit_price     TEXT NOT NULL DEFAULT '0',
	status          TEXT NOT NULL,
	venue_order_id  TEXT NOT NULL DEFAULT '',
	filled_qty      INTEGER NOT NULL DEFAULT 0,
	last_fill_seq   INTEGER NOT NULL DEFAULT 0,
	avg_fill_price  TEXT NOT NULL DEFAULT '0',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS positions (
	symbol          TEXT PRIMARY KEY,
	qty             INTEGER NOT NULL,
	avg_entry_price TEXT NOT NULL DEFAULT '0',
	stop_loss       TEXT NOT NULL DEFAULT '0',
	take_profit     TEXT NOT NULL DEFAULT '0',
	unrealized_pl   TEXT NOT NULL DEFAULT '0',
	updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS order_audit (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id    TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_order ON order_audit(order_id);

CREATE TABLE IF NOT EXISTS drift_conditions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	local_value TEXT NOT NULL,
	venue_value TEXT NOT NULL,
	detected_at INTEGER NOT NULL,
	cleared     INTEGER NOT NULL DEFAULT 0,
	cleared_at  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_drift_symbol ON drift_conditions(symbol, cleared);
`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts a new order into the database.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, signal_id, idempotency_key, symbol, side, type, qty,
			limit_price, status, venue_order_id, filled_qty, last_fill_seq, avg_fill_price,
			retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.SignalID, o.IdempotencyKey, o.Symbol, string(o.Side), string(o.Type), o.Qty,
		o.LimitPrice.String(), string(o.Status), o.VenueOrderID, o.FilledQty, o.LastFillSeq, o.AvgFillPrice.String(),
		o.RetryCount, o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, orderSelect+` WHERE id = ?`, id)
	return scanOrder(row)
}

// GetOrderByIdempotencyKey retrieves an order by its client idempotency key.
func (s *SQLiteStore) GetOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, orderSelect+` WHERE idempotency_key = ?`, key)
	return scanOrder(row)
}

// ListOrders returns all orders matching the given status, newest first. An
// empty status returns every order.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, orderSelect+` ORDER BY created_at DESC`)
	} else {
		rows, err = s.db.QueryContext(ctx, orderSelect+` WHERE status = ? ORDER BY created_at DESC`, string(status))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListOpenOrdersBySymbol returns the symbol's orders in non-terminal states.
func (s *SQLiteStore) ListOpenOrdersBySymbol(ctx context.Context, symbol string) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		orderSelect+` WHERE symbol = ? AND status IN (?, ?, ?) ORDER BY created_at`,
		symbol,
		string(domain.OrderStatusPending),
		string(domain.OrderStatusSubmitted),
		string(domain.OrderStatusPartiallyFilled),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// UpdateOrder persists changes to an existing order.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *domain.Order) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, venue_order_id = ?, filled_qty = ?,
			last_fill_seq = ?, avg_fill_price = ?, retry_count = ?, updated_at = ?
		WHERE id = ?`,
		string(o.Status), o.VenueOrderID, o.FilledQty,
		o.LastFillSeq, o.AvgFillPrice.String(), o.RetryCount, o.UpdatedAt.UnixMilli(),
		o.ID,
	)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const orderSelect = `
	SELECT id, signal_id, idempotency_key, symbol, side, type, qty, limit_price,
		status, venue_order_id, filled_qty, last_fill_seq, avg_fill_price, retry_count,
		created_at, updated_at
	FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                     domain.Order
		side, typ, status     string
		limitPrice, avgPrice  string
		createdAt, updatedAt  int64
	)
	err := row.Scan(&o.ID, &o.SignalID, &o.IdempotencyKey, &o.Symbol, &side, &typ, &o.Qty,
		&limitPrice, &status, &o.VenueOrderID, &o.FilledQty, &o.LastFillSeq, &avgPrice, &o.RetryCount,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	o.Side = domain.Side(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	if o.LimitPrice, err = decimal.NewFromString(limitPrice); err != nil {
		return nil, fmt.Errorf("parsing limit price %q: %w", limitPrice, err)
	}
	if o.AvgFillPrice, err = decimal.NewFromString(avgPrice); err != nil {
		return nil, fmt.Errorf("parsing avg fill price %q: %w", avgPrice, err)
	}
	o.CreatedAt = time.UnixMilli(createdAt)
	o.UpdatedAt = time.UnixMilli(updatedAt)
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// SavePosition inserts or updates the position for a symbol.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (symbol, qty, avg_entry_price, stop_loss, take_profit, unrealized_pl, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			qty = excluded.qty,
			avg_entry_price = excluded.avg_entry_price,
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			unrealized_pl = excluded.unrealized_pl,
			updated_at = excluded.updated_at`,
		p.Symbol, p.Qty, p.AvgEntryPrice.String(), p.StopLoss.String(),
		p.TakeProfit.String(), p.UnrealizedPL.String(), p.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving position %s: %w", p.Symbol, err)
	}
	return nil
}

// GetPosition retrieves the current position for a symbol.
func (s *SQLiteStore) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx, positionSelect+` WHERE symbol = ?`, symbol)
	return scanPosition(row)
}

// ListPositions returns all positions with a non-zero quantity.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, positionSelect+` WHERE qty != 0 ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// DeletePosition removes the position row for a symbol.
func (s *SQLiteStore) DeletePosition(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol)
	return err
}

const positionSelect = `
	SELECT symbol, qty, avg_entry_price, stop_loss, take_profit, unrealized_pl, updated_at
	FROM positions`

func scanPosition(row rowScanner) (*domain.Position, error) {
	var (
		p                              domain.Position
		avgEntry, stop, take, unrl     string
		updatedAt                      int64
	)
	err := row.Scan(&p.Symbol, &p.Qty, &avgEntry, &stop, &take, &unrl, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.AvgEntryPrice, err = decimal.NewFromString(avgEntry); err != nil {
		return nil, err
	}
	if p.StopLoss, err = decimal.NewFromString(stop); err != nil {
		return nil, err
	}
	if p.TakeProfit, err = decimal.NewFromString(take); err != nil {
		return nil, err
	}
	if p.UnrealizedPL, err = decimal.NewFromString(unrl); err != nil {
		return nil, err
	}
	p.UpdatedAt = time.UnixMilli(updatedAt)
	return &p, nil
}

// ---------------------------------------------------------------------------
// AuditStore implementation
// ---------------------------------------------------------------------------

// AppendAudit appends one transition record.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_audit (order_id, from_status, to_status, reason, at)
		VALUES (?, ?, ?, ?, ?)`,
		e.OrderID, string(e.FromStatus), string(e.ToStatus), e.Reason, e.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("appending audit for order %s: %w", e.OrderID, err)
	}
	return nil
}

// ListAudit returns an order's transition history in append order.
func (s *SQLiteStore) ListAudit(ctx context.Context, orderID string) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, from_status, to_status, reason, at
		FROM order_audit WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e        domain.AuditEntry
			from, to string
			at       int64
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &from, &to, &e.Reason, &at); err != nil {
			return nil, err
		}
		e.FromStatus = domain.OrderStatus(from)
		e.ToStatus = domain.OrderStatus(to)
		e.At = time.UnixMilli(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---------------------------------------------------------------------------
// DriftStore implementation
// ---------------------------------------------------------------------------

// SaveDrift records a newly detected drift condition and sets its ID.
func (s *SQLiteStore) SaveDrift(ctx context.Context, d *domain.DriftCondition) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO drift_conditions (symbol, kind, local_value, venue_value, detected_at, cleared, cleared_at)
		VALUES (?, ?, ?, ?, ?, 0, 0)`,
		d.Symbol, string(d.Kind), d.LocalValue.String(), d.VenueValue.String(), d.DetectedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving drift for %q: %w", d.Symbol, err)
	}
	d.ID, err = res.LastInsertId()
	return err
}

// ListDrift returns drift conditions; cleared ones only when includeCleared.
func (s *SQLiteStore) ListDrift(ctx context.Context, includeCleared bool) ([]domain.DriftCondition, error) {
	q := `SELECT id, symbol, kind, local_value, venue_value, detected_at, cleared, cleared_at
		FROM drift_conditions`
	if !includeCleared {
		q += ` WHERE cleared = 0`
	}
	q += ` ORDER BY detected_at DESC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drifts []domain.DriftCondition
	for rows.Next() {
		var (
			d                      domain.DriftCondition
			kind, local, venue     string
			detectedAt, clearedAt  int64
			cleared                int
		)
		if err := rows.Scan(&d.ID, &d.Symbol, &kind, &local, &venue, &detectedAt, &cleared, &clearedAt); err != nil {
			return nil, err
		}
		d.Kind = domain.DriftKind(kind)
		if d.LocalValue, err = decimal.NewFromString(local); err != nil {
			return nil, err
		}
		if d.VenueValue, err = decimal.NewFromString(venue); err != nil {
			return nil, err
		}
		d.DetectedAt = time.UnixMilli(detectedAt)
		d.Cleared = cleared != 0
		if clearedAt != 0 {
			d.ClearedAt = time.UnixMilli(clearedAt)
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}

// ClearDrift marks a drift condition resolved.
func (s *SQLiteStore) ClearDrift(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE drift_conditions SET cleared = 1, cleared_at = ? WHERE id = ? AND cleared = 0`,
		at.UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
