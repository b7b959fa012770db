package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"pricewatch/internal/model"
	"pricewatch/pkg/logx"
)

// sqliteStore persists the catalog, watches, price history and notification
// events in one SQLite file. Quote lists and other nested values are stored
// as JSON columns; everything queried on is a plain column.
type sqliteStore struct {
	db           *sqlx.DB
	log          logx.Logger
	historyLimit int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", cfg.Path)
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

	s := &sqliteStore{db: db, log: log, historyLimit: cfg.HistoryLimit}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS products (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	baseline_price REAL NOT NULL,
	currency       TEXT NOT NULL DEFAULT '',
	priority       INTEGER NOT NULL DEFAULT 0,
	source_urls    TEXT NOT NULL DEFAULT '{}',
	created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS price_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id TEXT NOT NULL,
	checked_at TEXT NOT NULL,
	result     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_history_product
	ON price_history(product_id, checked_at);

CREATE TABLE IF NOT EXISTS snapshots (
	product_id TEXT PRIMARY KEY,
	checked_at TEXT NOT NULL,
	result     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS watches (
	id                 TEXT PRIMARY KEY,
	owner_id           TEXT NOT NULL,
	product_id         TEXT NOT NULL,
	kind               TEXT NOT NULL,
	threshold          REAL NOT NULL DEFAULT 0,
	threshold_percent  REAL NOT NULL DEFAULT 0,
	baseline_price     REAL NOT NULL DEFAULT 0,
	state              TEXT NOT NULL,
	triggered_price    REAL NOT NULL DEFAULT 0,
	triggered_at       TEXT,
	trigger_count      INTEGER NOT NULL DEFAULT 0,
	last_seen_in_stock INTEGER NOT NULL DEFAULT 0,
	channels           TEXT NOT NULL DEFAULT '{}',
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_watches_state ON watches(state);

CREATE TABLE IF NOT EXISTS notification_events (
	id         TEXT PRIMARY KEY,
	watch_id   TEXT NOT NULL,
	owner_id   TEXT NOT NULL,
	product_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	old_price   REAL NOT NULL,
	new_price   REAL NOT NULL,
	savings     REAL NOT NULL,
	trigger_seq INTEGER NOT NULL DEFAULT 0,
	channels    TEXT NOT NULL DEFAULT '{}',
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_owner ON notification_events(owner_id, created_at);

INSERT INTO schema_version(version) VALUES (1);
`,
	},
}

func (s *sqliteStore) migrate() error {
	current := 0
	var tableCount int
	if err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'"); err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// ---- History & snapshot ----

func (s *sqliteStore) Append(ctx context.Context, result model.ComparisonResult) error {
	blob, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	checkedAt := result.CheckedAt.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO price_history(product_id, checked_at, result) VALUES(?,?,?)`,
		result.ProductID, checkedAt, string(blob)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots(product_id, checked_at, result) VALUES(?,?,?)
		 ON CONFLICT(product_id) DO UPDATE SET checked_at=excluded.checked_at, result=excluded.result`,
		result.ProductID, checkedAt, string(blob)); err != nil {
		return err
	}
	// FIFO eviction past the retention cap.
	if s.historyLimit > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM price_history
			 WHERE product_id = ?
			   AND id NOT IN (
			     SELECT id FROM price_history WHERE product_id = ? ORDER BY id DESC LIMIT ?
			   )`,
			result.ProductID, result.ProductID, s.historyLimit); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Latest(ctx context.Context, productID string) (*model.ComparisonResult, bool, error) {
	var blob string
	err := s.db.GetContext(ctx, &blob,
		`SELECT result FROM snapshots WHERE product_id = ?`, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var result model.ComparisonResult
	if err := json.Unmarshal([]byte(blob), &result); err != nil {
		return nil, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &result, true, nil
}

func (s *sqliteStore) History(ctx context.Context, productID string, sinceDays int) ([]model.HistoryEntry, error) {
	q := `SELECT id, product_id, checked_at, result FROM price_history WHERE product_id = ?`
	args := []any{productID}
	if sinceDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -sinceDays).Format(time.RFC3339Nano)
		q += ` AND checked_at >= ?`
		args = append(args, cutoff)
	}
	q += ` ORDER BY id ASC`

	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HistoryEntry
	for rows.Next() {
		var (
			id        int64
			pid       string
			checkedAt string
			blob      string
		)
		if err := rows.Scan(&id, &pid, &checkedAt, &blob); err != nil {
			return nil, err
		}
		var result model.ComparisonResult
		if err := json.Unmarshal([]byte(blob), &result); err != nil {
			return nil, fmt.Errorf("unmarshal history entry %d: %w", id, err)
		}
		at, _ := time.Parse(time.RFC3339Nano, checkedAt)
		out = append(out, model.HistoryEntry{ID: id, ProductID: pid, Result: result, CheckedAt: at})
	}
	return out, rows.Err()
}

// ---- Catalog ----

func (s *sqliteStore) UpsertProduct(ctx context.Context, p model.Product) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	urls, err := json.Marshal(p.SourceURLs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO products(id, name, baseline_price, currency, priority, source_urls, created_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, baseline_price=excluded.baseline_price,
		   currency=excluded.currency, priority=excluded.priority,
		   source_urls=excluded.source_urls`,
		p.ID, p.Name, p.BaselinePrice, p.Currency, boolInt(p.Priority),
		string(urls), p.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	row := s.db.QueryRowxContext(ctx,
		`SELECT id, name, baseline_price, currency, priority, source_urls, created_at
		 FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *sqliteStore) ListProducts(ctx context.Context) ([]model.Product, error) {
	return s.listProducts(ctx, `SELECT id, name, baseline_price, currency, priority, source_urls, created_at
		FROM products ORDER BY id`)
}

func (s *sqliteStore) ListPriorityProducts(ctx context.Context) ([]model.Product, error) {
	return s.listProducts(ctx, `SELECT id, name, baseline_price, currency, priority, source_urls, created_at
		FROM products WHERE priority = 1 ORDER BY id`)
}

func (s *sqliteStore) listProducts(ctx context.Context, q string) ([]model.Product, error) {
	rows, err := s.db.QueryxContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(r rowScanner) (model.Product, error) {
	var (
		p         model.Product
		priority  int
		urls      string
		createdAt string
	)
	if err := r.Scan(&p.ID, &p.Name, &p.BaselinePrice, &p.Currency, &priority, &urls, &createdAt); err != nil {
		return model.Product{}, err
	}
	p.Priority = priority != 0
	if err := json.Unmarshal([]byte(urls), &p.SourceURLs); err != nil {
		return model.Product{}, fmt.Errorf("unmarshal source_urls: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return p, nil
}

// ---- Watches ----

func (s *sqliteStore) UpsertWatch(ctx context.Context, w model.Watch) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = w.CreatedAt
	}
	channels, err := json.Marshal(w.Channels)
	if err != nil {
		return err
	}
	var triggeredAt any
	if w.TriggeredAt != nil {
		triggeredAt = w.TriggeredAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO watches(id, owner_id, product_id, kind, threshold, threshold_percent,
		   baseline_price, state, triggered_price, triggered_at, trigger_count,
		   last_seen_in_stock, channels, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   kind=excluded.kind, threshold=excluded.threshold,
		   threshold_percent=excluded.threshold_percent,
		   baseline_price=excluded.baseline_price, state=excluded.state,
		   channels=excluded.channels, updated_at=excluded.updated_at`,
		w.ID, w.OwnerID, w.ProductID, string(w.Kind), w.Threshold, w.ThresholdPercent,
		w.BaselinePrice, string(w.State), w.TriggeredPrice, triggeredAt, w.TriggerCount,
		boolInt(w.LastSeenInStock), string(channels),
		w.CreatedAt.UTC().Format(time.RFC3339Nano), w.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) GetWatch(ctx context.Context, id string) (*model.Watch, error) {
	row := s.db.QueryRowxContext(ctx, watchSelect+` WHERE id = ?`, id)
	w, err := scanWatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

const watchSelect = `SELECT id, owner_id, product_id, kind, threshold, threshold_percent,
	baseline_price, state, triggered_price, triggered_at, trigger_count,
	last_seen_in_stock, channels, created_at, updated_at FROM watches`

func (s *sqliteStore) ListWatches(ctx context.Context) ([]model.Watch, error) {
	return s.listWatches(ctx, watchSelect+` ORDER BY id`)
}

func (s *sqliteStore) ListActiveWatches(ctx context.Context) ([]model.Watch, error) {
	return s.listWatches(ctx, watchSelect+` WHERE state = 'active' ORDER BY id`)
}

func (s *sqliteStore) listWatches(ctx context.Context, q string, args ...any) ([]model.Watch, error) {
	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWatch(r rowScanner) (model.Watch, error) {
	var (
		w           model.Watch
		kind        string
		state       string
		triggeredAt sql.NullString
		inStock     int
		channels    string
		createdAt   string
		updatedAt   string
	)
	if err := r.Scan(&w.ID, &w.OwnerID, &w.ProductID, &kind, &w.Threshold, &w.ThresholdPercent,
		&w.BaselinePrice, &state, &w.TriggeredPrice, &triggeredAt, &w.TriggerCount,
		&inStock, &channels, &createdAt, &updatedAt); err != nil {
		return model.Watch{}, err
	}
	w.Kind = model.WatchKind(kind)
	w.State = model.WatchState(state)
	if triggeredAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, triggeredAt.String); err == nil {
			w.TriggeredAt = &t
		}
	}
	w.LastSeenInStock = inStock != 0
	if err := json.Unmarshal([]byte(channels), &w.Channels); err != nil {
		return model.Watch{}, fmt.Errorf("unmarshal channels: %w", err)
	}
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return w, nil
}

func (s *sqliteStore) SetWatchState(ctx context.Context, id string, state model.WatchState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE watches SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) MarkTriggered(ctx context.Context, id string, price float64, at time.Time) (bool, error) {
	// The state guard in the WHERE clause makes the transition exactly-once:
	// a concurrent evaluator loses the race and sees zero rows affected.
	res, err := s.db.ExecContext(ctx,
		`UPDATE watches
		 SET state = 'triggered', triggered_price = ?, triggered_at = ?,
		     trigger_count = trigger_count + 1, updated_at = ?
		 WHERE id = ? AND state = 'active'`,
		price, at.UTC().Format(time.RFC3339Nano), at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) SetWatchStockSeen(ctx context.Context, id string, inStock bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE watches SET last_seen_in_stock = ? WHERE id = ?`, boolInt(inStock), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) DeleteWatch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM watches WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ---- Notification events ----

func (s *sqliteStore) AppendEvent(ctx context.Context, e model.NotificationEvent) error {
	channels, err := json.Marshal(e.Channels)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notification_events(id, watch_id, owner_id, product_id, kind,
		   old_price, new_price, savings, trigger_seq, channels, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.WatchID, e.OwnerID, e.ProductID, string(e.Kind),
		e.OldPrice, e.NewPrice, e.Savings, e.TriggerSeq, string(channels),
		e.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) ListEvents(ctx context.Context, ownerID string, limit int) ([]model.NotificationEvent, error) {
	q := `SELECT id, watch_id, owner_id, product_id, kind, old_price, new_price, savings, trigger_seq, channels, created_at
		FROM notification_events`
	var args []any
	if ownerID != "" {
		q += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.NotificationEvent
	for rows.Next() {
		var (
			e         model.NotificationEvent
			kind      string
			channels  string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.WatchID, &e.OwnerID, &e.ProductID, &kind,
			&e.OldPrice, &e.NewPrice, &e.Savings, &e.TriggerSeq, &channels, &createdAt); err != nil {
			return nil, err
		}
		e.Kind = model.WatchKind(kind)
		if err := json.Unmarshal([]byte(channels), &e.Channels); err != nil {
			return nil, fmt.Errorf("unmarshal channels: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
