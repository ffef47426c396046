package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hyperfront/hyperfront/trailing"
)

//go:embed schema.sql
var schemaDDL string

// trailingRecordVersion tags the persisted order-set format. Bump it when
// the record layout changes; loading a newer version than we understand is
// an error, not silent data loss.
const trailingRecordVersion = 1

type trailingRecord struct {
	Version int              `json:"version"`
	Orders  []trailing.Order `json:"orders"`
}

type Storage struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
}

func New(path string, logger *slog.Logger) (*Storage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if logger == nil {
		logger = slog.Default().WithGroup("storage")
	}

	return &Storage{db: db, logger: logger}, nil
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SaveTrailingOrders replaces the full order set for a namespace. The set is
// written as one versioned record so a crash can never leave a half-updated
// mix of old and new orders.
func (s *Storage) SaveTrailingOrders(ctx context.Context, namespace string, orders []trailing.Order) error {
	if namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	if orders == nil {
		orders = []trailing.Order{}
	}

	raw, err := json.Marshal(trailingRecord{Version: trailingRecordVersion, Orders: orders})
	if err != nil {
		return fmt.Errorf("encode trailing orders: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trailing_orders (namespace, version, payload, updated_at_utc)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace) DO UPDATE SET
			version = excluded.version,
			payload = excluded.payload,
			updated_at_utc = excluded.updated_at_utc`,
		namespace, trailingRecordVersion, raw, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("save trailing orders: %w", err)
	}
	return nil
}

// LoadTrailingOrders returns the persisted order set for a namespace. The
// second return is false when the namespace has never been written.
func (s *Storage) LoadTrailingOrders(ctx context.Context, namespace string) ([]trailing.Order, bool, error) {
	if namespace == "" {
		return nil, false, fmt.Errorf("namespace is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM trailing_orders WHERE namespace = ?`, namespace,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load trailing orders: %w", err)
	}

	var record trailingRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("decode trailing orders: %w", err)
	}
	if record.Version > trailingRecordVersion {
		return nil, false, fmt.Errorf("trailing record version %d is newer than supported %d", record.Version, trailingRecordVersion)
	}
	return record.Orders, true, nil
}

// ExchangeActionRecord is one audit-log row of a submitted venue action.
type ExchangeActionRecord struct {
	ID           int64
	Cloid        string
	Kind         string
	Status       string
	Payload      json.RawMessage
	CreatedAtUTC int64
}

// RecordExchangeAction appends a venue submission to the audit log.
func (s *Storage) RecordExchangeAction(ctx context.Context, cloid, kind, status string, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode action payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO exchange_actions (cloid, kind, status, payload, created_at_utc)
		VALUES (?, ?, ?, ?, ?)`,
		cloid, kind, status, raw, time.Now().UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("record exchange action: %w", err)
	}
	return res.LastInsertId()
}

// ListExchangeActions returns audit-log rows for a cloid, oldest first. An
// empty cloid returns the full log.
func (s *Storage) ListExchangeActions(ctx context.Context, cloid string) ([]ExchangeActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, cloid, kind, status, payload, created_at_utc FROM exchange_actions ORDER BY id`
	args := []any{}
	if cloid != "" {
		query = `SELECT id, cloid, kind, status, payload, created_at_utc FROM exchange_actions WHERE cloid = ? ORDER BY id`
		args = append(args, cloid)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list exchange actions: %w", err)
	}
	defer rows.Close()

	var records []ExchangeActionRecord
	for rows.Next() {
		var rec ExchangeActionRecord
		if err := rows.Scan(&rec.ID, &rec.Cloid, &rec.Kind, &rec.Status, &rec.Payload, &rec.CreatedAtUTC); err != nil {
			return nil, fmt.Errorf("scan exchange action: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
