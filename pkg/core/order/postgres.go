package order

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations returns the embedded goose migrations rooted at the SQL files.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// NewMigrator builds a goose provider for the order schema.
func NewMigrator(db *sql.DB) (*goose.Provider, error) {
	return goose.NewProvider(goose.DialectPostgres, db, Migrations())
}

// PostgresStore persists orders with pgx. One order per session is enforced
// by a unique index; a retried create for the same session returns the
// existing order id.
type PostgresStore struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewPostgresStore connects a pool and pings it.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnLifetime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewPostgresStoreFromPool(pool), nil
}

func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Pool exposes the underlying pool.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *PostgresStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) newID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Now(), s.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

const insertOrderSQL = `INSERT INTO orders (id, session_id, customer_id, customer_email, notes, pickup_time, payment_ref)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

const insertLineSQL = `INSERT INTO order_lines (order_id, line_no, menu_item_id, name, quantity, customizations, is_reward_item)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// CreateOrder implements Store.
func (s *PostgresStore) CreateOrder(ctx context.Context, items []LineItem, customer CustomerInfo, details Details) (string, error) {
	if len(items) == 0 {
		return "", errors.New("order has no items")
	}
	id, err := s.newID()
	if err != nil {
		return "", fmt.Errorf("order id: %w", err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertOrderSQL, id, customer.SessionID, customer.CustomerID,
			customer.CustomerEmail, details.Notes, details.PickupTime, details.PaymentRef); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for i, it := range items {
			custom := it.Customizations
			if custom == nil {
				custom = []string{}
			}
			batch.Queue(insertLineSQL, id, i+1, it.MenuItemID, it.Name, it.Quantity, custom, it.IsRewardItem)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err == nil {
		return id, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && customer.SessionID != "" {
		var existing string
		if qerr := s.pool.QueryRow(ctx, `SELECT id FROM orders WHERE session_id = $1`, customer.SessionID).Scan(&existing); qerr == nil {
			return existing, nil
		}
	}
	return "", fmt.Errorf("insert order: %w", err)
}

// Get loads an order and its lines.
func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	var pickup *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, customer_id, customer_email, notes, pickup_time, payment_ref, created_at FROM orders WHERE id = $1`, id).
		Scan(&rec.ID, &rec.Customer.SessionID, &rec.Customer.CustomerID, &rec.Customer.CustomerEmail,
			&rec.Details.Notes, &pickup, &rec.Details.PaymentRef, &rec.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("load order %s: %w", id, err)
	}
	rec.Details.PickupTime = pickup

	rows, err := s.pool.Query(ctx,
		`SELECT line_no, menu_item_id, name, quantity, customizations, is_reward_item FROM order_lines WHERE order_id = $1 ORDER BY line_no`, id)
	if err != nil {
		return Record{}, fmt.Errorf("load order lines %s: %w", id, err)
	}
	rec.Items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (LineItem, error) {
		var it LineItem
		err := row.Scan(&it.LineID, &it.MenuItemID, &it.Name, &it.Quantity, &it.Customizations, &it.IsRewardItem)
		return it, err
	})
	if err != nil {
		return Record{}, fmt.Errorf("scan order lines %s: %w", id, err)
	}
	return rec, nil
}
