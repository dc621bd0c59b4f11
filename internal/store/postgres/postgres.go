// Package postgres provides a PostgreSQL-backed implementation of
// [store.Store] using a [pgxpool.Pool].
//
// Container counters live in the inventory table next to the cumulative
// servings remainder. [Store.ConsumeServings] runs as a single conditional
// UPDATE that locks the row, so two bartenders ordering the same bottle at the
// same moment can never both read the same count.
//
// Usage:
//
//	s, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/barkeep/internal/catalog"
	"github.com/MrWong99/barkeep/internal/store"
)

// Schema is the bootstrap DDL. It only creates missing tables; schema
// versioning is handled outside barkeep.
const Schema = `
CREATE TABLE IF NOT EXISTS catalog_items (
    id                     TEXT PRIMARY KEY,
    name                   TEXT NOT NULL UNIQUE,
    category               TEXT NOT NULL,
    price_cents            BIGINT NOT NULL DEFAULT 0,
    serving_size_oz        DOUBLE PRECISION NOT NULL DEFAULT 0,
    servings_per_container INTEGER NOT NULL DEFAULT 0,
    recipe                 JSONB NOT NULL DEFAULT '[]',
    position               SERIAL
);

CREATE TABLE IF NOT EXISTS inventory (
    item_id          TEXT PRIMARY KEY REFERENCES catalog_items(id) ON DELETE CASCADE,
    containers       INTEGER NOT NULL DEFAULT 0 CHECK (containers >= 0),
    pending_servings INTEGER NOT NULL DEFAULT 0 CHECK (pending_servings >= 0),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS orders (
    id          TEXT PRIMARY KEY,
    client_id   TEXT NOT NULL DEFAULT '',
    total_cents BIGINT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS order_lines (
    order_id         TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
    line_no          INTEGER NOT NULL,
    item_id          TEXT NOT NULL,
    name             TEXT NOT NULL,
    quantity         INTEGER NOT NULL,
    unit_price_cents BIGINT NOT NULL,
    PRIMARY KEY (order_id, line_no)
);
`

// DB is the database interface used by [Store]. *pgxpool.Pool satisfies it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Compile-time interface checks.
var (
	_ store.Store  = (*Store)(nil)
	_ store.Seeder = (*Store)(nil)
)

// Store is a [store.Store] backed by PostgreSQL. All methods are safe for
// concurrent use.
type Store struct {
	db    DB
	close func()
}

// New connects to dsn, verifies connectivity and applies [Schema].
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	s := &Store{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection or pool. The caller owns db and is
// responsible for running [Store.Migrate].
func NewWithDB(db DB) *Store {
	return &Store{db: db, close: func() {}}
}

// Migrate executes [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	return nil
}

// Seed implements [store.Seeder].
func (s *Store) Seed(ctx context.Context, items []store.SeedItem) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		for _, si := range items {
			if err := si.Item.Validate(); err != nil {
				return fmt.Errorf("postgres store: seed: %w", err)
			}
			recipe, err := json.Marshal(emptyRecipe(si.Item.Recipe))
			if err != nil {
				return fmt.Errorf("postgres store: marshal recipe: %w", err)
			}
			const insertItem = `
				INSERT INTO catalog_items (id, name, category, price_cents, serving_size_oz, servings_per_container, recipe)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (id) DO NOTHING`
			if _, err := tx.Exec(ctx, insertItem,
				si.Item.ID, si.Item.Name, string(si.Item.Category), si.Item.PriceCents,
				si.Item.ServingSizeOz, si.Item.ServingsPerContainer, recipe,
			); err != nil {
				return fmt.Errorf("postgres store: seed item %q: %w", si.Item.ID, err)
			}
			const insertInventory = `
				INSERT INTO inventory (item_id, containers) VALUES ($1, $2)
				ON CONFLICT (item_id) DO NOTHING`
			if _, err := tx.Exec(ctx, insertInventory, si.Item.ID, max(0, si.Containers)); err != nil {
				return fmt.Errorf("postgres store: seed inventory %q: %w", si.Item.ID, err)
			}
		}
		return nil
	})
}

// CatalogItems implements [store.Catalog].
func (s *Store) CatalogItems(ctx context.Context) ([]catalog.Item, error) {
	const query = `
		SELECT id, name, category, price_cents, serving_size_oz, servings_per_container, recipe
		FROM catalog_items
		ORDER BY position`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list catalog: %w", err)
	}
	defer rows.Close()

	var items []catalog.Item
	for rows.Next() {
		var (
			it       catalog.Item
			category string
			recipe   []byte
		)
		if err := rows.Scan(&it.ID, &it.Name, &category, &it.PriceCents,
			&it.ServingSizeOz, &it.ServingsPerContainer, &recipe); err != nil {
			return nil, fmt.Errorf("postgres store: scan catalog item: %w", err)
		}
		it.Category = catalog.Category(category)
		if err := json.Unmarshal(recipe, &it.Recipe); err != nil {
			return nil, fmt.Errorf("postgres store: unmarshal recipe for %q: %w", it.ID, err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate catalog: %w", err)
	}
	return items, nil
}

// ContainerCount implements [store.Inventory].
func (s *Store) ContainerCount(ctx context.Context, itemID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT containers FROM inventory WHERE item_id = $1`, itemID).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("postgres store: item %q: %w", itemID, store.ErrNotFound)
		}
		return 0, fmt.Errorf("postgres store: container count %q: %w", itemID, err)
	}
	return n, nil
}

// DeductContainers implements [store.Inventory]. The WHERE clause makes the
// check and the write a single statement.
func (s *Store) DeductContainers(ctx context.Context, itemID string, n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("postgres store: deduct %d containers: negative amount", n)
	}
	const query = `
		UPDATE inventory
		SET containers = containers - $2, updated_at = now()
		WHERE item_id = $1 AND containers >= $2
		RETURNING containers`
	var left int
	err := s.db.QueryRow(ctx, query, itemID, n).Scan(&left)
	if err == nil {
		return left, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("postgres store: deduct containers %q: %w", itemID, err)
	}
	current, cerr := s.ContainerCount(ctx, itemID)
	if cerr != nil {
		return 0, cerr
	}
	return current, fmt.Errorf("postgres store: deduct %d of %d containers for %q: %w", n, current, itemID, store.ErrInsufficientInventory)
}

// consumeQuery locks the row through the FROM sub-select, applies the
// cumulative remainder arithmetic and returns the number of whole containers
// removed. Zero rows means the item is missing or the guard failed.
const consumeQuery = `
	UPDATE inventory AS inv
	SET containers       = inv.containers - (inv.pending_servings + $2) / $3,
	    pending_servings = (inv.pending_servings + $2) % $3,
	    updated_at       = now()
	FROM (SELECT item_id, containers AS prev_containers FROM inventory WHERE item_id = $1 FOR UPDATE) AS cur
	WHERE inv.item_id = cur.item_id
	  AND inv.containers > 0
	  AND inv.containers >= (inv.pending_servings + $2) / $3
	RETURNING cur.prev_containers - inv.containers, inv.containers, inv.pending_servings`

// ConsumeServings implements [store.Inventory].
func (s *Store) ConsumeServings(ctx context.Context, itemID string, servings, perContainer int) (store.Consumption, error) {
	if servings < 0 || perContainer <= 0 {
		return store.Consumption{}, fmt.Errorf("postgres store: consume %d servings at %d per container: invalid amount", servings, perContainer)
	}
	var c store.Consumption
	err := s.db.QueryRow(ctx, consumeQuery, itemID, servings, perContainer).
		Scan(&c.ContainersDeducted, &c.Containers, &c.PendingServings)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return store.Consumption{}, fmt.Errorf("postgres store: consume servings %q: %w", itemID, err)
	}

	// Distinguish a missing item from a refused deduction.
	err = s.db.QueryRow(ctx, `SELECT containers, pending_servings FROM inventory WHERE item_id = $1`, itemID).
		Scan(&c.Containers, &c.PendingServings)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Consumption{}, fmt.Errorf("postgres store: item %q: %w", itemID, store.ErrNotFound)
	}
	if err != nil {
		return store.Consumption{}, fmt.Errorf("postgres store: read inventory %q: %w", itemID, err)
	}
	return c, fmt.Errorf("postgres store: consume %d servings of %q with %d containers on hand: %w", servings, itemID, c.Containers, store.ErrInsufficientInventory)
}

// SetContainerCount implements [store.Inventory].
func (s *Store) SetContainerCount(ctx context.Context, itemID string, count int) error {
	const query = `
		UPDATE inventory
		SET containers = GREATEST($2, 0), pending_servings = 0, updated_at = now()
		WHERE item_id = $1`
	tag, err := s.db.Exec(ctx, query, itemID, count)
	if err != nil {
		return fmt.Errorf("postgres store: set container count %q: %w", itemID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: item %q: %w", itemID, store.ErrNotFound)
	}
	return nil
}

// CreateOrder implements [store.Orders]. The order and its lines are written
// in one transaction.
func (s *Store) CreateOrder(ctx context.Context, order store.Order) error {
	if order.ID == "" {
		return errors.New("postgres store: create order: id is required")
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		const insertOrder = `
			INSERT INTO orders (id, client_id, total_cents, created_at)
			VALUES ($1, $2, $3, $4)`
		if _, err := tx.Exec(ctx, insertOrder, order.ID, order.ClientID, order.TotalCents, order.CreatedAt); err != nil {
			if isDuplicateKeyError(err) {
				return fmt.Errorf("postgres store: order %q already exists", order.ID)
			}
			return fmt.Errorf("postgres store: insert order: %w", err)
		}

		batch := &pgx.Batch{}
		for i, l := range order.Lines {
			batch.Queue(`
				INSERT INTO order_lines (order_id, line_no, item_id, name, quantity, unit_price_cents)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				order.ID, i, l.ItemID, l.Name, l.Quantity, l.UnitPriceCents)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres store: insert order lines: %w", err)
		}
		return nil
	})
}

// Order implements [store.Orders].
func (s *Store) Order(ctx context.Context, id string) (store.Order, error) {
	var o store.Order
	err := s.db.QueryRow(ctx,
		`SELECT id, client_id, total_cents, created_at FROM orders WHERE id = $1`, id,
	).Scan(&o.ID, &o.ClientID, &o.TotalCents, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Order{}, fmt.Errorf("postgres store: order %q: %w", id, store.ErrNotFound)
		}
		return store.Order{}, fmt.Errorf("postgres store: get order %q: %w", id, err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT item_id, name, quantity, unit_price_cents
		FROM order_lines WHERE order_id = $1 ORDER BY line_no`, id)
	if err != nil {
		return store.Order{}, fmt.Errorf("postgres store: get order lines %q: %w", id, err)
	}
	o.Lines, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.OrderLine, error) {
		var l store.OrderLine
		err := row.Scan(&l.ItemID, &l.Name, &l.Quantity, &l.UnitPriceCents)
		return l, err
	})
	if err != nil {
		return store.Order{}, fmt.Errorf("postgres store: scan order lines %q: %w", id, err)
	}
	return o, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close implements [store.Store].
func (s *Store) Close() error {
	s.close()
	return nil
}

// isDuplicateKeyError reports whether err is a PostgreSQL unique_violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func emptyRecipe(r []catalog.Ingredient) []catalog.Ingredient {
	if r == nil {
		return []catalog.Ingredient{}
	}
	return r
}
