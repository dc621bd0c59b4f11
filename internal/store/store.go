// Package store defines the persistence boundary consumed by the order path:
// the catalog snapshot, per-item container counters and created orders.
//
// Two implementations ship with barkeep: [MemStore] (in-process, used by
// tests and single-terminal deployments) and the PostgreSQL store in
// store/postgres. Both execute [Inventory.ConsumeServings] as one atomic
// operation so concurrent orders for the same item never lose updates.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/barkeep/internal/catalog"
)

var (
	// ErrNotFound is returned when an item or order does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientInventory is returned when a deduction would take a
	// container counter below zero. The counter is left unchanged.
	ErrInsufficientInventory = errors.New("store: insufficient inventory")
)

// Consumption is the outcome of an atomic [Inventory.ConsumeServings] call.
type Consumption struct {
	// ContainersDeducted is the number of whole containers removed.
	ContainersDeducted int

	// Containers is the container count after the update.
	Containers int

	// PendingServings is the cumulative remainder carried forward: servings
	// poured from the open container that have not yet added up to a whole one.
	PendingServings int
}

// Catalog provides the read-only catalog snapshot.
type Catalog interface {
	// CatalogItems returns every catalog item in a stable order.
	CatalogItems(ctx context.Context) ([]catalog.Item, error)
}

// Inventory manages whole-container counters. Counters never go negative.
type Inventory interface {
	// ContainerCount returns the whole containers on hand for itemID.
	ContainerCount(ctx context.Context, itemID string) (int, error)

	// DeductContainers removes n whole containers and returns the new count.
	// It returns [ErrInsufficientInventory] and leaves the counter untouched
	// when fewer than n are on hand.
	DeductContainers(ctx context.Context, itemID string, n int) (int, error)

	// ConsumeServings adds servings to the item's cumulative remainder and
	// deducts floor(remainder / perContainer) whole containers, carrying the
	// rest forward. The read, computation and write happen atomically. When
	// nothing is on hand, or the deduction would exceed the containers on
	// hand, it returns [ErrInsufficientInventory] and records nothing.
	ConsumeServings(ctx context.Context, itemID string, servings, perContainer int) (Consumption, error)

	// SetContainerCount overwrites the counter (restock / stock take) and
	// resets the cumulative remainder. Negative counts are clamped to zero.
	SetContainerCount(ctx context.Context, itemID string, count int) error
}

// OrderLine is one item line of a created order.
type OrderLine struct {
	ItemID         string `json:"item_id"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// Order is a completed order.
type Order struct {
	ID         string      `json:"id"`
	ClientID   string      `json:"client_id,omitempty"`
	Lines      []OrderLine `json:"lines"`
	TotalCents int64       `json:"total_cents"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Orders persists created orders.
type Orders interface {
	// CreateOrder stores order. ID and CreatedAt must be set by the caller.
	CreateOrder(ctx context.Context, order Order) error

	// Order returns the order with the given id or [ErrNotFound].
	Order(ctx context.Context, id string) (Order, error)
}

// Store is the full persistence boundary.
type Store interface {
	Catalog
	Inventory
	Orders

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases held resources.
	Close() error
}

// SeedItem pairs a catalog item with its initial container count.
type SeedItem struct {
	Item       catalog.Item
	Containers int
}

// Seeder is implemented by stores that can be bootstrapped from config.
type Seeder interface {
	// Seed inserts items that do not exist yet. Existing items keep their
	// counters.
	Seed(ctx context.Context, items []SeedItem) error
}

// LineTotal returns quantity × unit price for l.
func (l OrderLine) LineTotal() int64 {
	return int64(l.Quantity) * l.UnitPriceCents
}

// Total sums the line totals of lines.
func Total(lines []OrderLine) int64 {
	var t int64
	for _, l := range lines {
		t += l.LineTotal()
	}
	return t
}
