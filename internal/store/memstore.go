package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/barkeep/internal/catalog"
)

// Compile-time interface checks.
var (
	_ Store  = (*MemStore)(nil)
	_ Seeder = (*MemStore)(nil)
)

type counter struct {
	containers int
	pending    int
}

// MemStore is an in-memory [Store]. A single mutex serialises every counter
// update, which makes ConsumeServings atomic. All methods are safe for
// concurrent use.
type MemStore struct {
	mu       sync.Mutex
	items    []catalog.Item
	index    map[string]int
	counters map[string]*counter
	orders   map[string]Order
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		index:    make(map[string]int),
		counters: make(map[string]*counter),
		orders:   make(map[string]Order),
	}
}

// Seed implements [Seeder].
func (s *MemStore) Seed(_ context.Context, items []SeedItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, si := range items {
		if err := si.Item.Validate(); err != nil {
			return fmt.Errorf("store: seed: %w", err)
		}
		if _, exists := s.index[si.Item.ID]; exists {
			continue
		}
		s.index[si.Item.ID] = len(s.items)
		s.items = append(s.items, si.Item)
		s.counters[si.Item.ID] = &counter{containers: max(0, si.Containers)}
	}
	return nil
}

// CatalogItems implements [Catalog].
func (s *MemStore) CatalogItems(_ context.Context) ([]catalog.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]catalog.Item, len(s.items))
	copy(out, s.items)
	return out, nil
}

// ContainerCount implements [Inventory].
func (s *MemStore) ContainerCount(_ context.Context, itemID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[itemID]
	if !ok {
		return 0, fmt.Errorf("store: item %q: %w", itemID, ErrNotFound)
	}
	return c.containers, nil
}

// PendingServings returns the cumulative remainder for itemID.
func (s *MemStore) PendingServings(itemID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[itemID]; ok {
		return c.pending
	}
	return 0
}

// DeductContainers implements [Inventory].
func (s *MemStore) DeductContainers(_ context.Context, itemID string, n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("store: deduct %d containers: negative amount", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[itemID]
	if !ok {
		return 0, fmt.Errorf("store: item %q: %w", itemID, ErrNotFound)
	}
	if n > c.containers {
		return c.containers, fmt.Errorf("store: deduct %d of %d containers for %q: %w", n, c.containers, itemID, ErrInsufficientInventory)
	}
	c.containers -= n
	return c.containers, nil
}

// ConsumeServings implements [Inventory].
func (s *MemStore) ConsumeServings(_ context.Context, itemID string, servings, perContainer int) (Consumption, error) {
	if servings < 0 || perContainer <= 0 {
		return Consumption{}, fmt.Errorf("store: consume %d servings at %d per container: invalid amount", servings, perContainer)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[itemID]
	if !ok {
		return Consumption{}, fmt.Errorf("store: item %q: %w", itemID, ErrNotFound)
	}

	total := c.pending + servings
	deduct := total / perContainer
	if c.containers == 0 || deduct > c.containers {
		return Consumption{Containers: c.containers, PendingServings: c.pending},
			fmt.Errorf("store: consume %d servings of %q with %d containers on hand: %w", servings, itemID, c.containers, ErrInsufficientInventory)
	}
	c.containers -= deduct
	c.pending = total % perContainer
	return Consumption{
		ContainersDeducted: deduct,
		Containers:         c.containers,
		PendingServings:    c.pending,
	}, nil
}

// SetContainerCount implements [Inventory].
func (s *MemStore) SetContainerCount(_ context.Context, itemID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[itemID]
	if !ok {
		return fmt.Errorf("store: item %q: %w", itemID, ErrNotFound)
	}
	c.containers = max(0, count)
	c.pending = 0
	return nil
}

// CreateOrder implements [Orders].
func (s *MemStore) CreateOrder(_ context.Context, order Order) error {
	if order.ID == "" {
		return fmt.Errorf("store: create order: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.orders[order.ID]; dup {
		return fmt.Errorf("store: order %q already exists", order.ID)
	}
	lines := make([]OrderLine, len(order.Lines))
	copy(lines, order.Lines)
	order.Lines = lines
	s.orders[order.ID] = order
	return nil
}

// Order implements [Orders].
func (s *MemStore) Order(_ context.Context, id string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("store: order %q: %w", id, ErrNotFound)
	}
	return o, nil
}

// Ping implements [Store]. The in-memory store is always reachable.
func (s *MemStore) Ping(_ context.Context) error { return nil }

// Close implements [Store].
func (s *MemStore) Close() error { return nil }
