package pos

import (
	"sync"

	"github.com/MrWong99/barkeep/internal/catalog"
)

// Line is one cart line. Lines are keyed by catalog item id; adding an item
// already in the cart increases its quantity in place.
type Line struct {
	ItemID         string           `json:"item_id"`
	Name           string           `json:"name"`
	Category       catalog.Category `json:"category"`
	Quantity       int              `json:"quantity"`
	UnitPriceCents int64            `json:"unit_price_cents"`
}

// TotalCents returns quantity × unit price.
func (l Line) TotalCents() int64 {
	return int64(l.Quantity) * l.UnitPriceCents
}

// CartState is a point-in-time copy of a cart.
type CartState struct {
	CartID     string `json:"cart_id"`
	Items      []Line `json:"items"`
	TotalCents int64  `json:"total_cents"`
}

// Carts holds the open carts in memory, keyed by cart id. Carts are created
// on first use and never persisted; a created order is the durable record.
// Carts is safe for concurrent use.
type Carts struct {
	mu    sync.Mutex
	carts map[string][]Line
}

// NewCarts returns an empty cart registry.
func NewCarts() *Carts {
	return &Carts{carts: make(map[string][]Line)}
}

// Add adds qty of item to the cart and returns the resulting state.
func (c *Carts) Add(cartID string, item catalog.Item, qty int) CartState {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines := c.carts[cartID]
	for i := range lines {
		if lines[i].ItemID == item.ID {
			lines[i].Quantity += qty
			return c.stateLocked(cartID)
		}
	}
	c.carts[cartID] = append(lines, Line{
		ItemID:         item.ID,
		Name:           item.Name,
		Category:       item.Category,
		Quantity:       qty,
		UnitPriceCents: item.PriceCents,
	})
	return c.stateLocked(cartID)
}

// Remove takes up to qty of itemID off the cart. It returns the quantity
// actually removed, zero when the item is not in the cart. A line whose
// quantity reaches zero is dropped.
func (c *Carts) Remove(cartID, itemID string, qty int) (int, CartState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines := c.carts[cartID]
	for i := range lines {
		if lines[i].ItemID != itemID {
			continue
		}
		removed := min(qty, lines[i].Quantity)
		lines[i].Quantity -= removed
		if lines[i].Quantity == 0 {
			c.carts[cartID] = append(lines[:i], lines[i+1:]...)
		}
		return removed, c.stateLocked(cartID)
	}
	return 0, c.stateLocked(cartID)
}

// Clear empties the cart.
func (c *Carts) Clear(cartID string) CartState {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.carts, cartID)
	return c.stateLocked(cartID)
}

// State returns a copy of the cart.
func (c *Carts) State(cartID string) CartState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(cartID)
}

// Len returns the number of non-empty carts.
func (c *Carts) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.carts)
}

func (c *Carts) stateLocked(cartID string) CartState {
	lines := c.carts[cartID]
	if len(lines) == 0 {
		delete(c.carts, cartID)
	}
	st := CartState{CartID: cartID, Items: make([]Line, len(lines))}
	copy(st.Items, lines)
	for _, l := range lines {
		st.TotalCents += l.TotalCents()
	}
	return st
}
