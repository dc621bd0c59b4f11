// Package pos executes cart and order commands. It is the worker side of the
// command dispatcher: each operation is registered as a named tool on a
// [dispatch.Tools] set, reachable in-process or from a worker subprocess.
//
// Tools:
//   - "cart_add"          add resolved items to a cart
//   - "cart_remove"       take items off a cart
//   - "cart_clear"        empty a cart
//   - "cart_view"         read a cart
//   - "cart_create_order" check out: deduct inventory per line and store an order
//   - "inventory_check"   containers on hand for one item
//   - "menu_view"         the catalog with prices
package pos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/barkeep/internal/catalog"
	"github.com/MrWong99/barkeep/internal/dispatch"
	"github.com/MrWong99/barkeep/internal/inventory"
	"github.com/MrWong99/barkeep/internal/store"
)

// Tool names.
const (
	ToolCartAdd         = "cart_add"
	ToolCartRemove      = "cart_remove"
	ToolCartClear       = "cart_clear"
	ToolCartView        = "cart_view"
	ToolCartCreateOrder = "cart_create_order"
	ToolInventoryCheck  = "inventory_check"
	ToolMenuView        = "menu_view"
)

var (
	// ErrEmptyCart is returned when checking out a cart with no lines.
	ErrEmptyCart = errors.New("pos: cart is empty")

	// ErrMissingCartID is returned when a cart operation names no cart.
	ErrMissingCartID = errors.New("pos: cart_id is required")

	// ErrOrderNotRecorded is returned when inventory was deducted for a
	// checkout but the order record could not be stored. The served lines
	// have already left the cart.
	ErrOrderNotRecorded = errors.New("pos: order not recorded")
)

// ItemRequest names one item and a quantity. Zero quantity means one.
type ItemRequest struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity,omitempty"`
}

// CartParams addresses a cart.
type CartParams struct {
	CartID string `json:"cart_id"`
}

// ItemsParams is the input of cart_add and cart_remove.
type ItemsParams struct {
	CartID string        `json:"cart_id"`
	Items  []ItemRequest `json:"items"`
}

// CheckParams is the input of inventory_check.
type CheckParams struct {
	Name string `json:"name"`
}

// CartResult is returned by every cart tool.
type CartResult struct {
	Cart CartState `json:"cart"`

	// Changed lists the lines added or removed, with the quantity that
	// actually changed.
	Changed []Line `json:"changed,omitempty"`

	// Unknown lists requested names that did not resolve to a catalog item.
	Unknown []string `json:"unknown,omitempty"`

	// NotInCart lists removal requests for items the cart did not hold.
	NotInCart []string `json:"not_in_cart,omitempty"`
}

// LineOutcome is the checkout result for one cart line.
type LineOutcome struct {
	Line      Line             `json:"line"`
	Ordered   bool             `json:"ordered"`
	Deduction inventory.Result `json:"deduction"`
	Error     string           `json:"error,omitempty"`
}

// OrderResult is returned by cart_create_order. Order is nil when no line
// could be ordered. Lines that were not ordered stay in the cart.
type OrderResult struct {
	Order *store.Order  `json:"order,omitempty"`
	Lines []LineOutcome `json:"lines"`
	Cart  CartState     `json:"cart"`
}

// InventoryResult is returned by inventory_check.
type InventoryResult struct {
	Name       string           `json:"name"`
	Category   catalog.Category `json:"category"`
	Containers int              `json:"containers"`
}

// MenuItem is one entry of the menu_view result.
type MenuItem struct {
	Name       string           `json:"name"`
	Category   catalog.Category `json:"category"`
	PriceCents int64            `json:"price_cents"`
}

// MenuResult is returned by menu_view.
type MenuResult struct {
	Items []MenuItem `json:"items"`
}

// Option configures an [Executor].
type Option func(*Executor)

// WithClock overrides the order timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithCarts shares an existing cart registry.
func WithCarts(c *Carts) Option {
	return func(e *Executor) { e.carts = c }
}

// Executor runs the cart and order tools against a store.
type Executor struct {
	orders   store.Orders
	engine   *inventory.Engine
	resolver *catalog.Resolver
	carts    *Carts
	now      func() time.Time
}

// New returns an Executor. resolver must be built from the same catalog the
// engine deducts against.
func New(orders store.Orders, engine *inventory.Engine, resolver *catalog.Resolver, opts ...Option) *Executor {
	e := &Executor{orders: orders, engine: engine, resolver: resolver}
	for _, o := range opts {
		o(e)
	}
	if e.carts == nil {
		e.carts = NewCarts()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Carts returns the executor's cart registry.
func (e *Executor) Carts() *Carts { return e.carts }

// Register adds every tool to t.
func (e *Executor) Register(t *dispatch.Tools) error {
	tools := []dispatch.Tool{
		{Name: ToolCartAdd, Description: "Add items to a cart.", Run: handle(e.Add)},
		{Name: ToolCartRemove, Description: "Remove items from a cart.", Run: handle(e.Remove)},
		{Name: ToolCartClear, Description: "Empty a cart.", Run: handle(e.Clear)},
		{Name: ToolCartView, Description: "Show the items in a cart.", Run: handle(e.View)},
		{Name: ToolCartCreateOrder, Description: "Check out a cart and deduct inventory.", Run: handle(e.Checkout)},
		{Name: ToolInventoryCheck, Description: "Report containers on hand for an item.", Run: handle(e.Check)},
		{Name: ToolMenuView, Description: "List the menu.", Run: handle(e.Menu)},
	}
	for _, tool := range tools {
		if err := t.Register(tool); err != nil {
			return fmt.Errorf("pos: %w", err)
		}
	}
	return nil
}

// handle decodes JSON params into P before calling fn.
func handle[P, R any](fn func(context.Context, P) (R, error)) func(context.Context, json.RawMessage) (any, error) {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p P
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("pos: decode params: %w", err)
			}
		}
		return fn(ctx, p)
	}
}

// Add resolves each requested item and adds it to the cart. Names that do not
// resolve are reported in Unknown and leave the cart untouched.
func (e *Executor) Add(_ context.Context, p ItemsParams) (CartResult, error) {
	if p.CartID == "" {
		return CartResult{}, ErrMissingCartID
	}
	res := CartResult{Cart: e.carts.State(p.CartID)}
	for _, req := range p.Items {
		qty, err := quantity(req)
		if err != nil {
			return CartResult{}, err
		}
		item, ok := e.resolver.ResolveItem(req.Name)
		if !ok {
			res.Unknown = append(res.Unknown, req.Name)
			continue
		}
		res.Cart = e.carts.Add(p.CartID, item, qty)
		res.Changed = append(res.Changed, lineOf(item, qty))
	}
	return res, nil
}

// Remove takes the requested quantities off the cart.
func (e *Executor) Remove(_ context.Context, p ItemsParams) (CartResult, error) {
	if p.CartID == "" {
		return CartResult{}, ErrMissingCartID
	}
	res := CartResult{Cart: e.carts.State(p.CartID)}
	for _, req := range p.Items {
		qty, err := quantity(req)
		if err != nil {
			return CartResult{}, err
		}
		item, ok := e.resolver.ResolveItem(req.Name)
		if !ok {
			res.Unknown = append(res.Unknown, req.Name)
			continue
		}
		var removed int
		removed, res.Cart = e.carts.Remove(p.CartID, item.ID, qty)
		if removed == 0 {
			res.NotInCart = append(res.NotInCart, item.Name)
			continue
		}
		res.Changed = append(res.Changed, lineOf(item, removed))
	}
	return res, nil
}

// Clear empties the cart.
func (e *Executor) Clear(_ context.Context, p CartParams) (CartResult, error) {
	if p.CartID == "" {
		return CartResult{}, ErrMissingCartID
	}
	before := e.carts.State(p.CartID)
	return CartResult{Cart: e.carts.Clear(p.CartID), Changed: before.Items}, nil
}

// View returns the cart.
func (e *Executor) View(_ context.Context, p CartParams) (CartResult, error) {
	if p.CartID == "" {
		return CartResult{}, ErrMissingCartID
	}
	return CartResult{Cart: e.carts.State(p.CartID)}, nil
}

// Checkout deducts inventory for every cart line and stores an order holding
// the lines that could be served. Each line succeeds or fails on its own:
// a line refused for insufficient stock, or whose deduction failed, is left
// in the cart and reported with Ordered false. When the order cannot be
// stored the result still describes the served lines and the error wraps
// [ErrOrderNotRecorded].
func (e *Executor) Checkout(ctx context.Context, p CartParams) (OrderResult, error) {
	if p.CartID == "" {
		return OrderResult{}, ErrMissingCartID
	}
	log := slog.With("cart_id", p.CartID)
	cart := e.carts.State(p.CartID)
	if len(cart.Items) == 0 {
		return OrderResult{Cart: cart}, ErrEmptyCart
	}

	res := OrderResult{Lines: make([]LineOutcome, 0, len(cart.Items))}
	var ordered []store.OrderLine
	for _, line := range cart.Items {
		out := LineOutcome{Line: line}
		item, ok := e.resolver.Snapshot().ByID(line.ItemID)
		if !ok {
			out.Error = "item is no longer on the menu"
			res.Lines = append(res.Lines, out)
			continue
		}
		d, err := e.engine.Deduct(ctx, item, line.Quantity)
		out.Deduction = d
		switch {
		case err != nil:
			log.Error("pos: deduction failed", "item", item.Name, "quantity", line.Quantity, "err", err)
			out.Error = err.Error()
		case !d.Success:
			log.Warn("pos: insufficient inventory", "item", item.Name, "quantity", line.Quantity)
			out.Error = "insufficient inventory"
		default:
			out.Ordered = true
			ordered = append(ordered, store.OrderLine{
				ItemID:         line.ItemID,
				Name:           line.Name,
				Quantity:       line.Quantity,
				UnitPriceCents: line.UnitPriceCents,
			})
		}
		res.Lines = append(res.Lines, out)
	}

	if len(ordered) > 0 {
		order := store.Order{
			ID:         uuid.NewString(),
			ClientID:   p.CartID,
			Lines:      ordered,
			TotalCents: store.Total(ordered),
			CreatedAt:  e.now().UTC(),
		}
		// Served lines leave the cart whether or not the record is stored,
		// so a retry cannot deduct them twice.
		for _, l := range ordered {
			e.carts.Remove(p.CartID, l.ItemID, l.Quantity)
		}
		res.Cart = e.carts.State(p.CartID)
		if err := e.orders.CreateOrder(ctx, order); err != nil {
			log.Error("pos: order not recorded after deduction",
				"order_id", order.ID,
				"lines", ordered,
				"total_cents", order.TotalCents,
				"err", err,
			)
			return res, fmt.Errorf("%w: cart %q: %w", ErrOrderNotRecorded, p.CartID, err)
		}
		res.Order = &order
		log.Info("pos: order created", "order_id", order.ID, "lines", len(ordered), "total_cents", order.TotalCents)
	}
	res.Cart = e.carts.State(p.CartID)
	return res, nil
}

// Check reports the containers on hand for the named item.
func (e *Executor) Check(ctx context.Context, p CheckParams) (InventoryResult, error) {
	item, ok := e.resolver.ResolveItem(p.Name)
	if !ok {
		return InventoryResult{}, fmt.Errorf("pos: %q: %w", p.Name, store.ErrNotFound)
	}
	n, err := e.engine.Check(ctx, item)
	if err != nil {
		return InventoryResult{}, fmt.Errorf("pos: %w", err)
	}
	return InventoryResult{Name: item.Name, Category: item.Category, Containers: n}, nil
}

// Menu lists the catalog in load order.
func (e *Executor) Menu(context.Context, struct{}) (MenuResult, error) {
	items := e.resolver.Snapshot().Items()
	res := MenuResult{Items: make([]MenuItem, 0, len(items))}
	for _, it := range items {
		res.Items = append(res.Items, MenuItem{Name: it.Name, Category: it.Category, PriceCents: it.PriceCents})
	}
	return res, nil
}

func quantity(req ItemRequest) (int, error) {
	switch {
	case req.Quantity < 0:
		return 0, fmt.Errorf("pos: quantity %d for %q must not be negative", req.Quantity, req.Name)
	case req.Quantity == 0:
		return 1, nil
	}
	return req.Quantity, nil
}

func lineOf(item catalog.Item, qty int) Line {
	return Line{
		ItemID:         item.ID,
		Name:           item.Name,
		Category:       item.Category,
		Quantity:       qty,
		UnitPriceCents: item.PriceCents,
	}
}
