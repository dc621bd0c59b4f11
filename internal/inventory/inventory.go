// Package inventory converts ordered servings into whole-container
// deductions.
//
// Poured items (spirits, wine, beer, non-alcoholic) consume servings from
// their own container counter. Servings that do not add up to a whole
// container are carried forward by the store as a cumulative remainder, so N
// servings deduct floor(N / perContainer) containers whether they arrive in
// one order or N separate ones.
//
// Made-to-order items (cocktails, shots, mocktails) have no container of
// their own. Each recipe ingredient is resolved against the catalog and
// deducted under that ingredient's category rules. The drink itself is never
// deducted in addition to its ingredients.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/barkeep/internal/catalog"
	"github.com/MrWong99/barkeep/internal/observe"
	"github.com/MrWong99/barkeep/internal/store"
)

// ErrInvalidServings is returned when fewer than one serving is requested.
var ErrInvalidServings = errors.New("inventory: servings must be positive")

// Status is the outcome of one deduction.
type Status string

const (
	StatusOK           Status = "ok"
	StatusInsufficient Status = "insufficient"
	// StatusSkipped marks an ingredient that could not be resolved to a
	// pourable catalog item.
	StatusSkipped Status = "skipped"
)

// Result reports one deduction. For made-to-order items the per-ingredient
// outcomes are in Ingredients and the top-level counters are their sums.
type Result struct {
	ItemID   string           `json:"item_id"`
	Name     string           `json:"name"`
	Category catalog.Category `json:"category"`
	Servings int              `json:"servings"`
	Status   Status           `json:"status"`

	// Success is false when any deduction was refused for insufficient stock.
	Success bool `json:"success"`

	ContainersDeducted int `json:"containers_deducted"`

	// Containers is the count left on hand. Zero for made-to-order items.
	Containers int `json:"containers"`

	// Remainder is the carried servings not yet totalling a whole container.
	Remainder int `json:"remainder"`

	Ingredients []Result `json:"ingredients,omitempty"`
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMetrics records deductions on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger used for skipped ingredients.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine deducts inventory. It holds no mutable state of its own; the
// counters and remainders live in the store, which applies each deduction
// atomically. Engine is safe for concurrent use.
type Engine struct {
	inv      store.Inventory
	resolver *catalog.Resolver
	metrics  *observe.Metrics
	log      *slog.Logger
}

// New returns an Engine writing to inv. resolver maps recipe ingredient
// names onto catalog items.
func New(inv store.Inventory, resolver *catalog.Resolver, opts ...Option) *Engine {
	e := &Engine{inv: inv, resolver: resolver}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// Deduct consumes servings of item. Insufficient stock is not an error: the
// returned Result has Success false and Status [StatusInsufficient]. Errors
// are reserved for invalid input and store failures.
//
// For made-to-order items every ingredient is attempted even after one is
// refused; deductions already applied are kept.
func (e *Engine) Deduct(ctx context.Context, item catalog.Item, servings int) (Result, error) {
	if servings <= 0 {
		return Result{}, fmt.Errorf("inventory: deduct %d of %q: %w", servings, item.Name, ErrInvalidServings)
	}
	if item.Category.MadeToOrder() {
		return e.deductRecipe(ctx, item, servings)
	}
	return e.deductPoured(ctx, item, servings)
}

func (e *Engine) deductPoured(ctx context.Context, item catalog.Item, servings int) (Result, error) {
	res := Result{
		ItemID:   item.ID,
		Name:     item.Name,
		Category: item.Category,
		Servings: servings,
	}
	c, err := e.inv.ConsumeServings(ctx, item.ID, servings, item.PerContainer())
	res.Containers = c.Containers
	res.Remainder = c.PendingServings
	switch {
	case errors.Is(err, store.ErrInsufficientInventory):
		res.Status = StatusInsufficient
		e.metrics.RecordDeduction(ctx, string(item.Category), string(StatusInsufficient), 0)
		return res, nil
	case err != nil:
		e.metrics.RecordDeduction(ctx, string(item.Category), "error", 0)
		return Result{}, fmt.Errorf("inventory: deduct %q: %w", item.Name, err)
	}
	res.Status = StatusOK
	res.Success = true
	res.ContainersDeducted = c.ContainersDeducted
	e.metrics.RecordDeduction(ctx, string(item.Category), string(StatusOK), c.ContainersDeducted)
	return res, nil
}

func (e *Engine) deductRecipe(ctx context.Context, item catalog.Item, servings int) (Result, error) {
	res := Result{
		ItemID:   item.ID,
		Name:     item.Name,
		Category: item.Category,
		Servings: servings,
		Status:   StatusOK,
		Success:  true,
	}
	if len(item.Recipe) == 0 {
		e.log.WarnContext(ctx, "made-to-order item has no recipe, nothing deducted", "item", item.Name)
		e.metrics.RecordDeduction(ctx, string(item.Category), string(StatusSkipped), 0)
		res.Status = StatusSkipped
		return res, nil
	}

	var errs []error
	for _, ing := range item.Recipe {
		per := ing.Servings
		if per <= 0 {
			per = 1
		}
		ingItem, ok := e.resolver.ResolveItem(ing.Name)
		if !ok || ingItem.Category.MadeToOrder() {
			e.log.WarnContext(ctx, "recipe ingredient not in catalog, skipped",
				"item", item.Name, "ingredient", ing.Name)
			e.metrics.RecordDeduction(ctx, string(item.Category), string(StatusSkipped), 0)
			res.Ingredients = append(res.Ingredients, Result{
				Name:     ing.Name,
				Servings: per * servings,
				Status:   StatusSkipped,
			})
			continue
		}

		r, err := e.deductPoured(ctx, ingItem, per*servings)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !r.Success {
			res.Success = false
			res.Status = StatusInsufficient
			e.log.WarnContext(ctx, "insufficient ingredient stock, partial deduction kept",
				"item", item.Name, "ingredient", ingItem.Name)
		}
		res.ContainersDeducted += r.ContainersDeducted
		res.Ingredients = append(res.Ingredients, r)
	}
	return res, errors.Join(errs...)
}

// Check reports the whole containers on hand for item. Made-to-order items report the minimum container count across their
// resolvable ingredients.
func (e *Engine) Check(ctx context.Context, item catalog.Item) (int, error) {
	if !item.Category.MadeToOrder() {
		n, err := e.inv.ContainerCount(ctx, item.ID)
		if err != nil {
			return 0, fmt.Errorf("inventory: check %q: %w", item.Name, err)
		}
		return n, nil
	}
	lowest, found := 0, false
	for _, ing := range item.Recipe {
		ingItem, ok := e.resolver.ResolveItem(ing.Name)
		if !ok || ingItem.Category.MadeToOrder() {
			continue
		}
		n, err := e.inv.ContainerCount(ctx, ingItem.ID)
		if err != nil {
			return 0, fmt.Errorf("inventory: check %q ingredient %q: %w", item.Name, ingItem.Name, err)
		}
		if !found || n < lowest {
			lowest, found = n, true
		}
	}
	return lowest, nil
}
