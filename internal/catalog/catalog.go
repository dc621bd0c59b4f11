// Package catalog holds the read-only drink catalog snapshot and the resolver
// that maps free-text drink names from transcripts onto canonical entries.
package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// Category classifies a catalog item. It determines how many servings one
// bulk container yields and whether the item is poured from a recipe.
type Category string

const (
	CategorySpirits      Category = "spirits"
	CategoryWine         Category = "wine"
	CategoryBeer         Category = "beer"
	CategoryNonAlcoholic Category = "non_alcoholic"
	CategoryCocktail     Category = "cocktail"
	CategoryShot         Category = "shot"
	CategoryMocktail     Category = "mocktail"
)

// IsValid reports whether c is a recognised category.
func (c Category) IsValid() bool {
	switch c {
	case CategorySpirits, CategoryWine, CategoryBeer, CategoryNonAlcoholic,
		CategoryCocktail, CategoryShot, CategoryMocktail:
		return true
	}
	return false
}

// MadeToOrder reports whether items of this category are mixed from a recipe
// rather than poured from their own container.
func (c Category) MadeToOrder() bool {
	return c == CategoryCocktail || c == CategoryShot || c == CategoryMocktail
}

// Default servings per bulk container by category.
const (
	// 750 mL bottle at 1.5 oz per pour.
	SpiritServingsPerContainer = 17
	// 750 mL bottle at 5 oz per glass.
	WineServingsPerContainer = 5
	// One can or bottle per serving.
	SingleServingPerContainer = 1
)

// DefaultServingsPerContainer returns the category default, or 0 for
// made-to-order categories which have no container of their own.
func (c Category) DefaultServingsPerContainer() int {
	switch c {
	case CategorySpirits:
		return SpiritServingsPerContainer
	case CategoryWine:
		return WineServingsPerContainer
	case CategoryBeer, CategoryNonAlcoholic:
		return SingleServingPerContainer
	}
	return 0
}

// Ingredient is one line of a made-to-order recipe.
type Ingredient struct {
	// Name refers to another catalog item by (fuzzy) name.
	Name string `yaml:"name" json:"name"`

	// Servings is how many servings of the ingredient one drink uses.
	// Zero means one serving.
	Servings int `yaml:"servings" json:"servings"`
}

// Item is a canonical catalog entry.
type Item struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name" json:"name"`
	Category Category `yaml:"category" json:"category"`

	// PriceCents is the unit price in the smallest currency unit.
	PriceCents int64 `yaml:"price_cents" json:"price_cents"`

	// ServingSizeOz is informational; ServingsPerContainer drives deduction.
	ServingSizeOz float64 `yaml:"serving_size_oz" json:"serving_size_oz,omitempty"`

	// ServingsPerContainer overrides the category default when > 0.
	ServingsPerContainer int `yaml:"servings_per_container" json:"servings_per_container,omitempty"`

	Recipe []Ingredient `yaml:"recipe" json:"recipe,omitempty"`
}

// PerContainer returns the item override or the category default.
func (it Item) PerContainer() int {
	if it.ServingsPerContainer > 0 {
		return it.ServingsPerContainer
	}
	return it.Category.DefaultServingsPerContainer()
}

// Validate checks the fields required for resolution and deduction.
func (it Item) Validate() error {
	var errs []error
	if it.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.TrimSpace(it.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !it.Category.IsValid() {
		errs = append(errs, fmt.Errorf("category %q is invalid", it.Category))
	}
	if it.PriceCents < 0 {
		errs = append(errs, fmt.Errorf("price_cents %d is negative", it.PriceCents))
	}
	if it.ServingsPerContainer < 0 {
		errs = append(errs, fmt.Errorf("servings_per_container %d is negative", it.ServingsPerContainer))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("catalog item %q: %w", it.Name, err)
	}
	return nil
}

// Snapshot is an immutable view of the catalog taken at load time. Items keep
// their load order, which breaks ties during resolution.
type Snapshot struct {
	items  []Item
	byName map[string]int
	byID   map[string]int
}

// NewSnapshot builds a snapshot from items. Duplicate names (case-insensitive)
// or ids are rejected.
func NewSnapshot(items []Item) (*Snapshot, error) {
	s := &Snapshot{
		items:  make([]Item, 0, len(items)),
		byName: make(map[string]int, len(items)),
		byID:   make(map[string]int, len(items)),
	}
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return nil, err
		}
		key := strings.ToLower(strings.TrimSpace(it.Name))
		if _, dup := s.byName[key]; dup {
			return nil, fmt.Errorf("catalog: duplicate item name %q", it.Name)
		}
		if _, dup := s.byID[it.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate item id %q", it.ID)
		}
		s.byName[key] = len(s.items)
		s.byID[it.ID] = len(s.items)
		s.items = append(s.items, it)
	}
	return s, nil
}

// Items returns a copy of all items in load order.
func (s *Snapshot) Items() []Item {
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

// Names returns all canonical names in load order.
func (s *Snapshot) Names() []string {
	out := make([]string, len(s.items))
	for i, it := range s.items {
		out[i] = it.Name
	}
	return out
}

// Len returns the number of items.
func (s *Snapshot) Len() int { return len(s.items) }

// ByName looks up an item by exact canonical name (case-insensitive).
func (s *Snapshot) ByName(name string) (Item, bool) {
	i, ok := s.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Item{}, false
	}
	return s.items[i], true
}

// ByID looks up an item by id.
func (s *Snapshot) ByID(id string) (Item, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Item{}, false
	}
	return s.items[i], true
}
