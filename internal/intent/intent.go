// Package intent turns a finalized transcript into a structured intent with
// entities.
//
// Extraction is two-tiered. An ordered list of declarative [Rule]s is tried
// first; the first rule whose pattern matches decides the intent, and drink
// names are resolved against the catalog. When no rule fires, a [Classifier]
// sorts the utterance into help, menu_view or general_inquiry.
//
// Every extraction is appended to the client's [Context] so the next turn can
// refer back to it ("another one").
package intent

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/MrWong99/barkeep/internal/catalog"
	"github.com/MrWong99/barkeep/internal/observe"
	"github.com/MrWong99/barkeep/internal/phrase"
)

// Intent names an action requested by the bartender.
type Intent string

const (
	CartAdd         Intent = "cart_add"
	CartRemove      Intent = "cart_remove"
	CartClear       Intent = "cart_clear"
	CartCreateOrder Intent = "cart_create_order"
	CartView        Intent = "cart_view"
	InventoryCheck  Intent = "inventory_check"
	Help            Intent = "help"
	MenuView        Intent = "menu_view"
	GeneralInquiry  Intent = "general_inquiry"

	// NotUnderstood is returned for recognition noise: a rule fired but the
	// drink name could not be resolved. It never mutates state.
	NotUnderstood Intent = "not_understood"
)

// NeedsItems reports whether the intent operates on drink lines.
func (i Intent) NeedsItems() bool {
	return i == CartAdd || i == CartRemove
}

// Item is one resolved drink line.
type Item struct {
	DrinkName string `json:"drink_name"`
	Quantity  int    `json:"quantity"`
}

// Entities are the parameters extracted alongside an intent. Single-item
// utterances fill DrinkName and Quantity; multi-item ones fill Items.
type Entities struct {
	DrinkName string `json:"drink_name,omitempty"`
	Quantity  int    `json:"quantity,omitempty"`
	Items     []Item `json:"items,omitempty"`
}

// Lines returns the entities as a list of items regardless of shape.
func (e Entities) Lines() []Item {
	if len(e.Items) > 0 {
		return e.Items
	}
	if e.DrinkName == "" {
		return nil
	}
	q := e.Quantity
	if q <= 0 {
		q = 1
	}
	return []Item{{DrinkName: e.DrinkName, Quantity: q}}
}

// IsZero reports whether no entity was extracted.
func (e Entities) IsZero() bool {
	return e.DrinkName == "" && len(e.Items) == 0
}

// RulePending is reported in [Result.Rule] when a reply answered a question
// left in the client's [Context].
const RulePending = "pending"

// Resolution paths reported in [Result.Path].
const (
	PathRule     = "rule"
	PathFallback = "fallback"
)

// Result is the outcome of one extraction.
type Result struct {
	Intent   Intent   `json:"intent"`
	Entities Entities `json:"entities"`

	// Rule names the rule that fired, empty on the fallback path.
	Rule string `json:"rule,omitempty"`
	Path string `json:"path"`

	// Unresolved lists drink names that matched no catalog entry.
	Unresolved []string `json:"unresolved,omitempty"`
}

// Rule maps a transcript pattern to an intent. Rules are data: the ordered
// list is the whole fast path.
type Rule struct {
	Name    string
	Intent  Intent
	Pattern *regexp.Regexp
}

// Match reports whether the normalized transcript matches the rule.
func (r Rule) Match(normalized string) bool {
	return r.Pattern.MatchString(normalized)
}

// words compiles a pattern matching any of the phrases as whole words.
func words(phrases ...string) *regexp.Regexp {
	quoted := make([]string, len(phrases))
	for i, p := range phrases {
		quoted[i] = strings.ReplaceAll(regexp.QuoteMeta(p), `\.\.\.`, `\b.*\b`)
	}
	return regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// DefaultRules returns the built-in rule list. Order matters: "place order"
// must be seen as checkout before "order" is seen as an add.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "clear", Intent: CartClear, Pattern: words(
			"clear cart", "clear the cart", "empty cart", "empty the cart", "clear everything", "start over", "cancel order", "cancel the order")},
		{Name: "checkout", Intent: CartCreateOrder, Pattern: words(
			"checkout", "check out", "process", "place order", "place the order", "complete order", "complete the order", "ring it up", "close out")},
		{Name: "remove", Intent: CartRemove, Pattern: words(
			"remove", "delete", "take off", "scratch")},
		{Name: "inventory", Intent: InventoryCheck, Pattern: words(
			"inventory", "stock", "how many...left", "how much...left", "do we have any")},
		{Name: "view", Intent: CartView, Pattern: words(
			"what's in the cart", "whats in the cart", "what's in my cart", "show cart", "show the cart", "view cart", "view the cart", "read back", "what's the total", "whats the total")},
		{Name: "add", Intent: CartAdd, Pattern: words(
			"add", "order", "get me", "give me", "i'll have", "ill have", "i will have", "can i get", "could i get", "can i have", "let me get", "i want", "another", "one more")},
	}
}

// Option configures an [Extractor].
type Option func(*Extractor)

// WithRules replaces the default rule list.
func WithRules(rules []Rule) Option {
	return func(e *Extractor) { e.rules = rules }
}

// WithClassifier sets the fallback classifier. Default: [KeywordClassifier].
func WithClassifier(c Classifier) Option {
	return func(e *Extractor) { e.classifier = c }
}

// WithContexts shares a context registry with other components.
func WithContexts(r *ContextRegistry) Option {
	return func(e *Extractor) { e.contexts = r }
}

// WithMetrics records extracted intents on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Extractor) { e.metrics = m }
}

// Extractor implements intent extraction. It is safe for concurrent use.
type Extractor struct {
	rules      []Rule
	resolver   *catalog.Resolver
	classifier Classifier
	contexts   *ContextRegistry
	metrics    *observe.Metrics
	compounds  []compound
}

// NewExtractor returns an Extractor resolving drink names with resolver.
func NewExtractor(resolver *catalog.Resolver, opts ...Option) *Extractor {
	e := &Extractor{resolver: resolver}
	if resolver != nil {
		e.compounds = compounds(resolver.Snapshot().Names())
	}
	for _, o := range opts {
		o(e)
	}
	if e.rules == nil {
		e.rules = DefaultRules()
	}
	if e.classifier == nil {
		e.classifier = KeywordClassifier{}
	}
	if e.contexts == nil {
		e.contexts = NewContextRegistry()
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Contexts returns the registry holding per-client conversation context.
func (e *Extractor) Contexts() *ContextRegistry { return e.contexts }

// Extract maps transcript to an intent for clientID and records the turn in
// the client's context.
func (e *Extractor) Extract(ctx context.Context, clientID, transcript string) Result {
	cc := e.contexts.Get(clientID)
	res := e.extract(ctx, cc, transcript)
	cc.Record(transcript, res)
	e.metrics.RecordIntent(ctx, string(res.Intent), res.Path)
	observe.Logger(ctx).Debug("intent extracted",
		"client_id", clientID,
		"intent", res.Intent,
		"rule", res.Rule,
		"path", res.Path,
	)
	return res
}

func (e *Extractor) extract(ctx context.Context, cc *Context, transcript string) Result {
	text := normalize(transcript)
	if text == "" {
		return Result{Intent: NotUnderstood, Path: PathRule}
	}
	pending := cc.takePending()

	for _, r := range e.rules {
		if !r.Match(text) {
			continue
		}
		res := Result{Intent: r.Intent, Rule: r.Name, Path: PathRule}
		switch {
		case r.Intent.NeedsItems():
			e.resolveItems(&res, text, cc)
		case r.Intent == InventoryCheck:
			e.resolveOptional(&res, text)
		}
		return res
	}

	if res, ok := e.answerPending(pending, text); ok {
		return res
	}

	intent, err := e.classifier.Classify(ctx, transcript, cc.Summary())
	if err != nil {
		slog.Warn("intent: fallback classifier failed", "err", err)
		intent = GeneralInquiry
	}
	return Result{Intent: intent, Path: PathFallback}
}

// resolveItems fills the entities of an add or remove. Unresolvable names are
// recognition noise: when nothing resolves the intent becomes NotUnderstood.
func (e *Extractor) resolveItems(res *Result, text string, cc *Context) {
	raw := splitItems(text, e.compounds)
	if len(raw) == 0 && cc != nil {
		// "another one" / "one more": repeat the last single drink.
		if last, ok := cc.LastDrink(); ok {
			raw = []rawItem{{name: last, quantity: quantityOf(text)}}
		}
	}
	if len(raw) == 0 {
		res.Intent = NotUnderstood
		return
	}

	names := make([]string, len(raw))
	quantities := make([]int, len(raw))
	for i, r := range raw {
		names[i], quantities[i] = r.name, r.quantity
	}

	var (
		items []Item
		index = make(map[string]int)
	)
	for _, it := range FlattenNames(names, quantities) {
		name, ok := e.resolver.Resolve(it.DrinkName)
		if !ok {
			res.Unresolved = append(res.Unresolved, it.DrinkName)
			continue
		}
		if i, dup := index[name]; dup {
			items[i].Quantity += it.Quantity
			continue
		}
		index[name] = len(items)
		items = append(items, Item{DrinkName: name, Quantity: it.Quantity})
	}

	switch len(items) {
	case 0:
		res.Intent = NotUnderstood
	case 1:
		res.Entities = Entities{DrinkName: items[0].DrinkName, Quantity: items[0].Quantity}
	default:
		res.Entities = Entities{Items: items}
	}
}

// answerPending reads text as the drink a previous turn asked for. It
// succeeds only when text resolves to a catalog drink.
func (e *Extractor) answerPending(pending Intent, text string) (Result, bool) {
	if pending == "" {
		return Result{}, false
	}
	res := Result{Intent: pending, Rule: RulePending, Path: PathRule}
	switch {
	case pending.NeedsItems():
		e.resolveItems(&res, text, nil)
	case pending == InventoryCheck:
		e.resolveOptional(&res, text)
	default:
		return Result{}, false
	}
	if res.Intent == NotUnderstood || res.Entities.IsZero() {
		return Result{}, false
	}
	return res, true
}

// resolveOptional fills the drink of an inventory check when one is named.
func (e *Extractor) resolveOptional(res *Result, text string) {
	raw := splitItems(text, e.compounds)
	if len(raw) == 0 {
		return
	}
	name, ok := e.resolver.Resolve(raw[0].name)
	if !ok {
		res.Intent = NotUnderstood
		res.Unresolved = []string{raw[0].name}
		return
	}
	res.Entities = Entities{DrinkName: name}
}

// normalize lower-cases s and reduces it to words, keeping apostrophes.
func normalize(s string) string {
	s = strings.NewReplacer("’", "'", "‘", "'").Replace(s)
	return phrase.Normalize(s)
}
