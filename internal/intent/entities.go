package intent

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// commandPhrases are removed before drink names are read. Longer phrases come
// first so "take off" is stripped whole.
var commandPhrases = regexp.MustCompile(`\b(?:` + strings.Join([]string{
	"can i get", "could i get", "can i have", "could i have", "can we get",
	"i'll have", "ill have", "i will have", "we'll have", "let me get",
	"get me", "give me", "i want", "i'd like", "id like",
	"take off", "how many", "how much", "do we have", "is there", "are there",
	"one more", "add", "order", "remove", "delete", "scratch", "check",
	"inventory", "stock", "left", "please", "thanks", "thank you",
}, "|") + `)\b`)

// separators split a multi-item utterance.
var separators = regexp.MustCompile(`\s+(?:and|plus|also)\s+`)

// fillers never form part of a drink name.
var fillers = map[string]bool{
	"the": true, "some": true, "of": true, "to": true, "from": true,
	"my": true, "our": true, "cart": true, "tab": true, "for": true,
	"me": true, "us": true, "more": true, "in": true, "on": true,
	"we": true, "have": true, "got": true, "any": true, "is": true,
	"are": true, "there": true, "it": true, "that": true, "this": true,
	"glass": true, "glasses": true, "pint": true, "pints": true,
	"bottle": true, "bottles": true, "can": true, "cans": true,
	"round": true, "rounds": true, "um": true, "uh": true, "hey": true,
	"okay": true, "ok": true, "so": true, "also": true, "just": true,
}

// numberWords maps spoken quantities to integers.
var numberWords = map[string]int{
	"a": 1, "an": 1, "another": 1, "single": 1,
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14, "fifteen": 15,
	"sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19, "twenty": 20,
	"double": 2, "couple": 2, "pair": 2, "dozen": 12,
}

// rawItem is a drink name and quantity before catalog resolution.
type rawItem struct {
	name     string
	quantity int
}

// parseQuantity returns the quantity a token denotes.
func parseQuantity(tok string) (int, bool) {
	if n, err := strconv.Atoi(tok); err == nil && n > 0 {
		return n, true
	}
	if n, ok := numberWords[tok]; ok && n > 0 {
		return n, true
	}
	return 0, false
}

// quantityOf returns the first quantity in text, or 1.
func quantityOf(text string) int {
	for _, tok := range strings.Fields(text) {
		if n, ok := parseQuantity(tok); ok {
			return n
		}
	}
	return 1
}

// compound is a catalog name containing a separator word, such as "gin and
// tonic". Its occurrences are joined into one token before splitting.
type compound struct {
	pattern *regexp.Regexp
	joined  string
}

// compounds returns the separator-containing names among names, longest
// first so "gin and tonic water" wins over "gin and tonic".
func compounds(names []string) []compound {
	var out []compound
	for _, n := range names {
		norm := normalize(n)
		if !separators.MatchString(norm) {
			continue
		}
		words := strings.Fields(norm)
		quoted := make([]string, len(words))
		for i, w := range words {
			quoted[i] = regexp.QuoteMeta(w)
		}
		out = append(out, compound{
			pattern: regexp.MustCompile(`\b` + strings.Join(quoted, `\s+`) + `(?:e?s)?\b`),
			joined:  strings.Join(words, "_"),
		})
	}
	slices.SortStableFunc(out, func(a, b compound) int { return len(b.joined) - len(a.joined) })
	return out
}

// splitItems extracts name/quantity pairs from a normalized utterance. Each
// segment between separators yields at most one pair; its quantity is the
// first number in the segment, defaulting to 1. Occurrences of protect are
// kept whole, so "two rum and cokes" is one item.
func splitItems(text string, protect []compound) []rawItem {
	for _, c := range protect {
		text = c.pattern.ReplaceAllString(text, c.joined)
	}
	text = commandPhrases.ReplaceAllString(text, " ")
	var out []rawItem
	for _, seg := range separators.Split(" "+text+" ", -1) {
		qty := 0
		var name []string
		for _, tok := range strings.Fields(seg) {
			if n, ok := parseQuantity(tok); ok {
				if qty == 0 {
					qty = n
				}
				continue
			}
			if fillers[tok] || tok == "and" {
				continue
			}
			name = append(name, strings.ReplaceAll(tok, "_", " "))
		}
		if len(name) == 0 {
			continue
		}
		if qty == 0 {
			qty = 1
		}
		out = append(out, rawItem{name: strings.Join(name, " "), quantity: qty})
	}
	return out
}

// flatten collapses parallel name/quantity pairs into one entry per drink,
// summing quantities. Names are grouped by their singular form, so "two
// beers and another beer" yields a single beer line of 3. Entries keep the
// order in which each drink was first mentioned and the first spelling seen.
func flatten(items []rawItem) []rawItem {
	var out []rawItem
	index := make(map[string]int, len(items))
	for _, it := range items {
		key := singular(it.name)
		if i, ok := index[key]; ok {
			out[i].quantity += it.quantity
			continue
		}
		index[key] = len(out)
		out = append(out, it)
	}
	return out
}

// FlattenNames applies the same grouping to parallel name and quantity
// slices, as produced by classifiers that return list-valued entities. Missing or non-positive
// quantities count as 1.
func FlattenNames(names []string, quantities []int) []Item {
	raw := make([]rawItem, 0, len(names))
	for i, n := range names {
		q := 1
		if i < len(quantities) && quantities[i] > 0 {
			q = quantities[i]
		}
		raw = append(raw, rawItem{name: strings.ToLower(strings.TrimSpace(n)), quantity: q})
	}
	flat := flatten(raw)
	out := make([]Item, len(flat))
	for i, r := range flat {
		out[i] = Item{DrinkName: r.name, Quantity: r.quantity}
	}
	return out
}

// singular strips a trailing plural "s" from the last word of name.
func singular(name string) string {
	if len(name) > 3 && strings.HasSuffix(name, "s") && !strings.HasSuffix(name, "ss") {
		return name[:len(name)-1]
	}
	return name
}
