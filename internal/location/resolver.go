package location

import (
	"regexp"
	"strings"

	"github.com/precisionprices/market-pricing/pkg/model"
	"github.com/precisionprices/market-pricing/pkg/util"
)

var (
	zipPattern   = regexp.MustCompile(`\b(\d{5})\b`)
	tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)
)

// Resolver maps free-text location input to a LocationDescriptor.
// It is safe for concurrent use; the table it wraps is never mutated.
type Resolver struct {
	table *Table
}

// NewResolver creates a resolver over the given table.
func NewResolver(table *Table) *Resolver {
	return &Resolver{table: table}
}

// Table exposes the dataset the resolver was built with.
func (r *Resolver) Table() *Table { return r.table }

// Resolve never fails: unparseable or empty input yields the national default.
// Match priority is ZIP, then city name, then state code.
func (r *Resolver) Resolve(raw string) model.LocationDescriptor {
	cleaned := util.CleanLocationText(raw)
	text := strings.ToLower(cleaned)
	if text == "" || r.table == nil {
		return nationalDefault(raw)
	}

	if d, ok := r.matchZip(raw, text); ok {
		return d
	}

	tokens := findTokens(text)
	if d, ok := r.matchCity(raw, text, tokens); ok {
		return d
	}
	if d, ok := r.matchState(raw, cleaned); ok {
		return d
	}
	return nationalDefault(raw)
}

// matchZip returns the first 5-digit token present in the ZIP table. Unknown ZIPs are
// skipped rather than treated as authoritative, since the table only covers major metros.
func (r *Resolver) matchZip(raw, text string) (model.LocationDescriptor, bool) {
	for _, m := range zipPattern.FindAllStringSubmatch(text, -1) {
		zip := m[1]
		e, ok := r.table.zips[zip]
		if !ok {
			continue
		}
		return model.LocationDescriptor{
			RawInput:        raw,
			ZipCode:         zip,
			City:            e.City,
			State:           e.State,
			Metro:           e.Metro,
			Multiplier:      e.Multiplier,
			DemandTier:      model.Tier(e.Demand),
			MatchConfidence: model.TierHigh,
		}, true
	}
	return model.LocationDescriptor{}, false
}

// matchCity finds the longest city entry whose words appear as consecutive whole
// tokens of the input. Ties keep the earliest table entry.
func (r *Resolver) matchCity(raw, text string, tokens []token) (model.LocationDescriptor, bool) {
	best := -1
	for i := range r.table.cities {
		c := &r.table.cities[i]
		if best >= 0 && len(c.Match) <= len(r.table.cities[best].Match) {
			continue
		}
		if r.containsCity(text, tokens, c) {
			best = i
		}
	}
	if best < 0 {
		return model.LocationDescriptor{}, false
	}
	c := r.table.cities[best]
	return model.LocationDescriptor{
		RawInput:        raw,
		City:            c.City,
		State:           c.State,
		Metro:           c.Metro,
		Multiplier:      c.Multiplier,
		DemandTier:      model.Tier(c.Demand),
		MatchConfidence: model.TierMedium,
	}, true
}

func (r *Resolver) containsCity(text string, tokens []token, c *cityEntry) bool {
	n := len(c.tokens)
	for start := 0; start+n <= len(tokens); start++ {
		matched := true
		for k := 0; k < n; k++ {
			if tokens[start+k].text != c.tokens[k] {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		// Right after a comma a state code or state name sits in the state slot of
		// "City, ST" ("Baton Rouge, LA", "Seattle, Washington"), so it is not a city.
		if followsComma(text, tokens[start].start) && r.isStateAlias(c) {
			continue
		}
		return true
	}
	return false
}

// matchState looks for a state. Uppercase two-letter codes come first, then full
// state names after a comma, then codes in any case. Within a pass the last hit
// wins since "City, ST" puts the state last.
func (r *Resolver) matchState(raw, cleaned string) (model.LocationDescriptor, bool) {
	tokens := findTokens(cleaned)
	for _, upperOnly := range []bool{true, false} {
		if !upperOnly {
			if code, ok := r.matchStateName(strings.ToLower(cleaned)); ok {
				return stateDescriptor(raw, code, r.table.states[code]), true
			}
		}
		for i := len(tokens) - 1; i >= 0; i-- {
			tok := tokens[i].text
			if len([]rune(tok)) != 2 {
				continue
			}
			if upperOnly && tok != strings.ToUpper(tok) {
				continue
			}
			code := strings.ToUpper(tok)
			mult, ok := r.table.states[code]
			if !ok {
				continue
			}
			return stateDescriptor(raw, code, mult), true
		}
	}
	return model.LocationDescriptor{}, false
}

// matchStateName returns the code of the last full state name that follows a comma.
// Names missing from the multiplier table are ignored.
func (r *Resolver) matchStateName(text string) (string, bool) {
	tokens := findTokens(text)
	for i := len(tokens) - 1; i >= 0; i-- {
		if !followsComma(text, tokens[i].start) {
			continue
		}
		for _, name := range stateNameTokens {
			if !hasTokensAt(tokens, i, name) {
				continue
			}
			code := stateNames[strings.Join(name, " ")]
			if _, ok := r.table.states[code]; ok {
				return code, true
			}
		}
	}
	return "", false
}

func hasTokensAt(tokens []token, at int, want []string) bool {
	if at+len(want) > len(tokens) {
		return false
	}
	for k, w := range want {
		if tokens[at+k].text != w {
			return false
		}
	}
	return true
}

func stateDescriptor(raw, code string, mult float64) model.LocationDescriptor {
	return model.LocationDescriptor{
		RawInput:        raw,
		State:           code,
		Multiplier:      mult,
		DemandTier:      model.TierMedium,
		MatchConfidence: model.TierLow,
	}
}

func (r *Resolver) isStateAlias(c *cityEntry) bool {
	if _, ok := stateNames[strings.Join(c.tokens, " ")]; ok {
		return true
	}
	return len(c.tokens) == 1 && len(c.Match) <= 2 && r.isStateCode(c.Match)
}

func (r *Resolver) isStateCode(s string) bool {
	_, ok := r.table.states[strings.ToUpper(s)]
	return ok
}

func nationalDefault(raw string) model.LocationDescriptor {
	return model.LocationDescriptor{
		RawInput:        raw,
		Multiplier:      1.00,
		DemandTier:      model.TierMedium,
		MatchConfidence: model.TierLow,
	}
}

type token struct {
	text  string
	start int
}

func findTokens(s string) []token {
	idx := tokenPattern.FindAllStringIndex(s, -1)
	out := make([]token, 0, len(idx))
	for _, loc := range idx {
		out = append(out, token{text: s[loc[0]:loc[1]], start: loc[0]})
	}
	return out
}

func tokenize(s string) []string {
	toks := findTokens(s)
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.text
	}
	return out
}

func followsComma(text string, pos int) bool {
	prefix := strings.TrimRight(text[:pos], " \t")
	return strings.HasSuffix(prefix, ",")
}
