package location

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/precisionprices/market-pricing/pkg/model"
)

//go:embed data/locations.json
var defaultTableJSON []byte

// tableDoc mirrors the on-disk JSON layout of a location dataset.
type tableDoc struct {
	Version string              `json:"version"`
	Zips    map[string]zipEntry `json:"zips"`
	Cities  []cityEntry         `json:"cities"`
	States  map[string]float64  `json:"states"`
}

type zipEntry struct {
	City       string  `json:"city"`
	State      string  `json:"state"`
	Metro      string  `json:"metro"`
	Multiplier float64 `json:"multiplier"`
	Demand     string  `json:"demand"`
}

type cityEntry struct {
	Match      string  `json:"match"` // Lowercase name or alias to look for in the input
	City       string  `json:"city"`  // Display name, e.g. "New York" for the "nyc" alias
	State      string  `json:"state"`
	Metro      string  `json:"metro"`
	Multiplier float64 `json:"multiplier"`
	Demand     string  `json:"demand"`

	tokens []string
}

// Table is an immutable in-memory index over a location dataset.
// It is built once at startup and shared by all resolvers.
type Table struct {
	version string
	zips    map[string]zipEntry
	cities  []cityEntry // insertion order is the tie-break order
	states  map[string]float64
}

// Version returns the dataset version string.
func (t *Table) Version() string { return t.version }

// Counts reports how many ZIP, city and state entries the table holds.
func (t *Table) Counts() (zips, cities, states int) {
	return len(t.zips), len(t.cities), len(t.states)
}

// LoadTable parses and validates a JSON location dataset.
func LoadTable(r io.Reader) (*Table, error) {
	var doc tableDoc
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode location table: %w", err)
	}
	if strings.TrimSpace(doc.Version) == "" {
		return nil, errors.New("location table: version is required")
	}

	t := &Table{
		version: doc.Version,
		zips:    make(map[string]zipEntry, len(doc.Zips)),
		cities:  make([]cityEntry, 0, len(doc.Cities)),
		states:  make(map[string]float64, len(doc.States)),
	}

	for zip, e := range doc.Zips {
		if !model.IsZipGeoKey(zip) {
			return nil, fmt.Errorf("location table: invalid zip %q", zip)
		}
		if err := validateEntry(e.State, e.Multiplier, e.Demand); err != nil {
			return nil, fmt.Errorf("location table: zip %s: %w", zip, err)
		}
		e.State = strings.ToUpper(e.State)
		t.zips[zip] = e
	}

	for i, c := range doc.Cities {
		c.Match = strings.ToLower(strings.TrimSpace(c.Match))
		c.tokens = tokenize(c.Match)
		if len(c.tokens) == 0 {
			return nil, fmt.Errorf("location table: city entry %d has empty match", i)
		}
		if err := validateEntry(c.State, c.Multiplier, c.Demand); err != nil {
			return nil, fmt.Errorf("location table: city %q: %w", c.Match, err)
		}
		c.State = strings.ToUpper(c.State)
		if c.City == "" {
			c.City = titleCase(c.Match)
		}
		t.cities = append(t.cities, c)
	}

	for code, mult := range doc.States {
		if len(code) != 2 {
			return nil, fmt.Errorf("location table: invalid state code %q", code)
		}
		if mult <= 0 {
			return nil, fmt.Errorf("location table: state %s: multiplier must be positive", code)
		}
		t.states[strings.ToUpper(code)] = mult
	}
	return t, nil
}

// LoadTableFile reads a dataset from disk, letting operators extend coverage without a rebuild.
func LoadTableFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open location table: %w", err)
	}
	defer f.Close()
	return LoadTable(f)
}

var (
	defaultOnce  sync.Once
	defaultTable *Table
	defaultErr   error
)

// DefaultTable returns the dataset compiled into the binary.
func DefaultTable() (*Table, error) {
	defaultOnce.Do(func() {
		defaultTable, defaultErr = LoadTable(bytes.NewReader(defaultTableJSON))
	})
	return defaultTable, defaultErr
}

// MustDefaultTable is DefaultTable for callers that treat a broken embedded dataset as fatal.
func MustDefaultTable() *Table {
	t, err := DefaultTable()
	if err != nil {
		panic(err)
	}
	return t
}

func validateEntry(state string, multiplier float64, demand string) error {
	if len(state) != 2 {
		return fmt.Errorf("invalid state %q", state)
	}
	if multiplier <= 0 {
		return errors.New("multiplier must be positive")
	}
	switch model.Tier(demand) {
	case model.TierLow, model.TierMedium, model.TierHigh:
		return nil
	default:
		return fmt.Errorf("invalid demand tier %q", demand)
	}
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
