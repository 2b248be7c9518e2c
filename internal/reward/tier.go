package reward

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tier is one reward level. A visitor earns a tier by collecting at least
// Threshold stamps; at most Limit visitors can be allocated to it.
type Tier struct {
	Key       string `json:"key" yaml:"key"`
	Label     string `json:"label" yaml:"label"`
	Threshold int    `json:"threshold" yaml:"threshold"`
	Limit     int    `json:"limit" yaml:"limit"`
}

// Table is the ordered set of tiers, highest threshold first. A Table is
// built once at startup and never mutated; methods return copies.
type Table struct {
	tiers []Tier
}

// DefaultTiers is the allocation used at the booth event: chicken for a full
// eleven-booth tour, coffee from nine, an energy drink from seven.
var DefaultTiers = []Tier{
	{Key: "tier11", Label: "chicken", Threshold: 11, Limit: 5},
	{Key: "tier9", Label: "coffee", Threshold: 9, Limit: 10},
	{Key: "tier7", Label: "energy-drink", Threshold: 7, Limit: 50},
}

// NewTable validates tiers and returns an immutable table.
func NewTable(tiers []Tier) (Table, error) {
	if len(tiers) == 0 {
		return Table{}, errors.New("tier table is empty")
	}

	keys := make(map[string]bool, len(tiers))
	labels := make(map[string]bool, len(tiers))
	for i, t := range tiers {
		t.Key = strings.TrimSpace(t.Key)
		t.Label = strings.TrimSpace(t.Label)
		if t.Key == "" || t.Label == "" {
			return Table{}, fmt.Errorf("tier %d: key and label are required", i)
		}
		if keys[t.Key] {
			return Table{}, fmt.Errorf("tier %d: duplicate key %q", i, t.Key)
		}
		if labels[t.Label] {
			return Table{}, fmt.Errorf("tier %d: duplicate label %q", i, t.Label)
		}
		if t.Threshold < 0 || t.Limit < 0 {
			return Table{}, fmt.Errorf("tier %q: threshold and limit must be >= 0", t.Key)
		}
		if i > 0 && t.Threshold >= tiers[i-1].Threshold {
			return Table{}, fmt.Errorf("tier %q: thresholds must be strictly descending", t.Key)
		}
		keys[t.Key] = true
		labels[t.Label] = true
	}

	cp := make([]Tier, len(tiers))
	for i, t := range tiers {
		t.Key = strings.TrimSpace(t.Key)
		t.Label = strings.TrimSpace(t.Label)
		cp[i] = t
	}
	return Table{tiers: cp}, nil
}

// MustTable is NewTable for package-level defaults and tests.
func MustTable(tiers []Tier) Table {
	t, err := NewTable(tiers)
	if err != nil {
		panic(err)
	}
	return t
}

// DefaultTable returns the table built from DefaultTiers.
func DefaultTable() Table {
	return MustTable(DefaultTiers)
}

type tierFile struct {
	Tiers []Tier `yaml:"tiers"`
}

// LoadTable reads a YAML tier file of the form:
//
//	tiers:
//	  - {key: tier11, label: chicken, threshold: 11, limit: 5}
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read tier file: %w", err)
	}
	var f tierFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Table{}, fmt.Errorf("parse tier file: %w", err)
	}
	return NewTable(f.Tiers)
}

// Tiers returns the tiers in descending threshold order.
func (t Table) Tiers() []Tier {
	cp := make([]Tier, len(t.tiers))
	copy(cp, t.tiers)
	return cp
}

func (t Table) Len() int { return len(t.tiers) }

// ByKey looks a tier up by its key.
func (t Table) ByKey(key string) (Tier, bool) {
	for _, tier := range t.tiers {
		if tier.Key == key {
			return tier, true
		}
	}
	return Tier{}, false
}

// ByLabel looks a tier up by its reward label, ignoring surrounding space.
func (t Table) ByLabel(label string) (Tier, bool) {
	label = strings.TrimSpace(label)
	for _, tier := range t.tiers {
		if tier.Label == label {
			return tier, true
		}
	}
	return Tier{}, false
}

// Lowest returns the tier with the smallest threshold.
func (t Table) Lowest() Tier {
	return t.tiers[len(t.tiers)-1]
}

func (t Table) rank(key string) int {
	for i, tier := range t.tiers {
		if tier.Key == key {
			return i
		}
	}
	return -1
}
