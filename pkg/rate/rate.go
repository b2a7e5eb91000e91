// Package rate holds the per-level referral reward percentage table.
package rate

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MaxLevels is the deepest referral level that earns a reward.
const MaxLevels = 20

// defaultRates is the built-in reward schedule: level 1 carries the largest
// share and the rate never increases with depth.
var defaultRates = []float64{
	0.10, 0.07, 0.05, 0.04, 0.03,
	0.02, 0.015, 0.01, 0.009, 0.008,
	0.007, 0.006, 0.005, 0.004, 0.003,
	0.002, 0.0015, 0.001, 0.0008, 0.0005,
}

// Table maps a referral level (1..MaxLevels) to a reward percentage.
// It is immutable after construction.
type Table struct {
	rates []float64
}

// Default returns the built-in reward schedule.
func Default() *Table {
	t, err := New(defaultRates)
	if err != nil {
		// The built-in schedule is validated by tests; this is unreachable.
		panic(err)
	}
	return t
}

// New builds a table from the given per-level rates (index 0 is level 1).
func New(rates []float64) (*Table, error) {
	if len(rates) == 0 {
		return nil, fmt.Errorf("rate table must have at least one level")
	}
	if len(rates) > MaxLevels {
		return nil, fmt.Errorf("rate table has %d levels, maximum is %d", len(rates), MaxLevels)
	}
	for i, r := range rates {
		if r < 0 || r >= 1 {
			return nil, fmt.Errorf("rate for level %d is %v, must be in [0, 1)", i+1, r)
		}
		if i > 0 && r > rates[i-1] {
			return nil, fmt.Errorf("rate for level %d (%v) exceeds level %d (%v), rates must not increase with depth", i+1, r, i, rates[i-1])
		}
	}
	out := make([]float64, len(rates))
	copy(out, rates)
	return &Table{rates: out}, nil
}

type fileSchema struct {
	Rates []float64 `yaml:"rates"`
}

// Load reads a reward schedule from a YAML file of the form:
//
//	rates:
//	  - 0.10
//	  - 0.05
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate table file: %w", err)
	}
	var f fileSchema
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rate table file: %w", err)
	}
	t, err := New(f.Rates)
	if err != nil {
		return nil, fmt.Errorf("invalid rate table in %s: %w", path, err)
	}
	return t, nil
}

// Levels returns the number of levels the table covers.
func (t *Table) Levels() int {
	return len(t.rates)
}

// RateForLevel returns the reward percentage for the given level,
// or 0 for levels outside 1..Levels().
func (t *Table) RateForLevel(level int) float64 {
	if level < 1 || level > len(t.rates) {
		return 0
	}
	return t.rates[level-1]
}
