// Package catalog loads named threshold definitions from YAML so that common
// thresholds ("summer_days", "tx90p") can be referenced by name.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"climdex/internal/threshold"
	"climdex/internal/types"
)

// Entry is one named threshold. Either Query or Operator and Value are set.
type Entry struct {
	Name               string   `yaml:"name" json:"name" validate:"required,max=64"`
	Description        string   `yaml:"description,omitempty" json:"description,omitempty"`
	Query              string   `yaml:"query,omitempty" json:"query,omitempty" validate:"required_without=Operator"`
	Operator           string   `yaml:"operator,omitempty" json:"operator,omitempty" validate:"required_without=Query"`
	Value              any      `yaml:"value,omitempty" json:"value,omitempty"`
	Unit               string   `yaml:"unit,omitempty" json:"unit,omitempty"`
	ThresholdVarName   string   `yaml:"threshold_var_name,omitempty" json:"threshold_var_name,omitempty"`
	ClimatologyBounds  []string `yaml:"climatology_bounds,omitempty" json:"climatology_bounds,omitempty" validate:"omitempty,len=2"`
	BasePeriod         []string `yaml:"base_period,omitempty" json:"base_period,omitempty" validate:"omitempty,len=2"`
	Window             int      `yaml:"window,omitempty" json:"window,omitempty" validate:"gte=0"`
	OnlyLeapYears      bool     `yaml:"only_leap_years,omitempty" json:"only_leap_years,omitempty"`
	Interpolation      string   `yaml:"interpolation,omitempty" json:"interpolation,omitempty"`
	ThresholdMinValue  string   `yaml:"threshold_min_value,omitempty" json:"threshold_min_value,omitempty"`
	AdditionalMetadata []string `yaml:"additional_metadata,omitempty" json:"additional_metadata,omitempty"`
}

// Params converts the entry to threshold construction parameters.
func (e Entry) Params() threshold.Params {
	p := threshold.Params{
		Query:              e.Query,
		Operator:           e.Operator,
		Value:              e.Value,
		Unit:               e.Unit,
		ThresholdVarName:   e.ThresholdVarName,
		ClimatologyBounds:  slices.Clone(e.ClimatologyBounds),
		BasePeriod:         slices.Clone(e.BasePeriod),
		Window:             e.Window,
		OnlyLeapYears:      e.OnlyLeapYears,
		Interpolation:      e.Interpolation,
		AdditionalMetadata: slices.Clone(e.AdditionalMetadata),
	}
	if e.ThresholdMinValue != "" {
		p.ThresholdMinValue = e.ThresholdMinValue
	}
	return p
}

type file struct {
	Thresholds []Entry `yaml:"thresholds" validate:"dive"`
}

// Catalog is an immutable set of named thresholds.
type Catalog struct {
	entries map[string]Entry
}

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes and validates a catalog document. Unknown keys are rejected.
func Parse(r io.Reader) (*Catalog, error) {
	var f file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidQuery, "failed to parse threshold catalog", err)
	}

	if err := validator.New().Struct(f); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "threshold catalog is invalid", err)
	}

	c := &Catalog{entries: make(map[string]Entry, len(f.Thresholds))}
	for _, e := range f.Thresholds {
		if _, dup := c.entries[e.Name]; dup {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidQuery,
				fmt.Sprintf("threshold %q is defined twice", e.Name), nil,
				map[string]any{"name": e.Name})
		}
		c.entries[e.Name] = e
	}
	return c, nil
}

// Empty returns a catalog without entries.
func Empty() *Catalog {
	return &Catalog{entries: map[string]Entry{}}
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Names returns the entry names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries returns all entries sorted by name.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, name := range c.Names() {
		out = append(out, c.entries[name])
	}
	return out
}

// Get returns the entry called name.
func (c *Catalog) Get(name string) (Entry, error) {
	e, ok := c.entries[name]
	if !ok {
		return Entry{}, types.NewAppErrorWithDetails(types.ErrCodeNotFoundThreshold,
			fmt.Sprintf("no threshold named %q", name), nil,
			map[string]any{"name": name})
	}
	return e, nil
}

// Build constructs the threshold called name.
func (c *Catalog) Build(ctx context.Context, name string, opts ...threshold.Option) (*threshold.Threshold, error) {
	e, err := c.Get(name)
	if err != nil {
		return nil, err
	}
	th, err := threshold.New(ctx, e.Params(), opts...)
	if err != nil {
		return nil, fmt.Errorf("catalog threshold %s: %w", name, err)
	}
	return th, nil
}
