// Package config loads declarative livequery fixtures: base table schemas
// with seed rows, an operator pipeline, and a mutation script, and builds the
// corresponding dataflow graph.
package config

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"github.com/l7mp/livequery/pkg/ivm"
	"github.com/l7mp/livequery/pkg/schema"
	"github.com/l7mp/livequery/pkg/storage"
	"github.com/l7mp/livequery/pkg/value"
	"github.com/l7mp/livequery/pkg/view"
)

// Config is the top-level fixture format.
type Config struct {
	Tables   []Table  `yaml:"tables"`
	Pipeline Pipeline `yaml:"pipeline"`
	Script   []Step   `yaml:"script"`
}

// Table declares one base table: schema plus optional seed rows.
type Table struct {
	Name     string            `yaml:"name"`
	Columns  map[string]string `yaml:"columns"`
	Primary  []string          `yaml:"primaryKey"`
	Order    []OrderPart       `yaml:"order"`
	Singular bool              `yaml:"singular"`
	Local    bool              `yaml:"local"`
	Rows     []map[string]any  `yaml:"rows"`
}

// OrderPart is one ordering term of a table declaration.
type OrderPart struct {
	Column    string `yaml:"column"`
	Direction string `yaml:"direction"`
}

// Pipeline declares the operator chain rooted at a source table.
type Pipeline struct {
	Source string  `yaml:"source"`
	Stages []Stage `yaml:"stages"`
}

// Stage is a tagged union over the supported pipeline stages; exactly one
// field must be set.
type Stage struct {
	Join     *JoinStage     `yaml:"join,omitempty"`
	Filter   *FilterStage   `yaml:"filter,omitempty"`
	Distinct *DistinctStage `yaml:"distinct,omitempty"`
	Limit    *int           `yaml:"limit,omitempty"`
}

// JoinStage attaches the rows of a parent table under a relationship of the
// current operator's rows.
type JoinStage struct {
	Parent       string   `yaml:"parent"`
	ParentKey    []string `yaml:"parentKey"`
	ChildKey     []string `yaml:"childKey"`
	Relationship string   `yaml:"relationship"`
	Hidden       bool     `yaml:"hidden"`
}

// FilterStage keeps the rows matching one column comparison.
type FilterStage struct {
	Column string `yaml:"column"`
	Op     string `yaml:"op"`
	Value  any    `yaml:"value"`
}

// DistinctStage deduplicates rows by the listed key columns.
type DistinctStage struct {
	Key []string `yaml:"key"`
}

// Step is one scripted mutation; exactly one field must be set.
type Step struct {
	Add    *Mutation `yaml:"add,omitempty"`
	Remove *Mutation `yaml:"remove,omitempty"`
	Edit   *Mutation `yaml:"edit,omitempty"`
}

// Mutation targets one row of one base table. Edits carry the new row
// content; the stored row with the same primary key supplies the old content.
type Mutation struct {
	Table string         `yaml:"table"`
	Row   map[string]any `yaml:"row"`
}

// Load reads and parses a fixture file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture: %w", err)
	}
	return Parse(b)
}

// Parse parses fixture YAML.
func Parse(b []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

var kinds = map[string]value.Kind{
	"null":   value.KindNull,
	"bool":   value.KindBool,
	"number": value.KindNumber,
	"string": value.KindString,
	"bytes":  value.KindBytes,
	"json":   value.KindJSON,
}

// Validate checks the fixture before any graph is built. Errors name the
// offending table, stage or step.
func (c *Config) Validate() error {
	if len(c.Tables) == 0 {
		return fmt.Errorf("fixture declares no tables")
	}
	names := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("table with no name")
		}
		if names[t.Name] {
			return fmt.Errorf("table %q: duplicate declaration", t.Name)
		}
		names[t.Name] = true
		if len(t.Columns) == 0 {
			return fmt.Errorf("table %q: no columns", t.Name)
		}
		for col, kind := range t.Columns {
			if _, ok := kinds[kind]; !ok {
				return fmt.Errorf("table %q: column %q has unknown kind %q", t.Name, col, kind)
			}
		}
		if len(t.Primary) == 0 {
			return fmt.Errorf("table %q: no primary key", t.Name)
		}
		for _, p := range t.Order {
			switch p.Direction {
			case "", "asc", "desc":
			default:
				return fmt.Errorf("table %q: ordering column %q has unknown direction %q",
					t.Name, p.Column, p.Direction)
			}
		}
	}

	if c.Pipeline.Source == "" {
		return fmt.Errorf("pipeline has no source table")
	}
	if !names[c.Pipeline.Source] {
		return fmt.Errorf("pipeline source %q is not a declared table", c.Pipeline.Source)
	}
	for i, s := range c.Stages() {
		set := 0
		for _, on := range []bool{s.Join != nil, s.Filter != nil, s.Distinct != nil, s.Limit != nil} {
			if on {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("pipeline stage %d: exactly one of join, filter, distinct, limit must be set", i)
		}
		if s.Join != nil && !names[s.Join.Parent] {
			return fmt.Errorf("pipeline stage %d (join): parent %q is not a declared table", i, s.Join.Parent)
		}
	}

	for i, s := range c.Script {
		set := 0
		var m *Mutation
		for _, cand := range []*Mutation{s.Add, s.Remove, s.Edit} {
			if cand != nil {
				set++
				m = cand
			}
		}
		if set != 1 {
			return fmt.Errorf("script step %d: exactly one of add, remove, edit must be set", i)
		}
		if !names[m.Table] {
			return fmt.Errorf("script step %d: table %q is not declared", i, m.Table)
		}
	}
	return nil
}

// Stages returns the pipeline stages.
func (c *Config) Stages() []Stage { return c.Pipeline.Stages }

// Graph is a built dataflow graph: the base tables by name, the head operator
// and the terminal view.
type Graph struct {
	Tables map[string]*ivm.Table
	Head   ivm.Operator
	View   *view.View
}

// Build constructs the operator graph the fixture declares, seeds the base
// tables and attaches a view at the head.
func (c *Config) Build(log logr.Logger) (*Graph, error) {
	opts := ivm.Options{Logger: log}

	tables := make(map[string]*ivm.Table, len(c.Tables))
	for _, tc := range c.Tables {
		sch, err := tc.schema()
		if err != nil {
			return nil, err
		}
		t, err := ivm.NewTable(sch, opts)
		if err != nil {
			return nil, fmt.Errorf("table %q: %w", tc.Name, err)
		}
		for _, rc := range tc.Rows {
			row, err := rowFromAny(rc)
			if err != nil {
				return nil, fmt.Errorf("table %q: seed row: %w", tc.Name, err)
			}
			if err := t.Seed(row); err != nil {
				return nil, fmt.Errorf("table %q: %w", tc.Name, err)
			}
		}
		tables[tc.Name] = t
	}

	var head ivm.Operator = tables[c.Pipeline.Source]
	for i, s := range c.Stages() {
		var err error
		head, err = buildStage(head, s, tables, opts)
		if err != nil {
			return nil, fmt.Errorf("pipeline stage %d: %w", i, err)
		}
	}

	return &Graph{
		Tables: tables,
		Head:   head,
		View:   view.New(head, view.Options{Logger: &log}),
	}, nil
}

func buildStage(head ivm.Operator, s Stage, tables map[string]*ivm.Table, opts ivm.Options) (ivm.Operator, error) {
	switch {
	case s.Join != nil:
		return ivm.NewJoin(ivm.JoinConfig{
			Parent:       tables[s.Join.Parent],
			Child:        head,
			ParentKey:    s.Join.ParentKey,
			ChildKey:     s.Join.ChildKey,
			Relationship: s.Join.Relationship,
			Hidden:       s.Join.Hidden,
			Store:        storage.NewMem(),
		}, opts)

	case s.Filter != nil:
		v, err := value.FromAny(s.Filter.Value)
		if err != nil {
			return nil, fmt.Errorf("filter value: %w", err)
		}
		pred := ivm.FieldPredicate{
			Column: s.Filter.Column,
			Op:     ivm.CompareOp(s.Filter.Op),
			Value:  v,
		}
		return ivm.NewFilter(head, pred, opts), nil

	case s.Distinct != nil:
		return ivm.NewDistinct(head, s.Distinct.Key, storage.NewMem(), opts)

	default:
		return ivm.NewLimit(head, *s.Limit, storage.NewMem(), opts)
	}
}

func (t Table) schema() (*schema.Schema, error) {
	cols := make(map[string]value.Kind, len(t.Columns))
	for col, kind := range t.Columns {
		cols[col] = kinds[kind]
	}
	order := make(schema.Ordering, 0, len(t.Order))
	for _, p := range t.Order {
		dir := schema.Ascending
		if p.Direction == "desc" {
			dir = schema.Descending
		}
		order = append(order, schema.OrderPart{Column: p.Column, Direction: dir})
	}
	origin := schema.OriginDurable
	if t.Local {
		origin = schema.OriginLocal
	}
	sch := &schema.Schema{
		Table:    t.Name,
		Columns:  cols,
		Primary:  schema.PrimaryKey(t.Primary),
		Order:    order,
		Singular: t.Singular,
		Origin:   origin,
	}
	if err := sch.Validate(); err != nil {
		return nil, err
	}
	return sch, nil
}

func rowFromAny(m map[string]any) (schema.Row, error) {
	row := make(schema.Row, len(m))
	for col, raw := range m {
		v, err := value.FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col, err)
		}
		row[col] = v
	}
	return row, nil
}

// Apply executes one script step against the graph's base tables.
func (g *Graph) Apply(s Step) error {
	switch {
	case s.Add != nil:
		row, err := rowFromAny(s.Add.Row)
		if err != nil {
			return err
		}
		return g.Tables[s.Add.Table].Add(row)
	case s.Remove != nil:
		row, err := rowFromAny(s.Remove.Row)
		if err != nil {
			return err
		}
		return g.Tables[s.Remove.Table].Remove(row)
	case s.Edit != nil:
		row, err := rowFromAny(s.Edit.Row)
		if err != nil {
			return err
		}
		return g.Tables[s.Edit.Table].Edit(row)
	default:
		return fmt.Errorf("empty script step")
	}
}
