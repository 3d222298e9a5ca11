// Package rules evaluates declarative conditions against request attributes.
//
// A Condition is a small expression tree: boolean combinators (all, any, not)
// over leaf comparisons of one attribute against a literal. Conditions are
// data, loaded from YAML or JSON, and are interpreted here; nothing in a rule
// is ever executed as code.
//
//	when:
//	  all:
//	    - {field: category, op: eq, value: capex}
//	    - {field: amount, op: gte, value: "10000"}
//	    - not: {field: priority, op: lt, value: HIGH}
package rules

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// Operator is a leaf comparison.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
	OpContains Operator = "contains"
	OpExists   Operator = "exists"
)

// maxDepth bounds nesting of combinators.
const maxDepth = 32

// Condition is one node of the expression tree. Exactly one of All, Any, Not
// or Field must be set.
type Condition struct {
	All   []*Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any   []*Condition `json:"any,omitempty" yaml:"any,omitempty"`
	Not   *Condition   `json:"not,omitempty" yaml:"not,omitempty"`
	Field string       `json:"field,omitempty" yaml:"field,omitempty"`
	Op    Operator     `json:"op,omitempty" yaml:"op,omitempty"`
	Value interface{}  `json:"value,omitempty" yaml:"value,omitempty"`
}

// Attributes exposes the values a condition may reference.
type Attributes interface {
	Lookup(field string) (interface{}, bool)
}

// Map is an Attributes backed by a plain map.
type Map map[string]interface{}

// Lookup implements Attributes.
func (m Map) Lookup(field string) (interface{}, bool) {
	v, ok := m[field]
	return v, ok
}

// Comparer is implemented by domain values that define their own ordering
// against a raw rule literal, such as an ordered priority enum.
type Comparer interface {
	CompareTo(raw interface{}) (int, error)
}

// Validate checks the tree shape and operators.
func (c *Condition) Validate() error {
	return c.validate(0)
}

func (c *Condition) validate(depth int) error {
	if c == nil {
		return nil
	}
	if depth > maxDepth {
		return fmt.Errorf("condition nested deeper than %d levels", maxDepth)
	}

	set := 0
	if len(c.All) > 0 {
		set++
	}
	if len(c.Any) > 0 {
		set++
	}
	if c.Not != nil {
		set++
	}
	if c.Field != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("condition must set exactly one of all, any, not, field")
	}

	for _, child := range c.All {
		if err := child.validate(depth + 1); err != nil {
			return err
		}
	}
	for _, child := range c.Any {
		if err := child.validate(depth + 1); err != nil {
			return err
		}
	}
	if c.Not != nil {
		return c.Not.validate(depth + 1)
	}
	if c.Field == "" {
		return nil
	}

	switch c.Op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpContains:
		if c.Value == nil {
			return fmt.Errorf("condition on %q: operator %s requires a value", c.Field, c.Op)
		}
	case OpIn, OpNotIn:
		if _, ok := toList(c.Value); !ok {
			return fmt.Errorf("condition on %q: operator %s requires a list value", c.Field, c.Op)
		}
	case OpExists:
	default:
		return fmt.Errorf("condition on %q: unknown operator %q", c.Field, c.Op)
	}
	return nil
}

// Evaluate interprets c against attrs. A nil condition is always true.
// A comparison against a missing attribute is false, not an error.
func Evaluate(c *Condition, attrs Attributes) (bool, error) {
	if c == nil {
		return true, nil
	}
	switch {
	case len(c.All) > 0:
		for _, child := range c.All {
			ok, err := Evaluate(child, attrs)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(c.Any) > 0:
		for _, child := range c.Any {
			ok, err := Evaluate(child, attrs)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case c.Not != nil:
		ok, err := Evaluate(c.Not, attrs)
		return !ok, err
	}

	left, present := attrs.Lookup(c.Field)
	if c.Op == OpExists {
		if s, ok := left.(string); ok {
			return s != "", nil
		}
		return present && left != nil, nil
	}
	if !present || left == nil {
		return false, nil
	}

	switch c.Op {
	case OpEq:
		return equal(left, c.Value)
	case OpNe:
		eq, err := equal(left, c.Value)
		return !eq, err
	case OpGt, OpGte, OpLt, OpLte:
		cmp, err := compare(left, c.Value)
		if err != nil {
			return false, fmt.Errorf("condition on %q: %w", c.Field, err)
		}
		switch c.Op {
		case OpGt:
			return cmp > 0, nil
		case OpGte:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpIn, OpNotIn:
		items, ok := toList(c.Value)
		if !ok {
			return false, fmt.Errorf("condition on %q: operator %s requires a list value", c.Field, c.Op)
		}
		found := false
		for _, item := range items {
			eq, err := equal(left, item)
			if err != nil {
				return false, err
			}
			if eq {
				found = true
				break
			}
		}
		if c.Op == OpIn {
			return found, nil
		}
		return !found, nil
	case OpContains:
		return strings.Contains(strings.ToLower(cast.ToString(left)), strings.ToLower(cast.ToString(c.Value))), nil
	}
	return false, fmt.Errorf("condition on %q: unknown operator %q", c.Field, c.Op)
}

func equal(left, right interface{}) (bool, error) {
	if cmp, ok := left.(Comparer); ok {
		n, err := cmp.CompareTo(right)
		if err != nil {
			return false, nil
		}
		return n == 0, nil
	}
	if l, r, ok := decimals(left, right); ok {
		return l.Equal(r), nil
	}
	return strings.EqualFold(cast.ToString(left), cast.ToString(right)), nil
}

func compare(left, right interface{}) (int, error) {
	if cmp, ok := left.(Comparer); ok {
		return cmp.CompareTo(right)
	}
	if l, r, ok := decimals(left, right); ok {
		return l.Cmp(r), nil
	}
	ls, err := cast.ToStringE(left)
	if err != nil {
		return 0, err
	}
	rs, err := cast.ToStringE(right)
	if err != nil {
		return 0, err
	}
	return strings.Compare(ls, rs), nil
}

func decimals(left, right interface{}) (decimal.Decimal, decimal.Decimal, bool) {
	l, ok := toDecimal(left)
	if !ok {
		return decimal.Decimal{}, decimal.Decimal{}, false
	}
	r, ok := toDecimal(right)
	if !ok {
		return decimal.Decimal{}, decimal.Decimal{}, false
	}
	return l, r, true
}

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch d := v.(type) {
	case decimal.Decimal:
		return d, true
	case *decimal.Decimal:
		if d == nil {
			return decimal.Decimal{}, false
		}
		return *d, true
	case bool:
		return decimal.Decimal{}, false
	}
	s, err := cast.ToStringE(v)
	if err != nil || s == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func toList(v interface{}) ([]interface{}, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
