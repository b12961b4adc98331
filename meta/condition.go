package meta

import (
	"fmt"
	"sort"
)

// Op is a comparison operator in a query condition.
type Op string

const (
	Equal Op = "equal"
	Gt    Op = "gt"
	Lt    Op = "lt"
)

func (op Op) sql() string {
	switch op {
	case Gt:
		return ">"
	case Lt:
		return "<"
	}
	return "="
}

// allowed reports whether op is defined for values of type t.
func (op Op) allowed(t Type) bool {
	switch op {
	case Equal:
		return true
	case Gt, Lt:
		return t == Int
	}
	return false
}

type Predicate struct {
	Op    Op
	Value Value
}

// Condition is the requirement placed on one key.  An empty Type
// matches a key of any type; a Type without predicates matches any
// value of that type.
type Condition struct {
	Type  Type
	Preds []Predicate
}

// Conditions maps keys to their requirements.  All conditions must
// hold for an entry to match.
type Conditions map[string]*Condition

// Where builds Conditions from the loosely typed form produced by
// parsers, one requirement per key.  See ParseCondition.
func Where(raw map[string]interface{}) (conds Conditions, err error) {
	conds = make(Conditions, len(raw))
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		err = conds.Add(k, raw[k])
		if err != nil {
			return nil, err
		}
	}
	return
}

// Add parses raw and merges it with any condition already present for
// key, so that e.g. a gt and an lt on one key form a range.
func (conds Conditions) Add(key string, raw interface{}) (err error) {
	c, err := ParseCondition(key, raw)
	if err != nil {
		return
	}
	old, ok := conds[key]
	if !ok {
		conds[key] = c
		return
	}
	merged, err := old.merge(key, c)
	if err != nil {
		return
	}
	conds[key] = merged
	return
}

// Validate checks every condition; Query calls it before touching the
// database.
func (conds Conditions) Validate() (err error) {
	for key, c := range conds {
		if !ValidKey(key) {
			return &ShapeError{Key: key, Reason: "keys must be identifiers"}
		}
		if c == nil {
			return &ShapeError{Key: key, Reason: "nil condition"}
		}
		err = c.validate(key)
		if err != nil {
			return
		}
	}
	return
}

// Keys returns the condition keys in the order they are compiled.
func (conds Conditions) Keys() (keys []string) {
	for k := range conds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return
}

// ParseCondition converts one requirement.  raw may be:
//
//	a bare int or string          key equals that value
//	{}                            key exists
//	{"type": T}                   key exists with type T
//	{"type": T, "equal": v}       key equals v
//	{"type": "int", "gt": v}      key is greater than v
//	{"type": "int", "lt": v}      key is less than v
//
// Operators may be combined in one map.  A *Condition is validated
// and returned as is.
func ParseCondition(key string, raw interface{}) (c *Condition, err error) {
	if !ValidKey(key) {
		return nil, &ShapeError{Key: key, Reason: "keys must be identifiers"}
	}
	switch x := raw.(type) {
	case *Condition:
		if x == nil {
			return nil, &ShapeError{Key: key, Reason: "nil condition"}
		}
		err = x.validate(key)
		if err != nil {
			return nil, err
		}
		return x, nil
	case map[string]interface{}:
		return parseMap(key, x)
	}
	val, ok, err := scalar(key, raw)
	if err != nil {
		return
	}
	if !ok {
		return nil, &ShapeError{Key: key, Reason: fmt.Sprintf(
			"conditions should be int, string, or {type, <operator>} maps, not %T", raw)}
	}
	return &Condition{Type: val.Type, Preds: []Predicate{{Op: Equal, Value: val}}}, nil
}

func parseMap(key string, m map[string]interface{}) (c *Condition, err error) {
	c = &Condition{}
	if len(m) == 0 {
		return
	}
	rawType, ok := m["type"]
	if !ok {
		return nil, &MissingTypeError{Key: key}
	}
	c.Type, err = typeOf(key, rawType)
	if err != nil {
		return nil, err
	}
	ops := make([]string, 0, len(m))
	for k := range m {
		if k != "type" {
			ops = append(ops, k)
		}
	}
	sort.Strings(ops)
	for _, name := range ops {
		op := Op(name)
		if !op.allowed(c.Type) {
			return nil, &UnsupportedOpError{Key: key, Type: c.Type, Op: name}
		}
		val, err := operand(key, c.Type, m[name])
		if err != nil {
			return nil, err
		}
		c.Preds = append(c.Preds, Predicate{Op: op, Value: val})
	}
	return
}

func (c *Condition) validate(key string) (err error) {
	if c.Type == "" {
		if len(c.Preds) > 0 {
			return &MissingTypeError{Key: key}
		}
		return
	}
	if !c.Type.valid() {
		return &ShapeError{Key: key, Reason: fmt.Sprintf("unknown type %q", c.Type)}
	}
	seen := make(map[Op]bool)
	for _, p := range c.Preds {
		if !p.Op.allowed(c.Type) {
			return &UnsupportedOpError{Key: key, Type: c.Type, Op: string(p.Op)}
		}
		if p.Value.Type != c.Type {
			return &ShapeError{Key: key, Reason: fmt.Sprintf("%s operand for a %s condition", p.Value.Type, c.Type)}
		}
		if seen[p.Op] {
			return &ConflictError{Key: key, Reason: fmt.Sprintf("operator %s given twice", p.Op)}
		}
		seen[p.Op] = true
	}
	return
}

func (c *Condition) merge(key string, other *Condition) (merged *Condition, err error) {
	merged = &Condition{Type: c.Type}
	switch {
	case c.Type == "":
		merged.Type = other.Type
	case other.Type != "" && other.Type != c.Type:
		return nil, &ConflictError{Key: key, Reason: fmt.Sprintf("types %s and %s", c.Type, other.Type)}
	}
	merged.Preds = append(merged.Preds, c.Preds...)
	merged.Preds = append(merged.Preds, other.Preds...)
	err = merged.validate(key)
	if err != nil {
		return nil, err
	}
	return
}
