package trust

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Expr is an attribute-condition expression evaluated against the flat
// attribute map extracted from a validated assertion. The variants are
// deliberately minimal: equality and conjunction. String templating is
// not supported.
type Expr interface {
	// Evaluate reports whether the attributes satisfy the expression.
	Evaluate(attrs map[string]string) bool

	// Attributes returns every attribute name the expression references.
	Attributes() []string

	// Pins returns the attribute names whose values the expression fixes
	// exactly. These are the attributes a principal set is keyed by.
	Pins() []Pin

	// CEL renders the expression as a CEL attribute condition for the
	// cloud provider.
	CEL() string

	// String renders the expression for error messages.
	String() string
}

// Pin is one attribute value fixed by an equality term.
type Pin struct {
	Attribute string
	Value     string
}

// Equals matches when one attribute equals a literal value.
type Equals struct {
	Attribute string
	Value     string
}

// Evaluate implements Expr.
func (e Equals) Evaluate(attrs map[string]string) bool {
	v, ok := attrs[e.Attribute]
	return ok && v == e.Value
}

// Attributes implements Expr.
func (e Equals) Attributes() []string { return []string{e.Attribute} }

// Pins implements Expr.
func (e Equals) Pins() []Pin { return []Pin{{Attribute: e.Attribute, Value: e.Value}} }

// CEL implements Expr.
func (e Equals) CEL() string {
	return fmt.Sprintf("attribute.%s == %q", e.Attribute, e.Value)
}

// String implements Expr.
func (e Equals) String() string {
	return fmt.Sprintf("%s == %q", e.Attribute, e.Value)
}

// All matches when every term matches.
type All struct {
	Terms []Expr
}

// Evaluate implements Expr.
func (a All) Evaluate(attrs map[string]string) bool {
	for _, t := range a.Terms {
		if !t.Evaluate(attrs) {
			return false
		}
	}
	return true
}

// Attributes implements Expr.
func (a All) Attributes() []string {
	var names []string
	for _, t := range a.Terms {
		names = append(names, t.Attributes()...)
	}
	return names
}

// Pins implements Expr.
func (a All) Pins() []Pin {
	var pins []Pin
	for _, t := range a.Terms {
		pins = append(pins, t.Pins()...)
	}
	return pins
}

// CEL implements Expr.
func (a All) CEL() string {
	parts := make([]string, 0, len(a.Terms))
	for _, t := range a.Terms {
		parts = append(parts, t.CEL())
	}
	return strings.Join(parts, " && ")
}

// String implements Expr.
func (a All) String() string {
	parts := make([]string, 0, len(a.Terms))
	for _, t := range a.Terms {
		parts = append(parts, t.String())
	}
	return strings.Join(parts, " && ")
}

// Condition wraps an Expr with document (de)serialization. A provider's
// condition must pin at least one attribute before any impersonation
// grant may reference the provider.
type Condition struct {
	Expr Expr
}

// IsZero reports whether the condition is absent.
func (c Condition) IsZero() bool { return c.Expr == nil }

// Evaluate reports whether the attributes satisfy the condition.
// An absent condition satisfies nothing.
func (c Condition) Evaluate(attrs map[string]string) bool {
	if c.Expr == nil {
		return false
	}
	return c.Expr.Evaluate(attrs)
}

// Pins returns the attribute values the condition fixes, sorted by
// attribute name for deterministic principal-set derivation.
func (c Condition) Pins() []Pin {
	if c.Expr == nil {
		return nil
	}
	pins := c.Expr.Pins()
	sort.Slice(pins, func(i, j int) bool { return pins[i].Attribute < pins[j].Attribute })
	return pins
}

// Validate checks that the condition only references attributes declared
// in the provider's attribute mapping.
func (c Condition) Validate(mapping map[string]string) error {
	if c.Expr == nil {
		return ErrConfig("attribute condition is required")
	}
	for _, name := range c.Expr.Attributes() {
		if _, ok := mapping[name]; !ok {
			return ErrConfig(fmt.Sprintf("condition references attribute %q not declared in attribute_mapping", name))
		}
	}
	return nil
}

// String renders the condition for error messages.
func (c Condition) String() string {
	if c.Expr == nil {
		return "<none>"
	}
	return c.Expr.String()
}

// CEL renders the condition for the cloud provider.
func (c Condition) CEL() string {
	if c.Expr == nil {
		return ""
	}
	return c.Expr.CEL()
}

// condNode is the document shape of a condition expression, shared by
// the YAML desired-state document and the JSON state file.
type condNode struct {
	Equals *condEquals `yaml:"equals,omitempty" json:"equals,omitempty"`
	All    []condNode  `yaml:"all,omitempty" json:"all,omitempty"`
}

type condEquals struct {
	Attribute string `yaml:"attribute" json:"attribute"`
	Value     string `yaml:"value" json:"value"`
}

func exprToNode(e Expr) condNode {
	switch v := e.(type) {
	case Equals:
		return condNode{Equals: &condEquals{Attribute: v.Attribute, Value: v.Value}}
	case All:
		terms := make([]condNode, 0, len(v.Terms))
		for _, t := range v.Terms {
			terms = append(terms, exprToNode(t))
		}
		return condNode{All: terms}
	default:
		return condNode{}
	}
}

func (n condNode) toExpr() (Expr, error) {
	switch {
	case n.Equals != nil && n.All != nil:
		return nil, ErrConfig("condition node must be exactly one of equals, all")
	case n.Equals != nil:
		if n.Equals.Attribute == "" || n.Equals.Value == "" {
			return nil, ErrConfig("equals condition requires attribute and value")
		}
		return Equals{Attribute: n.Equals.Attribute, Value: n.Equals.Value}, nil
	case n.All != nil:
		if len(n.All) == 0 {
			return nil, ErrConfig("all condition requires at least one term")
		}
		terms := make([]Expr, 0, len(n.All))
		for _, c := range n.All {
			e, err := c.toExpr()
			if err != nil {
				return nil, err
			}
			terms = append(terms, e)
		}
		return All{Terms: terms}, nil
	default:
		return nil, ErrConfig("condition node must be one of equals, all")
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Condition) UnmarshalYAML(value *yaml.Node) error {
	var n condNode
	if err := value.Decode(&n); err != nil {
		return err
	}
	expr, err := n.toExpr()
	if err != nil {
		return err
	}
	c.Expr = expr
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (c Condition) MarshalYAML() (any, error) {
	if c.Expr == nil {
		return nil, nil
	}
	return exprToNode(c.Expr), nil
}

// MarshalJSON implements json.Marshaler for state file storage.
func (c Condition) MarshalJSON() ([]byte, error) {
	if c.Expr == nil {
		return []byte("null"), nil
	}
	return json.Marshal(exprToNode(c.Expr))
}

// UnmarshalJSON implements json.Unmarshaler for state file storage.
func (c *Condition) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		c.Expr = nil
		return nil
	}
	var n condNode
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	expr, err := n.toExpr()
	if err != nil {
		return err
	}
	c.Expr = expr
	return nil
}
