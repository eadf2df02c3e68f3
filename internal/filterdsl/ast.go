// Package filterdsl implements the filter-rule language: a lexer, a
// recursive-descent parser, a closed-variant AST, and a compiler that
// produces a memoized regex table for "matches" conditions.
package filterdsl

import (
	"fmt"
	"sort"
)

// Expr is the closed sum of AST node kinds: And, Or, Not, Condition.
type Expr interface {
	isExpr()
}

// And is a conjunction of two sub-expressions.
type And struct {
	Left, Right Expr
}

// Or is a disjunction of two sub-expressions.
type Or struct {
	Left, Right Expr
}

// Not negates a sub-expression.
type Not struct {
	Inner Expr
}

// Condition tests one field against one value with one operator.
type Condition struct {
	Field Field
	Op    Operator
	Value Value
}

func (*And) isExpr()       {}
func (*Or) isExpr()        {}
func (*Not) isExpr()       {}
func (*Condition) isExpr() {}

// FieldKind is the closed sum of field variants the grammar accepts.
type FieldKind int

const (
	FieldSimple FieldKind = iota
	FieldContentLength
	FieldTag
	FieldTagCount
	FieldTagValue
	FieldReferencedCreatedAt
)

// Field identifies what attribute of an event (and its tags) a
// condition or value reads. Name holds the simple-field identifier for
// FieldSimple, and the tag name for the three Tag* variants.
type Field struct {
	Kind FieldKind
	Name string
}

// name returns the field's canonical textual form, used for
// ExtractFields output.
func (f Field) name() string {
	switch f.Kind {
	case FieldSimple:
		return f.Name
	case FieldContentLength:
		return "content_length"
	case FieldReferencedCreatedAt:
		return "referenced_created_at"
	case FieldTag:
		return fmt.Sprintf("tag[%s]", f.Name)
	case FieldTagCount:
		return fmt.Sprintf("tag[%s].count", f.Name)
	case FieldTagValue:
		return fmt.Sprintf("tag[%s].value", f.Name)
	default:
		return "?"
	}
}

// Operator is the closed sum of comparison/test operators.
type Operator int

const (
	OpEq Operator = iota
	OpNe
	OpGt
	OpLt
	OpGe
	OpLe
	OpContains
	OpStartsWith
	OpEndsWith
	OpMatches
	OpIn
	OpNotIn
	OpExists
)

func (op Operator) String() string {
	switch op {
	case OpEq:
		return "=="
	case OpNe:
		return "!="
	case OpGt:
		return ">"
	case OpLt:
		return "<"
	case OpGe:
		return ">="
	case OpLe:
		return "<="
	case OpContains:
		return "contains"
	case OpStartsWith:
		return "starts_with"
	case OpEndsWith:
		return "ends_with"
	case OpMatches:
		return "matches"
	case OpIn:
		return "in"
	case OpNotIn:
		return "not_in"
	case OpExists:
		return "exists"
	default:
		return "?"
	}
}

// ValueKind is the closed sum of value variants the grammar accepts.
type ValueKind int

const (
	ValueString ValueKind = iota
	ValueNumber
	ValueBool
	ValueList
	ValueFieldRef
)

// Value is a condition's right-hand side (or a list element).
type Value struct {
	Kind  ValueKind
	Str   string
	Num   float64
	Bool  bool
	List  []Value
	Field Field // ValueFieldRef only
	Pos   int   // byte offset of the literal token, used in compile errors
}

func (v Value) isList() bool {
	return v.Kind == ValueList
}

// ExtractFields walks expr and returns the sorted, deduplicated set of
// field names referenced anywhere in it, including field-ref values.
func ExtractFields(expr Expr) []string {
	seen := map[string]struct{}{}
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case *And:
			walk(n.Left)
			walk(n.Right)
		case *Or:
			walk(n.Left)
			walk(n.Right)
		case *Not:
			walk(n.Inner)
		case *Condition:
			seen[n.Field.name()] = struct{}{}
			collectValueFields(n.Value, seen)
		}
	}
	walk(expr)

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func collectValueFields(v Value, seen map[string]struct{}) {
	switch v.Kind {
	case ValueFieldRef:
		seen[v.Field.name()] = struct{}{}
	case ValueList:
		for _, elem := range v.List {
			collectValueFields(elem, seen)
		}
	}
}
