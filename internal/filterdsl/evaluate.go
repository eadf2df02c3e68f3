package filterdsl

import (
	"regexp"
	"strings"

	"github.com/nostrgate/nostrgate/internal/nostrmsg"
)

// Kind1Cache maps a kind-1 event's id to its created_at, as maintained
// by the filter engine for one connection.
type Kind1Cache map[string]int64

// Matches evaluates a compiled filter against an event, consulting
// cache for the referenced_created_at field. Evaluation is synchronous
// and side-effect free.
func (cf *CompiledFilter) Matches(ev *nostrmsg.Event, cache Kind1Cache) bool {
	return evalExpr(cf, cf.AST, ev, cache)
}

func evalExpr(cf *CompiledFilter, e Expr, ev *nostrmsg.Event, cache Kind1Cache) bool {
	switch n := e.(type) {
	case *And:
		return evalExpr(cf, n.Left, ev, cache) && evalExpr(cf, n.Right, ev, cache)
	case *Or:
		return evalExpr(cf, n.Left, ev, cache) || evalExpr(cf, n.Right, ev, cache)
	case *Not:
		return !evalExpr(cf, n.Inner, ev, cache)
	case *Condition:
		return evalCondition(cf, n, ev, cache)
	}
	return false
}

func evalCondition(cf *CompiledFilter, cond *Condition, ev *nostrmsg.Event, cache Kind1Cache) bool {
	lhs, lhsOK := resolveField(cond.Field, ev, cache)
	if cond.Op == OpExists {
		return lhsOK
	}
	if !lhsOK {
		return false
	}

	rhs, rhsOK := resolveValue(cond.Value, ev, cache)

	if cond.Op == OpIn || cond.Op == OpNotIn {
		if !rhsOK || rhs.Kind != ValueList {
			return false
		}
		found := false
		for _, elem := range rhs.List {
			if valueEqual(lhs, elem) {
				found = true
				break
			}
		}
		if cond.Op == OpIn {
			return found
		}
		return !found
	}

	if !rhsOK {
		return false
	}

	switch cond.Op {
	case OpEq:
		return valueEqual(lhs, rhs)
	case OpNe:
		// Mismatched operand types make the whole comparison false,
		// same as ==; != only negates a type-compatible comparison.
		if lhs.Kind != rhs.Kind {
			return false
		}
		return !valueEqual(lhs, rhs)
	case OpGt, OpLt, OpGe, OpLe:
		if lhs.Kind != ValueNumber || rhs.Kind != ValueNumber {
			return false
		}
		switch cond.Op {
		case OpGt:
			return lhs.Num > rhs.Num
		case OpLt:
			return lhs.Num < rhs.Num
		case OpGe:
			return lhs.Num >= rhs.Num
		default:
			return lhs.Num <= rhs.Num
		}
	case OpContains, OpStartsWith, OpEndsWith:
		if lhs.Kind != ValueString || rhs.Kind != ValueString {
			return false
		}
		a, b := strings.ToLower(lhs.Str), strings.ToLower(rhs.Str)
		switch cond.Op {
		case OpContains:
			return strings.Contains(a, b)
		case OpStartsWith:
			return strings.HasPrefix(a, b)
		default:
			return strings.HasSuffix(a, b)
		}
	case OpMatches:
		if lhs.Kind != ValueString || rhs.Kind != ValueString {
			return false
		}
		re, ok := cf.Regexes[rhs.Str]
		if !ok {
			// RHS came from a field reference rather than a literal, so it
			// wasn't in the compile-time table; compile and discard.
			compiled, err := regexp.Compile(rhs.Str)
			if err != nil {
				return false
			}
			re = compiled
		}
		return re.MatchString(lhs.Str)
	}
	return false
}

// resolveField resolves a Field against an event and the kind-1 cache.
// The second return value is false when the field has no value (e.g. a
// missing tag, a bad npub encoding, or a cache miss).
func resolveField(f Field, ev *nostrmsg.Event, cache Kind1Cache) (Value, bool) {
	switch f.Kind {
	case FieldSimple:
		switch f.Name {
		case "id":
			return Value{Kind: ValueString, Str: ev.ID}, true
		case "pubkey":
			return Value{Kind: ValueString, Str: ev.PubKey}, true
		case "content":
			return Value{Kind: ValueString, Str: ev.Content}, true
		case "npub":
			npub, ok := ev.Npub()
			if !ok {
				return Value{}, false
			}
			return Value{Kind: ValueString, Str: npub}, true
		case "kind":
			return Value{Kind: ValueNumber, Num: float64(ev.Kind)}, true
		case "created_at":
			return Value{Kind: ValueNumber, Num: float64(ev.CreatedAt)}, true
		default:
			return Value{}, false
		}
	case FieldContentLength:
		return Value{Kind: ValueNumber, Num: float64(len(ev.Content))}, true
	case FieldTag:
		if ev.HasTag(f.Name) {
			return Value{Kind: ValueBool, Bool: true}, true
		}
		return Value{}, false
	case FieldTagCount:
		return Value{Kind: ValueNumber, Num: float64(ev.TagCount(f.Name))}, true
	case FieldTagValue:
		v, ok := ev.FirstTagValue(f.Name)
		if !ok {
			return Value{}, false
		}
		return Value{Kind: ValueString, Str: v}, true
	case FieldReferencedCreatedAt:
		eTagID, ok := ev.FirstTagValue("e")
		if !ok {
			return Value{}, false
		}
		createdAt, ok := cache[eTagID]
		if !ok {
			return Value{}, false
		}
		return Value{Kind: ValueNumber, Num: float64(createdAt)}, true
	}
	return Value{}, false
}

// resolveValue resolves a literal or field-reference value.
func resolveValue(v Value, ev *nostrmsg.Event, cache Kind1Cache) (Value, bool) {
	if v.Kind == ValueFieldRef {
		return resolveField(v.Field, ev, cache)
	}
	return v, true
}

func valueEqual(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case ValueString:
		return a.Str == b.Str
	case ValueNumber:
		return a.Num == b.Num
	case ValueBool:
		return a.Bool == b.Bool
	default:
		return false
	}
}
