package filterdsl

import (
	"strings"
	"testing"

	"github.com/nostrgate/nostrgate/internal/nostrmsg"
)

func mustCompile(t *testing.T, src string) *CompiledFilter {
	t.Helper()
	cf, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile(%q) failed: %v", src, err)
	}
	return cf
}

func TestMatches_KindAndContent(t *testing.T) {
	cf := mustCompile(t, `kind == 7 AND content contains "spam"`)

	spam := &nostrmsg.Event{Kind: 7, Content: "This is SPAM"}
	if !cf.Matches(spam, nil) {
		t.Error("expected case-insensitive contains match to drop")
	}

	clean := &nostrmsg.Event{Kind: 7, Content: "hi"}
	if cf.Matches(clean, nil) {
		t.Error("expected no match for clean content")
	}
}

func TestMatches_ReferencedCreatedAt(t *testing.T) {
	cf := mustCompile(t, `kind in [6,7] AND created_at == referenced_created_at`)
	cache := Kind1Cache{"A": 123}

	bot := &nostrmsg.Event{Kind: 7, CreatedAt: 123, Tags: [][]string{{"e", "A"}}}
	if !cf.Matches(bot, cache) {
		t.Error("expected bot-pattern event to match")
	}

	human := &nostrmsg.Event{Kind: 7, CreatedAt: 999, Tags: [][]string{{"e", "A"}}}
	if cf.Matches(human, cache) {
		t.Error("expected differing created_at to not match")
	}

	miss := &nostrmsg.Event{Kind: 7, CreatedAt: 123, Tags: [][]string{{"e", "B"}}}
	if cf.Matches(miss, cache) {
		t.Error("expected cache miss to not match (field is absent)")
	}
}

func TestMatches_TagCount(t *testing.T) {
	cf := mustCompile(t, `tag[e].count > 1`)
	ev := &nostrmsg.Event{Tags: [][]string{{"e", "a"}, {"e", "b"}}}
	if !cf.Matches(ev, nil) {
		t.Error("expected tag count > 1 to match")
	}

	single := &nostrmsg.Event{Tags: [][]string{{"e", "a"}}}
	if cf.Matches(single, nil) {
		t.Error("expected tag count 1 to not match")
	}
}

func TestMatches_ExistsOperator(t *testing.T) {
	cf := mustCompile(t, `tag[p] exists true`)
	present := &nostrmsg.Event{Tags: [][]string{{"p", "x"}}}
	if !cf.Matches(present, nil) {
		t.Error("expected present tag to satisfy exists")
	}
	absent := &nostrmsg.Event{Tags: [][]string{{"e", "x"}}}
	if cf.Matches(absent, nil) {
		t.Error("expected absent tag to fail exists")
	}
}

func TestMatches_InAndNotIn(t *testing.T) {
	cf := mustCompile(t, `kind in [6,7]`)
	if !cf.Matches(&nostrmsg.Event{Kind: 6}, nil) {
		t.Error("expected kind 6 to be in [6,7]")
	}
	if cf.Matches(&nostrmsg.Event{Kind: 1}, nil) {
		t.Error("expected kind 1 to not be in [6,7]")
	}

	cfNot := mustCompile(t, `kind not_in [6,7]`)
	if !cfNot.Matches(&nostrmsg.Event{Kind: 1}, nil) {
		t.Error("expected kind 1 to not_in [6,7]")
	}
}

func TestMatches_MismatchedTypesAreFalse(t *testing.T) {
	cf := mustCompile(t, `kind == "six"`)
	if cf.Matches(&nostrmsg.Event{Kind: 6}, nil) {
		t.Error("expected type-mismatched == to be false")
	}

	cfNe := mustCompile(t, `kind != "six"`)
	if cfNe.Matches(&nostrmsg.Event{Kind: 6}, nil) {
		t.Error("expected type-mismatched != to be false, not negated")
	}
}

func TestMatches_RegexSharedAcrossIdenticalPatterns(t *testing.T) {
	cf := mustCompile(t, `content matches "bot" OR pubkey matches "bot"`)
	if len(cf.Regexes) != 1 {
		t.Errorf("expected one memoized regex for identical patterns, got %d", len(cf.Regexes))
	}
}

func TestCompile_InvalidRegexFails(t *testing.T) {
	_, err := Compile(`content matches "[invalid"`)
	if err == nil {
		t.Fatal("expected compile error for invalid regex")
	}
	ce, ok := err.(*CompileError)
	if !ok {
		t.Fatalf("expected *CompileError, got %T", err)
	}
	if ce.Position != strings.Index(`content matches "[invalid"`, `"[invalid"`) {
		t.Errorf("expected position to point at the pattern literal, got %d", ce.Position)
	}
}

func TestLex_SingleEqualsIsALexError(t *testing.T) {
	_, err := Parse(`kind === 6`)
	if err == nil {
		t.Fatal("expected a lex error for '==='")
	}
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.Position != 7 {
		t.Errorf("expected position 7, got %d", pe.Position)
	}
}

func TestMatches_NestedNotCancelsOut(t *testing.T) {
	cf := mustCompile(t, `NOT NOT kind == 1`)
	if !cf.Matches(&nostrmsg.Event{Kind: 1}, nil) {
		t.Error("NOT NOT kind == 1 should be equivalent to kind == 1")
	}
	if cf.Matches(&nostrmsg.Event{Kind: 2}, nil) {
		t.Error("NOT NOT kind == 1 should be false for kind 2")
	}
}

func TestMatches_EmptyListNeverMatches(t *testing.T) {
	cf := mustCompile(t, `kind in []`)
	if cf.Matches(&nostrmsg.Event{Kind: 6}, nil) {
		t.Error("kind in [] should always evaluate to false")
	}
}

func TestValidate_ValidAndInvalid(t *testing.T) {
	res := Validate(`kind in [6,7] AND created_at == referenced_created_at`)
	if !res.Valid {
		t.Fatalf("expected valid, got error: %s", res.Error)
	}
	want := []string{"created_at", "kind", "referenced_created_at"}
	if len(res.FieldsUsed) != len(want) {
		t.Fatalf("got %v, want %v", res.FieldsUsed, want)
	}

	bad := Validate(`content matches "[invalid"`)
	if bad.Valid {
		t.Fatal("expected invalid result for bad regex")
	}
}
