package filterdsl

import (
	"fmt"
	"regexp"
)

// CompiledFilter is a parsed AST plus the regex table for every
// "matches" condition's pattern. Two conditions with an identical
// pattern string share one compiled regex.
type CompiledFilter struct {
	AST     Expr
	Regexes map[string]*regexp.Regexp
}

// CompileError reports a regex-compile failure found while walking the
// AST, at the byte offset of the pattern literal.
type CompileError struct {
	Message  string
	Position int
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%s at position %d", e.Message, e.Position)
}

// Compile parses src and compiles every "matches" pattern it contains
// into a memoized regex table.
func Compile(src string) (*CompiledFilter, error) {
	ast, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return CompileAST(ast)
}

// CompileAST walks an already-parsed AST and builds its regex table.
func CompileAST(ast Expr) (*CompiledFilter, error) {
	regexes := map[string]*regexp.Regexp{}
	if err := walkCompile(ast, regexes); err != nil {
		return nil, err
	}
	return &CompiledFilter{AST: ast, Regexes: regexes}, nil
}

func walkCompile(e Expr, regexes map[string]*regexp.Regexp) error {
	switch n := e.(type) {
	case *And:
		if err := walkCompile(n.Left, regexes); err != nil {
			return err
		}
		return walkCompile(n.Right, regexes)
	case *Or:
		if err := walkCompile(n.Left, regexes); err != nil {
			return err
		}
		return walkCompile(n.Right, regexes)
	case *Not:
		return walkCompile(n.Inner, regexes)
	case *Condition:
		if n.Op != OpMatches {
			return nil
		}
		if n.Value.Kind != ValueString {
			return nil // non-literal RHS (field-ref) can't be precompiled
		}
		pattern := n.Value.Str
		if _, ok := regexes[pattern]; ok {
			return nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return &CompileError{Message: "invalid regex: " + err.Error(), Position: n.Value.Pos}
		}
		regexes[pattern] = re
		return nil
	}
	return nil
}
