package filterdsl

// ValidationResult is the result of running lex->parse->compile over a
// source string, used by the admin-facing rule-editing path.
type ValidationResult struct {
	Valid      bool
	AST        Expr
	FieldsUsed []string
	Error      string
	Position   int
}

// Validate runs the full lex->parse->compile pipeline over src. On
// success it reports the sorted, deduplicated set of fields the
// expression references. On failure it reports the error message and
// the byte offset of the offending token.
func Validate(src string) ValidationResult {
	ast, err := Parse(src)
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			return ValidationResult{Valid: false, Error: pe.Message, Position: pe.Position}
		}
		return ValidationResult{Valid: false, Error: err.Error()}
	}

	if _, err := CompileAST(ast); err != nil {
		if ce, ok := err.(*CompileError); ok {
			return ValidationResult{Valid: false, Error: ce.Message, Position: ce.Position}
		}
		return ValidationResult{Valid: false, Error: err.Error()}
	}

	return ValidationResult{
		Valid:      true,
		AST:        ast,
		FieldsUsed: ExtractFields(ast),
	}
}
