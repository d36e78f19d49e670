package condition

import "fmt"

// SyntaxError reports a malformed condition.
type SyntaxError struct {
	Source string
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d in %q: %s", e.Offset, e.Source, e.Msg)
}

// TypeError reports a comparison between incompatible types. Fact is
// KindAbsent when the mismatch was found while parsing, before any fact exists.
type TypeError struct {
	Key     string
	Op      Op
	Fact    Kind
	Literal Kind
}

func (e *TypeError) Error() string {
	if e.Fact == KindAbsent {
		return fmt.Sprintf("type mismatch: operator %s on %s needs a number literal, got %s", e.Op, e.Key, e.Literal)
	}
	return fmt.Sprintf("type mismatch: %s is %s, compared with %s using %s", e.Key, e.Fact, e.Literal, e.Op)
}
