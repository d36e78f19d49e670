package condition

import (
	"fmt"
	"strings"
)

// Op is a comparison operator.
type Op string

const (
	OpEq Op = "=="
	OpNe Op = "!="
	OpGt Op = ">"
	OpLt Op = "<"
	OpGe Op = ">="
	OpLe Op = "<="
)

func (o Op) ordering() bool {
	return o == OpGt || o == OpLt || o == OpGe || o == OpLe
}

func (o Op) String() string { return string(o) }

// Expr is a parsed condition: one of Comparison, And, Or or Const.
type Expr interface {
	fmt.Stringer
	eval(facts Facts) (bool, error)
}

// Comparison is the atom `key OP literal`.
type Comparison struct {
	Key     string
	Op      Op
	Literal Value
}

// And is a conjunction evaluated left to right with short circuit.
type And struct {
	Terms []Expr
}

// Or is a disjunction evaluated left to right with short circuit.
type Or struct {
	Terms []Expr
}

// Const is an unconditional true or false.
type Const bool

func (c Comparison) String() string {
	return fmt.Sprintf("%s %s %s", c.Key, c.Op, c.Literal)
}

func (a And) String() string { return join(a.Terms, " && ") }

func (o Or) String() string { return join(o.Terms, " || ") }

func (c Const) String() string { return fmt.Sprint(bool(c)) }

func join(terms []Expr, sep string) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		if _, nested := t.(Or); nested {
			parts[i] = "(" + t.String() + ")"
			continue
		}
		parts[i] = t.String()
	}
	return strings.Join(parts, sep)
}

// Keys returns every fact key referenced by expr, in order of appearance.
func Keys(expr Expr) []string {
	var keys []string
	for _, c := range Comparisons(expr) {
		keys = append(keys, c.Key)
	}
	return keys
}

// Comparisons returns every comparison atom of expr, left to right.
func Comparisons(expr Expr) []Comparison {
	var out []Comparison
	var walk func(Expr)
	walk = func(e Expr) {
		switch x := e.(type) {
		case Comparison:
			out = append(out, x)
		case And:
			for _, t := range x.Terms {
				walk(t)
			}
		case Or:
			for _, t := range x.Terms {
				walk(t)
			}
		}
	}
	walk(expr)
	return out
}
