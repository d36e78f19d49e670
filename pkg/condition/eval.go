package condition

// Evaluate reports whether expr holds for facts. A comparison against an
// absent key is false for every operator.
func Evaluate(expr Expr, facts Facts) (bool, error) {
	if expr == nil {
		return true, nil
	}
	return expr.eval(facts)
}

func (c Const) eval(Facts) (bool, error) {
	return bool(c), nil
}

func (a And) eval(facts Facts) (bool, error) {
	for _, t := range a.Terms {
		ok, err := t.eval(facts)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (o Or) eval(facts Facts) (bool, error) {
	for _, t := range o.Terms {
		ok, err := t.eval(facts)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (c Comparison) eval(facts Facts) (bool, error) {
	fact := facts.Lookup(c.Key)
	if fact.IsAbsent() {
		return false, nil
	}
	if fact.Kind() != c.Literal.Kind() {
		return false, &TypeError{Key: c.Key, Op: c.Op, Fact: fact.Kind(), Literal: c.Literal.Kind()}
	}

	switch fact.Kind() {
	case KindNumber:
		return compareNumbers(fact.Num(), c.Op, c.Literal.Num()), nil
	case KindString:
		return compareEquality(fact.Str() == c.Literal.Str(), c.Op), nil
	default:
		return compareEquality(fact.BoolValue() == c.Literal.BoolValue(), c.Op), nil
	}
}

func compareNumbers(l float64, op Op, r float64) bool {
	switch op {
	case OpEq:
		return l == r
	case OpNe:
		return l != r
	case OpGt:
		return l > r
	case OpLt:
		return l < r
	case OpGe:
		return l >= r
	case OpLe:
		return l <= r
	}
	return false
}

// compareEquality handles string and bool operands, which only support == and !=.
func compareEquality(equal bool, op Op) bool {
	if op == OpNe {
		return !equal
	}
	return equal
}
