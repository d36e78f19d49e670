package condition

import "strings"

// Parse compiles src into an Expr. An empty or blank source yields Const(true).
// Ordering operators against a non-number literal are rejected here, so a
// parsed Expr can only fail at evaluation time on a fact of the wrong type.
func Parse(src string) (Expr, error) {
	if strings.TrimSpace(src) == "" {
		return Const(true), nil
	}
	lx := &lexer{src: src}
	toks, err := lx.tokens()
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorf(tok, "unexpected "+describe(tok))
	}
	return expr, nil
}

// MustParse is like Parse but panics on error.
func MustParse(src string) Expr {
	expr, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return expr
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) advance() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(tok token, msg string) error {
	return &SyntaxError{Source: p.src, Offset: tok.pos, Msg: msg}
}

func (p *parser) parseOr() (Expr, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for p.peek().kind == tokOr {
		p.advance()
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return Or{Terms: terms}, nil
}

func (p *parser) parseAnd() (Expr, error) {
	first, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for p.peek().kind == tokAnd {
		p.advance()
		next, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return And{Terms: terms}, nil
}

func (p *parser) parseAtom() (Expr, error) {
	tok := p.advance()
	switch tok.kind {
	case tokLParen:
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.advance(); closing.kind != tokRParen {
			return nil, p.errorf(closing, "expected ')', got "+describe(closing))
		}
		return expr, nil
	case tokTrue:
		return Const(true), nil
	case tokFalse:
		return Const(false), nil
	case tokKey:
		return p.parseComparison(tok)
	}
	return nil, p.errorf(tok, "expected condition, got "+describe(tok))
}

func (p *parser) parseComparison(key token) (Expr, error) {
	if p.peek().kind != tokOp {
		// bare key: `build.success` reads as `build.success == true`
		return Comparison{Key: key.text, Op: OpEq, Literal: Bool(true)}, nil
	}
	opTok := p.advance()
	op := Op(opTok.text)

	litTok := p.advance()
	var lit Value
	switch litTok.kind {
	case tokString:
		lit = String(litTok.text)
	case tokNumber:
		lit = Number(litTok.num)
	case tokTrue:
		lit = Bool(true)
	case tokFalse:
		lit = Bool(false)
	default:
		return nil, p.errorf(litTok, "expected literal after "+opTok.text+", got "+describe(litTok))
	}

	if op.ordering() && lit.Kind() != KindNumber {
		return nil, &TypeError{Key: key.text, Op: op, Literal: lit.Kind()}
	}
	return Comparison{Key: key.text, Op: op, Literal: lit}, nil
}

func describe(tok token) string {
	if tok.kind == tokEOF {
		return "end of input"
	}
	return "'" + tok.text + "'"
}
