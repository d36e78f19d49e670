package pipeline

import (
	"fmt"

	"github.com/go-arcade/pipesim/pkg/condition"
	"github.com/go-arcade/pipesim/pkg/dag"
)

// TransitionRule allows From to hand over to To when Condition holds.
// An empty condition always holds.
type TransitionRule struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"when,omitempty"`
}

func (r TransitionRule) String() string {
	if r.Condition == "" {
		return fmt.Sprintf("%s -> %s", r.From, r.To)
	}
	return fmt.Sprintf("%s -> %s [%s]", r.From, r.To, r.Condition)
}

// Edge is a directed pair of stage ids.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (e Edge) String() string {
	return e.From + " -> " + e.To
}

type compiledRule struct {
	TransitionRule
	expr condition.Expr
}

// TransitionTable indexes transition rules by source stage. Rules keep their
// declaration order, which is also their evaluation order.
type TransitionTable struct {
	rules   []compiledRule
	byFrom  map[string][]int
	targets map[string][]string
	sources map[string][]string
	gated   map[Edge]bool
}

// NewTransitionTable validates rules against graph and compiles their
// conditions. Unknown stages, self rules, rules aimed at an ancestor of
// their source, malformed conditions and comparisons that can never type
// check against a built-in fact are rejected with a *ConfigError.
func NewTransitionTable(rules []TransitionRule, graph *StageGraph) (*TransitionTable, error) {
	if graph == nil {
		return nil, configErrorf("", "transition table needs a stage graph")
	}
	t := &TransitionTable{
		rules:   make([]compiledRule, 0, len(rules)),
		byFrom:  make(map[string][]int),
		targets: make(map[string][]string),
		sources: make(map[string][]string),
		gated:   make(map[Edge]bool),
	}
	for i, r := range rules {
		subject := fmt.Sprintf("rule #%d (%s)", i, r)
		if !graph.Has(r.From) {
			return nil, configErrorf(subject, "unknown source stage %q", r.From)
		}
		if !graph.Has(r.To) {
			return nil, configErrorf(subject, "unknown target stage %q", r.To)
		}
		if r.From == r.To {
			return nil, configErrorf(subject, "a stage cannot transition to itself")
		}
		if graph.IsAncestor(r.To, r.From) {
			return nil, configErrorf(subject, "target %q is an ancestor of %q and can never run after it", r.To, r.From)
		}
		expr, err := condition.Parse(r.Condition)
		if err != nil {
			return nil, &ConfigError{Subject: subject, Err: &EvalError{Rule: r, Err: err}}
		}
		if err := checkBuiltinFacts(expr, graph); err != nil {
			return nil, &ConfigError{Subject: subject, Err: &EvalError{Rule: r, Err: err}}
		}

		t.byFrom[r.From] = append(t.byFrom[r.From], len(t.rules))
		t.rules = append(t.rules, compiledRule{TransitionRule: r, expr: expr})
		e := Edge{From: r.From, To: r.To}
		if !t.gated[e] {
			t.gated[e] = true
			t.targets[r.From] = append(t.targets[r.From], r.To)
			t.sources[r.To] = append(t.sources[r.To], r.From)
		}
	}
	if err := checkOrderingCycle(graph, t.sources); err != nil {
		return nil, err
	}
	return t, nil
}

// orderingNode is a stage seen through both its dependencies and the rules
// aimed at it.
type orderingNode struct {
	id   string
	prev []string
}

func (n orderingNode) NodeName() string { return n.id }

func (n orderingNode) PrevNodeNames() []string { return n.prev }

// checkOrderingCycle rejects rules that, together with the dependencies,
// make stages wait on each other.
func checkOrderingCycle(graph *StageGraph, sources map[string][]string) error {
	nodes := make([]dag.NamedNode, 0, graph.Len())
	for _, id := range graph.order {
		prev := make([]string, 0, len(graph.stages[id].DependsOn)+len(sources[id]))
		prev = append(prev, graph.stages[id].DependsOn...)
		prev = append(prev, sources[id]...)
		nodes = append(nodes, orderingNode{id: id, prev: prev})
	}
	if _, err := dag.New(nodes); err != nil {
		return &ConfigError{Subject: "transition rules", Err: err}
	}
	return nil
}

// checkBuiltinFacts rejects comparisons against built-in facts of known
// stages whose literal can never match the fact's type.
func checkBuiltinFacts(expr condition.Expr, graph *StageGraph) error {
	for _, c := range condition.Comparisons(expr) {
		stageID, kind, ok := splitBuiltinFact(c.Key)
		if !ok || !graph.Has(stageID) {
			continue
		}
		if c.Literal.Kind() != kind {
			return &condition.TypeError{Key: c.Key, Op: c.Op, Fact: kind, Literal: c.Literal.Kind()}
		}
	}
	return nil
}

// NextStage evaluates the rules leaving from in declaration order and returns
// the target of the first one that holds. ok is false when none holds. An
// evaluation error stops the scan and is returned as an *EvalError.
func (t *TransitionTable) NextStage(from string, facts condition.Facts) (to string, ok bool, err error) {
	if t == nil {
		return "", false, nil
	}
	for _, i := range t.byFrom[from] {
		r := t.rules[i]
		matched, err := condition.Evaluate(r.expr, facts)
		if err != nil {
			return "", false, &EvalError{Rule: r.TransitionRule, Err: err}
		}
		if matched {
			return r.To, true, nil
		}
	}
	return "", false, nil
}

// evaluate is the lenient form of NextStage used while a run executes: a
// rule whose condition cannot be evaluated counts as not matched.
func (t *TransitionTable) evaluate(from string, facts condition.Facts, onError func(*EvalError)) (TransitionRule, bool) {
	if t == nil {
		return TransitionRule{}, false
	}
	for _, i := range t.byFrom[from] {
		r := t.rules[i]
		matched, err := condition.Evaluate(r.expr, facts)
		if err != nil {
			if onError != nil {
				onError(&EvalError{Rule: r.TransitionRule, Err: err})
			}
			continue
		}
		if matched {
			return r.TransitionRule, true
		}
	}
	return TransitionRule{}, false
}

// Rules returns the rules leaving from in evaluation order.
func (t *TransitionTable) Rules(from string) []TransitionRule {
	if t == nil {
		return nil
	}
	r := make([]TransitionRule, 0, len(t.byFrom[from]))
	for _, i := range t.byFrom[from] {
		r = append(r, t.rules[i].TransitionRule)
	}
	return r
}

// All returns every rule in declaration order.
func (t *TransitionTable) All() []TransitionRule {
	if t == nil {
		return nil
	}
	r := make([]TransitionRule, 0, len(t.rules))
	for _, c := range t.rules {
		r = append(r, c.TransitionRule)
	}
	return r
}

// Len returns the number of rules.
func (t *TransitionTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// Gated reports whether at least one rule connects from to to.
func (t *TransitionTable) Gated(from, to string) bool {
	if t == nil {
		return false
	}
	return t.gated[Edge{From: from, To: to}]
}

// Targets returns the distinct stages reachable by a rule from from.
func (t *TransitionTable) Targets(from string) []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.targets[from]...)
}

// Incoming returns the distinct stages that have a rule into to.
func (t *TransitionTable) Incoming(to string) []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.sources[to]...)
}
