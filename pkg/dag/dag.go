package dag

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrDuplicateNode is returned when two nodes share a name.
	ErrDuplicateNode = errors.New("duplicate node")
	// ErrUnknownNode is returned when a node depends on a name that is not in the graph.
	ErrUnknownNode = errors.New("unknown node")
	// ErrSelfCycle is returned when a node lists itself as a predecessor.
	ErrSelfCycle = errors.New("self cycle")
)

// CycleError reports a dependency cycle. Path starts and ends with the same
// node and every consecutive pair (a, b) is an edge where b depends on a.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

// DAG represents a directed acyclic graph.
type DAG struct {
	// Nodes represents map of name to Node in DAG.
	Nodes map[string]*defaultNode
	// order keeps the declaration order of nodes
	order []string
	// allowNotCheckCycle skips cycle detection (performance issue)
	allowNotCheckCycle bool
}

// NamedNode is a convenience interface for users, only used when creating a DAG
type NamedNode interface {
	// NodeName uniquely identifies a node
	NodeName() string
	// PrevNodeNames represents the immediately preceding nodes connected to the current node
	PrevNodeNames() []string
}

// Node represents a node in the DAG
type Node interface {
	NamedNode
	PrevNodes() []Node
	NextNodes() []Node
	NextNodeNames() []string
}

type Option func(*DAG)

func WithAllowNotCheckCycle(allow bool) Option {
	return func(g *DAG) {
		g.allowNotCheckCycle = allow
	}
}

// New returns a DAG built from nodes in declaration order.
func New(nodes []NamedNode, ops ...Option) (*DAG, error) {
	g := DAG{
		Nodes: make(map[string]*defaultNode, len(nodes)),
		order: make([]string, 0, len(nodes)),
	}

	for _, op := range ops {
		op(&g)
	}

	for _, n := range nodes {
		if err := g.addNode(n); err != nil {
			return nil, err
		}
	}

	// link in declaration order so adjacency lists are deterministic
	for _, name := range g.order {
		n := g.Nodes[name]
		for _, prevNodeName := range n.prevNodeNames {
			if err := g.addLink(n, prevNodeName); err != nil {
				return nil, err
			}
		}
	}

	if !g.allowNotCheckCycle {
		if err := g.detectCycle(); err != nil {
			return nil, err
		}
	}
	return &g, nil
}

func (g *DAG) addNode(n NamedNode) error {
	if _, ok := g.Nodes[n.NodeName()]; ok {
		return errors.Wrapf(ErrDuplicateNode, "node %q", n.NodeName())
	}
	prev := make([]string, len(n.PrevNodeNames()))
	copy(prev, n.PrevNodeNames())
	g.Nodes[n.NodeName()] = &defaultNode{name: n.NodeName(), prevNodeNames: prev}
	g.order = append(g.order, n.NodeName())
	return nil
}

func (g *DAG) addLink(n *defaultNode, prevNodeName string) error {
	if prevNodeName == n.name {
		return errors.Wrapf(ErrSelfCycle, "node %q depends on itself", n.name)
	}
	prevNode, ok := g.Nodes[prevNodeName]
	if !ok {
		return errors.Wrapf(ErrUnknownNode, "node %q depends on a nonexistent node %q", n.name, prevNodeName)
	}
	for _, existing := range n.prevNodes {
		if existing == prevNode {
			return nil
		}
	}
	n.prevNodes = append(n.prevNodes, prevNode)
	prevNode.nextNodes = append(prevNode.nextNodes, n)
	return nil
}

const (
	white = iota
	grey
	black
)

// detectCycle runs a depth-first traversal along next edges, marking nodes on
// the recursion stack grey. Reaching a grey node closes a cycle.
func (g *DAG) detectCycle() error {
	color := make(map[string]int, len(g.Nodes))
	var stack []string

	var visit func(n *defaultNode) error
	visit = func(n *defaultNode) error {
		color[n.name] = grey
		stack = append(stack, n.name)
		for _, next := range n.nextNodes {
			switch color[next.name] {
			case grey:
				return &CycleError{Path: cyclePath(stack, next.name)}
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n.name] = black
		return nil
	}

	for _, name := range g.order {
		if color[name] == white {
			if err := visit(g.Nodes[name]); err != nil {
				return err
			}
		}
	}
	return nil
}

func cyclePath(stack []string, start string) []string {
	for i, name := range stack {
		if name == start {
			path := make([]string, 0, len(stack)-i+1)
			path = append(path, stack[i:]...)
			return append(path, start)
		}
	}
	return []string{start, start}
}

// Names returns node names in declaration order.
func (g *DAG) Names() []string {
	r := make([]string, len(g.order))
	copy(r, g.order)
	return r
}

// Node returns the node with the given name.
func (g *DAG) Node(name string) (Node, bool) {
	n, ok := g.Nodes[name]
	if !ok {
		return nil, false
	}
	return n, true
}

type defaultNode struct {
	name          string
	prevNodeNames []string

	prevNodes []*defaultNode
	nextNodes []*defaultNode
}

func (n *defaultNode) NodeName() string {
	return n.name
}

func (n *defaultNode) PrevNodeNames() []string {
	return n.prevNodeNames
}

func (n *defaultNode) PrevNodes() []Node {
	r := make([]Node, 0, len(n.prevNodes))
	for _, prev := range n.prevNodes {
		r = append(r, prev)
	}
	return r
}

func (n *defaultNode) NextNodeNames() []string {
	r := make([]string, 0, len(n.nextNodes))
	for _, next := range n.nextNodes {
		r = append(r, next.name)
	}
	return r
}

func (n *defaultNode) NextNodes() []Node {
	r := make([]Node, 0, len(n.nextNodes))
	for _, next := range n.nextNodes {
		r = append(r, next)
	}
	return r
}
