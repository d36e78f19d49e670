package dag

// Batches groups nodes into waves: every node lands in a later wave than all
// of its predecessors. Nodes inside a wave keep declaration order.
func (g *DAG) Batches() [][]string {
	level := make(map[string]int, len(g.order))
	maxLevel := -1
	for _, name := range g.TopologicalOrder() {
		l := 0
		for _, prev := range g.Nodes[name].prevNodes {
			if level[prev.name]+1 > l {
				l = level[prev.name] + 1
			}
		}
		level[name] = l
		if l > maxLevel {
			maxLevel = l
		}
	}

	batches := make([][]string, maxLevel+1)
	for _, name := range g.order {
		l := level[name]
		batches[l] = append(batches[l], name)
	}
	return batches
}

// TopologicalOrder returns a total order consistent with every edge. Ties are
// broken by declaration order (Kahn's algorithm over the declared sequence).
func (g *DAG) TopologicalOrder() []string {
	indegree := make(map[string]int, len(g.order))
	for _, name := range g.order {
		indegree[name] = len(g.Nodes[name].prevNodes)
	}

	result := make([]string, 0, len(g.order))
	done := make(map[string]bool, len(g.order))
	for len(result) < len(g.order) {
		progressed := false
		for _, name := range g.order {
			if done[name] || indegree[name] > 0 {
				continue
			}
			done[name] = true
			result = append(result, name)
			for _, next := range g.Nodes[name].nextNodes {
				indegree[next.name]--
			}
			progressed = true
		}
		if !progressed {
			// only reachable when cycle detection was disabled
			break
		}
	}
	return result
}

// Ancestors returns every transitive predecessor of name with its distance in
// hops, nearest first. Equal distances keep declaration order of the edges.
func (g *DAG) Ancestors(name string) []Ancestor {
	if _, ok := g.Nodes[name]; !ok {
		return nil
	}
	seen := map[string]bool{name: true}
	queue := []Ancestor{{Name: name}}
	var result []Ancestor
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, prev := range g.Nodes[cur.Name].prevNodes {
			if seen[prev.name] {
				continue
			}
			seen[prev.name] = true
			a := Ancestor{Name: prev.name, Distance: cur.Distance + 1}
			result = append(result, a)
			queue = append(queue, a)
		}
	}
	return result
}

// Ancestor is a transitive predecessor and its hop distance.
type Ancestor struct {
	Name     string
	Distance int
}

// IsAncestor reports whether candidate is a transitive predecessor of name.
func (g *DAG) IsAncestor(candidate, name string) bool {
	for _, a := range g.Ancestors(name) {
		if a.Name == candidate {
			return true
		}
	}
	return false
}
