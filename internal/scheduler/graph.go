// Package scheduler builds dependency graphs from agent profiles and
// executes cohorts in topologically-ordered batches.
package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"maestro/internal/delegation"
	"maestro/internal/profile"
)

// Node statuses.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusRunning   NodeStatus = "running"
	StatusCompleted NodeStatus = "completed"
	StatusFailed    NodeStatus = "failed"
	StatusSkipped   NodeStatus = "skipped"
	StatusCancelled NodeStatus = "cancelled"
)

// Node is one agent in the dependency graph.
type Node struct {
	Agent        *profile.Profile   `json:"-"`
	Name         string             `json:"name"`
	Dependencies []string           `json:"dependencies,omitempty"`
	Level        int                `json:"level"`
	Status       NodeStatus         `json:"status"`
	Result       *delegation.Result `json:"result,omitempty"`
}

// Graph is the flat-map representation of the cohort DAG. Nodes never hold
// pointers to each other; all wiring goes through name keys.
type Graph struct {
	Nodes     map[string]*Node    `json:"nodes"`
	Adjacency map[string][]string `json:"adjacency"` // dep -> dependents
	Levels    map[int][]string    `json:"levels"`
	MaxLevel  int                 `json:"max_level"`
}

// CircularDependencyError reports a concrete cycle found during graph
// construction.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Cycle, " -> "))
}

// BuildGraph constructs the DAG for a cohort. Edges referencing unknown
// agents are rejected; cycles fail with a concrete cycle path.
func BuildGraph(agents []*profile.Profile) (*Graph, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("empty cohort")
	}

	g := &Graph{
		Nodes:     make(map[string]*Node, len(agents)),
		Adjacency: make(map[string][]string),
		Levels:    make(map[int][]string),
	}

	for _, a := range agents {
		if _, dup := g.Nodes[a.Name]; dup {
			return nil, fmt.Errorf("duplicate agent %q in cohort", a.Name)
		}
		g.Nodes[a.Name] = &Node{
			Agent:        a,
			Name:         a.Name,
			Dependencies: append([]string(nil), a.Dependencies...),
			Level:        -1,
			Status:       StatusPending,
		}
	}

	for name, node := range g.Nodes {
		for _, dep := range node.Dependencies {
			if _, known := g.Nodes[dep]; !known {
				return nil, fmt.Errorf("agent %q depends on unknown agent %q", name, dep)
			}
			g.Adjacency[dep] = append(g.Adjacency[dep], name)
		}
	}
	for dep := range g.Adjacency {
		sort.Strings(g.Adjacency[dep])
	}

	if err := g.computeLevels(); err != nil {
		return nil, err
	}
	return g, nil
}

// computeLevels assigns level(n) = 1 + max(level(deps)) by Kahn-style
// propagation, with roots at level 0.
func (g *Graph) computeLevels() error {
	indegree := make(map[string]int, len(g.Nodes))
	for name, node := range g.Nodes {
		indegree[name] = len(node.Dependencies)
	}

	var frontier []string
	for name, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, name)
			g.Nodes[name].Level = 0
		}
	}
	sort.Strings(frontier)

	levelled := 0
	for len(frontier) > 0 {
		var next []string
		for _, name := range frontier {
			levelled++
			node := g.Nodes[name]
			g.Levels[node.Level] = append(g.Levels[node.Level], name)
			if node.Level > g.MaxLevel {
				g.MaxLevel = node.Level
			}

			for _, child := range g.Adjacency[name] {
				childNode := g.Nodes[child]
				if node.Level+1 > childNode.Level {
					childNode.Level = node.Level + 1
				}
				indegree[child]--
				if indegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}

	for level := range g.Levels {
		sort.Strings(g.Levels[level])
	}

	if levelled < len(g.Nodes) {
		return &CircularDependencyError{Cycle: g.findCycle(indegree)}
	}
	return nil
}

// findCycle walks an unlevelled node through its unresolved dependencies
// until a name repeats, surfacing a concrete cycle.
func (g *Graph) findCycle(indegree map[string]int) []string {
	var start string
	var candidates []string
	for name, deg := range indegree {
		if deg > 0 {
			candidates = append(candidates, name)
		}
	}
	sort.Strings(candidates)
	start = candidates[0]

	unresolved := make(map[string]bool, len(candidates))
	for _, name := range candidates {
		unresolved[name] = true
	}

	seen := make(map[string]int)
	var path []string
	current := start
	for {
		if idx, visited := seen[current]; visited {
			return append(path[idx:], current)
		}
		seen[current] = len(path)
		path = append(path, current)

		// Follow the first dependency still inside the unresolved set.
		next := ""
		for _, dep := range g.Nodes[current].Dependencies {
			if unresolved[dep] {
				next = dep
				break
			}
		}
		current = next
	}
}

// NodesWithStatus returns the names of nodes holding the given status, sorted.
func (g *Graph) NodesWithStatus(status NodeStatus) []string {
	var out []string
	for name, node := range g.Nodes {
		if node.Status == status {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
