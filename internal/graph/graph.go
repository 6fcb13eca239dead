// Package graph builds the dependency graph of a plan and partitions its steps
// into waves of maximal parallelism.
package graph

import (
	"fmt"
	"slices"

	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/plan"
)

// Graph is the adjacency structure of a validated, acyclic plan.
type Graph struct {
	// Steps holds every step number, ascending.
	Steps []int
	// Dependents maps a step to the steps that depend on it.
	Dependents map[int][]int
	// Dependencies maps a step to the steps it depends on.
	Dependencies map[int][]int
}

// Build constructs the graph for p. Every dependency must reference an existing
// step, and no step may depend on itself directly or transitively. A cycle
// yields a *errors.PlanValidationError naming the first step found to re-enter
// its own ancestry, with the cycle path attached.
func Build(p *plan.Plan) (*Graph, error) {
	if p == nil {
		return nil, errors.NewPlanValidationError("plan is nil", errors.ErrPlanInvalid)
	}

	g := &Graph{
		Steps:        make([]int, 0, len(p.Steps)),
		Dependents:   make(map[int][]int, len(p.Steps)),
		Dependencies: make(map[int][]int, len(p.Steps)),
	}
	for _, s := range p.Steps {
		if _, dup := g.Dependencies[s.StepNumber]; dup {
			return nil, errors.NewPlanValidationError(
				fmt.Sprintf("duplicate step number %d", s.StepNumber), errors.ErrPlanInvalid,
			).WithStep(s.StepNumber).WithField("stepNumber")
		}
		g.Steps = append(g.Steps, s.StepNumber)
		g.Dependencies[s.StepNumber] = nil
		g.Dependents[s.StepNumber] = nil
	}
	slices.Sort(g.Steps)

	for _, s := range p.Steps {
		deps := slices.Clone(s.Dependencies)
		slices.Sort(deps)
		deps = slices.Compact(deps)
		for _, dep := range deps {
			if _, ok := g.Dependencies[dep]; !ok {
				return nil, errors.NewPlanValidationError(
					fmt.Sprintf("step %d depends on unknown step %d", s.StepNumber, dep), errors.ErrUnknownStep,
				).WithStep(s.StepNumber).WithField("dependencies")
			}
			g.Dependents[dep] = append(g.Dependents[dep], s.StepNumber)
		}
		g.Dependencies[s.StepNumber] = deps
	}
	for n := range g.Dependents {
		slices.Sort(g.Dependents[n])
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, errors.NewPlanValidationError(
			fmt.Sprintf("step %d re-enters its own dependency chain", cycle[0]), errors.ErrDependencyCycle,
		).WithStep(cycle[0]).WithField("dependencies").WithCycle(cycle)
	}
	return g, nil
}

// findCycle runs a depth-first search along dependency edges, visiting steps in
// ascending order. It returns the path that closes the first cycle found,
// starting and ending with the re-entered step, or nil.
func (g *Graph) findCycle() []int {
	visited := make(map[int]bool, len(g.Steps))
	onStack := make(map[int]bool, len(g.Steps))
	parent := make(map[int]int, len(g.Steps))

	var dfs func(n int) []int
	dfs = func(n int) []int {
		visited[n] = true
		onStack[n] = true

		for _, dep := range g.Dependencies[n] {
			if !visited[dep] {
				parent[dep] = n
				if cycle := dfs(dep); cycle != nil {
					return cycle
				}
			} else if onStack[dep] {
				cycle := []int{dep}
				for cur := n; cur != dep; cur = parent[cur] {
					cycle = append([]int{cur}, cycle...)
				}
				return append([]int{dep}, cycle...)
			}
		}

		onStack[n] = false
		return nil
	}

	for _, n := range g.Steps {
		if !visited[n] {
			if cycle := dfs(n); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Has reports whether n is a step of the graph.
func (g *Graph) Has(n int) bool {
	_, ok := g.Dependencies[n]
	return ok
}

// Roots returns the steps without dependencies, ascending.
func (g *Graph) Roots() []int {
	var roots []int
	for _, n := range g.Steps {
		if len(g.Dependencies[n]) == 0 {
			roots = append(roots, n)
		}
	}
	return roots
}

// Ancestors returns every step n transitively depends on.
func (g *Graph) Ancestors(n int) map[int]bool {
	return g.walk(n, g.Dependencies)
}

// Descendants returns every step that transitively depends on n.
func (g *Graph) Descendants(n int) map[int]bool {
	return g.walk(n, g.Dependents)
}

func (g *Graph) walk(n int, edges map[int][]int) map[int]bool {
	seen := make(map[int]bool)
	stack := slices.Clone(edges[n])
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, edges[cur]...)
	}
	return seen
}

// InChain reports whether a and b are ordered by a dependency path in either
// direction, meaning they can never run in the same wave.
func (g *Graph) InChain(a, b int) bool {
	return g.Ancestors(a)[b] || g.Ancestors(b)[a]
}
