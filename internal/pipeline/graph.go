package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// graph is the validated, immutable form of a task list. It is built once
// per Submit and shared read-only by the run that executes it.
type graph struct {
	tasks      map[string]TaskUnit
	deps       map[string][]string
	dependents map[string][]string
	order      []string
}

// buildGraph validates a task list and computes a deterministic topological
// order. It has no side effects on failure.
func buildGraph(tasks []TaskUnit) (*graph, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("pipeline has no tasks")
	}
	g := &graph{
		tasks:      make(map[string]TaskUnit, len(tasks)),
		deps:       make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}
	for _, t := range tasks {
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			return nil, fmt.Errorf("task with empty id")
		}
		if _, ok := g.tasks[t.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		if t.Run == nil {
			return nil, fmt.Errorf("task %s has no run function", t.ID)
		}
		t.Retry = t.Retry.withDefaults()
		g.tasks[t.ID] = t
	}
	for _, t := range g.tasks {
		seen := make(map[string]bool, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			dep = strings.TrimSpace(dep)
			if _, ok := g.tasks[dep]; !ok {
				return nil, &UnknownDependencyError{TaskID: t.ID, DependsOn: dep}
			}
			if dep == t.ID {
				return nil, &CycleError{Path: []string{t.ID, t.ID}}
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.deps[t.ID] = append(g.deps[t.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], t.ID)
		}
	}
	if err := g.topoSort(); err != nil {
		return nil, err
	}
	return g, nil
}

// topoSort runs Kahn's algorithm with an alphabetical tie-break so that
// identical definitions always produce the same order.
func (g *graph) topoSort() error {
	indegree := make(map[string]int, len(g.tasks))
	for id := range g.tasks {
		indegree[id] = len(g.deps[id])
	}
	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.tasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var next []string
		for _, dep := range g.dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				next = append(next, dep)
			}
		}
		sort.Strings(next)
		ready = mergeSorted(ready, next)
	}
	if len(order) != len(g.tasks) {
		return &CycleError{Path: g.cyclePath(indegree)}
	}
	g.order = order
	return nil
}

func mergeSorted(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// cyclePath reconstructs one cycle from the nodes Kahn's algorithm could
// not drain. Every leftover node sits on or downstream of a cycle, so
// walking dependencies inside the leftover set must loop.
func (g *graph) cyclePath(indegree map[string]int) []string {
	leftover := make(map[string]bool)
	for id, n := range indegree {
		if n > 0 {
			leftover[id] = true
		}
	}
	var start string
	for id := range leftover {
		if start == "" || id < start {
			start = id
		}
	}
	visited := make(map[string]int)
	path := []string{}
	cur := start
	for {
		if at, ok := visited[cur]; ok {
			return append(path[at:], cur)
		}
		visited[cur] = len(path)
		path = append(path, cur)
		next := ""
		for _, dep := range g.deps[cur] {
			if leftover[dep] && (next == "" || dep < next) {
				next = dep
			}
		}
		if next == "" {
			return path
		}
		cur = next
	}
}

// transitiveDependents returns every task downstream of id, sorted.
func (g *graph) transitiveDependents(id string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, g.dependents[cur]...)
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
