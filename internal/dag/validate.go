// Copyright 2025 James Ross
package dag

import (
	"sort"
	"strings"

	"github.com/taskmesh/engine/internal/engineerr"
)

// Validate checks the workflow's structural invariants (non-empty, no
// self-loops, every dependency target known, acyclic) and returns its
// topological order on success.
func Validate(wf *Workflow) ([]string, error) {
	if len(wf.Nodes) == 0 {
		return nil, engineerr.New(engineerr.InvalidInput, "workflow must have at least one node")
	}

	adj := make(map[string][]string, len(wf.Nodes))
	inDegree := make(map[string]int, len(wf.Nodes))
	for id := range wf.Nodes {
		adj[id] = nil
		inDegree[id] = 0
	}

	for id, node := range wf.Nodes {
		seenParent := make(map[string]bool, len(node.Dependencies))
		for _, dep := range node.Dependencies {
			if dep.ParentID == id {
				return nil, engineerr.New(engineerr.InvalidInput, "node %s declares a self-loop dependency", id)
			}
			if _, ok := wf.Nodes[dep.ParentID]; !ok {
				return nil, engineerr.New(engineerr.InvalidInput, "node %s depends on unknown node %s", id, dep.ParentID)
			}
			if seenParent[dep.ParentID] {
				return nil, engineerr.New(engineerr.InvalidInput, "node %s declares duplicate dependency on %s", id, dep.ParentID)
			}
			seenParent[dep.ParentID] = true
			adj[dep.ParentID] = append(adj[dep.ParentID], id)
			inDegree[id]++
		}
	}

	if cyclePath := findCycle(wf, adj); cyclePath != nil {
		return nil, engineerr.New(engineerr.InvalidInput, "cycle detected: %s", strings.Join(cyclePath, " -> "))
	}

	return topologicalSort(wf, adj, inDegree)
}

// findCycle runs a three-color DFS (white=unvisited, grey=on the current
// recursion stack, black=fully explored) over every node, returning the
// back-edge's cycle path the first time a grey node is revisited.
func findCycle(wf *Workflow, adj map[string][]string) []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(wf.Nodes))

	var path []string
	var dfs func(id string) []string
	dfs = func(id string) []string {
		color[id] = grey
		path = append(path, id)

		for _, next := range adj[id] {
			switch color[next] {
			case grey:
				start := -1
				for i, p := range path {
					if p == next {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), next)
				return cycle
			case white:
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	ids := make([]string, 0, len(wf.Nodes))
	for id := range wf.Nodes {
		ids = append(ids, id)
	}
	for _, id := range ids {
		if color[id] == white {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// topologicalSort implements Kahn's algorithm: repeatedly extract
// in-degree-zero nodes. The initial seeds and every adjacency list are
// sorted by node id, so ties break stably and the same graph always
// yields the same order. A short result relative to wf.Nodes means a
// cycle; Validate runs findCycle first, so that branch reports rather
// than panics.
func topologicalSort(wf *Workflow, adj map[string][]string, inDegree map[string]int) ([]string, error) {
	degree := make(map[string]int, len(inDegree))
	for k, v := range inDegree {
		degree[k] = v
	}
	successors := make(map[string][]string, len(adj))
	for id, next := range adj {
		s := append([]string(nil), next...)
		sort.Strings(s)
		successors[id] = s
	}

	var queue []string
	for id, d := range degree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(wf.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range successors[id] {
			degree[next]--
			if degree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(wf.Nodes) {
		return nil, engineerr.New(engineerr.InvalidInput, "topological sort could not order all %d nodes", len(wf.Nodes))
	}
	return order, nil
}
