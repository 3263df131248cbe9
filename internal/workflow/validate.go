// Package workflow validates workflow definitions and evaluates edge
// guards. The execution plane rejects invalid graphs at StartRun time;
// nothing downstream re-checks the invariants.
package workflow

import (
	"errors"
	"fmt"

	"github.com/flowplane/flowplane/internal/model"
)

// ErrInvalidWorkflow wraps every validation failure so callers can map it
// to the InvalidWorkflow API error.
var ErrInvalidWorkflow = errors.New("invalid workflow")

// Validate checks the graph invariants: non-empty, unique node ids, every
// referenced dependency exists, acyclic, at least one entry node, and
// every node reachable from the entry set.
func Validate(wf *model.Workflow) error {
	if wf == nil || wf.ID == "" {
		return fmt.Errorf("%w: missing workflow id", ErrInvalidWorkflow)
	}
	if len(wf.Nodes) == 0 {
		return fmt.Errorf("%w: workflow has no nodes", ErrInvalidWorkflow)
	}

	ids := make(map[string]struct{}, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node with empty id", ErrInvalidWorkflow)
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidWorkflow, n.ID)
		}
		ids[n.ID] = struct{}{}
	}

	for _, n := range wf.Nodes {
		for _, dep := range n.Depends {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("%w: node %q depends on unknown node %q", ErrInvalidWorkflow, n.ID, dep)
			}
			if dep == n.ID {
				return fmt.Errorf("%w: node %q depends on itself", ErrInvalidWorkflow, n.ID)
			}
		}
	}
	for _, e := range wf.Edges {
		if _, ok := ids[e.From]; !ok {
			return fmt.Errorf("%w: edge from unknown node %q", ErrInvalidWorkflow, e.From)
		}
		if _, ok := ids[e.To]; !ok {
			return fmt.Errorf("%w: edge to unknown node %q", ErrInvalidWorkflow, e.To)
		}
		if e.From == e.To {
			return fmt.Errorf("%w: edge %q -> %q is a self loop", ErrInvalidWorkflow, e.From, e.To)
		}
	}

	entries := entryNodes(wf)
	if len(entries) == 0 {
		return fmt.Errorf("%w: no entry nodes (dependency cycle or empty graph)", ErrInvalidWorkflow)
	}

	if cycle := findCycle(wf); cycle != "" {
		return fmt.Errorf("%w: cycle through node %q", ErrInvalidWorkflow, cycle)
	}

	if unreachable := findUnreachable(wf, entries); unreachable != "" {
		return fmt.Errorf("%w: node %q is unreachable from the entry set", ErrInvalidWorkflow, unreachable)
	}

	return nil
}

// entryNodes returns the ids of nodes with no dependencies.
func entryNodes(wf *model.Workflow) []string {
	var entries []string
	for _, n := range wf.Nodes {
		if len(wf.Dependencies(n.ID)) == 0 {
			entries = append(entries, n.ID)
		}
	}
	return entries
}

// findCycle runs an iterative three-color DFS and returns a node id on a
// cycle, or "".
func findCycle(wf *model.Workflow) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(wf.Nodes))

	// forward adjacency: producer -> consumers
	next := make(map[string][]string)
	for _, n := range wf.Nodes {
		for _, dep := range wf.Dependencies(n.ID) {
			next[dep] = append(next[dep], n.ID)
		}
	}

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, succ := range next[id] {
			switch color[succ] {
			case gray:
				return succ
			case white:
				if hit := visit(succ); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, n := range wf.Nodes {
		if color[n.ID] == white {
			if hit := visit(n.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// findUnreachable walks forward from the entry set and returns a node id
// not reached, or "".
func findUnreachable(wf *model.Workflow, entries []string) string {
	next := make(map[string][]string)
	for _, n := range wf.Nodes {
		for _, dep := range wf.Dependencies(n.ID) {
			next[dep] = append(next[dep], n.ID)
		}
	}

	reached := make(map[string]struct{}, len(wf.Nodes))
	queue := append([]string(nil), entries...)
	for len(queue) > 0 {
		var id string
		id, queue = queue[0], queue[1:]
		if _, ok := reached[id]; ok {
			continue
		}
		reached[id] = struct{}{}
		queue = append(queue, next[id]...)
	}

	for _, n := range wf.Nodes {
		if _, ok := reached[n.ID]; !ok {
			return n.ID
		}
	}
	return ""
}
