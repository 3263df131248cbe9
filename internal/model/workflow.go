package model

import (
	"time"
)

// Workflow is an immutable versioned DAG of nodes. The execution plane
// receives it as a snapshot attached to a run and never mutates it.
type Workflow struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
}

// Node is a typed unit of work within a workflow.
type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Params   map[string]any `json:"params,omitempty"`
	Policy   NodePolicy     `json:"policy"`
	Depends  []string       `json:"depends,omitempty"`
	Priority int            `json:"priority,omitempty"`
	// Critical nodes fail the whole run when they exhaust retries.
	// Non-critical nodes fail alone; their dependents are skipped.
	Critical bool `json:"critical,omitempty"`
}

// NodePolicy bounds a single node's execution. MaxRetries distinguishes
// unset (nil, scheduler default applies) from an explicit zero, which
// disables retries entirely.
type NodePolicy struct {
	Timeout       time.Duration  `json:"timeout,omitempty"`
	MaxRetries    *int           `json:"maxRetries,omitempty"`
	BackoffBase   time.Duration  `json:"backoffBase,omitempty"`
	BackoffCap    time.Duration  `json:"backoffCap,omitempty"`
	Jitter        bool           `json:"jitter,omitempty"`
	AllowedHosts  []string       `json:"allowedHosts,omitempty"`
	ResourceLimit ResourceLimits `json:"resourceLimit,omitempty"`
}

// Retries builds an explicit retry budget for a node policy.
func Retries(n int) *int {
	return &n
}

// ResourceLimits is passed opaquely to the runner.
type ResourceLimits struct {
	CPUMillis int `json:"cpuMillis,omitempty"`
	MemoryMB  int `json:"memoryMB,omitempty"`
}

// Edge connects a producer node to a consumer node. An optional guard
// expression over the producer's output decides whether the edge is
// active; a node whose every incoming edge is inactive is skipped.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Guard string `json:"guard,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// IncomingEdges returns the edges whose consumer is the given node.
func (w *Workflow) IncomingEdges(nodeID string) []Edge {
	var edges []Edge
	for _, e := range w.Edges {
		if e.To == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}

// Dependencies returns the ids of all producers the node depends on,
// merging the node's dependency list with incoming edges.
func (w *Workflow) Dependencies(nodeID string) []string {
	seen := make(map[string]struct{})
	var deps []string
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			deps = append(deps, id)
		}
	}
	if node := w.NodeByID(nodeID); node != nil {
		for _, d := range node.Depends {
			add(d)
		}
	}
	for _, e := range w.Edges {
		if e.To == nodeID {
			add(e.From)
		}
	}
	return deps
}
