package workflow

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/flowplane/flowplane/internal/model"
)

// Definition structs mirror the YAML surface; Load converts them into
// the model and validates the result. Durations are strings ("30s") in
// YAML.

type workflowDef struct {
	ID      string    `yaml:"id"`
	Version int       `yaml:"version"`
	Nodes   []nodeDef `yaml:"nodes"`
	Edges   []edgeDef `yaml:"edges"`
}

type nodeDef struct {
	ID       string         `yaml:"id"`
	Type     string         `yaml:"type"`
	Params   map[string]any `yaml:"params"`
	Depends  []string       `yaml:"depends"`
	Priority int            `yaml:"priority"`
	Critical bool           `yaml:"critical"`
	Policy   *policyDef     `yaml:"policy"`
}

// MaxRetries is a pointer so an explicit `maxRetries: 0` survives as a
// zero budget instead of falling back to the scheduler default.
type policyDef struct {
	Timeout       string       `yaml:"timeout"`
	MaxRetries    *int         `yaml:"maxRetries"`
	BackoffBase   string       `yaml:"backoffBase"`
	BackoffCap    string       `yaml:"backoffCap"`
	Jitter        bool         `yaml:"jitter"`
	AllowedHosts  []string     `yaml:"allowedHosts"`
	ResourceLimit *resourceDef `yaml:"resourceLimit"`
}

type resourceDef struct {
	CPUMillis int `yaml:"cpuMillis"`
	MemoryMB  int `yaml:"memoryMB"`
}

type edgeDef struct {
	From  string `yaml:"from"`
	To    string `yaml:"to"`
	Guard string `yaml:"guard"`
}

// Load parses a workflow definition from YAML and validates it.
func Load(data []byte) (*model.Workflow, error) {
	var def workflowDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalidWorkflow, err)
	}

	wf := &model.Workflow{
		ID:      def.ID,
		Version: def.Version,
	}
	for _, nd := range def.Nodes {
		node, err := buildNode(nd)
		if err != nil {
			return nil, err
		}
		wf.Nodes = append(wf.Nodes, node)
	}
	for _, ed := range def.Edges {
		wf.Edges = append(wf.Edges, model.Edge{From: ed.From, To: ed.To, Guard: ed.Guard})
	}

	if err := Validate(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// LoadFile reads and parses a workflow definition file.
func LoadFile(path string) (*model.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return Load(data)
}

func buildNode(def nodeDef) (model.Node, error) {
	node := model.Node{
		ID:       def.ID,
		Type:     def.Type,
		Params:   def.Params,
		Depends:  def.Depends,
		Priority: def.Priority,
		Critical: def.Critical,
	}
	if def.Policy == nil {
		return node, nil
	}

	var err error
	if node.Policy.Timeout, err = parseDuration(def.ID, "timeout", def.Policy.Timeout); err != nil {
		return node, err
	}
	if node.Policy.BackoffBase, err = parseDuration(def.ID, "backoffBase", def.Policy.BackoffBase); err != nil {
		return node, err
	}
	if node.Policy.BackoffCap, err = parseDuration(def.ID, "backoffCap", def.Policy.BackoffCap); err != nil {
		return node, err
	}
	node.Policy.MaxRetries = def.Policy.MaxRetries
	node.Policy.Jitter = def.Policy.Jitter
	node.Policy.AllowedHosts = def.Policy.AllowedHosts
	if def.Policy.ResourceLimit != nil {
		node.Policy.ResourceLimit = model.ResourceLimits{
			CPUMillis: def.Policy.ResourceLimit.CPUMillis,
			MemoryMB:  def.Policy.ResourceLimit.MemoryMB,
		}
	}
	return node, nil
}

func parseDuration(nodeID, field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: node %s: %s: %v", ErrInvalidWorkflow, nodeID, field, err)
	}
	return d, nil
}
