// Package workflow loads workflow definition files and turns them into task
// graphs. Definitions are YAML; JSON files are accepted as the YAML subset.
package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/selfheal/internal/scheduler"
)

// DefaultTimeout applies to nodes that don't set a timeout.
const DefaultTimeout = 300 * time.Second

// RouteSpec is an alternate agent for a node.
type RouteSpec struct {
	Agent  string         `yaml:"agent,omitempty" json:"agent,omitempty"` // Empty reuses the node's agent
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// NodeSpec is one node as written in a definition file. Durations use Go
// syntax ("30s", "5m"); a timeout of "0" disables the deadline.
type NodeSpec struct {
	ID                string         `yaml:"id" json:"id"`
	Name              string         `yaml:"name,omitempty" json:"name,omitempty"`
	Agent             string         `yaml:"agent" json:"agent"`
	DependsOn         []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Priority          int            `yaml:"priority,omitempty" json:"priority,omitempty"`
	EstimatedDuration string         `yaml:"estimated_duration,omitempty" json:"estimated_duration,omitempty"`
	Timeout           string         `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Params            map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Resources         []string       `yaml:"resources,omitempty" json:"resources,omitempty"`
	Fallback          *RouteSpec     `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	Degraded          *RouteSpec     `yaml:"degraded,omitempty" json:"degraded,omitempty"`
}

// Definition is a workflow as written in a definition file.
type Definition struct {
	ID          string     `yaml:"id" json:"id"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Nodes       []NodeSpec `yaml:"nodes" json:"nodes"`
}

// Parse decodes a definition. Unknown fields are rejected.
func Parse(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty workflow definition")
		}
		return nil, fmt.Errorf("parsing workflow definition: %w", err)
	}
	if err := def.Check(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile reads and parses the definition at path.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Check reports structural problems that don't need the graph: missing IDs,
// missing agents, and malformed durations. Dependency problems are reported by
// the graph itself.
func (d *Definition) Check() error {
	var errs []error
	if d.ID == "" {
		errs = append(errs, fmt.Errorf("workflow id is required"))
	}
	if len(d.Nodes) == 0 {
		errs = append(errs, fmt.Errorf("workflow %q has no nodes", d.ID))
	}
	for i, n := range d.Nodes {
		if n.ID == "" {
			errs = append(errs, fmt.Errorf("node %d: id is required", i))
			continue
		}
		if n.Agent == "" {
			errs = append(errs, fmt.Errorf("node %q: agent is required", n.ID))
		}
		if _, err := parseDuration(n.Timeout, DefaultTimeout); err != nil {
			errs = append(errs, fmt.Errorf("node %q: timeout: %w", n.ID, err))
		}
		if _, err := parseDuration(n.EstimatedDuration, 0); err != nil {
			errs = append(errs, fmt.Errorf("node %q: estimated_duration: %w", n.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Build turns the definition into a validated TaskGraph.
func (d *Definition) Build() (*scheduler.TaskGraph, error) {
	if err := d.Check(); err != nil {
		return nil, err
	}

	g := scheduler.NewTaskGraph()
	for _, n := range d.Nodes {
		node, err := n.toTaskNode()
		if err != nil {
			return nil, err
		}
		if err := g.AddNode(node); err != nil {
			return nil, fmt.Errorf("workflow %q: %w", d.ID, err)
		}
	}
	if _, err := g.Validate(); err != nil {
		return nil, fmt.Errorf("workflow %q: %w", d.ID, err)
	}
	return g, nil
}

func (n NodeSpec) toTaskNode() (*scheduler.TaskNode, error) {
	timeout, err := parseDuration(n.Timeout, DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("node %q: timeout: %w", n.ID, err)
	}
	estimate, err := parseDuration(n.EstimatedDuration, 0)
	if err != nil {
		return nil, fmt.Errorf("node %q: estimated_duration: %w", n.ID, err)
	}

	name := n.Name
	if name == "" {
		name = n.ID
	}
	return &scheduler.TaskNode{
		ID:                n.ID,
		Name:              name,
		AgentRef:          n.Agent,
		DependsOn:         n.DependsOn,
		Priority:          n.Priority,
		EstimatedDuration: estimate,
		Timeout:           timeout,
		Params:            n.Params,
		Resources:         n.Resources,
		Fallback:          n.Fallback.toRoute(),
		Degraded:          n.Degraded.toRoute(),
	}, nil
}

func (r *RouteSpec) toRoute() *scheduler.Route {
	if r == nil {
		return nil
	}
	return &scheduler.Route{AgentRef: r.Agent, Params: r.Params}
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative: %s", s)
	}
	return d, nil
}

// Agents returns the distinct agent refs the workflow uses, including routes,
// in first-use order.
func (d *Definition) Agents() []string {
	seen := make(map[string]bool)
	var refs []string
	add := func(ref string) {
		if ref != "" && !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	for _, n := range d.Nodes {
		add(n.Agent)
		if n.Fallback != nil {
			add(n.Fallback.Agent)
		}
		if n.Degraded != nil {
			add(n.Degraded.Agent)
		}
	}
	return refs
}
