package scheduler

import (
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"

	"github.com/gammazero/toposort"
)

// TaskGraph holds the nodes of one workflow execution and is the sole source of
// truth for readiness.
type TaskGraph struct {
	mu         sync.RWMutex
	nodes      map[string]*TaskNode
	order      []string            // Insertion order, used for tie-breaks
	dependents map[string][]string // Maps nodeID -> nodes that depend on it
	eager      bool
	validated  bool
}

// GraphOption configures a TaskGraph.
type GraphOption func(*TaskGraph)

// WithEagerValidation makes AddNode reject dependencies that are not yet present.
// Without it, unknown dependencies are reported by Validate.
func WithEagerValidation() GraphOption {
	return func(g *TaskGraph) { g.eager = true }
}

// NewTaskGraph creates an empty graph.
func NewTaskGraph(opts ...GraphOption) *TaskGraph {
	g := &TaskGraph{
		nodes:      make(map[string]*TaskNode),
		dependents: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddNode stores a copy of node in the Pending state.
func (g *TaskGraph) AddNode(node *TaskNode) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("node must have an ID")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[node.ID]; exists {
		return &DuplicateNodeError{ID: node.ID}
	}
	if g.eager {
		for _, depID := range node.DependsOn {
			if _, ok := g.nodes[depID]; !ok {
				return &UnknownDependencyError{NodeID: node.ID, DependencyID: depID}
			}
		}
	}

	cp := cloneNode(node)
	cp.Status = TaskPending
	cp.Output = nil
	cp.Error = nil
	cp.Priority = min(max(cp.Priority, 0), 100)

	g.nodes[cp.ID] = &cp
	g.order = append(g.order, cp.ID)
	for _, depID := range cp.DependsOn {
		g.dependents[depID] = append(g.dependents[depID], cp.ID)
	}
	g.validated = false
	return nil
}

// Validate checks that every dependency exists and that the dependency relation
// is acyclic. It returns node IDs in a topological order.
func (g *TaskGraph) Validate() ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range g.order {
		for _, depID := range g.nodes[id].DependsOn {
			if depID == id {
				return nil, &DependencyCycleError{Cycle: []string{id, id}}
			}
			if _, ok := g.nodes[depID]; !ok {
				return nil, &UnknownDependencyError{NodeID: id, DependencyID: depID}
			}
		}
	}

	edges := make([]toposort.Edge, 0, len(g.order))
	for _, id := range g.order {
		node := g.nodes[id]
		if len(node.DependsOn) == 0 {
			// Roots still need an edge so they appear in the output
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range node.DependsOn {
			// Edge (dep, node) means dep must come before node
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		if cycle := g.findCycle(); cycle != nil {
			return nil, &DependencyCycleError{Cycle: cycle}
		}
		return nil, fmt.Errorf("topological sort: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(g.nodes) {
		// Nodes only reachable through a cycle are dropped by the sort
		return nil, &DependencyCycleError{Cycle: g.findCycle()}
	}

	g.validated = true
	return order, nil
}

// Validated reports whether Validate succeeded since the last AddNode.
func (g *TaskGraph) Validated() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validated
}

// findCycle walks dependency edges depth-first and returns the first cycle found,
// closed on the starting node. Caller must hold g.mu.
func (g *TaskGraph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, depID := range g.nodes[id].DependsOn {
			if _, ok := g.nodes[depID]; !ok {
				continue
			}
			switch color[depID] {
			case gray:
				start := slices.Index(stack, depID)
				cycle = append(append([]string(nil), stack[start:]...), depID)
				return true
			case white:
				if visit(depID) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.order {
		if color[id] == white && visit(id) {
			// Reverse so the path reads in execution direction (dep -> dependent)
			slices.Reverse(cycle)
			return cycle
		}
	}
	return nil
}

// ReadyTasks returns the Pending nodes whose dependencies are all Completed,
// ordered by descending score with ties broken by insertion order. The sequence
// is recomputed every time it is ranged over. A nil score ranks by Priority.
func (g *TaskGraph) ReadyTasks(score func(TaskNode) float64) iter.Seq[TaskNode] {
	return func(yield func(TaskNode) bool) {
		for _, node := range g.readySnapshot(score) {
			if !yield(node) {
				return
			}
		}
	}
}

func (g *TaskGraph) readySnapshot(score func(TaskNode) float64) []TaskNode {
	g.mu.RLock()
	ready := make([]TaskNode, 0)
	for _, id := range g.order {
		node := g.nodes[id]
		if node.Status != TaskPending {
			continue
		}
		if g.dependenciesCompleted(node) {
			ready = append(ready, cloneNode(node))
		}
	}
	g.mu.RUnlock()

	if score == nil {
		score = func(n TaskNode) float64 { return float64(n.Priority) }
	}
	scores := make(map[string]float64, len(ready))
	for _, n := range ready {
		scores[n.ID] = score(n)
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return scores[ready[i].ID] > scores[ready[j].ID]
	})
	return ready
}

// dependenciesCompleted reports whether every dependency has finished
// successfully. Running dependencies do not count. Caller must hold g.mu.
func (g *TaskGraph) dependenciesCompleted(node *TaskNode) bool {
	for _, depID := range node.DependsOn {
		dep, ok := g.nodes[depID]
		if !ok || dep.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// MarkReady moves a node from Pending to Ready.
func (g *TaskGraph) MarkReady(id string) error {
	return g.transition(id, TaskReady, nil, nil, TaskPending)
}

// MarkRunning moves a node from Ready to Running.
func (g *TaskGraph) MarkRunning(id string) error {
	return g.transition(id, TaskRunning, nil, nil, TaskReady)
}

// MarkCompleted moves a node from Running to Completed and stores its output.
func (g *TaskGraph) MarkCompleted(id string, output any) error {
	return g.transition(id, TaskCompleted, output, nil, TaskRunning)
}

// MarkFailed moves a node from Running to Failed and stores the error.
func (g *TaskGraph) MarkFailed(id string, err error) error {
	return g.transition(id, TaskFailed, nil, err, TaskRunning)
}

// MarkSkipped moves a node that has not started to Skipped.
func (g *TaskGraph) MarkSkipped(id string, reason error) error {
	return g.transition(id, TaskSkipped, nil, reason, TaskPending, TaskReady)
}

func (g *TaskGraph) transition(id string, to TaskStatus, output any, err error, from ...TaskStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	if !slices.Contains(from, node.Status) {
		return &InvalidTransitionError{NodeID: id, From: node.Status, To: to}
	}

	node.Status = to
	if output != nil {
		node.Output = output
	}
	if err != nil {
		node.Error = err
	}
	return nil
}

// SkipDownstream marks every not-yet-started node that transitively depends on
// id as Skipped and returns their IDs in breadth-first order.
func (g *TaskGraph) SkipDownstream(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var skipped []string
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		node := g.nodes[cur]
		if node.Status != TaskPending && node.Status != TaskReady {
			continue
		}
		node.Status = TaskSkipped
		node.Error = fmt.Errorf("upstream node %q did not complete", id)
		skipped = append(skipped, cur)
		queue = append(queue, g.dependents[cur]...)
	}
	return skipped
}

// Stalled returns the Pending nodes that can never become ready because some
// transitive dependency Failed or was Skipped.
func (g *TaskGraph) Stalled() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	doomed := make(map[string]bool, len(g.nodes))
	var isDoomed func(id string) bool
	isDoomed = func(id string) bool {
		if v, seen := doomed[id]; seen {
			return v
		}
		doomed[id] = false // guards against revisiting while on the stack
		node := g.nodes[id]
		result := node.Status == TaskFailed || node.Status == TaskSkipped
		if !result && !node.Status.IsTerminal() {
			for _, depID := range node.DependsOn {
				if _, ok := g.nodes[depID]; !ok || isDoomed(depID) {
					result = true
					break
				}
			}
		}
		doomed[id] = result
		return result
	}

	var stalled []string
	for _, id := range g.order {
		if g.nodes[id].Status == TaskPending && isDoomed(id) {
			stalled = append(stalled, id)
		}
	}
	return stalled
}

// Get returns a copy of the node.
func (g *TaskGraph) Get(id string) (TaskNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[id]
	if !ok {
		return TaskNode{}, false
	}
	return cloneNode(node), true
}

// Nodes returns copies of all nodes in insertion order.
func (g *TaskGraph) Nodes() []TaskNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]TaskNode, 0, len(g.order))
	for _, id := range g.order {
		nodes = append(nodes, cloneNode(g.nodes[id]))
	}
	return nodes
}

// Dependents returns the IDs of nodes that directly depend on id.
func (g *TaskGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[id]...)
}

// Len returns the number of nodes.
func (g *TaskGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Progress counts nodes per status.
type Progress struct {
	Total     int
	Pending   int
	Ready     int
	Running   int
	Completed int
	Failed    int
	Skipped   int
}

// Counts returns the current Progress.
func (g *TaskGraph) Counts() Progress {
	g.mu.RLock()
	defer g.mu.RUnlock()

	p := Progress{Total: len(g.order)}
	for _, node := range g.nodes {
		switch node.Status {
		case TaskPending:
			p.Pending++
		case TaskReady:
			p.Ready++
		case TaskRunning:
			p.Running++
		case TaskCompleted:
			p.Completed++
		case TaskFailed:
			p.Failed++
		case TaskSkipped:
			p.Skipped++
		}
	}
	return p
}

// idsWithStatus returns IDs in insertion order whose status is s.
func (g *TaskGraph) idsWithStatus(s TaskStatus) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []string
	for _, id := range g.order {
		if g.nodes[id].Status == s {
			ids = append(ids, id)
		}
	}
	return ids
}
