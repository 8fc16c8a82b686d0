package pipeline

import (
	"sort"

	"github.com/vk/batchflow/internal/manifest"
)

// Resources is the optional per-task override of the global resource policy.
// Nil pointer fields mean "inherit from the less specific layers".
type Resources struct {
	CPUs      *int
	MemoryMB  *int
	TimeMin   *int
	Partition *string
	Container *string
	Extra     []string
}

// Task is one unit of pipeline work, submitted as its own scheduler job.
// Tasks are created by Load and never mutated afterwards.
type Task struct {
	Name      string
	Command   string
	DependsOn []string
	Labels    []string
	// Optional marks a best-effort task: its failure does not block
	// downstream tasks, though no output contract is guaranteed to them.
	Optional  bool
	Resources *Resources
}

// HasLabel reports whether the task carries the given policy label.
func (t *Task) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Graph is the validated, immutable task graph.
type Graph struct {
	tasks      map[string]*Task
	dependents map[string][]string
	topo       []string
}

// Tasks returns all tasks keyed by name. Callers must not mutate the map.
func (g *Graph) Tasks() map[string]*Task {
	return g.tasks
}

// Task returns the task with the given name, or nil.
func (g *Graph) Task(name string) *Task {
	return g.tasks[name]
}

// Dependents returns the names of tasks that directly depend on the given task.
func (g *Graph) Dependents(name string) []string {
	return g.dependents[name]
}

// TopoOrder returns task names in a deterministic topological order
// (dependencies first, ties broken by name).
func (g *Graph) TopoOrder() []string {
	return g.topo
}

// depSatisfied reports whether a single dependency allows its dependents to
// run: it either succeeded, or it is an optional task that reached a terminal
// failure and is treated as satisfied with no output contract.
func (g *Graph) depSatisfied(dep string, snap map[string]manifest.TaskRecord) bool {
	rec, ok := snap[dep]
	if !ok {
		return false
	}
	if rec.State == manifest.StateSucceeded {
		return true
	}
	t := g.tasks[dep]
	return t != nil && t.Optional && rec.State == manifest.StateFailed
}

// Ready returns the tasks whose own state is pending or ready and whose
// dependencies are all satisfied, in deterministic topological order. Tasks in
// the retrying state are not returned here; the tracker re-queues them itself
// once their backoff expires.
func (g *Graph) Ready(snap map[string]manifest.TaskRecord) []*Task {
	var ready []*Task
	for _, name := range g.topo {
		rec, ok := snap[name]
		if !ok {
			continue
		}
		if rec.State != manifest.StatePending && rec.State != manifest.StateReady {
			continue
		}
		task := g.tasks[name]
		ok = true
		for _, dep := range task.DependsOn {
			if !g.depSatisfied(dep, snap) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, task)
		}
	}
	return ready
}

// validate checks referential integrity and acyclicity, and computes the
// deterministic topological order.
func (g *Graph) validate() error {
	for _, task := range g.tasks {
		for _, dep := range task.DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return &UnknownDependencyError{Task: task.Name, Dependency: dep}
			}
		}
	}

	// Kahn's algorithm. Finishing with unprocessed nodes means a cycle.
	indegree := make(map[string]int, len(g.tasks))
	for _, task := range g.tasks {
		indegree[task.Name] = len(task.DependsOn)
	}

	var queue []string
	for name, d := range indegree {
		if d == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(g.tasks))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)

		var unlocked []string
		for _, dep := range g.dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				unlocked = append(unlocked, dep)
			}
		}
		sort.Strings(unlocked)
		queue = append(queue, unlocked...)
	}

	if len(order) != len(g.tasks) {
		var stuck []string
		for name, d := range indegree {
			if d > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return &CyclicDependencyError{Task: stuck[0]}
	}

	g.topo = order
	return nil
}
