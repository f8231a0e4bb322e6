package graph

import (
	"errors"
	"fmt"

	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stepflow-io/stepflow/engine/task"
)

var (
	// ErrCyclicGraph means the edge set contains a cycle. This is a fatal
	// configuration error at registration time, never a runtime condition.
	ErrCyclicGraph  = errors.New("workflow graph contains a cycle")
	ErrUnknownStep  = errors.New("edge references unknown step")
	ErrSelfEdge     = errors.New("step cannot depend on itself")
	ErrForeignEdge  = errors.New("edge belongs to a different task")
	ErrDuplicateRef = errors.New("duplicate step in graph")
)

// Graph is the immutable in-memory dependency structure of one task's steps.
// Only the steps' transition states change over a task's life; the graph
// itself is built once and never mutated.
type Graph struct {
	steps    map[core.ID]*task.Step
	parents  map[core.ID][]core.ID
	children map[core.ID][]core.ID
	order    []core.ID
}

// New builds and validates a graph from a task's steps and edges. It rejects
// edges that reference unknown steps, self-edges, edges from another task and
// any cycle.
func New(steps []*task.Step, edges []*task.Edge) (*Graph, error) {
	g := &Graph{
		steps:    make(map[core.ID]*task.Step, len(steps)),
		parents:  make(map[core.ID][]core.ID, len(steps)),
		children: make(map[core.ID][]core.ID, len(steps)),
		order:    make([]core.ID, 0, len(steps)),
	}
	var taskID core.ID
	for _, step := range steps {
		if _, dup := g.steps[step.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRef, step.ID)
		}
		g.steps[step.ID] = step
		g.order = append(g.order, step.ID)
		taskID = step.TaskID
	}
	for _, edge := range edges {
		if edge.ParentID == edge.ChildID {
			return nil, fmt.Errorf("%w: %s", ErrSelfEdge, edge.ParentID)
		}
		if _, ok := g.steps[edge.ParentID]; !ok {
			return nil, fmt.Errorf("%w: parent %s", ErrUnknownStep, edge.ParentID)
		}
		if _, ok := g.steps[edge.ChildID]; !ok {
			return nil, fmt.Errorf("%w: child %s", ErrUnknownStep, edge.ChildID)
		}
		if !edge.TaskID.IsZero() && edge.TaskID != taskID {
			return nil, fmt.Errorf("%w: edge %s", ErrForeignEdge, edge.ID)
		}
		g.parents[edge.ChildID] = append(g.parents[edge.ChildID], edge.ParentID)
		g.children[edge.ParentID] = append(g.children[edge.ParentID], edge.ChildID)
	}
	if !g.isAcyclic() {
		return nil, ErrCyclicGraph
	}
	return g, nil
}

// isAcyclic runs Kahn's algorithm over the edge set.
func (g *Graph) isAcyclic() bool {
	indegree := make(map[core.ID]int, len(g.steps))
	for id := range g.steps {
		indegree[id] = len(g.parents[id])
	}
	queue := make([]core.ID, 0, len(g.steps))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range g.children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	return visited == len(g.steps)
}

// Len returns the number of steps in the graph.
func (g *Graph) Len() int {
	return len(g.steps)
}

// Has reports whether the step belongs to the graph.
func (g *Graph) Has(id core.ID) bool {
	_, ok := g.steps[id]
	return ok
}

// Parents returns the direct dependencies of a step as captured at build
// time. Callers that need current state should resolve ParentIDs against a
// fresh snapshot instead.
func (g *Graph) Parents(id core.ID) []*task.Step {
	return g.resolve(g.parents[id])
}

// ParentIDs returns the IDs of a step's direct dependencies.
func (g *Graph) ParentIDs(id core.ID) []core.ID {
	return g.parents[id]
}

// ChildIDs returns the IDs of a step's direct dependents.
func (g *Graph) ChildIDs(id core.ID) []core.ID {
	return g.children[id]
}

// Children returns the direct dependents of a step.
func (g *Graph) Children(id core.ID) []*task.Step {
	return g.resolve(g.children[id])
}

// Roots returns every step with zero incoming edges, in insertion order.
func (g *Graph) Roots() []*task.Step {
	roots := make([]*task.Step, 0, len(g.order))
	for _, id := range g.order {
		if len(g.parents[id]) == 0 {
			roots = append(roots, g.steps[id])
		}
	}
	return roots
}

// Leaves returns every step with zero outgoing edges, in insertion order.
func (g *Graph) Leaves() []*task.Step {
	leaves := make([]*task.Step, 0, len(g.order))
	for _, id := range g.order {
		if len(g.children[id]) == 0 {
			leaves = append(leaves, g.steps[id])
		}
	}
	return leaves
}

func (g *Graph) resolve(ids []core.ID) []*task.Step {
	steps := make([]*task.Step, 0, len(ids))
	for _, id := range ids {
		if step, ok := g.steps[id]; ok {
			steps = append(steps, step)
		}
	}
	return steps
}
