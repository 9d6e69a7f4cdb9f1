// Copyright 2025 James Ross
package dag

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskmesh/engine/internal/engineerr"
	"github.com/taskmesh/engine/internal/events"
	"github.com/taskmesh/engine/internal/queue"
	"go.uber.org/zap"
)

// entry pairs a Workflow with the per-workflow lock its node status
// transitions happen under.
type entry struct {
	mu sync.Mutex
	wf *Workflow
}

// Engine owns Workflow records exclusively and drives them by subscribing
// to the job events the Queue emits for DAG-tracked jobs.
type Engine struct {
	log *zap.Logger
	q   *queue.Queue
	bus events.Bus

	mu        sync.RWMutex
	workflows map[string]*entry
}

func NewEngine(q *queue.Queue, bus events.Bus, log *zap.Logger) *Engine {
	e := &Engine{
		log:       log,
		q:         q,
		bus:       bus,
		workflows: make(map[string]*entry),
	}
	bus.Subscribe(e.onEvent)
	return e
}

func (e *Engine) onEvent(ev events.Event) {
	switch ev.Name {
	case events.DAGJobCompleted:
		e.handleTerminal(ev.WorkflowID, ev.NodeID, NodeCompleted, ev.Result, "")
	case events.DAGJobFailed:
		e.handleTerminal(ev.WorkflowID, ev.NodeID, NodeFailed, nil, ev.Error)
	}
}

// Submit validates wf, registers it, and enqueues its root nodes.
func (e *Engine) Submit(wf *Workflow) (*Workflow, error) {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	for _, n := range wf.Nodes {
		n.Status = NodePending
	}

	order, err := Validate(wf)
	if err != nil {
		return nil, err
	}
	wf.TopoOrder = order
	wf.Status = WorkflowRunning
	wf.CreatedAt = time.Now()

	ent := &entry{wf: wf}
	e.mu.Lock()
	e.workflows[wf.ID] = ent
	e.mu.Unlock()

	// Root nodes (no dependencies) trivially satisfy the ready-set
	// condition, so the same advance() pass that handles later scheduling
	// enqueues them too.
	ent.mu.Lock()
	e.advance(wf)
	ent.mu.Unlock()

	return snapshot(wf), nil
}

// handleTerminal records a node's terminal status from a dag.job.completed
// or dag.job.failed event and advances the workflow. A cancelled or
// otherwise terminal workflow silently discards the event: no status
// changes, no downstream scheduling.
func (e *Engine) handleTerminal(workflowID, nodeID string, status NodeStatus, result any, errMsg string) {
	e.mu.RLock()
	ent, ok := e.workflows[workflowID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.wf.Status.terminal() {
		return
	}
	n, ok := ent.wf.Nodes[nodeID]
	if !ok || n.Status.terminal() {
		return
	}
	n.Status = status
	n.Result = result
	n.Err = errMsg

	e.advance(ent.wf)
}

// advance repeats until no change: propagate skips to nodes that can no
// longer be satisfied, enqueue every node that became ready, and finalize
// once every node is terminal. Must be called with the workflow's entry
// lock held.
func (e *Engine) advance(wf *Workflow) {
	for {
		changed := false
		for _, n := range wf.Nodes {
			if n.Status != NodePending {
				continue
			}
			if shouldSkip(wf, n) {
				n.Status = NodeSkipped
				changed = true
			}
		}

		for _, id := range wf.TopoOrder {
			n := wf.Nodes[id]
			if n.Status != NodePending || !allDepsSatisfied(wf, n) {
				continue
			}
			if err := e.enqueueNode(wf, n); err != nil {
				n.Status = NodeFailed
				n.Err = err.Error()
			} else {
				n.Status = NodeQueued
			}
			changed = true
		}

		if !changed {
			break
		}
	}
	e.finalize(wf)
}

// shouldSkip reports whether n can never become ready: readiness requires
// every dependency's condition satisfied, so one permanently-
// unsatisfiable dependency (a terminal parent whose condition did not
// match) makes the whole conjunction permanently false.
func shouldSkip(wf *Workflow, n *Node) bool {
	for _, dep := range n.Dependencies {
		parent := wf.Nodes[dep.ParentID]
		if parent.Status.terminal() && !conditionSatisfied(dep.Condition, parent.Status) {
			return true
		}
	}
	return false
}

func allDepsSatisfied(wf *Workflow, n *Node) bool {
	for _, dep := range n.Dependencies {
		parent := wf.Nodes[dep.ParentID]
		if !parent.Status.terminal() || !conditionSatisfied(dep.Condition, parent.Status) {
			return false
		}
	}
	return true
}

// enqueueNode forwards upstream results and submits n's job to the
// queue, tagging it with DAG context so the queue emits dag.job.* events
// in addition to the plain job.* events.
func (e *Engine) enqueueNode(wf *Workflow, n *Node) error {
	upstream := make(map[string]any, len(n.Dependencies))
	for _, dep := range n.Dependencies {
		if parent := wf.Nodes[dep.ParentID]; parent != nil && parent.Result != nil {
			upstream[dep.ParentID] = parent.Result
		}
	}

	id, err := e.q.Add(queue.Job{
		Type:    n.Type,
		Payload: n.Payload,
		DAG: &queue.DAGContext{
			WorkflowID:      wf.ID,
			NodeID:          n.ID,
			UpstreamResults: upstream,
		},
	})
	if err != nil {
		return err
	}
	n.JobID = id
	return nil
}

// finalize computes the workflow's terminal status once every node has
// reached a terminal status: completed when nothing failed, failed when
// nothing completed, partially completed when both are present.
func (e *Engine) finalize(wf *Workflow) {
	hasFailed, hasCompleted := false, false
	for _, n := range wf.Nodes {
		if !n.Status.terminal() {
			return
		}
		switch n.Status {
		case NodeFailed:
			hasFailed = true
		case NodeCompleted:
			hasCompleted = true
		}
	}

	switch {
	case !hasFailed:
		wf.Status = WorkflowCompleted
	case hasFailed && hasCompleted:
		wf.Status = WorkflowPartiallyCompleted
	default:
		wf.Status = WorkflowFailed
	}
	wf.CompletedAt = time.Now()
}

// Get returns a point-in-time snapshot of the workflow, so callers read
// without holding the workflow lock.
func (e *Engine) Get(id string) (*Workflow, bool) {
	e.mu.RLock()
	ent, ok := e.workflows[id]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return snapshot(ent.wf), true
}

// List returns a snapshot of every known workflow.
func (e *Engine) List() []*Workflow {
	e.mu.RLock()
	entries := make([]*entry, 0, len(e.workflows))
	for _, ent := range e.workflows {
		entries = append(entries, ent)
	}
	e.mu.RUnlock()

	out := make([]*Workflow, 0, len(entries))
	for _, ent := range entries {
		ent.mu.Lock()
		out = append(out, snapshot(ent.wf))
		ent.mu.Unlock()
	}
	return out
}

// Cancel marks every pending/queued node cancelled and terminates the
// workflow. Cancelling an already-terminal workflow fails with
// AlreadyTerminal.
func (e *Engine) Cancel(id string) error {
	e.mu.RLock()
	ent, ok := e.workflows[id]
	e.mu.RUnlock()
	if !ok {
		return engineerr.New(engineerr.NotFound, "workflow %s not found", id)
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.wf.Status.terminal() {
		return engineerr.New(engineerr.AlreadyTerminal, "workflow %s is already %s", id, ent.wf.Status)
	}
	for _, n := range ent.wf.Nodes {
		if n.Status == NodePending || n.Status == NodeQueued {
			n.Status = NodeCancelled
		}
	}
	ent.wf.Status = WorkflowCancelled
	ent.wf.CompletedAt = time.Now()
	return nil
}

// IsWorkflowCancelled reports whether workflowID names a workflow that has
// been cancelled. An unknown workflow id (including one not tracked by a
// DAG at all) reports false — the queue consults this only for jobs that
// carry DAG context, and a job whose workflow this Engine never registered
// has nothing to be cancelled against.
func (e *Engine) IsWorkflowCancelled(workflowID string) bool {
	e.mu.RLock()
	ent, ok := e.workflows[workflowID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.wf.Status == WorkflowCancelled
}

func snapshot(wf *Workflow) *Workflow {
	out := &Workflow{
		ID:          wf.ID,
		TopoOrder:   append([]string(nil), wf.TopoOrder...),
		Status:      wf.Status,
		CreatedAt:   wf.CreatedAt,
		CompletedAt: wf.CompletedAt,
		Nodes:       make(map[string]*Node, len(wf.Nodes)),
	}
	for id, n := range wf.Nodes {
		cp := *n
		out.Nodes[id] = &cp
	}
	return out
}
