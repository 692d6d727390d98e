package graph

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/botforge/botforge/internal/common/logger"
)

// End is the sentinel successor name that terminates a run.
const End = "__end__"

// NodeFunc is the body of one graph node. It receives the current state and
// returns a partial update. Errors are values at node boundaries; a node with
// a registered failure route records the error in state and routes to its
// sink instead of aborting the run.
type NodeFunc func(ctx context.Context, s *State) (Update, error)

// RouteFunc is a pure function of state that selects the next node (or End)
// after its source node ran.
type RouteFunc func(s *State) string

// Builder declares a graph topology before compilation. Topologies are fixed
// at build time; Build validates them once and the resulting Graph is
// read-only.
type Builder struct {
	name        string
	nodes       map[string]NodeFunc
	edges       map[string]string
	conds       map[string]RouteFunc
	condTargets map[string][]string
	failRoutes  map[string]string
	entry       string
}

// NewBuilder creates a builder for a named graph.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:        name,
		nodes:       make(map[string]NodeFunc),
		edges:       make(map[string]string),
		conds:       make(map[string]RouteFunc),
		condTargets: make(map[string][]string),
		failRoutes:  make(map[string]string),
	}
}

// AddNode registers a named node.
func (b *Builder) AddNode(name string, fn NodeFunc) *Builder {
	b.nodes[name] = fn
	return b
}

// AddEdge declares a static edge.
func (b *Builder) AddEdge(from, to string) *Builder {
	b.edges[from] = to
	return b
}

// AddConditionalEdge declares a conditional edge. The possible targets must
// be listed explicitly so the builder can validate reachability.
func (b *Builder) AddConditionalEdge(from string, route RouteFunc, targets ...string) *Builder {
	b.conds[from] = route
	b.condTargets[from] = targets
	return b
}

// SetEntry declares the entry node.
func (b *Builder) SetEntry(name string) *Builder {
	b.entry = name
	return b
}

// OnError routes a node's recoverable errors to a sink node. The error text
// is recorded under last_error before the sink runs.
func (b *Builder) OnError(node, sink string) *Builder {
	b.failRoutes[node] = sink
	return b
}

// Build validates the topology and compiles it into a runnable Graph.
func (b *Builder) Build(store CheckpointStore, log *logger.Logger) (*Graph, error) {
	if b.entry == "" {
		return nil, fmt.Errorf("graph %s: entry node not set", b.name)
	}
	if _, ok := b.nodes[b.entry]; !ok {
		return nil, fmt.Errorf("graph %s: entry node %q not registered", b.name, b.entry)
	}
	if store == nil {
		return nil, fmt.Errorf("graph %s: checkpoint store is required", b.name)
	}

	// Every edge endpoint must exist.
	for from, to := range b.edges {
		if _, ok := b.nodes[from]; !ok {
			return nil, fmt.Errorf("graph %s: edge from unknown node %q", b.name, from)
		}
		if to != End {
			if _, ok := b.nodes[to]; !ok {
				return nil, fmt.Errorf("graph %s: edge %q -> unknown node %q", b.name, from, to)
			}
		}
	}
	for from, targets := range b.condTargets {
		if _, ok := b.nodes[from]; !ok {
			return nil, fmt.Errorf("graph %s: conditional edge from unknown node %q", b.name, from)
		}
		if len(targets) == 0 {
			return nil, fmt.Errorf("graph %s: conditional edge from %q declares no targets", b.name, from)
		}
		for _, to := range targets {
			if to != End {
				if _, ok := b.nodes[to]; !ok {
					return nil, fmt.Errorf("graph %s: conditional edge %q -> unknown node %q", b.name, from, to)
				}
			}
		}
	}
	for node, sink := range b.failRoutes {
		if _, ok := b.nodes[node]; !ok {
			return nil, fmt.Errorf("graph %s: failure route from unknown node %q", b.name, node)
		}
		if _, ok := b.nodes[sink]; !ok {
			return nil, fmt.Errorf("graph %s: failure sink %q not registered", b.name, sink)
		}
	}

	// Every node needs a successor.
	for name := range b.nodes {
		_, hasEdge := b.edges[name]
		_, hasCond := b.conds[name]
		if hasEdge && hasCond {
			return nil, fmt.Errorf("graph %s: node %q has both a static and a conditional edge", b.name, name)
		}
		if !hasEdge && !hasCond {
			return nil, fmt.Errorf("graph %s: node %q has no outgoing edge", b.name, name)
		}
	}

	// Reachability from the entry node.
	reachable := map[string]bool{b.entry: true}
	stack := []string{b.entry}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		var succs []string
		if to, ok := b.edges[cur]; ok {
			succs = append(succs, to)
		}
		succs = append(succs, b.condTargets[cur]...)
		if sink, ok := b.failRoutes[cur]; ok {
			succs = append(succs, sink)
		}
		for _, to := range succs {
			if to == End || reachable[to] {
				continue
			}
			reachable[to] = true
			stack = append(stack, to)
		}
	}
	for name := range b.nodes {
		if !reachable[name] {
			return nil, fmt.Errorf("graph %s: node %q is unreachable from entry", b.name, name)
		}
	}

	if log == nil {
		log = logger.Default()
	}
	return &Graph{
		name:        b.name,
		nodes:       b.nodes,
		edges:       b.edges,
		conds:       b.conds,
		failRoutes:  b.failRoutes,
		entry:       b.entry,
		checkpoints: store,
		logger:      log.WithFields(zap.String("graph", b.name)),
	}, nil
}

// Graph is a compiled, immutable topology bound to a checkpoint store.
type Graph struct {
	name        string
	nodes       map[string]NodeFunc
	edges       map[string]string
	conds       map[string]RouteFunc
	failRoutes  map[string]string
	entry       string
	checkpoints CheckpointStore
	logger      *logger.Logger
}

// Name returns the graph name.
func (g *Graph) Name() string {
	return g.name
}

// Run executes the graph for a thread. An existing checkpoint resumes from
// its saved position (completed runs re-enter at the entry node with the
// saved state); a fresh thread starts at the entry node with empty state.
// The incoming update is applied before the first node runs. State is
// checkpointed at every node boundary; on an unrecoverable node error the
// checkpoint stays at the last successful boundary and the error propagates.
func (g *Graph) Run(ctx context.Context, threadID string, update Update) (*State, error) {
	log := g.logger.WithThreadID(threadID)

	cp, err := g.checkpoints.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}

	var state *State
	current := g.entry
	if cp != nil {
		state = cp.State
		if cp.Next != "" && cp.Next != End {
			current = cp.Next
		}
		log.Debug("resuming from checkpoint", zap.String("node", current))
	} else {
		state = NewState()
	}
	state.ThreadID = threadID

	if err := state.Apply(update); err != nil {
		return nil, fmt.Errorf("graph %s: invalid initial update: %w", g.name, err)
	}
	if err := g.save(ctx, threadID, state, current); err != nil {
		return nil, err
	}

	for {
		fn := g.nodes[current]
		log.Debug("executing node", zap.String("node", current))

		upd, nodeErr := fn(ctx, state)
		if nodeErr != nil {
			sink, recoverable := g.failRoutes[current]
			if !recoverable {
				log.WithError(nodeErr).Error("node failed", zap.String("node", current))
				return state, fmt.Errorf("graph %s: node %s: %w", g.name, current, nodeErr)
			}
			log.WithError(nodeErr).Warn("node failed, routing to failure sink",
				zap.String("node", current),
				zap.String("sink", sink))
			state.LastError = nodeErr.Error()
			if err := g.save(ctx, threadID, state, sink); err != nil {
				return state, err
			}
			current = sink
			continue
		}

		if err := state.Apply(upd); err != nil {
			return state, fmt.Errorf("graph %s: node %s returned invalid update: %w", g.name, current, err)
		}

		next, err := g.route(current, state)
		if err != nil {
			return state, err
		}
		if err := g.save(ctx, threadID, state, next); err != nil {
			return state, err
		}
		if next == End {
			log.Debug("run complete", zap.Int("messages", len(state.Messages)))
			return state, nil
		}
		current = next
	}
}

func (g *Graph) route(current string, state *State) (string, error) {
	if to, ok := g.edges[current]; ok {
		return to, nil
	}
	route := g.conds[current]
	next := route(state)
	if next == End {
		return End, nil
	}
	if _, ok := g.nodes[next]; !ok {
		return "", fmt.Errorf("graph %s: conditional edge from %s selected unknown node %q", g.name, current, next)
	}
	return next, nil
}

func (g *Graph) save(ctx context.Context, threadID string, state *State, next string) error {
	return g.checkpoints.Save(ctx, threadID, &Checkpoint{
		State:     state,
		Next:      next,
		UpdatedAt: time.Now().UTC(),
	})
}
