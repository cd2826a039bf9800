// Package workflow runs the agent pipeline as a directed graph of named
// nodes with conditional edges.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/datagate-io/datagate/internal/domain/agent"
	"github.com/datagate-io/datagate/internal/domain/fault"
)

// End terminates graph execution when returned by an edge.
const End = "__end__"

// defaultMaxSteps guards against edge cycles.
const defaultMaxSteps = 32

// Retry policy for retryable nodes.
const (
	retryInitialInterval = 250 * time.Millisecond
	retryMaxInterval     = 4 * time.Second
	retryMaxTries        = 4 // first attempt + 3 retries
)

// NodeFunc executes one pipeline stage against the shared state.
type NodeFunc func(ctx context.Context, s *agent.State) error

// EdgeFunc selects the next node from the current state.
type EdgeFunc func(s *agent.State) string

type node struct {
	name      string
	run       NodeFunc
	retryable bool
}

// Graph is a compiled pipeline. Build it once, execute per request.
type Graph struct {
	nodes map[string]node
	edges map[string]EdgeFunc
	start string

	mgr      *agent.StateManager
	logger   *slog.Logger
	maxSteps int

	retryInitial time.Duration
	retryMax     time.Duration
	retryTries   uint
}

// Option configures a Graph.
type Option func(*Graph)

// WithStateManager wires transition auditing.
func WithStateManager(mgr *agent.StateManager) Option {
	return func(g *Graph) { g.mgr = mgr }
}

// WithLogger sets the graph logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Graph) { g.logger = l }
}

// WithMaxSteps overrides the cycle guard.
func WithMaxSteps(n int) Option {
	return func(g *Graph) { g.maxSteps = n }
}

// WithRetryPolicy overrides retry timing, used to keep tests fast.
func WithRetryPolicy(initial, max time.Duration, tries uint) Option {
	return func(g *Graph) {
		g.retryInitial = initial
		g.retryMax = max
		g.retryTries = tries
	}
}

// New creates an empty Graph.
func New(opts ...Option) *Graph {
	g := &Graph{
		nodes:        make(map[string]node),
		edges:        make(map[string]EdgeFunc),
		logger:       slog.Default(),
		maxSteps:     defaultMaxSteps,
		retryInitial: retryInitialInterval,
		retryMax:     retryMaxInterval,
		retryTries:   retryMaxTries,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NodeOption configures one node.
type NodeOption func(*node)

// Retryable marks a node for backoff retry on retryable faults.
func Retryable() NodeOption {
	return func(n *node) { n.retryable = true }
}

// AddNode registers a named node. The first node added is the start node
// unless SetStart overrides it.
func (g *Graph) AddNode(name string, fn NodeFunc, opts ...NodeOption) *Graph {
	n := node{name: name, run: fn}
	for _, opt := range opts {
		opt(&n)
	}
	g.nodes[name] = n
	if g.start == "" {
		g.start = name
	}
	return g
}

// SetStart sets the entry node.
func (g *Graph) SetStart(name string) *Graph {
	g.start = name
	return g
}

// AddEdge wires a fixed successor.
func (g *Graph) AddEdge(from, to string) *Graph {
	g.edges[from] = func(*agent.State) string { return to }
	return g
}

// AddConditionalEdge wires a successor chosen from the state.
func (g *Graph) AddConditionalEdge(from string, selector EdgeFunc) *Graph {
	g.edges[from] = selector
	return g
}

// Execute runs the graph to completion. Node errors stop execution and
// are returned; the state records the terminal fault. Cancellation is
// checked before every node.
func (g *Graph) Execute(ctx context.Context, s *agent.State) error {
	current := g.start
	if current == "" {
		return fault.New(fault.Internal, "workflow graph has no start node")
	}

	for steps := 0; ; steps++ {
		if steps >= g.maxSteps {
			return fault.New(fault.Internal,
				fmt.Sprintf("workflow exceeded %d steps at node %s", g.maxSteps, current))
		}
		if err := ctx.Err(); err != nil {
			return fault.Wrap(fault.Internal, "workflow cancelled", err)
		}

		n, ok := g.nodes[current]
		if !ok {
			return fault.New(fault.Internal, fmt.Sprintf("workflow edge points at unknown node %q", current))
		}

		start := time.Now()
		err := g.runNode(ctx, n, s)
		if g.mgr != nil {
			g.mgr.Transition(s, n.name, start, err)
		}
		if err != nil {
			s.Err = err
			return err
		}

		edge, ok := g.edges[current]
		if !ok {
			return nil
		}
		next := edge(s)
		if next == End {
			return nil
		}
		current = next
	}
}

// runNode executes one node, with backoff retry when the node is
// retryable and the error is a retryable fault. Attempts beyond the
// first count against the state's retry budget.
func (g *Graph) runNode(ctx context.Context, n node, s *agent.State) error {
	if !n.retryable {
		return n.run(ctx, s)
	}

	attempt := 0
	operation := func() (struct{}, error) {
		if attempt > 0 {
			if !s.CanRetry() {
				return struct{}{}, backoff.Permanent(fault.New(fault.MDHUpstreamError, "retry budget exhausted"))
			}
			s.RetryCount++
			g.logger.Warn("retrying pipeline node",
				"node", n.name, "attempt", attempt, "request_id", s.RequestID)
		}
		attempt++

		err := n.run(ctx, s)
		if err != nil && !fault.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     g.retryInitial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         g.retryMax,
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(g.retryTries),
	)
	return err
}
