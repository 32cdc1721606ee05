// Package graph walks the relationship graph between memories: bounded
// breadth-first and depth-first traversal, connectivity analysis, and hub
// discovery.
package graph

import (
	"context"
	"errors"
	"time"

	"github.com/engram-ai/engram/pkg/models"
	"github.com/engram-ai/engram/pkg/observability"
	"github.com/engram-ai/engram/pkg/repository"
	"github.com/engram-ai/engram/pkg/resilience"
)

// ErrRateLimited is returned when a user context exceeds its traversal
// budget.
var ErrRateLimited = errors.New("graph traversal rate limit exceeded")

// Traversal bounds.
const (
	DefaultMaxDepth = 3
	MaxDepthLimit   = 5
	DefaultMaxNodes = 100
	MaxNodesLimit   = 1000
	DefaultTimeout  = 5 * time.Second
)

// memoryStore is the memory access the traverser needs.
type memoryStore interface {
	GetByID(ctx context.Context, userContext, id string) (*models.Memory, error)
	Children(ctx context.Context, userContext, id string) ([]*models.Memory, error)
}

// relationStore is the edge access the traverser needs.
type relationStore interface {
	Outgoing(ctx context.Context, id string, relationTypes []string) ([]*models.MemoryRelation, error)
	Incoming(ctx context.Context, id string, relationTypes []string) ([]*models.MemoryRelation, error)
	Degree(ctx context.Context, userContext, id string) (*repository.DegreeStats, error)
	TopConnectors(ctx context.Context, userContext string, limit int) ([]repository.Connector, error)
	Count(ctx context.Context, userContext string) (int, error)
}

// Options tune a traversal.
type Options struct {
	Strategy           string // "bfs" (default) or "dfs"
	MaxDepth           int
	MaxNodes           int
	RelationTypes      []string
	MemoryTypes        []models.MemoryType
	Tags               []string
	IncludeParentLinks bool
	Timeout            time.Duration
}

func (o Options) withDefaults() Options {
	if o.Strategy != "dfs" {
		o.Strategy = "bfs"
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxDepth > MaxDepthLimit {
		o.MaxDepth = MaxDepthLimit
	}
	if o.MaxNodes <= 0 {
		o.MaxNodes = DefaultMaxNodes
	}
	if o.MaxNodes > MaxNodesLimit {
		o.MaxNodes = MaxNodesLimit
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Node is one visited memory with its distance from the start.
type Node struct {
	Memory *models.Memory `json:"memory"`
	Depth  int            `json:"depth"`
}

// Edge is one traversed connection.
type Edge struct {
	From         string  `json:"from"`
	To           string  `json:"to"`
	RelationType string  `json:"relationType"`
	Strength     float64 `json:"strength,omitempty"`
}

// Result is the subgraph a traversal produced. Partial reports whether the
// walk was cut short by a node cap or the timeout.
type Result struct {
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
	Partial bool   `json:"partial,omitempty"`
}

// Traverser walks the memory graph with per-user rate limiting.
type Traverser struct {
	memories  memoryStore
	relations relationStore
	limiter   *resilience.KeyedRateLimiter
	logger    observability.Logger
}

// NewTraverser creates a traverser. The limiter defaults to 100 traversals
// per user context per minute.
func NewTraverser(memories memoryStore, relations relationStore, limiter *resilience.KeyedRateLimiter, logger observability.Logger) *Traverser {
	if limiter == nil {
		limiter = resilience.NewKeyedRateLimiter(resilience.RateLimiterConfig{
			Limit: 100, Period: time.Minute,
		})
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Traverser{memories: memories, relations: relations, limiter: limiter, logger: logger}
}

type frame struct {
	id    string
	depth int
}

// Traverse walks the graph from startID. A missing or cross-context start
// yields an empty result, not an error. Hitting the timeout returns the
// partial subgraph collected so far.
func (t *Traverser) Traverse(ctx context.Context, userContext, startID string, opts Options) (*Result, error) {
	if !t.limiter.Allow(userContext) {
		return nil, ErrRateLimited
	}
	opts = opts.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	result := &Result{}
	start, err := t.memories.GetByID(ctx, userContext, startID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return result, nil
		}
		return nil, err
	}

	visited := map[string]bool{startID: true}
	queue := []frame{{id: startID, depth: 0}}
	cache := map[string]*models.Memory{startID: start}

	for len(queue) > 0 {
		if len(result.Nodes) >= opts.MaxNodes {
			result.Partial = true
			break
		}
		if ctx.Err() != nil {
			result.Partial = true
			t.logger.Warn("graph traversal timed out, returning partial result", map[string]interface{}{
				"user_context": userContext,
				"start_id":     startID,
				"nodes":        len(result.Nodes),
			})
			break
		}

		var cur frame
		if opts.Strategy == "dfs" {
			cur = queue[len(queue)-1]
			queue = queue[:len(queue)-1]
		} else {
			cur = queue[0]
			queue = queue[1:]
		}

		memory := cache[cur.id]
		if memory == nil {
			continue
		}
		if t.matches(memory, opts) {
			result.Nodes = append(result.Nodes, Node{Memory: memory, Depth: cur.depth})
		} else if cur.depth > 0 {
			// Filtered nodes are not expanded either.
			continue
		}

		if cur.depth >= opts.MaxDepth {
			continue
		}
		queue = t.expand(ctx, userContext, memory, cur.depth, opts, visited, cache, result, queue)
	}
	return result, nil
}

// expand collects the unvisited neighbors of a node and records the edges
// that reach them.
func (t *Traverser) expand(ctx context.Context, userContext string, memory *models.Memory, depth int, opts Options, visited map[string]bool, cache map[string]*models.Memory, result *Result, queue []frame) []frame {
	push := func(id string, edge Edge) {
		if visited[id] {
			return
		}
		neighbor, err := t.memories.GetByID(ctx, userContext, id)
		if err != nil {
			// Cross-context and deleted neighbors are invisible.
			return
		}
		visited[id] = true
		cache[id] = neighbor
		result.Edges = append(result.Edges, edge)
		queue = append(queue, frame{id: id, depth: depth + 1})
	}

	outgoing, err := t.relations.Outgoing(ctx, memory.ID, opts.RelationTypes)
	if err == nil {
		for _, rel := range outgoing {
			push(rel.ToMemoryID, Edge{
				From: rel.FromMemoryID, To: rel.ToMemoryID,
				RelationType: string(rel.RelationType), Strength: rel.Strength,
			})
		}
	}
	incoming, err := t.relations.Incoming(ctx, memory.ID, opts.RelationTypes)
	if err == nil {
		for _, rel := range incoming {
			push(rel.FromMemoryID, Edge{
				From: rel.FromMemoryID, To: rel.ToMemoryID,
				RelationType: string(rel.RelationType), Strength: rel.Strength,
			})
		}
	}

	if opts.IncludeParentLinks {
		if memory.ParentID != nil {
			push(*memory.ParentID, Edge{
				From: *memory.ParentID, To: memory.ID, RelationType: "parent_of",
			})
		}
		children, err := t.memories.Children(ctx, userContext, memory.ID)
		if err == nil {
			for _, child := range children {
				push(child.ID, Edge{
					From: memory.ID, To: child.ID, RelationType: "parent_of",
				})
			}
		}
	}
	return queue
}

func (t *Traverser) matches(m *models.Memory, opts Options) bool {
	if len(opts.MemoryTypes) > 0 {
		found := false
		for _, mt := range opts.MemoryTypes {
			if m.Type == mt {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, tag := range opts.Tags {
		if !m.Tags.Contains(tag) {
			return false
		}
	}
	return true
}

// Analysis summarizes the graph around a user context.
type Analysis struct {
	TotalRelations int                    `json:"totalRelations"`
	TopConnectors  []repository.Connector `json:"topConnectors"`
}

// Analyze computes graph-level statistics for a user context.
func (t *Traverser) Analyze(ctx context.Context, userContext string, topN int) (*Analysis, error) {
	if topN <= 0 {
		topN = 10
	}
	total, err := t.relations.Count(ctx, userContext)
	if err != nil {
		return nil, err
	}
	connectors, err := t.relations.TopConnectors(ctx, userContext, topN)
	if err != nil {
		return nil, err
	}
	return &Analysis{TotalRelations: total, TopConnectors: connectors}, nil
}

// Degree returns the connectivity stats for one memory.
func (t *Traverser) Degree(ctx context.Context, userContext, id string) (*repository.DegreeStats, error) {
	return t.relations.Degree(ctx, userContext, id)
}
