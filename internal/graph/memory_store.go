package graph

import (
	"context"
	"slices"
	"sync"

	"github.com/onnwee/swarmlight/internal/geo"
)

// InMemoryStore is a Store backed by maps, for tests and single-process runs
// without Redis. It has no TTL.
type InMemoryStore struct {
	mu       sync.RWMutex
	nodes    map[string]struct{}
	edges    map[string]map[string]float64
	metadata map[string]Metadata
}

// NewInMemoryStore creates an empty graph.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		nodes:    make(map[string]struct{}),
		edges:    make(map[string]map[string]float64),
		metadata: make(map[string]Metadata),
	}
}

func (s *InMemoryStore) AddNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[id] = struct{}{}
	return nil
}

func (s *InMemoryStore) RemoveNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.nodes, id)
	delete(s.edges, id)
	delete(s.metadata, id)
	for _, out := range s.edges {
		delete(out, id)
	}
	return nil
}

func (s *InMemoryStore) SetNodeLocation(ctx context.Context, id string, loc geo.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.metadata[id]
	m.Location = loc
	s.metadata[id] = m
	return nil
}

func (s *InMemoryStore) NodeMetadata(ctx context.Context, id string) (Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.metadata[id]
	if !ok {
		return Metadata{}, ErrNodeNotFound
	}
	return copyMetadata(m), nil
}

func (s *InMemoryStore) SetNodePosition(ctx context.Context, id string, pos NodePosition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.metadata[id]
	if !ok {
		return false, nil
	}
	m.Position = &pos
	s.metadata[id] = m
	return true, nil
}

func (s *InMemoryStore) SetEdge(ctx context.Context, from, to string, value float64) error {
	if !validWeight(value) {
		return ErrInvalidEdgeWeight
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out, ok := s.edges[from]
	if !ok {
		out = make(map[string]float64)
		s.edges[from] = out
	}
	out[to] = value
	return nil
}

func (s *InMemoryStore) RemoveEdge(ctx context.Context, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if out, ok := s.edges[from]; ok {
		delete(out, to)
	}
	return nil
}

func (s *InMemoryStore) ListNodes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeList(), nil
}

func (s *InMemoryStore) ListEdges(ctx context.Context) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.edgeList(), nil
}

func (s *InMemoryStore) ListNodesMetadata(ctx context.Context) (map[string]Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadataMap(), nil
}

func (s *InMemoryStore) Snapshot(ctx context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Nodes: s.metadataMap(), Edges: s.edgeList()}, nil
}

func (s *InMemoryStore) DeleteGraph(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.nodes)
	clear(s.edges)
	clear(s.metadata)
	return nil
}

func (s *InMemoryStore) nodeList() []string {
	nodes := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		nodes = append(nodes, id)
	}
	slices.Sort(nodes)
	return nodes
}

func (s *InMemoryStore) edgeList() []Edge {
	edges := []Edge{}
	for from, out := range s.edges {
		if _, ok := s.nodes[from]; !ok {
			continue
		}
		for to, value := range out {
			if _, ok := s.nodes[to]; !ok {
				continue
			}
			edges = append(edges, Edge{From: from, To: to, Value: value})
		}
	}
	sortEdges(edges)
	return edges
}

func (s *InMemoryStore) metadataMap() map[string]Metadata {
	out := make(map[string]Metadata, len(s.nodes))
	for id := range s.nodes {
		if m, ok := s.metadata[id]; ok {
			out[id] = copyMetadata(m)
		}
	}
	return out
}
