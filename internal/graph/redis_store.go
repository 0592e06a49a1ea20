package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/swarmlight/internal/geo"
	"github.com/onnwee/swarmlight/internal/tracing"
)

const maxMetadataRetries = 5

// ErrConcurrentUpdate is returned when a metadata write keeps losing
// optimistic-lock races.
var ErrConcurrentUpdate = errors.New("graph metadata changed concurrently")

// hashGetter is satisfied by both the client and a WATCH transaction.
type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

// RedisStore keeps a graph in three kinds of keys:
//
//	graph:{id}:nodes          set of node ids
//	graph:{id}:edges:{node}   hash of neighbour id -> distance
//	graph:{id}:node_metadata  hash of node id -> JSON Metadata
type RedisStore struct {
	client  redis.UniversalClient
	graphID string
	ttl     time.Duration
	logger  *slog.Logger
}

// NewRedisStore creates a store for graphID. A zero ttl uses DefaultTTL.
func NewRedisStore(client redis.UniversalClient, graphID string, ttl time.Duration, logger *slog.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client:  client,
		graphID: graphID,
		ttl:     ttl,
		logger:  logger.With("graph_id", graphID),
	}
}

func (s *RedisStore) nodesKey() string {
	return fmt.Sprintf("graph:%s:nodes", s.graphID)
}

func (s *RedisStore) edgesKey(node string) string {
	return fmt.Sprintf("graph:%s:edges:%s", s.graphID, node)
}

func (s *RedisStore) metadataKey() string {
	return fmt.Sprintf("graph:%s:node_metadata", s.graphID)
}

func (s *RedisStore) AddNode(ctx context.Context, id string) error {
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.nodesKey(), id)
		pipe.Expire(ctx, s.nodesKey(), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add node: %w", err)
	}
	return nil
}

// RemoveNode runs as a single MULTI/EXEC so readers never observe the node
// gone while its edges remain.
func (s *RedisStore) RemoveNode(ctx context.Context, id string) error {
	nodes, err := s.client.SMembers(ctx, s.nodesKey()).Result()
	if err != nil {
		return fmt.Errorf("remove node: list nodes: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.nodesKey(), id)
		for _, other := range nodes {
			if other == id {
				continue
			}
			pipe.HDel(ctx, s.edgesKey(other), id)
			pipe.Expire(ctx, s.edgesKey(other), s.ttl)
		}
		pipe.Del(ctx, s.edgesKey(id))
		pipe.HDel(ctx, s.metadataKey(), id)
		pipe.Expire(ctx, s.metadataKey(), s.ttl)
		pipe.Expire(ctx, s.nodesKey(), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove node: %w", err)
	}
	return nil
}

func (s *RedisStore) SetNodeLocation(ctx context.Context, id string, loc geo.Location) error {
	_, err := s.updateMetadata(ctx, id, func(m *Metadata, found bool) bool {
		m.Location = loc
		return true
	})
	if err != nil {
		return fmt.Errorf("set node location: %w", err)
	}
	return nil
}

func (s *RedisStore) NodeMetadata(ctx context.Context, id string) (Metadata, error) {
	m, found, err := s.readMetadata(ctx, s.client, id)
	if err != nil {
		return Metadata{}, fmt.Errorf("node metadata: %w", err)
	}
	if !found {
		return Metadata{}, ErrNodeNotFound
	}
	return m, nil
}

func (s *RedisStore) SetNodePosition(ctx context.Context, id string, pos NodePosition) (_ bool, err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, s.graphID, "SetNodePosition", tracing.StoreOperationWrite)
	defer func() { endSpan(err) }()

	applied, err := s.updateMetadata(ctx, id, func(m *Metadata, found bool) bool {
		if !found {
			return false
		}
		m.Position = &pos
		return true
	})
	if err != nil {
		return false, fmt.Errorf("set node position: %w", err)
	}
	return applied, nil
}

func (s *RedisStore) SetEdge(ctx context.Context, from, to string, value float64) error {
	if !validWeight(value) {
		return ErrInvalidEdgeWeight
	}

	key := s.edgesKey(from)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, to, strconv.FormatFloat(value, 'g', -1, 64))
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set edge: %w", err)
	}
	return nil
}

func (s *RedisStore) RemoveEdge(ctx context.Context, from, to string) error {
	key := s.edgesKey(from)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, key, to)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove edge: %w", err)
	}
	return nil
}

func (s *RedisStore) ListNodes(ctx context.Context) ([]string, error) {
	nodes, err := s.listNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return nodes, nil
}

func (s *RedisStore) ListEdges(ctx context.Context) ([]Edge, error) {
	nodes, err := s.listNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	edges, err := s.readEdges(ctx, nodes)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	return edges, nil
}

// ListNodesMetadata reads the node set and the metadata hash in one round trip.
func (s *RedisStore) ListNodesMetadata(ctx context.Context) (map[string]Metadata, error) {
	_, metadata, err := s.readNodesWithMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes metadata: %w", err)
	}
	return metadata, nil
}

func (s *RedisStore) Snapshot(ctx context.Context) (_ Snapshot, err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, s.graphID, "Snapshot", tracing.StoreOperationRead)
	defer func() { endSpan(err) }()

	nodes, metadata, err := s.readNodesWithMetadata(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	edges, err := s.readEdges(ctx, nodes)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	return Snapshot{Nodes: metadata, Edges: edges}, nil
}

func (s *RedisStore) DeleteGraph(ctx context.Context) (err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, s.graphID, "DeleteGraph", tracing.StoreOperationDelete)
	defer func() { endSpan(err) }()

	nodes, err := s.client.SMembers(ctx, s.nodesKey()).Result()
	if err != nil {
		return fmt.Errorf("delete graph: list nodes: %w", err)
	}

	keys := make([]string, 0, len(nodes)+2)
	for _, node := range nodes {
		keys = append(keys, s.edgesKey(node))
	}
	keys = append(keys, s.nodesKey(), s.metadataKey())

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete graph: %w", err)
	}
	return nil
}

func (s *RedisStore) listNodes(ctx context.Context) ([]string, error) {
	nodes, err := s.client.SMembers(ctx, s.nodesKey()).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(nodes)
	return nodes, nil
}

func (s *RedisStore) readNodesWithMetadata(ctx context.Context) ([]string, map[string]Metadata, error) {
	var (
		membersCmd *redis.StringSliceCmd
		hashCmd    *redis.MapStringStringCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		membersCmd = pipe.SMembers(ctx, s.nodesKey())
		hashCmd = pipe.HGetAll(ctx, s.metadataKey())
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	nodes := membersCmd.Val()
	slices.Sort(nodes)
	raw := hashCmd.Val()

	metadata := make(map[string]Metadata, len(nodes))
	for _, node := range nodes {
		data, ok := raw[node]
		if !ok {
			continue
		}
		m, err := decodeMetadata(data)
		if err != nil {
			s.logger.Warn("skipping corrupt node metadata", "device_id", node, "error", err)
			continue
		}
		metadata[node] = m
	}
	return nodes, metadata, nil
}

// readEdges fetches the outgoing edges of nodes in one pipelined round trip,
// keeping only edges whose target is also in nodes.
func (s *RedisStore) readEdges(ctx context.Context, nodes []string) ([]Edge, error) {
	edges := []Edge{}
	if len(nodes) == 0 {
		return edges, nil
	}

	members := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		members[n] = struct{}{}
	}

	cmds := make([]*redis.MapStringStringCmd, len(nodes))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, from := range nodes {
			cmds[i] = pipe.HGetAll(ctx, s.edgesKey(from))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, from := range nodes {
		for to, raw := range cmds[i].Val() {
			if _, ok := members[to]; !ok {
				continue
			}
			value, err := strconv.ParseFloat(raw, 64)
			if err != nil || !validWeight(value) {
				s.logger.Warn("skipping corrupt edge", "from", from, "to", to, "value", raw)
				continue
			}
			edges = append(edges, Edge{From: from, To: to, Value: value})
		}
	}
	sortEdges(edges)
	return edges, nil
}

func (s *RedisStore) readMetadata(ctx context.Context, c hashGetter, id string) (Metadata, bool, error) {
	data, err := c.HGet(ctx, s.metadataKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return Metadata{}, false, nil
	}
	if err != nil {
		return Metadata{}, false, err
	}

	m, err := decodeMetadata(data)
	if err != nil {
		s.logger.Warn("ignoring corrupt node metadata", "device_id", id, "error", err)
		return Metadata{}, false, nil
	}
	return m, true, nil
}

// updateMetadata applies mutate under WATCH on the metadata hash, retrying
// when another writer touched it in between. mutate returns false to skip the write.
func (s *RedisStore) updateMetadata(ctx context.Context, id string, mutate func(m *Metadata, found bool) bool) (bool, error) {
	key := s.metadataKey()

	for attempt := 0; attempt < maxMetadataRetries; attempt++ {
		applied := false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			m, found, err := s.readMetadata(ctx, tx, id)
			if err != nil {
				return err
			}
			if !mutate(&m, found) {
				return nil
			}

			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("encode metadata: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, id, data)
				pipe.Expire(ctx, key, s.ttl)
				return nil
			})
			if err == nil {
				applied = true
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return applied, err
	}

	return false, ErrConcurrentUpdate
}

func decodeMetadata(data string) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}
