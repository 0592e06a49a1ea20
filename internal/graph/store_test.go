package graph

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/swarmlight/internal/geo"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newMiniredisStore(t *testing.T, graphID string) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, graphID, time.Hour, testLogger()), mr
}

// storeFactories runs every contract test against each implementation.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewInMemoryStore() },
		"redis": func(t *testing.T) Store {
			s, _ := newMiniredisStore(t, "event-1")
			return s
		},
	}
}

var testLocation = geo.Location{
	Latitude:           45.4642,
	Longitude:          9.19,
	HorizontalAccuracy: 4,
	Altitude:           120,
	VerticalAccuracy:   2,
}

var testPosition = NodePosition{
	Uncorrected: PositionPair{Absolute: Vector{X: 1, Y: 2, Z: 3}, Relative: Rank{X: 0, Y: 1, Z: 0}},
	Simulated:   PositionPair{Absolute: Vector{X: 1.5, Y: 2.5, Z: 3}, Relative: Rank{X: 1, Y: 1, Z: 0}},
}

func TestStore_Nodes(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			for _, id := range []string{"charlie", "alpha", "bravo", "alpha"} {
				if err := s.AddNode(ctx, id); err != nil {
					t.Fatalf("AddNode(%s) error = %v", id, err)
				}
			}

			nodes, err := s.ListNodes(ctx)
			if err != nil {
				t.Fatalf("ListNodes() error = %v", err)
			}
			want := []string{"alpha", "bravo", "charlie"}
			if len(nodes) != len(want) {
				t.Fatalf("ListNodes() = %v, want %v", nodes, want)
			}
			for i := range want {
				if nodes[i] != want[i] {
					t.Errorf("nodes[%d] = %s, want %s", i, nodes[i], want[i])
				}
			}
		})
	}
}

func TestStore_Metadata(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			if _, err := s.NodeMetadata(ctx, "a"); !errors.Is(err, ErrNodeNotFound) {
				t.Fatalf("NodeMetadata() on empty store error = %v, want ErrNodeNotFound", err)
			}

			ok, err := s.SetNodePosition(ctx, "a", testPosition)
			if err != nil {
				t.Fatalf("SetNodePosition() error = %v", err)
			}
			if ok {
				t.Error("SetNodePosition() without location should not apply")
			}
			if _, err := s.NodeMetadata(ctx, "a"); !errors.Is(err, ErrNodeNotFound) {
				t.Errorf("position without location created metadata: %v", err)
			}

			if err := s.SetNodeLocation(ctx, "a", testLocation); err != nil {
				t.Fatalf("SetNodeLocation() error = %v", err)
			}
			m, err := s.NodeMetadata(ctx, "a")
			if err != nil {
				t.Fatalf("NodeMetadata() error = %v", err)
			}
			if m.Location != testLocation || m.Position != nil {
				t.Errorf("metadata = %+v, want location only", m)
			}

			ok, err = s.SetNodePosition(ctx, "a", testPosition)
			if err != nil || !ok {
				t.Fatalf("SetNodePosition() = %v, %v; want true, nil", ok, err)
			}

			moved := testLocation
			moved.Latitude += 0.0001
			if err := s.SetNodeLocation(ctx, "a", moved); err != nil {
				t.Fatalf("SetNodeLocation() error = %v", err)
			}

			m, err = s.NodeMetadata(ctx, "a")
			if err != nil {
				t.Fatalf("NodeMetadata() error = %v", err)
			}
			if m.Location != moved {
				t.Errorf("location = %+v, want %+v", m.Location, moved)
			}
			if m.Position == nil || *m.Position != testPosition {
				t.Errorf("position not preserved across location update: %+v", m.Position)
			}

			// Returned metadata is a copy.
			m.Position.Simulated.Relative.X = 99
			again, _ := s.NodeMetadata(ctx, "a")
			if again.Position.Simulated.Relative.X == 99 {
				t.Error("caller mutation leaked into the store")
			}
		})
	}
}

func TestStore_Edges(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			for _, id := range []string{"a", "b", "c"} {
				if err := s.AddNode(ctx, id); err != nil {
					t.Fatal(err)
				}
			}

			for _, bad := range []float64{-1, math.NaN(), math.Inf(1)} {
				if err := s.SetEdge(ctx, "a", "b", bad); !errors.Is(err, ErrInvalidEdgeWeight) {
					t.Errorf("SetEdge(%v) error = %v, want ErrInvalidEdgeWeight", bad, err)
				}
			}

			mustSetEdge(t, s, "b", "a", 3.5)
			mustSetEdge(t, s, "a", "c", 0)
			mustSetEdge(t, s, "a", "b", 10.25)
			mustSetEdge(t, s, "a", "b", 12)
			mustSetEdge(t, s, "a", "ghost", 4)

			edges, err := s.ListEdges(ctx)
			if err != nil {
				t.Fatalf("ListEdges() error = %v", err)
			}
			want := []Edge{
				{From: "a", To: "b", Value: 12},
				{From: "a", To: "c", Value: 0},
				{From: "b", To: "a", Value: 3.5},
			}
			assertEdges(t, edges, want)

			if err := s.RemoveEdge(ctx, "a", "b"); err != nil {
				t.Fatalf("RemoveEdge() error = %v", err)
			}
			if err := s.RemoveEdge(ctx, "c", "a"); err != nil {
				t.Fatalf("RemoveEdge() of missing edge error = %v", err)
			}

			edges, _ = s.ListEdges(ctx)
			assertEdges(t, edges, want[1:])
		})
	}
}

func TestStore_RemoveNodeCascades(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			for _, id := range []string{"a", "b", "c"} {
				if err := s.AddNode(ctx, id); err != nil {
					t.Fatal(err)
				}
				if err := s.SetNodeLocation(ctx, id, testLocation); err != nil {
					t.Fatal(err)
				}
			}
			mustSetEdge(t, s, "a", "b", 1)
			mustSetEdge(t, s, "b", "a", 1)
			mustSetEdge(t, s, "c", "b", 2)
			mustSetEdge(t, s, "a", "c", 3)

			if err := s.RemoveNode(ctx, "b"); err != nil {
				t.Fatalf("RemoveNode() error = %v", err)
			}

			nodes, _ := s.ListNodes(ctx)
			if len(nodes) != 2 || nodes[0] != "a" || nodes[1] != "c" {
				t.Errorf("nodes = %v, want [a c]", nodes)
			}
			edges, _ := s.ListEdges(ctx)
			assertEdges(t, edges, []Edge{{From: "a", To: "c", Value: 3}})

			if _, err := s.NodeMetadata(ctx, "b"); !errors.Is(err, ErrNodeNotFound) {
				t.Errorf("metadata survived removal: %v", err)
			}

			// Re-adding does not resurrect old edges.
			if err := s.AddNode(ctx, "b"); err != nil {
				t.Fatal(err)
			}
			edges, _ = s.ListEdges(ctx)
			assertEdges(t, edges, []Edge{{From: "a", To: "c", Value: 3}})

			if err := s.RemoveNode(ctx, "unknown"); err != nil {
				t.Errorf("RemoveNode() of unknown node error = %v", err)
			}
		})
	}
}

func TestStore_SnapshotAndDelete(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			for _, id := range []string{"a", "b", "no-location"} {
				if err := s.AddNode(ctx, id); err != nil {
					t.Fatal(err)
				}
			}
			if err := s.SetNodeLocation(ctx, "a", testLocation); err != nil {
				t.Fatal(err)
			}
			if err := s.SetNodeLocation(ctx, "b", testLocation); err != nil {
				t.Fatal(err)
			}
			// Metadata for a device that never joined the node set.
			if err := s.SetNodeLocation(ctx, "outsider", testLocation); err != nil {
				t.Fatal(err)
			}
			mustSetEdge(t, s, "a", "b", 7)

			snap, err := s.Snapshot(ctx)
			if err != nil {
				t.Fatalf("Snapshot() error = %v", err)
			}
			if len(snap.Nodes) != 2 {
				t.Errorf("snapshot nodes = %v, want a and b", snap.Nodes)
			}
			if _, ok := snap.Nodes["outsider"]; ok {
				t.Error("snapshot includes a node outside the node set")
			}
			assertEdges(t, snap.Edges, []Edge{{From: "a", To: "b", Value: 7}})

			meta, err := s.ListNodesMetadata(ctx)
			if err != nil {
				t.Fatalf("ListNodesMetadata() error = %v", err)
			}
			if len(meta) != 2 {
				t.Errorf("ListNodesMetadata() = %v, want 2 entries", meta)
			}

			if err := s.DeleteGraph(ctx); err != nil {
				t.Fatalf("DeleteGraph() error = %v", err)
			}
			snap, err = s.Snapshot(ctx)
			if err != nil {
				t.Fatalf("Snapshot() after delete error = %v", err)
			}
			if len(snap.Nodes) != 0 || len(snap.Edges) != 0 {
				t.Errorf("graph not empty after delete: %+v", snap)
			}
		})
	}
}

func TestRedisStore_KeyLayoutAndTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newMiniredisStore(t, "evt")

	if err := s.AddNode(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddNode(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetNodeLocation(ctx, "a", testLocation); err != nil {
		t.Fatal(err)
	}
	mustSetEdge(t, s, "a", "b", 2.5)

	for _, key := range []string{"graph:evt:nodes", "graph:evt:edges:a", "graph:evt:node_metadata"} {
		if !mr.Exists(key) {
			t.Errorf("key %s missing", key)
			continue
		}
		if ttl := mr.TTL(key); ttl <= 0 || ttl > time.Hour {
			t.Errorf("TTL(%s) = %v, want (0, 1h]", key, ttl)
		}
	}

	if got := mr.HGet("graph:evt:edges:a", "b"); got != "2.5" {
		t.Errorf("stored edge = %q, want 2.5", got)
	}

	mr.FastForward(50 * time.Minute)
	mustSetEdge(t, s, "a", "b", 3)
	if ttl := mr.TTL("graph:evt:edges:a"); ttl != time.Hour {
		t.Errorf("TTL after write = %v, want renewed to 1h", ttl)
	}

	mr.FastForward(2 * time.Hour)
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 0 {
		t.Errorf("nodes after expiry = %v, want none", nodes)
	}
}

func TestRedisStore_SkipsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	s, mr := newMiniredisStore(t, "evt")

	for _, id := range []string{"good", "broken"} {
		if err := s.AddNode(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SetNodeLocation(ctx, "good", testLocation); err != nil {
		t.Fatal(err)
	}
	mr.HSet("graph:evt:node_metadata", "broken", "{not json")
	mr.HSet("graph:evt:edges:good", "broken", "far")
	mustSetEdge(t, s, "broken", "good", 1)

	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if _, ok := snap.Nodes["good"]; !ok || len(snap.Nodes) != 1 {
		t.Errorf("snapshot nodes = %v, want only good", snap.Nodes)
	}
	assertEdges(t, snap.Edges, []Edge{{From: "broken", To: "good", Value: 1}})

	if _, err := s.NodeMetadata(ctx, "broken"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("NodeMetadata(broken) error = %v, want ErrNodeNotFound", err)
	}

	// A location write repairs the entry.
	if err := s.SetNodeLocation(ctx, "broken", testLocation); err != nil {
		t.Fatalf("SetNodeLocation() error = %v", err)
	}
	if _, err := s.NodeMetadata(ctx, "broken"); err != nil {
		t.Errorf("NodeMetadata() after repair error = %v", err)
	}
}

func TestRedisStore_GraphsAreIsolated(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	one := NewRedisStore(client, "one", 0, testLogger())
	two := NewRedisStore(client, "two", 0, testLogger())

	if err := one.AddNode(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := two.DeleteGraph(ctx); err != nil {
		t.Fatal(err)
	}

	nodes, _ := one.ListNodes(ctx)
	if len(nodes) != 1 {
		t.Errorf("deleting graph two touched graph one: %v", nodes)
	}
	if ttl := mr.TTL("graph:one:nodes"); ttl != DefaultTTL {
		t.Errorf("default TTL = %v, want %v", ttl, DefaultTTL)
	}
}

func mustSetEdge(t *testing.T, s Store, from, to string, value float64) {
	t.Helper()
	if err := s.SetEdge(context.Background(), from, to, value); err != nil {
		t.Fatalf("SetEdge(%s, %s) error = %v", from, to, err)
	}
}

func assertEdges(t *testing.T, got, want []Edge) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("edges = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("edges[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}
