package event

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/swarmlight/internal/geo"
	"github.com/onnwee/swarmlight/internal/graph"
)

var errSendFailed = errors.New("connection gone")

// recorder is a Sender that keeps every message it is given.
type recorder struct {
	mu   sync.Mutex
	msgs []Message
	fail bool
}

func (r *recorder) Send(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errSendFailed
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (r *recorder) ofType(t MessageType) []Message {
	var out []Message
	for _, m := range r.all() {
		if m.Type() == t {
			out = append(out, m)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var anchor = geo.Point{Latitude: 45.0703, Longitude: 7.6869}

// at returns a location east/north meters away from the anchor.
func at(east, north, accuracy float64) geo.Location {
	lat := anchor.Latitude + north/geo.EarthRadius*180/math.Pi
	lon := anchor.Longitude + east/(geo.EarthRadius*math.Cos(geo.ToRadians(anchor.Latitude)))*180/math.Pi
	return geo.Location{
		Latitude:           lat,
		Longitude:          lon,
		HorizontalAccuracy: accuracy,
		VerticalAccuracy:   0,
	}
}

// idleOptions keeps the scheduler from firing on its own so tests drive recompute directly.
func idleOptions() SessionOptions {
	return SessionOptions{
		Debounce: time.Hour,
		MaxWait:  time.Hour,
		Logger:   testLogger(),
	}
}

func newTestSession(t *testing.T, opts SessionOptions) (*Session, *graph.InMemoryStore) {
	t.Helper()
	store := graph.NewInMemoryStore()
	s := NewSession(Record{ID: "evt-1", AdminID: "admin-1", Anchor: anchor}, store, opts)
	t.Cleanup(s.Stop)
	return s, store
}

func ptr(v float64) *float64 { return &v }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
