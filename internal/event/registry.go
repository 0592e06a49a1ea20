package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/onnwee/swarmlight/internal/geo"
	"github.com/onnwee/swarmlight/internal/graph"
	"github.com/onnwee/swarmlight/internal/validate"
)

// StoreFactory returns the graph store for an event.
type StoreFactory func(eventID string) graph.Store

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// NewStore is required.
	NewStore StoreFactory
	// Session options applied to every session.
	Session SessionOptions
	// AroundRadius limits Around to events within this many meters. Zero means unlimited.
	AroundRadius float64
	Logger       *slog.Logger
}

// Registry is the live set of open events.
type Registry struct {
	config RegistryConfig
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Session.Logger == nil {
		config.Session.Logger = logger
	}
	return &Registry{
		config:   config,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Load opens every record, typically the events already open at startup.
// Invalid or duplicate records are skipped and reported together.
func (r *Registry) Load(records []Record) error {
	var errs []error
	for _, rec := range records {
		if _, err := r.Open(rec); err != nil {
			errs = append(errs, fmt.Errorf("event %q: %w", rec.ID, err))
		}
	}
	r.logger.Info("loaded open events", "count", r.Len(), "failed", len(errs))
	return errors.Join(errs...)
}

// Open creates and registers a session for rec.
func (r *Registry) Open(rec Record) (*Session, error) {
	if err := validate.Struct(rec); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[rec.ID]; ok {
		return nil, ErrEventExists
	}

	s := NewSession(rec, r.config.NewStore(rec.ID), r.config.Session)
	r.sessions[rec.ID] = s
	r.config.Session.Metrics.eventOpened()

	r.logger.Info("event opened", "event_id", rec.ID, "area", rec.Anchor.Area())
	return s, nil
}

// Get returns the open session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return s, nil
}

// Close closes the event and drops it from the registry.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return ErrEventNotFound
	}
	r.config.Session.Metrics.eventClosed()

	if err := s.Close(ctx); err != nil && !errors.Is(err, ErrEventClosed) {
		return fmt.Errorf("close event %s: %w", id, err)
	}
	return nil
}

// Around returns the open event whose anchor is nearest to p, and its
// distance in meters.
func (r *Registry) Around(p geo.Point) (*Session, float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best     *Session
		bestDist = math.Inf(1)
	)
	for _, s := range r.sessions {
		d := geo.Distance(p, s.record.Anchor)
		if d < bestDist || (d == bestDist && best != nil && s.record.ID < best.record.ID) {
			best, bestDist = s, d
		}
	}

	if best == nil || (r.config.AroundRadius > 0 && bestDist > r.config.AroundRadius) {
		return nil, 0, ErrEventNotFound
	}
	return best, bestDist, nil
}

// Len returns the number of open events.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown stops every session's recomputation, keeping persisted graphs.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
		r.config.Session.Metrics.eventClosed()
	}
	r.logger.Info("event registry stopped", "sessions", len(sessions))
}
