// Package event coordinates live events: the participant and admin channels of
// each open event, the graph mutations their messages cause, and the debounced
// recomputation that turns the graph into positions pushed back to devices.
package event

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/onnwee/swarmlight/internal/geo"
	"github.com/onnwee/swarmlight/internal/graph"
	"github.com/onnwee/swarmlight/internal/jobs"
	"github.com/onnwee/swarmlight/internal/simulation"
)

// Session errors.
var (
	ErrEventClosed   = errors.New("event is closed")
	ErrEventNotFound = errors.New("event not found")
	ErrEventExists   = errors.New("event already open")
	ErrNotAdmin      = errors.New("user is not the event admin")
	ErrNotJoined     = errors.New("device has not joined")
	ErrUnexpected    = errors.New("unexpected message for this connection")
)

// State is the lifecycle state of a session.
type State string

const (
	StateOpen   State = "OPEN"
	StateClosed State = "CLOSED"
)

// Sender delivers one message to one connection. Implementations must be
// comparable (typically pointers): a session tells channels apart by equality.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Record is the durable description of an open event.
type Record struct {
	ID      string    `json:"id" validate:"required"`
	Name    string    `json:"name,omitempty"`
	AdminID string    `json:"adminId" validate:"required"`
	Anchor  geo.Point `json:"anchor"`
}

// Participant is the public view of a subscriber.
type Participant struct {
	DeviceID string       `json:"deviceId"`
	Location geo.Location `json:"location"`
}

type subscriber struct {
	deviceID string
	location geo.Location
	sender   Sender
}

// SessionOptions tunes the sessions a Registry creates.
type SessionOptions struct {
	Debounce   time.Duration
	MaxWait    time.Duration
	RunTimeout time.Duration
	Solver     simulation.Config
	Precision  float64
	Logger     *slog.Logger
	Metrics    *Metrics
	JobMetrics jobs.Reporter
}

// Session coordinates one open event. All methods are safe for concurrent use.
type Session struct {
	record    Record
	store     graph.Store
	scheduler *jobs.Scheduler
	solver    simulation.Config
	precision float64
	logger    *slog.Logger
	metrics   *Metrics

	// graphMu orders membership changes together with their store writes, so
	// the graph sees joins and leaves of one device in the order the
	// subscriber map did. It is taken before mu and never held while sending.
	graphMu sync.Mutex

	mu          sync.Mutex
	state       State
	admin       Sender
	subscribers map[string]*subscriber
}

// NewSession creates an open session backed by store. Recomputation is
// scheduled on the session's own timers.
func NewSession(record Record, store graph.Store, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	precision := opts.Precision
	if precision <= 0 {
		precision = simulation.DefaultPrecision
	}

	s := &Session{
		record:      record,
		store:       store,
		solver:      opts.Solver,
		precision:   precision,
		logger:      logger.With("event_id", record.ID),
		metrics:     opts.Metrics,
		state:       StateOpen,
		subscribers: make(map[string]*subscriber),
	}
	s.scheduler = jobs.NewScheduler(jobs.SchedulerConfig{
		Debounce: opts.Debounce,
		MaxWait:  opts.MaxWait,
		Timeout:  opts.RunTimeout,
		JobType:  jobs.JobTypeGraphRecompute,
		Logger:   s.logger,
		Metrics:  opts.JobMetrics,
	}, s.recompute)
	return s
}

// ID returns the event id.
func (s *Session) ID() string { return s.record.ID }

// AdminID returns the id of the user allowed to administer the event.
func (s *Session) AdminID() string { return s.record.AdminID }

// Record returns the event description.
func (s *Session) Record() Record { return s.record }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers a device, or replaces the channel and location of a
// device that reconnects. Everyone already present is told about it.
func (s *Session) Subscribe(ctx context.Context, deviceID string, loc geo.Location, sender Sender) error {
	s.graphMu.Lock()
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		s.graphMu.Unlock()
		return ErrEventClosed
	}
	recipients := s.recipientsLocked()
	_, existed := s.subscribers[deviceID]
	s.subscribers[deviceID] = &subscriber{deviceID: deviceID, location: loc, sender: sender}
	s.mu.Unlock()

	if !existed {
		s.metrics.participantsAdded(1)
	}

	if err := s.store.AddNode(ctx, deviceID); err != nil {
		s.storeFailed("add_node", deviceID, err)
	}
	if err := s.store.SetNodeLocation(ctx, deviceID, loc); err != nil {
		s.storeFailed("set_node_location", deviceID, err)
	}
	s.graphMu.Unlock()

	s.logger.Info("device joined", "device_id", deviceID, "area", loc.Point().Area())

	s.deliver(ctx, recipients, UserJoined{DeviceID: deviceID, Location: loc})
	s.scheduler.NotifyUpdate()
	return nil
}

// UpdateLocation records a new fix for a subscribed device. Unknown devices are ignored.
func (s *Session) UpdateLocation(ctx context.Context, deviceID string, loc geo.Location) error {
	s.graphMu.Lock()
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		s.graphMu.Unlock()
		return ErrEventClosed
	}
	sub, ok := s.subscribers[deviceID]
	if !ok {
		s.mu.Unlock()
		s.graphMu.Unlock()
		return nil
	}
	sub.location = loc
	admin := s.admin
	s.mu.Unlock()

	if err := s.store.SetNodeLocation(ctx, deviceID, loc); err != nil {
		s.storeFailed("set_node_location", deviceID, err)
	}
	s.graphMu.Unlock()

	s.sendAdmin(ctx, admin, LocationUpdateReport{DeviceID: deviceID, Location: loc})
	s.scheduler.NotifyUpdate()
	return nil
}

// ReportDistance records from's estimate of its distance to to. A nil
// distance removes the edge. Reports from unknown devices are ignored.
func (s *Session) ReportDistance(ctx context.Context, from, to string, distance *float64) error {
	s.graphMu.Lock()
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		s.graphMu.Unlock()
		return ErrEventClosed
	}
	if _, ok := s.subscribers[from]; !ok {
		s.mu.Unlock()
		s.graphMu.Unlock()
		return nil
	}
	admin := s.admin
	s.mu.Unlock()

	err := s.writeEdge(ctx, from, to, distance)
	s.graphMu.Unlock()
	if err != nil {
		return err
	}

	s.sendAdmin(ctx, admin, DistanceReport{From: from, To: to, Distance: distance})
	s.scheduler.NotifyUpdate()
	return nil
}

// writeEdge stores or removes one edge. Only an invalid weight is returned;
// store failures are counted and logged.
func (s *Session) writeEdge(ctx context.Context, from, to string, distance *float64) error {
	if distance == nil {
		if err := s.store.RemoveEdge(ctx, from, to); err != nil {
			s.storeFailed("remove_edge", from, err)
		}
		return nil
	}
	err := s.store.SetEdge(ctx, from, to, *distance)
	if errors.Is(err, graph.ErrInvalidEdgeWeight) {
		return err
	}
	if err != nil {
		s.storeFailed("set_edge", from, err)
	}
	return nil
}

// Unsubscribe removes a device and its edges. Unknown devices are ignored.
func (s *Session) Unsubscribe(ctx context.Context, deviceID string) error {
	return s.leave(ctx, deviceID, nil)
}

// Leave is Unsubscribe for a connection that is going away: the device is
// only removed while sender is still its channel, so a stale connection
// closing after a reconnect does not evict the new one.
func (s *Session) Leave(ctx context.Context, deviceID string, sender Sender) error {
	if sender == nil {
		return nil
	}
	return s.leave(ctx, deviceID, sender)
}

func (s *Session) leave(ctx context.Context, deviceID string, sender Sender) error {
	s.graphMu.Lock()
	s.mu.Lock()
	sub, ok := s.subscribers[deviceID]
	if !ok || (sender != nil && sub.sender != sender) {
		s.mu.Unlock()
		s.graphMu.Unlock()
		return nil
	}
	delete(s.subscribers, deviceID)
	closed := s.state == StateClosed
	recipients := s.recipientsLocked()
	s.mu.Unlock()

	s.metrics.participantsAdded(-1)
	if closed {
		s.graphMu.Unlock()
		return nil
	}

	if err := s.store.RemoveNode(ctx, deviceID); err != nil {
		s.storeFailed("remove_node", deviceID, err)
	}
	s.graphMu.Unlock()

	s.logger.Info("device left", "device_id", deviceID)

	s.deliver(ctx, recipients, UserLeft{DeviceID: deviceID})
	s.scheduler.NotifyUpdate()
	return nil
}

// Publish sends msg to the admin and every subscriber. Delivery order is
// unspecified; a failing channel does not affect the others.
func (s *Session) Publish(ctx context.Context, msg Message) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrEventClosed
	}
	recipients := s.recipientsLocked()
	s.mu.Unlock()

	s.deliver(ctx, recipients, msg)
	return nil
}

// PlayEffect relays an admin effect to every participant. The admin gets the
// same message back as acknowledgement.
func (s *Session) PlayEffect(ctx context.Context, effect Effect) error {
	s.metrics.IncMessagesReceived(effect.Type())
	if err := s.Publish(ctx, effect); err != nil {
		return err
	}
	s.logger.Info("effect played", "effect", effect.Name, "active_time", effect.ActiveTime)
	return nil
}

// AttachAdmin makes sender the admin channel, replacing any previous one.
func (s *Session) AttachAdmin(userID string, sender Sender) error {
	if userID != s.record.AdminID {
		return ErrNotAdmin
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrEventClosed
	}
	s.admin = sender
	return nil
}

// DetachAdmin clears the admin channel if it is still sender.
func (s *Session) DetachAdmin(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.admin == sender {
		s.admin = nil
	}
}

// Participants lists subscribed devices sorted by id.
func (s *Session) Participants() []Participant {
	s.mu.Lock()
	out := make([]Participant, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		out = append(out, Participant{DeviceID: sub.deviceID, Location: sub.location})
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Participant) int {
		return cmp.Compare(a.DeviceID, b.DeviceID)
	})
	return out
}

// Graph returns the persisted graph.
func (s *Session) Graph(ctx context.Context) (graph.Snapshot, error) {
	return s.store.Snapshot(ctx)
}

// Edges returns the persisted edges.
func (s *Session) Edges(ctx context.Context) ([]graph.Edge, error) {
	return s.store.ListEdges(ctx)
}

// Close moves the session to CLOSED, stops recomputation and deletes the
// persisted graph. Connections stay open but every further operation fails
// with ErrEventClosed.
func (s *Session) Close(ctx context.Context) error {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()
	if !s.shutdown() {
		return ErrEventClosed
	}
	if err := s.store.DeleteGraph(ctx); err != nil {
		s.storeFailed("delete_graph", "", err)
		return err
	}
	s.logger.Info("event closed")
	return nil
}

// Stop halts recomputation without touching the persisted graph, for process
// shutdown. The graph survives until its TTL.
func (s *Session) Stop() {
	s.shutdown()
}

func (s *Session) shutdown() bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	n := len(s.subscribers)
	clear(s.subscribers)
	s.admin = nil
	s.mu.Unlock()

	s.metrics.participantsAdded(-n)
	s.scheduler.Stop()
	return true
}

// recipientsLocked snapshots the admin and subscriber channels. Callers hold s.mu.
func (s *Session) recipientsLocked() []recipient {
	out := make([]recipient, 0, len(s.subscribers)+1)
	if s.admin != nil {
		out = append(out, recipient{sender: s.admin, admin: true})
	}
	for id, sub := range s.subscribers {
		out = append(out, recipient{deviceID: id, sender: sub.sender})
	}
	return out
}

type recipient struct {
	deviceID string
	admin    bool
	sender   Sender
}

func (s *Session) deliver(ctx context.Context, recipients []recipient, msg Message) {
	for _, r := range recipients {
		if err := r.sender.Send(ctx, msg); err != nil {
			s.metrics.incSendFailures()
			s.logger.Warn("failed to deliver message",
				"type", msg.Type(),
				"device_id", r.deviceID,
				"admin", r.admin,
				"error", err)
		}
	}
}

func (s *Session) sendAdmin(ctx context.Context, admin Sender, msg Message) {
	if admin == nil {
		return
	}
	s.deliver(ctx, []recipient{{sender: admin, admin: true}}, msg)
}

// sendTo delivers msg to deviceID if it is still subscribed.
func (s *Session) sendTo(ctx context.Context, deviceID string, msg Message) {
	s.mu.Lock()
	sub, ok := s.subscribers[deviceID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.deliver(ctx, []recipient{{deviceID: deviceID, sender: sub.sender}}, msg)
}

func (s *Session) adminSender() Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admin
}

func (s *Session) storeFailed(operation, deviceID string, err error) {
	s.metrics.incStoreErrors(operation)
	s.logger.Error("graph store operation failed",
		"operation", operation,
		"device_id", deviceID,
		"error", err)
}
