package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/swarmlight/internal/event"
	"github.com/onnwee/swarmlight/internal/geo"
	"github.com/onnwee/swarmlight/internal/middleware"
	"github.com/onnwee/swarmlight/internal/tracing"
	"github.com/onnwee/swarmlight/internal/validate"
)

// maxCreateBody caps POST /events request bodies.
const maxCreateBody = 16 << 10

// CreateEventRequest represents the request body for creating an event.
type CreateEventRequest struct {
	Name      string  `json:"name" validate:"max=120"`
	Latitude  float64 `json:"latitude" validate:"finite,latitude"`
	Longitude float64 `json:"longitude" validate:"finite,longitude"`
}

// CreateEventResponse is returned with 201 Created.
type CreateEventResponse struct {
	EventID string `json:"eventId"`
}

// EventResponse is the public view of an open event.
type EventResponse struct {
	ID           string      `json:"id"`
	Name         string      `json:"name,omitempty"`
	Anchor       geo.Point   `json:"anchor"`
	State        event.State `json:"state"`
	Participants int         `json:"participants"`
}

// AroundResponse names the open event nearest to the requested point.
type AroundResponse struct {
	EventID  string    `json:"eventId"`
	Name     string    `json:"name,omitempty"`
	Anchor   geo.Point `json:"anchor"`
	Distance float64   `json:"distance"`
}

// EventHandlers serves the HTTP side of events. Admin routes expect
// middleware.RequireAdmin in front of them.
type EventHandlers struct {
	registry *event.Registry
}

// NewEventHandlers creates a new EventHandlers instance.
func NewEventHandlers(registry *event.Registry) *EventHandlers {
	return &EventHandlers{registry: registry}
}

// CreateEvent handles POST /events. The caller becomes the event admin.
func (h *EventHandlers) CreateEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	adminID := middleware.GetAdminID(ctx)
	if adminID == "" {
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCreateBody+1))
	if err != nil || len(body) > maxCreateBody {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Request body too large or unreadable")
		return
	}

	var req CreateEventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := validate.Struct(req); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	rec := event.Record{
		ID:      uuid.NewString(),
		Name:    req.Name,
		AdminID: adminID,
		Anchor:  geo.Point{Latitude: req.Latitude, Longitude: req.Longitude},
	}
	if _, err := h.registry.Open(rec); err != nil {
		if errors.Is(err, event.ErrEventExists) {
			WriteError(w, ctx, http.StatusConflict, ErrCodeConflict, "Event already open")
			return
		}
		slog.ErrorContext(ctx, "failed to open event", "error", err, "event_id", rec.ID)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to create event")
		return
	}

	writeJSON(w, ctx, http.StatusCreated, CreateEventResponse{EventID: rec.ID})
}

// GetEvent handles GET /events/{id}.
func (h *EventHandlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	rec := s.Record()
	writeJSON(w, r.Context(), http.StatusOK, EventResponse{
		ID:           rec.ID,
		Name:         rec.Name,
		Anchor:       rec.Anchor,
		State:        s.State(),
		Participants: len(s.Participants()),
	})
}

// GetGraph handles GET /events/{id}/graph with the persisted snapshot.
func (h *EventHandlers) GetGraph(w http.ResponseWriter, r *http.Request) {
	s, ok := h.adminSession(w, r)
	if !ok {
		return
	}

	ctx, endSpan := tracing.StartSpan(r.Context(), "event.graph")
	tracing.SetAttributes(ctx, attribute.String("event.id", s.ID()))
	snapshot, err := s.Graph(ctx)
	endSpan(err)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load graph", "error", err, "event_id", s.ID())
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to load graph")
		return
	}
	tracing.AddEvent(ctx, "graph_loaded", attribute.Int("nodes", len(snapshot.Nodes)))

	writeJSON(w, ctx, http.StatusOK, snapshot)
}

// GetEdges handles GET /events/{id}/edges.
func (h *EventHandlers) GetEdges(w http.ResponseWriter, r *http.Request) {
	s, ok := h.adminSession(w, r)
	if !ok {
		return
	}

	edges, err := s.Edges(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list edges", "error", err, "event_id", s.ID())
		WriteError(w, r.Context(), http.StatusInternalServerError, ErrCodeInternal, "Failed to load edges")
		return
	}

	writeJSON(w, r.Context(), http.StatusOK, map[string]any{"edges": edges})
}

// GetParticipants handles GET /events/{id}/participants.
func (h *EventHandlers) GetParticipants(w http.ResponseWriter, r *http.Request) {
	s, ok := h.adminSession(w, r)
	if !ok {
		return
	}

	writeJSON(w, r.Context(), http.StatusOK, map[string]any{"participants": s.Participants()})
}

// CloseEvent handles PUT /events/{id}/close. The response carries the graph as
// it was just before it was deleted.
func (h *EventHandlers) CloseEvent(w http.ResponseWriter, r *http.Request) {
	s, ok := h.adminSession(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	snapshot, err := s.Graph(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to load final graph", "error", err, "event_id", s.ID())
	}

	if err := h.registry.Close(ctx, s.ID()); err != nil {
		if errors.Is(err, event.ErrEventNotFound) {
			WriteError(w, ctx, http.StatusConflict, ErrCodeEventClosed, "Event is already closed")
			return
		}
		slog.ErrorContext(ctx, "failed to close event", "error", err, "event_id", s.ID())
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to close event")
		return
	}

	writeJSON(w, ctx, http.StatusOK, snapshot)
}

// Around handles GET /events/around?latitude=&longitude=.
func (h *EventHandlers) Around(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, msg := parsePoint(r)
	if msg != "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, msg)
		return
	}

	s, distance, err := h.registry.Around(p)
	if err != nil {
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "No open event nearby")
		return
	}

	rec := s.Record()
	writeJSON(w, ctx, http.StatusOK, AroundResponse{
		EventID:  rec.ID,
		Name:     rec.Name,
		Anchor:   rec.Anchor,
		Distance: distance,
	})
}

// parsePoint reads latitude and longitude query parameters. It returns a
// non-empty message when they are missing or out of range.
func parsePoint(r *http.Request) (geo.Point, string) {
	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("latitude"), 64)
	if err != nil {
		return geo.Point{}, "latitude must be a number"
	}
	lng, err := strconv.ParseFloat(q.Get("longitude"), 64)
	if err != nil {
		return geo.Point{}, "longitude must be a number"
	}

	p := geo.Point{Latitude: lat, Longitude: lng}
	if err := validate.Struct(p); err != nil {
		return geo.Point{}, err.Error()
	}
	return p, ""
}

// session resolves the {id} path parameter to an open session, writing 404 otherwise.
func (h *EventHandlers) session(w http.ResponseWriter, r *http.Request) (*event.Session, bool) {
	id := chi.URLParam(r, "id")
	s, err := h.registry.Get(id)
	if err != nil {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "Event not found")
		return nil, false
	}
	return s, true
}

// adminSession is session restricted to the event admin.
func (h *EventHandlers) adminSession(w http.ResponseWriter, r *http.Request) (*event.Session, bool) {
	s, ok := h.session(w, r)
	if !ok {
		return nil, false
	}

	adminID := middleware.GetAdminID(r.Context())
	if adminID == "" {
		WriteError(w, r.Context(), http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
		return nil, false
	}
	if adminID != s.AdminID() {
		WriteError(w, r.Context(), http.StatusForbidden, ErrCodeForbidden, "You are not the admin of this event")
		return nil, false
	}
	return s, true
}
