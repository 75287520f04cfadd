// Package httpapi exposes the engine over REST: route evaluation, polyline
// decoding, incremental event polls, and per-user unread state, plus the
// operational health, readiness, and metrics endpoints.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/commuterlab/hazard-engine/internal/config"
	"github.com/commuterlab/hazard-engine/internal/domain"
	"github.com/commuterlab/hazard-engine/internal/observability"
	"github.com/commuterlab/hazard-engine/internal/pipeline"
	"github.com/commuterlab/hazard-engine/internal/polyline"
	"github.com/commuterlab/hazard-engine/internal/targeting"
)

// defaultUnreadRadiusMeters scopes GET /unread_events when the caller sends
// a location without an explicit radius.
const defaultUnreadRadiusMeters = 50000

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Targeting is the service surface the handlers call into.
type Targeting interface {
	AffectingEvents(ctx context.Context, userID string, routes []pipeline.RouteRequest, typeFilter domain.SourceType, departure time.Time) ([]pipeline.RouteResult, error)
	UnreadEvents(ctx context.Context, userID string, area *domain.BoundingBox) ([]domain.Event, error)
	Poll(ctx context.Context, sinceVersion int64, box domain.BoundingBox) ([]targeting.PollItem, int64, error)
	MarkRead(ctx context.Context, userID, eventID string) error
}

// Handler bundles the HTTP route implementations and their dependencies.
type Handler struct {
	targeting Targeting
	codec     polyline.Decoder

	eventsPinger Pinger
	statesPinger Pinger

	metrics *observability.Metrics
	logger  *slog.Logger

	maxRoutes      int
	requestTimeout time.Duration
}

// NewHandler creates the HTTP handler set.
func NewHandler(cfg *config.Config, svc Targeting, codec polyline.Decoder, eventsPinger, statesPinger Pinger, metrics *observability.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		targeting:      svc,
		codec:          codec,
		eventsPinger:   eventsPinger,
		statesPinger:   statesPinger,
		metrics:        metrics,
		logger:         logger,
		maxRoutes:      cfg.MaxRoutesPerRequest,
		requestTimeout: cfg.RequestTimeout,
	}
}

// InitRoutes builds the gin engine and wires all routes.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.observe())

	router.GET("/healthz", h.handleHealth)
	router.GET("/readyz", h.handleReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/", h.timeout())
	{
		api.GET("/incident_events", h.handleIncidentEvents)
		api.POST("/google_polyline", h.handleDecodePolyline)

		user := api.Group("/", h.requireUser())
		{
			user.POST("/user_informatic_events", h.handleUserRoutes)
			user.GET("/unread_events", h.handleUnreadEvents)
			user.POST("/unread_events/:event_id/read", h.handleMarkRead)
		}
	}
	return router
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.eventsPinger.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": fmt.Sprintf("event store: %v", err)})
		return
	}
	if err := h.statesPinger.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": fmt.Sprintf("state store: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// handleIncidentEvents serves the incremental poll: events changed since the
// caller's version cursor, each flagged against the caller's bounding box.
func (h *Handler) handleIncidentEvents(c *gin.Context) {
	box, err := boxFromQuery(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	sinceVersion := int64(0)
	if raw := c.Query("version"); raw != "" {
		sinceVersion, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeError(c, domain.ValidationError{Field: "version", Reason: "must be an integer"})
			return
		}
	}

	items, newVersion, err := h.targeting.Poll(c.Request.Context(), sinceVersion, box)
	if err != nil {
		h.writeError(c, err)
		return
	}

	payload := make([]pollItemPayload, len(items))
	for i, item := range items {
		payload[i] = pollItemPayload{Event: item.Event.Payload(), IsAffected: item.IsAffected}
	}
	c.JSON(http.StatusOK, gin.H{"items": payload, "version": newVersion})
}

// handleUserRoutes evaluates a batch of encoded routes for the caller and
// returns per-route affecting events. Route-level failures are carried in
// the per-route outcome, never as a request-level error.
func (h *Handler) handleUserRoutes(c *gin.Context) {
	var req userRoutesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, domain.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if len(req.Routes) == 0 {
		h.writeError(c, domain.ValidationError{Field: "routes", Reason: "at least one route is required"})
		return
	}
	if len(req.Routes) > h.maxRoutes {
		h.writeError(c, domain.ValidationError{Field: "routes", Reason: fmt.Sprintf("at most %d routes per request", h.maxRoutes)})
		return
	}
	typeFilter, ok := domain.ParseSourceType(req.Type)
	if req.Type != "" && !ok {
		h.writeError(c, domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown source type %q", req.Type)})
		return
	}

	var departure time.Time
	if req.DepartureTime != "" {
		parsed, err := time.Parse(time.RFC3339, req.DepartureTime)
		if err != nil {
			h.writeError(c, domain.ValidationError{Field: "departure_time", Reason: "must be RFC 3339"})
			return
		}
		departure = parsed
	}

	routes := make([]pipeline.RouteRequest, len(req.Routes))
	for i, r := range req.Routes {
		format, ok := polyline.ParseFormat(r.Format)
		if !ok {
			h.writeError(c, domain.ValidationError{Field: "routes", Reason: fmt.Sprintf("unknown polyline format %q", r.Format)})
			return
		}
		id := r.ID
		if id == "" {
			id = fmt.Sprintf("route-%d", i)
		}
		routes[i] = pipeline.RouteRequest{ID: id, Encoded: r.Polyline, Format: format}
	}

	results, err := h.targeting.AffectingEvents(c.Request.Context(), userID(c), routes, typeFilter, departure)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": routeResultPayloads(results)})
}

// handleDecodePolyline decodes a Google-encoded polyline. Malformed input
// degrades to an empty coordinate list with a warning; it never fails the
// request.
func (h *Handler) handleDecodePolyline(c *gin.Context) {
	var req struct {
		Polyline string `json:"polyline"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, domain.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	points, err := h.codec.Decode(req.Polyline, polyline.FormatGoogle)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"coordinates": [][2]float64{}, "warning": err.Error()})
		return
	}

	// External contract uses [lat, lon] pair order.
	coords := make([][2]float64, len(points))
	for i, p := range points {
		coords[i] = [2]float64{p[1], p[0]}
	}
	c.JSON(http.StatusOK, gin.H{"coordinates": coords})
}

// handleUnreadEvents lists active events the caller has not read, optionally
// scoped to a radius around a location.
func (h *Handler) handleUnreadEvents(c *gin.Context) {
	var area *domain.BoundingBox
	if c.Query("lat") != "" || c.Query("lon") != "" {
		lat, err := parseFloatParam(c, "lat")
		if err != nil {
			h.writeError(c, err)
			return
		}
		lon, err := parseFloatParam(c, "lon")
		if err != nil {
			h.writeError(c, err)
			return
		}
		radius := float64(defaultUnreadRadiusMeters)
		if raw := c.Query("radius_m"); raw != "" {
			radius, err = strconv.ParseFloat(raw, 64)
			if err != nil || radius <= 0 {
				h.writeError(c, domain.ValidationError{Field: "radius_m", Reason: "must be a positive number"})
				return
			}
		}
		box := domain.BoxAround(orb.Point{lon, lat}, radius)
		if err := box.Validate(); err != nil {
			h.writeError(c, err)
			return
		}
		area = &box
	}

	events, err := h.targeting.UnreadEvents(c.Request.Context(), userID(c), area)
	if err != nil {
		h.writeError(c, err)
		return
	}

	payload := make([]domain.EventPayload, len(events))
	for i, event := range events {
		payload[i] = event.Payload()
	}
	c.JSON(http.StatusOK, gin.H{"events": payload})
}

// handleMarkRead acknowledges one event for the caller.
func (h *Handler) handleMarkRead(c *gin.Context) {
	eventID := c.Param("event_id")
	if eventID == "" {
		h.writeError(c, domain.ValidationError{Field: "event_id", Reason: "must not be empty"})
		return
	}
	if err := h.targeting.MarkRead(c.Request.Context(), userID(c), eventID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

// writeError maps domain errors onto the REST status contract: validation
// failures are the caller's fault, store unavailability is retryable.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case domain.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrStoreUnavailable):
		h.logger.Error("store unavailable", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable, retry later"})
	default:
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// boxFromQuery parses the four mandatory bounding box parameters.
func boxFromQuery(c *gin.Context) (domain.BoundingBox, error) {
	minLon, err := parseFloatParam(c, "min_lon")
	if err != nil {
		return domain.BoundingBox{}, err
	}
	minLat, err := parseFloatParam(c, "min_lat")
	if err != nil {
		return domain.BoundingBox{}, err
	}
	maxLon, err := parseFloatParam(c, "max_lon")
	if err != nil {
		return domain.BoundingBox{}, err
	}
	maxLat, err := parseFloatParam(c, "max_lat")
	if err != nil {
		return domain.BoundingBox{}, err
	}
	box := domain.BoundingBox{MinLon: minLon, MinLat: minLat, MaxLon: maxLon, MaxLat: maxLat}
	if err := box.Validate(); err != nil {
		return domain.BoundingBox{}, err
	}
	return box, nil
}

func parseFloatParam(c *gin.Context, name string) (float64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, domain.ValidationError{Field: name, Reason: "is required"}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, domain.ValidationError{Field: name, Reason: "must be a number"}
	}
	return v, nil
}

// --- request/response payloads ---

type routePayload struct {
	ID       string `json:"id"`
	Polyline string `json:"polyline"`
	Format   string `json:"format,omitempty"`
}

type userRoutesRequest struct {
	Routes        []routePayload `json:"routes"`
	Type          string         `json:"type,omitempty"`
	DepartureTime string         `json:"departure_time,omitempty"`
}

type pollItemPayload struct {
	Event      domain.EventPayload `json:"event"`
	IsAffected bool                `json:"is_affected"`
}

type affectedEventPayload struct {
	Event         domain.EventPayload `json:"event"`
	AffectedRange domain.SegmentRange `json:"affected_range"`
	ETA           time.Time           `json:"eta"`
}

type routeResultPayload struct {
	RouteID   string                 `json:"route_id"`
	Outcome   string                 `json:"outcome"`
	Truncated bool                   `json:"truncated,omitempty"`
	Warning   string                 `json:"warning,omitempty"`
	Events    []affectedEventPayload `json:"events"`
}

func routeResultPayloads(results []pipeline.RouteResult) []routeResultPayload {
	payloads := make([]routeResultPayload, len(results))
	for i, result := range results {
		events := make([]affectedEventPayload, len(result.Events))
		for j, ae := range result.Events {
			events[j] = affectedEventPayload{
				Event:         ae.Event.Payload(),
				AffectedRange: ae.Range,
				ETA:           ae.ETA,
			}
		}
		payloads[i] = routeResultPayload{
			RouteID:   result.RouteID,
			Outcome:   string(result.Outcome),
			Truncated: result.Truncated,
			Warning:   result.Warning,
			Events:    events,
		}
	}
	return payloads
}
