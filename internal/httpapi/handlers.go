package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"tavern.org/internal/auth"
	"tavern.org/internal/cluster"
	"tavern.org/internal/event"
	"tavern.org/internal/obs"
)

const serviceName = "tavern-gateway"

// Pinger is any dependency that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports readiness. The durable store is required; the broker
// is informational since the gateway degrades to local delivery without it.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rp.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Guard is the revocation guard as seen by the HTTP layer.
type Guard interface {
	Authenticate(ctx context.Context, credential string) (auth.Principal, error)
	Revoke(ctx context.Context, entry auth.RevocationEntry) error
	RevokeToken(ctx context.Context, credential, reason string) (auth.RevocationEntry, error)
}

// Counts exposes local connection counts.
type Counts interface {
	Total() int
	RoomTotal() int
	RoomCount(roomID string) int
}

// StatsSource exposes relay counters.
type StatsSource interface {
	Stats() cluster.Stats
}

// Notifier sends a server-originated event to every session of a principal,
// on this instance or through the cluster.
type Notifier interface {
	SendToUser(ctx context.Context, principalID string, ev event.Event, roomID string) (bool, error)
}

// Deps are the collaborators served over HTTP. Nil members disable their routes.
type Deps struct {
	Guard    Guard
	Counts   Counts
	Stats    StatsSource
	Sessions http.Handler
	Notifier Notifier
}

// API is the HTTP layer: ops endpoints, logout and the websocket handshake.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string
	deps       Deps

	rateBurst  int
	ratePerSec int
	maxBody    int64
}

// New builds the API.
func New(rp readinessChecker, version string, deps Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		deps:       deps,
		rateBurst:  40,
		ratePerSec: 20,
		maxBody:    1 << 20,
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	if deps.Stats != nil && deps.Counts != nil {
		a.mux.HandleFunc("GET /v1/stats", a.StatsHandler)
		a.mux.HandleFunc("GET /v1/rooms/{roomId}", a.Room)
	}
	if deps.Guard != nil {
		a.mux.Handle("POST /v1/auth/logout", a.requireBearer(http.HandlerFunc(a.handleLogout)))
	}
	if deps.Sessions != nil {
		a.mux.Handle("GET /ws/game/{roomId}", deps.Sessions)
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	return a
}

// SetRateLimit overrides the per-IP token bucket.
func (a *API) SetRateLimit(burst, perSecond int) {
	if burst > 0 && perSecond > 0 {
		a.rateBurst, a.ratePerSec = burst, perSecond
	}
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	body := map[string]any{"status": "ready"}
	if a.deps.Stats != nil {
		st := a.deps.Stats.Stats()
		body["mode"] = st.Mode
		body["broker_available"] = st.BrokerAvailable
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

type statsResponse struct {
	cluster.Stats
	TotalConnections int `json:"total_connections"`
	ActiveRooms      int `json:"active_rooms"`
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:            a.deps.Stats.Stats(),
		TotalConnections: a.deps.Counts.Total(),
		ActiveRooms:      a.deps.Counts.RoomTotal(),
	})
}

func (a *API) Room(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	writeJSON(w, http.StatusOK, map[string]any{
		"room_id":     roomID,
		"connections": a.deps.Counts.RoomCount(roomID),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error":      msg,
		"request_id": requestIDFrom(r.Context()),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
