// Package gateway terminates client websocket sessions: it authenticates the
// handshake, admits the socket into its room and turns inbound frames into
// broadcasts.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tavern.org/internal/audit"
	"tavern.org/internal/auth"
	"tavern.org/internal/event"
	"tavern.org/internal/obs"
	"tavern.org/internal/registry"
)

var (
	ErrRoomNotFound        = errors.New("gateway: room not found")
	ErrMissingToken        = errors.New("gateway: missing token")
	ErrAccessTokenRequired = errors.New("gateway: access token required")
)

// Authenticator establishes the principal behind a credential.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (auth.Principal, error)
}

// Limiter decides whether a principal may emit another event of a kind.
type Limiter interface {
	Allow(principalID string, kind event.Kind) bool
}

// Broadcaster fans accepted events out to the room.
type Broadcaster interface {
	Publish(ctx context.Context, roomID string, ev event.Event) (registry.Delivery, error)
	Announce(roomID, userID, name string)
	InstanceID() string
}

// Config bounds session timing and frame size.
type Config struct {
	AuthTimeout   time.Duration
	WriteTimeout  time.Duration
	PongWait      time.Duration
	MaxFrameBytes int64
	CheckOrigin   func(*http.Request) bool
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = registry.DefaultWriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 << 10
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
	return c
}

// Gateway is the http.Handler for GET /ws/game/{roomId}.
type Gateway struct {
	auth     Authenticator
	rooms    RoomDirectory
	limiter  Limiter
	registry *registry.Registry
	cluster  Broadcaster
	cfg      Config
	upgrader websocket.Upgrader
	now      func() time.Time

	mu       sync.Mutex
	sessions map[*session]struct{}
	draining bool
	wg       sync.WaitGroup
}

// New wires a Gateway.
func New(a Authenticator, rooms RoomDirectory, lim Limiter, reg *registry.Registry, b Broadcaster, cfg Config) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		auth:     a,
		rooms:    rooms,
		limiter:  lim,
		registry: reg,
		cluster:  b,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		now:      time.Now,
		sessions: make(map[*session]struct{}),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Warn("ws_upgrade_failed", map[string]any{"path": r.URL.Path, "error": err})
		return
	}
	s := &session{g: g, t: newTransport(conn), conn: conn}
	if !g.track(s) {
		s.t.closeWith(websocket.CloseGoingAway, "server shutting down", g.cfg.WriteTimeout)
		return
	}
	defer g.untrack(s)

	ctx := audit.WithRequestID(context.WithoutCancel(r.Context()), r.Header.Get("X-Request-ID"))
	s.run(ctx, strings.TrimSpace(r.PathValue("roomId")), r.URL.Query().Get("token"))
}

func (g *Gateway) track(s *session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining {
		return false
	}
	g.sessions[s] = struct{}{}
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(s *session) {
	g.mu.Lock()
	delete(g.sessions, s)
	g.mu.Unlock()
	g.wg.Done()
}

// Shutdown closes every live session with 1001 and waits for their cleanup
// or for ctx to end.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.draining = true
	live := make([]*session, 0, len(g.sessions))
	for s := range g.sessions {
		live = append(live, s)
	}
	g.mu.Unlock()

	for _, s := range live {
		s.t.closeWith(websocket.CloseGoingAway, "server shutting down", g.cfg.WriteTimeout)
	}
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// authenticate runs the handshake checks within the auth grace period.
func (g *Gateway) authenticate(ctx context.Context, roomID, token string) (auth.Principal, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.AuthTimeout)
	defer cancel()

	if strings.TrimSpace(token) == "" {
		obs.AuthRejections.WithLabelValues("missing").Inc()
		return auth.Principal{}, ErrMissingToken
	}
	p, err := g.auth.Authenticate(ctx, token)
	if err != nil {
		return auth.Principal{}, err
	}
	if p.Kind != auth.KindAccess {
		obs.AuthRejections.WithLabelValues("token_kind").Inc()
		return auth.Principal{}, ErrAccessTokenRequired
	}
	if roomID == "" {
		return auth.Principal{}, ErrRoomNotFound
	}
	ok, err := g.rooms.RoomExists(ctx, roomID)
	if err != nil {
		obs.AuthRejections.WithLabelValues("unavailable").Inc()
		return auth.Principal{}, fmt.Errorf("%w: room lookup: %v", auth.ErrUnavailable, err)
	}
	if !ok {
		obs.AuthRejections.WithLabelValues("room").Inc()
		return auth.Principal{}, ErrRoomNotFound
	}
	return p, nil
}

// closeReason maps a handshake failure to the reason sent with close code 1008.
func closeReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing token"
	case errors.Is(err, auth.ErrRevoked):
		return "token revoked"
	case errors.Is(err, auth.ErrInvalidToken):
		return "invalid token"
	case errors.Is(err, ErrAccessTokenRequired):
		return "access token required"
	case errors.Is(err, ErrRoomNotFound):
		return "room not found"
	default:
		return "authentication unavailable"
	}
}
