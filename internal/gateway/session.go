package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tavern.org/internal/audit"
	"tavern.org/internal/auth"
	"tavern.org/internal/cluster"
	"tavern.org/internal/event"
	"tavern.org/internal/ids"
	"tavern.org/internal/obs"
	"tavern.org/internal/registry"
)

type session struct {
	g     *Gateway
	t     *wsTransport
	conn  *websocket.Conn
	state stateBox
}

func (s *session) State() State { return s.state.Load() }

func (s *session) run(ctx context.Context, roomID, token string) {
	g := s.g
	s.state.advance(StateAuthenticating)

	p, err := g.authenticate(ctx, roomID, token)
	if err != nil {
		s.reject(roomID, err)
		return
	}

	c := registry.NewConnection(ids.New(), roomID, p.UserID, p.Username, s.t)
	if err := g.registry.Admit(c); err != nil {
		s.reject(roomID, err)
		return
	}
	s.state.advance(StateActive)

	ctx = auth.ContextWithPrincipal(ctx, p)
	fields := map[string]any{"room_id": roomID, "conn_id": c.ID, "instance_id": g.cluster.InstanceID()}
	_ = audit.LogEvent(ctx, "session.opened", fields)
	g.cluster.Announce(roomID, p.UserID, cluster.EventConnected)

	notice := event.NewNotice(event.Notice{
		Event:      cluster.EventConnected,
		RoomID:     roomID,
		UserID:     p.UserID,
		InstanceID: g.cluster.InstanceID(),
	}, g.now())
	s.sendEvent(c, notice)

	s.readLoop(ctx, c, p)

	s.state.advance(StateClosing)
	g.registry.Remove(c)
	g.cluster.Announce(roomID, p.UserID, cluster.EventDisconnected)
	_ = s.t.Close()
	s.state.advance(StateClosed)
	_ = audit.LogEvent(ctx, "session.closed", fields)
}

func (s *session) reject(roomID string, err error) {
	reason := closeReason(err)
	obs.Info("ws_handshake_rejected", map[string]any{"room_id": roomID, "reason": reason, "error": err})
	s.state.advance(StateClosing)
	s.t.closeWith(websocket.ClosePolicyViolation, reason, s.g.cfg.WriteTimeout)
	s.state.advance(StateClosed)
}

func (s *session) readLoop(ctx context.Context, c *registry.Connection, p auth.Principal) {
	cfg := s.g.cfg
	s.conn.SetReadLimit(cfg.MaxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go s.keepalive(stop)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				obs.Info("ws_read_closed", map[string]any{"conn_id": c.ID, "room_id": c.RoomID, "error": err})
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		s.handle(ctx, c, p, data)
	}
}

func (s *session) keepalive(stop <-chan struct{}) {
	ticker := time.NewTicker(s.g.cfg.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.t.ping(s.g.cfg.WriteTimeout); err != nil {
				return
			}
		}
	}
}

// handle processes one inbound frame. Rejections are answered to the sender
// only and never reach the room.
func (s *session) handle(ctx context.Context, c *registry.Connection, p auth.Principal, data []byte) {
	g := s.g
	ev, err := event.Parse(data)
	if err != nil {
		kind := "invalid"
		if errors.Is(err, event.ErrUnknownKind) {
			kind = "unknown"
		}
		obs.Frames.WithLabelValues(kind, "rejected").Inc()
		s.sendEvent(c, event.NewError(strings.TrimPrefix(err.Error(), "event: ")))
		return
	}
	if !g.limiter.Allow(p.UserID, ev.Kind) {
		obs.Frames.WithLabelValues(string(ev.Kind), "rate_limited").Inc()
		s.sendEvent(c, event.NewError(fmt.Sprintf("rate limit exceeded for %s, slow down", ev.Kind)))
		return
	}
	stamped := ev.Stamped(p.UserID, p.Username, g.now())
	if _, err := g.cluster.Publish(ctx, c.RoomID, stamped); err != nil {
		obs.Frames.WithLabelValues(string(ev.Kind), "failed").Inc()
		obs.Error("ws_publish_failed", map[string]any{"conn_id": c.ID, "room_id": c.RoomID, "error": err})
		return
	}
	obs.Frames.WithLabelValues(string(ev.Kind), "accepted").Inc()
}

func (s *session) sendEvent(c *registry.Connection, ev event.Event) {
	frame, err := event.Encode(ev)
	if err != nil {
		return
	}
	if err := c.Send(frame, s.g.cfg.WriteTimeout); err != nil {
		_ = s.conn.Close()
	}
}
