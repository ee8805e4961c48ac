// Command smoke-room joins two clients to one room on a running gateway and
// checks that a chat frame reaches both.
package main

import (
	"encoding/json"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"tavern.org/internal/auth"
)

func main() {
	log.SetFlags(0)
	base := envOr("TAVERN_SMOKE_URL", "ws://localhost:8080")
	roomID := envOr("TAVERN_SMOKE_ROOM", "demo")
	secret := os.Getenv("TAVERN_AUTH_SECRET")
	if secret == "" {
		log.Fatal("missing TAVERN_AUTH_SECRET")
	}

	signer, err := auth.NewSigner(secret, auth.WithIssuer(envOr("TAVERN_AUTH_ISSUER", auth.DefaultIssuer)))
	if err != nil {
		log.Fatalf("signer: %v", err)
	}

	first := join(base, roomID, signer, "smoke-1", "smoke-one")
	defer first.Close()
	second := join(base, roomID, signer, "smoke-2", "smoke-two")
	defer second.Close()

	msg := "smoke " + time.Now().UTC().Format(time.RFC3339Nano)
	frame, _ := json.Marshal(map[string]string{"type": "chat", "message": msg})
	if err := first.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Fatalf("send: %v", err)
	}

	for name, conn := range map[string]*websocket.Conn{"first": first, "second": second} {
		f := read(conn)
		if f["type"] != "chat" || f["message"] != msg || f["user_id"] != "smoke-1" {
			log.Fatalf("%s: unexpected frame %v", name, f)
		}
	}
	log.Printf("OK: room %s delivered chat to both clients", roomID)
}

func join(base, roomID string, signer *auth.Signer, userID, name string) *websocket.Conn {
	token, _, err := signer.Issue(userID, name, auth.KindAccess, 5*time.Minute)
	if err != nil {
		log.Fatalf("issue: %v", err)
	}
	u := base + "/ws/game/" + url.PathEscape(roomID) + "?token=" + url.QueryEscape(token)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(u, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", roomID, err)
	}
	if f := read(conn); f["event"] != "connected" {
		log.Fatalf("expected connected notice, got %v", f)
	}
	return conn
}

func read(conn *websocket.Conn) map[string]any {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		if ce, ok := err.(*websocket.CloseError); ok {
			log.Fatalf("closed by gateway: %d %s", ce.Code, ce.Text)
		}
		log.Fatalf("read: %v", err)
	}
	var f map[string]any
	if err := json.Unmarshal(data, &f); err != nil {
		log.Fatalf("decode %s: %v", data, err)
	}
	return f
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
