// Package ws implements the real-time fan-out surface: clients authenticate
// over the first WebSocket frame, subscribe with a predicate, and receive
// BAR_UPDATE/BAR_CLOSED/POSITION_EVENT/ORDER_EVENT frames until they
// unsubscribe, go slow, or the server shuts down.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/epic1st/fno-core/auth"
	"github.com/epic1st/fno-core/internal/eventbus"
)

const (
	heartbeatInterval = 30 * time.Second
	authFrameTimeout  = 10 * time.Second
	writeTimeout      = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Frame is the wire shape of every message the hub sends or receives.
type Frame struct {
	Type          string      `json:"type"`
	InstrumentKey string      `json:"instrument_key,omitempty"`
	Timeframe     string      `json:"timeframe,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	Payload       interface{} `json:"payload,omitempty"`
}

type authFrame struct {
	Token string `json:"token"`
}

// SubscribeFrame is the client's first post-auth message declaring which
// instrument/timeframe combinations it wants; an empty set subscribes to
// everything.
type SubscribeFrame struct {
	Instruments []string `json:"instruments,omitempty"`
	Timeframes  []string `json:"timeframes,omitempty"`
}

// Hub upgrades HTTP connections, authenticates them over the first frame,
// and relays events from the shared eventbus.Hub to each matching client.
type Hub struct {
	bus         *eventbus.Hub
	authService *auth.Service
}

// NewHub wires a fan-out hub around the given event bus and auth service.
func NewHub(bus *eventbus.Hub, authService *auth.Service) *Hub {
	return &Hub{bus: bus, authService: authService}
}

// ServeWs upgrades the connection first (so the server can read frames),
// then reads and validates the auth frame before registering the client
// with the bus — the query-string/header auth path is deliberately not
// reintroduced here.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	userID, err := h.authenticateFirstFrame(conn)
	if err != nil {
		log.Printf("[ws] auth failed for %s: %v", r.RemoteAddr, err)
		_ = conn.WriteJSON(Frame{Type: "DISCONNECT", Reason: "AUTH_EXPIRED"})
		conn.Close()
		return
	}

	sub, err := h.readSubscription(conn)
	if err != nil {
		log.Printf("[ws] subscription frame failed for user %s: %v", userID, err)
		conn.Close()
		return
	}

	log.Printf("[ws] client connected: user=%s instruments=%v timeframes=%v", userID, sub.Instruments, sub.Timeframes)
	h.serve(conn, userID, sub)
}

func (h *Hub) authenticateFirstFrame(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(authFrameTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var frame authFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return "", err
	}

	claims, err := h.authService.ValidateToken(frame.Token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

func (h *Hub) readSubscription(conn *websocket.Conn) (SubscribeFrame, error) {
	var sub SubscribeFrame
	conn.SetReadDeadline(time.Now().Add(authFrameTimeout))
	defer conn.SetReadDeadline(time.Time{})
	if err := conn.ReadJSON(&sub); err != nil {
		return sub, err
	}
	return sub, nil
}

func matchSet(values []string, want string) bool {
	if len(values) == 0 {
		return true
	}
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func (h *Hub) serve(conn *websocket.Conn, userID string, sub SubscribeFrame) {
	predicate := func(e eventbus.Event) bool {
		switch ev := e.(type) {
		case frameEvent:
			return matchSet(sub.Instruments, ev.InstrumentKey) && matchSet(sub.Timeframes, ev.Timeframe)
		default:
			return true
		}
	}

	handle, events, closed, err := h.bus.Subscribe(predicate)
	if err != nil {
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go readPump(conn, cancel)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	defer func() {
		h.bus.Unsubscribe(handle)
		conn.Close()
		log.Printf("[ws] client disconnected: user=%s", userID)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case reason, ok := <-closed:
			if ok {
				writeFrame(conn, Frame{Type: "DISCONNECT", Reason: string(reason)})
			}
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			fe, ok := ev.(frameEvent)
			if !ok {
				continue
			}
			if err := writeFrame(conn, fe.Frame); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := writeFrame(conn, Frame{Type: "HEARTBEAT"}); err != nil {
				return
			}
		}
	}
}

func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, f Frame) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// frameEvent wraps a wire Frame so it can carry routing metadata
// (instrument_key/timeframe) through the eventbus predicate without the
// bus itself knowing about WebSocket framing.
type frameEvent struct {
	Frame
}

// Publish broadcasts a pre-built frame tagged with its instrument/timeframe
// for predicate matching. The runtime's domain-event bridge calls this for
// bar, position and order events instead of touching the bus directly.
func Publish(bus *eventbus.Hub, f Frame) {
	bus.Broadcast(frameEvent{Frame: f})
}

// Shutdown broadcasts a SHUTDOWN disconnect frame to every connected
// client and closes the bus, used by Runtime.Shutdown during graceful drain.
func Shutdown(bus *eventbus.Hub) {
	Publish(bus, Frame{Type: "DISCONNECT", Reason: "SHUTDOWN"})
	bus.Close()
}
