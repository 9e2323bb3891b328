package wsfanout

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/edgegw/gateway/internal/bus"
	"github.com/edgegw/gateway/internal/permissions"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// clientMessage is the envelope shape for every client->server message on
// /ws/telemetry: {type, data}. data is left raw and decoded per Type.
type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type subscribeData struct {
	DeviceIDs        []string `json:"device_ids"`
	TagIDs           []string `json:"tag_ids,omitempty"`
	Alerts           bool     `json:"alerts"`
	SampleIntervalMs int      `json:"sample_interval_ms,omitempty"`
}

// serverMessage is the envelope shape for every server->client message.
type serverMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Server upgrades HTTP connections on /ws/telemetry to WebSocket clients,
// enforcing a permissions.Checker before admitting a subscription filter
// and handing the connection off to Manager/Client for delivery.
type Server struct {
	mgr      *Manager
	checker  *permissions.Checker
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer builds a Server. checker may be nil, in which case every
// subject is allowed (useful for local/dev deployments with no ACEs
// configured yet).
func NewServer(mgr *Manager, checker *permissions.Checker, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		mgr:     mgr,
		checker: checker,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) allow(subject, resource string, perm permissions.Permission) bool {
	if s.checker == nil {
		return true
	}
	return s.checker.Check(subject, resource, perm)
}

// ServeHTTP implements the /ws/telemetry handler: it upgrades the
// connection, waits for the client's initial Subscribe message, and if
// permitted registers a Client and runs its send/receive loops until the
// connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subject := r.URL.Query().Get("subject")
	if subject == "" {
		subject = "anonymous"
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("wsfanout: upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.NewString()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	first, err := s.readControl(conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	if first.Type != "Subscribe" {
		s.writeError(conn, "first message must be Subscribe")
		_ = conn.Close()
		return
	}
	sub, resources, ok := s.buildSubscription(conn, first.Data)
	if !ok {
		_ = conn.Close()
		return
	}
	for _, res := range resources {
		if !s.allow(subject, res, permissions.PermRead) {
			s.writeError(conn, "forbidden: "+res)
			_ = conn.Close()
			return
		}
	}

	client := s.mgr.Register(clientID, conn, sub)
	_ = conn.WriteJSON(serverMessage{Type: "Subscription", Data: map[string]any{"client_id": clientID}})

	go s.controlLoop(ctx, conn, client, subject)

	if err := client.Pump(ctx, 0, 0); err != nil {
		s.log.Debug("wsfanout: client pump ended", zap.String("client_id", clientID), zap.Error(err))
	}
	s.mgr.Unregister(clientID)
}

func (s *Server) buildSubscription(conn *websocket.Conn, raw json.RawMessage) (ClientSubscription, []string, bool) {
	var data subscribeData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			s.writeError(conn, "invalid Subscribe payload")
			return ClientSubscription{}, nil, false
		}
	}

	var patterns []bus.TagPattern
	var resources []string
	for _, d := range data.DeviceIDs {
		if len(data.TagIDs) == 0 {
			patterns = append(patterns, bus.TagPattern{Kind: bus.PatternPrefix, Value: "telemetry." + d + "."})
			resources = append(resources, "devices/"+d)
			continue
		}
		for _, tg := range data.TagIDs {
			patterns = append(patterns, bus.TagPattern{Kind: bus.PatternExact, Value: "telemetry." + d + "." + tg})
			resources = append(resources, "devices/"+d+"/tags/"+tg)
		}
	}
	if data.Alerts {
		patterns = append(patterns, bus.TagPattern{Kind: bus.PatternPrefix, Value: "alert."})
		resources = append(resources, "alerts/*")
	}

	sub := ClientSubscription{Filter: bus.Filter{Patterns: patterns}}
	if data.SampleIntervalMs > 0 {
		sub.RateLimit = time.Duration(data.SampleIntervalMs) * time.Millisecond
	}
	return sub, resources, true
}

// controlLoop reads subsequent client->server messages (Unsubscribe,
// GetStatus, Ping) for the lifetime of the connection. Subscribe is only
// honoured as the very first message; a client that wants a different
// filter must reconnect.
func (s *Server) controlLoop(ctx context.Context, conn *websocket.Conn, client *Client, subject string) {
	for {
		msg, err := s.readControl(conn)
		if err != nil {
			return
		}
		switch msg.Type {
		case "Ping":
			_ = conn.WriteJSON(serverMessage{Type: "Pong"})
		case "GetStatus":
			_ = conn.WriteJSON(serverMessage{Type: "Status", Data: map[string]any{
				"client_id": client.id,
				"subject":   subject,
			}})
		case "Unsubscribe":
			client.close(s.mgr.b)
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Server) readControl(conn *websocket.Conn) (clientMessage, error) {
	var msg clientMessage
	_, buf, err := conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(buf, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

func (s *Server) writeError(conn *websocket.Conn, message string) {
	_ = conn.WriteJSON(serverMessage{Type: "Error", Data: map[string]string{"message": message}})
}
