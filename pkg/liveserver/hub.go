package liveserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livemorph/livemorph/pkg/protocol"
)

// Connection timing, following the usual gorilla pattern: reads outlive the
// ping period, writes get a short deadline.
const (
	hubWriteWait  = 10 * time.Second
	hubPongWait   = 60 * time.Second
	hubPingPeriod = 54 * time.Second
)

// identityGroupPrefix marks per-component groups that every connection may
// subscribe to without authorization.
const identityGroupPrefix = "component:"

// Hub fans notifications out to subscribed WebSocket connections and
// relays client-originated broadcasts between peers.
type Hub struct {
	authorize GroupAuthorizer
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu     sync.Mutex
	conns  map[*hubConn]struct{}
	groups map[string]map[*hubConn]struct{}
}

// NewHub creates a hub. A nil authorizer allows every group.
func NewHub(authorize GroupAuthorizer, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		authorize: authorize,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:  make(map[*hubConn]struct{}),
		groups: make(map[string]map[*hubConn]struct{}),
	}
}

type hubConn struct {
	conn   *websocket.Conn
	sendMu sync.Mutex
}

// write sends one frame under the connection's write lock.
func (c *hubConn) write(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *hubConn) writeNotification(n *protocol.Notification) error {
	data, err := protocol.EncodeNotification(n)
	if err != nil {
		return err
	}
	return c.write(data)
}

// ServeHTTP upgrades the request and runs the connection's read loop.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	hc := &hubConn{conn: conn}

	h.mu.Lock()
	h.conns[hc] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket connected", "remote", conn.RemoteAddr())

	go h.pingLoop(hc)
	h.readLoop(r.Context(), hc)
}

func (h *Hub) readLoop(ctx context.Context, hc *hubConn) {
	defer h.drop(hc)

	hc.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	hc.conn.SetPongHandler(func(string) error {
		hc.conn.SetReadDeadline(time.Now().Add(hubPongWait))
		return nil
	})

	for {
		_, msg, err := hc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				h.logger.Error("websocket read error", "error", err)
			}
			return
		}
		hc.conn.SetReadDeadline(time.Now().Add(hubPongWait))

		n, err := protocol.DecodeNotification(msg)
		if err != nil {
			h.logger.Error("notification decode error", "error", err)
			continue
		}

		switch n.Type {
		case protocol.TypeSubscribe:
			h.handleSubscribe(ctx, hc, n.Group)
		case protocol.TypeUnsubscribe:
			h.leave(hc, n.Group)
		case protocol.TypeNotify:
			h.relay(hc, n)
		default:
			h.logger.Warn("unexpected inbound type", "type", n.Type)
		}
	}
}

func (h *Hub) pingLoop(hc *hubConn) {
	ticker := time.NewTicker(hubPingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		hc.sendMu.Lock()
		err := hc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(hubWriteWait))
		hc.sendMu.Unlock()
		if err != nil {
			hc.conn.Close()
			return
		}
	}
}

// handleSubscribe answers every subscribe with a subscription response so
// the client can undo optimistic membership on rejection. Identity groups
// bypass authorization.
func (h *Hub) handleSubscribe(ctx context.Context, hc *hubConn, group string) {
	if h.authorize != nil && !strings.HasPrefix(group, identityGroupPrefix) {
		if err := h.authorize(ctx, group); err != nil {
			h.logger.Warn("subscription denied", "group", group, "error", err)
			hc.writeNotification(&protocol.Notification{
				Protocol: protocol.Version,
				Type:     protocol.TypeSubscriptionResponse,
				Group:    group,
				Payload: protocol.NotifyPayload{
					Success: false,
					Error:   &protocol.Error{Code: protocol.CodeForbidden, Message: err.Error()},
				},
			})
			return
		}
	}

	h.mu.Lock()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*hubConn]struct{})
		h.groups[group] = members
	}
	members[hc] = struct{}{}
	h.mu.Unlock()

	hc.writeNotification(&protocol.Notification{
		Protocol: protocol.Version,
		Type:     protocol.TypeSubscriptionResponse,
		Group:    group,
		Payload:  protocol.NotifyPayload{Success: true},
	})
}

func (h *Hub) leave(hc *hubConn, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.groups[group]; ok {
		delete(members, hc)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
}

// relay forwards a peer broadcast to the group, excluding the sender's own
// connection.
func (h *Hub) relay(from *hubConn, n *protocol.Notification) {
	h.send(n, from)
}

// drop unregisters a connection and removes it from every group.
func (h *Hub) drop(hc *hubConn) {
	hc.conn.Close()
	h.mu.Lock()
	delete(h.conns, hc)
	for group, members := range h.groups {
		delete(members, hc)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	h.mu.Unlock()
	h.logger.Debug("websocket disconnected", "remote", hc.conn.RemoteAddr())
}

// send delivers a notification to every subscriber of its group, skipping
// exclude. Write failures drop the connection.
func (h *Hub) send(n *protocol.Notification, exclude *hubConn) {
	data, err := protocol.EncodeNotification(n)
	if err != nil {
		h.logger.Error("notification encode error", "error", err)
		return
	}

	h.mu.Lock()
	members := make([]*hubConn, 0, len(h.groups[n.Group]))
	for hc := range h.groups[n.Group] {
		if hc != exclude {
			members = append(members, hc)
		}
	}
	h.mu.Unlock()

	for _, hc := range members {
		if err := hc.write(data); err != nil {
			h.logger.Warn("broadcast write failed, dropping connection", "error", err)
			h.drop(hc)
		}
	}
}

// Broadcast sends a prepared notification to its group's subscribers.
func (h *Hub) Broadcast(n *protocol.Notification) {
	h.send(n, nil)
}

// NotifyDataChanged broadcasts changed field values to a group. sender is
// the originating request id, carried so that client's own components can
// suppress the echo.
func (h *Hub) NotifyDataChanged(group, sender string, data map[string]any) {
	h.send(&protocol.Notification{
		Protocol: protocol.Version,
		Type:     protocol.TypeDataChanged,
		Group:    group,
		Sender:   sender,
		Payload:  protocol.NotifyPayload{Data: data},
	}, nil)
}

// NotifyRemoved broadcasts that the group's components ceased to exist.
func (h *Hub) NotifyRemoved(group string) {
	h.send(&protocol.Notification{
		Protocol: protocol.Version,
		Type:     protocol.TypeRemoved,
		Group:    group,
	}, nil)
}

// NotifyCreated broadcasts that a new instance joined the group's
// collection.
func (h *Hub) NotifyCreated(group string) {
	h.send(&protocol.Notification{
		Protocol: protocol.Version,
		Type:     protocol.TypeCreated,
		Group:    group,
	}, nil)
}

// Groups returns the groups with at least one subscriber.
func (h *Hub) Groups() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.groups))
	for g := range h.groups {
		out = append(out, g)
	}
	return out
}
