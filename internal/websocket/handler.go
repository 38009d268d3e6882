package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Authenticator resolves the principal of an upgrade request
type Authenticator interface {
	Authenticate(r *http.Request) (types.Principal, error)
}

// CourseGroups is the hub surface the handler drives
type CourseGroups interface {
	Join(courseID string, sub interfaces.Subscriber) error
	Leave(courseID, subscriberID string)
	Disconnect(subscriberID string) int
}

// Handler upgrades authenticated requests and serves join/leave frames
type Handler struct {
	registry *Registry
	groups   CourseGroups
	auth     Authenticator
	policy   interfaces.AccessChecker // nil disables the join check
	config   Config
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandler creates a handler. Pass a nil policy to let any
// authenticated connection join any course.
func NewHandler(registry *Registry, groups CourseGroups, auth Authenticator, policy interfaces.AccessChecker, config Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		registry: registry,
		groups:   groups,
		auth:     auth,
		policy:   policy,
		config:   config,
		log:      logger.With("component", "websocket"),
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || lo.Contains(h.config.AllowedOrigins, origin)
}

// HandleWebSocket authenticates before upgrading so rejected clients get a
// plain HTTP status instead of a socket.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", types.HTTPStatus(err))
		return
	}

	if limit := h.config.MaxConnectionsPerUser; limit > 0 {
		if open := h.registry.UserConnections(principal.ID); len(open) >= limit {
			h.log.Warn("connection limit reached", "user_id", principal.ID, "open", len(open))
			http.Error(w, "Too many connections", http.StatusTooManyRequests)
			return
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "user_id", principal.ID, "error", err)
		return
	}

	conn := NewConnection(ws, principal, h.config, h.log)
	if err := h.registry.Register(conn); err != nil {
		h.log.Warn("connection registration failed", "conn_id", conn.ID(), "error", err)
		_ = conn.Close()
		return
	}

	h.log.Info("connection opened", "conn_id", conn.ID(), "user_id", principal.ID, "role", principal.Role)
	go h.handleConnection(conn)
}

// handleConnection runs the read loop. Whatever ends it, every course
// membership of the connection is released.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		released := h.groups.Disconnect(conn.ID())
		h.registry.Unregister(conn)
		_ = conn.Close()
		h.log.Info("connection closed", "conn_id", conn.ID(), "released_groups", released)
	}()

	ws := conn.conn
	if h.config.MaxMessageSize > 0 {
		ws.SetReadLimit(h.config.MaxMessageSize)
	}
	if h.config.PongWait > 0 {
		if err := ws.SetReadDeadline(time.Now().Add(h.config.PongWait)); err != nil {
			return
		}
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(h.config.PongWait))
		})
	}

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Debug("websocket read failed", "conn_id", conn.ID(), "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.handleFrame(conn, data)
	}
}

func (h *Handler) handleFrame(conn *Connection, data []byte) {
	var frame types.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.sendError(conn, "", ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := frame.Validate(); err != nil {
		h.sendError(conn, frame.CourseID, err, types.HTTPStatus(err))
		return
	}

	switch frame.Type {
	case types.FrameJoinCourse:
		h.join(conn, frame.CourseID)
	case types.FrameLeaveCourse:
		h.groups.Leave(frame.CourseID, conn.ID())
		h.reply(conn, &types.Frame{Type: types.FrameLeft, CourseID: frame.CourseID})
	}
}

func (h *Handler) join(conn *Connection, courseID string) {
	if h.policy != nil {
		ctx, cancel := context.WithTimeout(conn.ctx, 5*time.Second)
		_, err := h.policy.Check(ctx, conn.Principal(), courseID, types.IntentRead)
		cancel()
		if err != nil {
			h.log.Info("join rejected", "conn_id", conn.ID(), "course_id", courseID, "error", err)
			h.sendError(conn, courseID, err, types.HTTPStatus(err))
			return
		}
	}

	if err := h.groups.Join(courseID, conn); err != nil {
		h.sendError(conn, courseID, err, http.StatusInternalServerError)
		return
	}
	h.reply(conn, &types.Frame{Type: types.FrameJoined, CourseID: courseID})
}

func (h *Handler) sendError(conn *Connection, courseID string, err error, code int) {
	message := err.Error()
	if code >= http.StatusInternalServerError {
		message = "internal error"
	}
	h.reply(conn, &types.Frame{Type: types.FrameError, CourseID: courseID, Error: message, Code: code})
}

func (h *Handler) reply(conn *Connection, frame *types.Frame) {
	if err := conn.Send(frame); err != nil {
		h.log.Debug("failed to send reply", "conn_id", conn.ID(), "type", frame.Type, "error", err)
	}
}
