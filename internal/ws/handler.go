package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"roomchat/internal/apperr"
	"roomchat/internal/auth"
	"roomchat/internal/core"
	"roomchat/internal/messaging"
	"roomchat/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const (
	writeTimeout     = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	readLimit        = 1 << 20
)

// Handler owns websocket transport for the backend.
type Handler struct {
	svc        *messaging.Service
	resolver   auth.Resolver
	sendBuf    int
	typingRate rate.Limit
	upgrader   websocket.Upgrader
}

// Options configures a Handler.
type Options struct {
	Service         *messaging.Service
	Resolver        auth.Resolver
	SendBuffer      int
	TypingPerSecond float64
}

// NewHandler creates a websocket handler serving the messaging service.
func NewHandler(opts Options) *Handler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.TypingPerSecond <= 0 {
		opts.TypingPerSecond = 2
	}
	return &Handler{
		svc:        opts.Service,
		resolver:   opts.Resolver,
		sendBuf:    opts.SendBuffer,
		typingRate: rate.Limit(opts.TypingPerSecond),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket authenticates and upgrades one request, then serves it
// until disconnect. A credential in the Authorization header or the token
// query parameter is checked before the upgrade and refused with 401;
// otherwise the first frame must be a handshake event.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	ctx := c.Request().Context()

	var (
		identity auth.Identity
		preAuth  bool
	)
	if cred := requestCredential(c.Request()); cred != "" {
		id, err := h.resolver.Resolve(ctx, cred)
		if err != nil {
			slog.Info("ws handshake refused", "remote", c.RealIP(), "err", err)
			return echo.NewHTTPError(http.StatusUnauthorized, apperr.PublicMessage(err))
		}
		identity, preAuth = id, true
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(ctx, conn, identity, preAuth)
	return nil
}

func requestCredential(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("Authorization")); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (h *Handler) serveConn(ctx context.Context, conn *websocket.Conn, identity auth.Identity, preAuth bool) {
	defer conn.Close()
	conn.SetReadLimit(readLimit)

	if !preAuth {
		id, err := h.handshake(ctx, conn)
		if err != nil {
			slog.Info("ws handshake refused", "remote", conn.RemoteAddr().String(), "err", err)
			h.writeDirectError(conn, err)
			return
		}
		identity = id
	}

	registry := h.svc.Registry()
	session, _, err := registry.Register(identity, h.sendBuf)
	if err != nil {
		h.writeDirectError(conn, apperr.Authentication(err.Error()))
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for out := range session.Send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
		// Send is closed only on unregister or eviction; either way the
		// transport goes down.
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()
	defer func() {
		registry.Unregister(session)
		<-writerDone
	}()

	h.send(session, protocol.TypeReady, protocol.ReadyPayload{Self: protocol.User{
		ID:       identity.ID,
		Username: identity.Username,
		Role:     string(identity.Role),
	}})

	typing := rate.NewLimiter(h.typingRate, 1)
	_ = conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in protocol.Event
		if err := json.Unmarshal(data, &in); err != nil {
			h.sendError(session, apperr.Validation("malformed event"))
			continue
		}
		h.handleInbound(ctx, session, typing, in)
	}
}

func (h *Handler) handshake(ctx context.Context, conn *websocket.Conn) (auth.Identity, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var hello protocol.Event
	if err := conn.ReadJSON(&hello); err != nil {
		return auth.Identity{}, apperr.Wrap(apperr.KindAuthentication, "handshake required", err)
	}
	if hello.Type != protocol.TypeHandshake {
		return auth.Identity{}, apperr.Authentication("first event must be handshake")
	}
	var p protocol.HandshakePayload
	if err := hello.Decode(&p); err != nil {
		return auth.Identity{}, apperr.Wrap(apperr.KindAuthentication, "invalid handshake", err)
	}
	return h.resolver.Resolve(ctx, p.Credential)
}

func (h *Handler) handleInbound(ctx context.Context, s *core.Session, typing *rate.Limiter, in protocol.Event) {
	switch in.Type {
	case protocol.TypePing:
		var p protocol.PingPayload
		if h.decode(s, in, &p) {
			h.send(s, protocol.TypePong, protocol.PongPayload{TS: p.TS})
		}

	case protocol.TypeHandshake:
		h.sendError(s, apperr.Validation("already authenticated"))

	case protocol.TypeJoinRoom:
		var p protocol.JoinRoomPayload
		if !h.decode(s, in, &p) {
			return
		}
		if err := h.svc.Join(ctx, s, p.RoomID); err != nil {
			h.sendError(s, err)
			return
		}
		h.send(s, protocol.TypeRoomJoined, protocol.RoomPayload{RoomID: p.RoomID})

	case protocol.TypeLeaveRoom:
		var p protocol.LeaveRoomPayload
		if !h.decode(s, in, &p) {
			return
		}
		h.svc.Leave(s, p.RoomID)
		h.send(s, protocol.TypeRoomLeft, protocol.RoomPayload{RoomID: p.RoomID})

	case protocol.TypeMessage:
		var p protocol.SendMessagePayload
		if !h.decode(s, in, &p) {
			return
		}
		if _, err := h.svc.Send(ctx, s.Identity, messaging.SendInput{
			RoomID:      p.RoomID,
			Content:     p.Content,
			Type:        p.Type,
			Attachments: p.Attachments,
		}); err != nil {
			h.sendError(s, err)
		}

	case protocol.TypeMessageEdited:
		var p protocol.EditMessagePayload
		if !h.decode(s, in, &p) {
			return
		}
		if _, err := h.svc.Edit(ctx, s.Identity, p.ID, p.Content); err != nil {
			h.sendError(s, err)
		}

	case protocol.TypeMessageDeleted:
		var p protocol.DeleteMessagePayload
		if !h.decode(s, in, &p) {
			return
		}
		if _, err := h.svc.Delete(ctx, s.Identity, p.ID); err != nil {
			h.sendError(s, err)
		}

	case protocol.TypeMessageReacted:
		var p protocol.ReactPayload
		if !h.decode(s, in, &p) {
			return
		}
		if _, err := h.svc.React(ctx, s.Identity, p.ID, p.Emoji); err != nil {
			h.sendError(s, err)
		}

	case protocol.TypeTyping:
		var p protocol.TypingPayload
		if !h.decode(s, in, &p) {
			return
		}
		if !typing.Allow() {
			return
		}
		if err := h.svc.Typing(s, p.RoomID); err != nil {
			h.sendError(s, err)
		}

	default:
		h.sendError(s, apperr.Validation("unsupported event type "+in.Type))
	}
}

func (h *Handler) decode(s *core.Session, in protocol.Event, v any) bool {
	if err := in.Decode(v); err != nil {
		h.sendError(s, apperr.Wrap(apperr.KindValidation, "invalid "+in.Type+" payload", err))
		return false
	}
	return true
}

func (h *Handler) send(s *core.Session, eventType string, payload any) {
	ev, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		slog.Error("encode event", "type", eventType, "err", err)
		return
	}
	h.svc.Registry().SendTo(s, ev)
}

func (h *Handler) sendError(s *core.Session, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		slog.Error("unexpected ws error", "session_id", s.ID, "err", err)
	}
	h.send(s, protocol.TypeError, errorPayload(err))
}

func errorPayload(err error) protocol.ErrorPayload {
	return protocol.ErrorPayload{Message: apperr.PublicMessage(err), Kind: string(apperr.KindOf(err))}
}

func (h *Handler) writeDirectError(conn *websocket.Conn, err error) {
	ev, encErr := protocol.NewEvent(protocol.TypeError, errorPayload(err))
	if encErr != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(ev)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"))
}
