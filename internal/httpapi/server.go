package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"roomchat/internal/apperr"
	"roomchat/internal/auth"
	"roomchat/internal/blob"
	"roomchat/internal/messaging"
	"roomchat/internal/protocol"
	"roomchat/internal/store"
	"roomchat/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const identityKey = "identity"

// Server is the Echo application.
type Server struct {
	echo     *echo.Echo
	svc      *messaging.Service
	store    *store.Store
	blobs    *blob.Store
	resolver auth.Resolver
	stream   *ws.Handler
	metrics  http.Handler
}

// Options wires the Echo app. Blobs and Metrics are optional.
type Options struct {
	Service  *messaging.Service
	Store    *store.Store
	Blobs    *blob.Store
	Resolver auth.Resolver
	Stream   *ws.Handler
	Metrics  http.Handler
}

// New constructs an Echo app with websocket + REST routes.
func New(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		svc:      opts.Service,
		store:    opts.Store,
		blobs:    opts.Blobs,
		resolver: opts.Resolver,
		stream:   opts.Stream,
		metrics:  opts.Metrics,
	}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}
	if s.stream != nil {
		s.stream.Register(s.echo)
	}

	api := s.echo.Group("/api", s.requireIdentity)
	api.GET("/rooms", s.handleListRooms)
	api.GET("/rooms/:id/messages", s.handleHistory)
	api.POST("/rooms/:id/messages", s.handleCreateMessage)
	api.POST("/rooms/:id/join", s.handleJoinRoom)
	api.POST("/rooms/:id/leave", s.handleLeaveRoom)
	api.POST("/rooms/:id/read", s.handleMarkRead)
	api.PATCH("/messages/:id", s.handleEditMessage)
	api.DELETE("/messages/:id", s.handleDeleteMessage)
	api.POST("/messages/:id/react", s.handleReact)
	if s.blobs != nil {
		api.POST("/blobs", s.handleBlobUpload)
		api.GET("/blobs/:id", s.handleBlobDownload)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

func (s *Server) requireIdentity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		cred := strings.TrimSpace(c.Request().Header.Get(echo.HeaderAuthorization))
		id, err := s.resolver.Resolve(c.Request().Context(), cred)
		if err != nil {
			return httpError(err)
		}
		c.Set(identityKey, id)
		return next(c)
	}
}

func identityOf(c echo.Context) auth.Identity {
	id, _ := c.Get(identityKey).(auth.Identity)
	return id
}

// httpError maps the error taxonomy onto HTTP status codes.
func httpError(err error) *echo.HTTPError {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindAuthentication:
		status = http.StatusUnauthorized
	case apperr.KindAuthorization:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindValidation:
		status = http.StatusBadRequest
	}
	return echo.NewHTTPError(status, protocol.ErrorPayload{
		Message: apperr.PublicMessage(err),
		Kind:    string(apperr.KindOf(err)),
	})
}

// decodeStrict reads a JSON body into v, rejecting unknown fields. An empty
// body decodes as {}.
func decodeStrict(c echo.Context, v any) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "unreadable request body", err)
	}
	ev := protocol.Event{Type: "request", Payload: body}
	if err := ev.Decode(v); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid request body", err)
	}
	return nil
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	status := "ok"
	if err := s.store.Ping(c.Request().Context()); err != nil {
		slog.Error("health check store ping", "err", err)
		status = "degraded"
	}
	return c.JSON(http.StatusOK, healthResponse{
		Status:  status,
		Clients: s.svc.Registry().Count(),
	})
}

type roomResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsPrivate   bool      `json:"is_private"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Server) handleListRooms(c echo.Context) error {
	rooms, err := s.store.ListRooms(c.Request().Context())
	if err != nil {
		slog.Error("list rooms", "err", err)
		return httpError(apperr.Internal(err))
	}
	out := make([]roomResponse, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, roomResponse{ID: r.ID, Name: r.Name, Description: r.Description, IsPrivate: r.IsPrivate, CreatedAt: r.CreatedAt})
	}
	return c.JSON(http.StatusOK, out)
}

type historyResponse struct {
	Messages []protocol.MessageRecord `json:"messages"`
	Page     int                      `json:"page"`
	Limit    int                      `json:"limit"`
}

// handleHistory returns one page newest first; callers reverse for display.
func (s *Server) handleHistory(c echo.Context) error {
	page, err := queryInt(c, "page", 1)
	if err != nil {
		return httpError(err)
	}
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		return httpError(err)
	}
	msgs, err := s.svc.History(c.Request().Context(), identityOf(c), c.Param("id"), page, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, historyResponse{Messages: msgs, Page: page, Limit: limit})
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperr.Validation(name + " must be a positive integer")
	}
	return n, nil
}

type createMessageRequest struct {
	Content     string   `json:"content"`
	Type        string   `json:"type,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

func (s *Server) handleCreateMessage(c echo.Context) error {
	var req createMessageRequest
	if err := decodeStrict(c, &req); err != nil {
		return httpError(err)
	}
	rec, err := s.svc.Send(c.Request().Context(), identityOf(c), messaging.SendInput{
		RoomID:      c.Param("id"),
		Content:     req.Content,
		Type:        req.Type,
		Attachments: req.Attachments,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

type joinRoomRequest struct {
	Password string `json:"password,omitempty"`
}

func (s *Server) handleJoinRoom(c echo.Context) error {
	var req joinRoomRequest
	if err := decodeStrict(c, &req); err != nil {
		return httpError(err)
	}
	if err := s.svc.JoinDurable(c.Request().Context(), identityOf(c), c.Param("id"), req.Password); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, protocol.RoomPayload{RoomID: c.Param("id")})
}

func (s *Server) handleLeaveRoom(c echo.Context) error {
	if err := s.svc.LeaveDurable(c.Request().Context(), identityOf(c), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, protocol.RoomPayload{RoomID: c.Param("id")})
}

func (s *Server) handleMarkRead(c echo.Context) error {
	if err := s.svc.MarkRead(c.Request().Context(), identityOf(c), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleEditMessage(c echo.Context) error {
	var req editMessageRequest
	if err := decodeStrict(c, &req); err != nil {
		return httpError(err)
	}
	rec, err := s.svc.Edit(c.Request().Context(), identityOf(c), c.Param("id"), req.Content)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeleteMessage(c echo.Context) error {
	out, err := s.svc.Delete(c.Request().Context(), identityOf(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

type reactRequest struct {
	Emoji string `json:"emoji"`
}

func (s *Server) handleReact(c echo.Context) error {
	var req reactRequest
	if err := decodeStrict(c, &req); err != nil {
		return httpError(err)
	}
	rec, err := s.svc.React(c.Request().Context(), identityOf(c), c.Param("id"), req.Emoji)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type blobUploadResponse struct {
	ID           string `json:"id"`
	OriginalName string `json:"original_name"`
	ContentType  string `json:"content_type"`
	SizeBytes    int64  `json:"size_bytes"`
	SHA256       string `json:"sha256"`
	CreatedAt    string `json:"created_at"`
}

func (s *Server) handleBlobUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return httpError(apperr.Validation("multipart file field \"file\" is required"))
	}
	if fileHeader.Size > blob.MaxSize {
		return httpError(apperr.Validation(fmt.Sprintf("file exceeds %d bytes", blob.MaxSize)))
	}

	src, err := fileHeader.Open()
	if err != nil {
		return httpError(apperr.Wrap(apperr.KindValidation, "unreadable upload", err))
	}
	defer src.Close()

	contentType := strings.TrimSpace(fileHeader.Header.Get(echo.HeaderContentType))
	meta, err := s.blobs.Put(c.Request().Context(), blob.PutInput{
		OwnerID:      identityOf(c).ID,
		OriginalName: fileHeader.Filename,
		ContentType:  contentType,
		Reader:       src,
	})
	if errors.Is(err, blob.ErrTooLarge) {
		return httpError(apperr.Validation(err.Error()))
	}
	if err != nil {
		slog.Error("persist blob", "err", err)
		return httpError(apperr.Internal(err))
	}

	return c.JSON(http.StatusCreated, blobUploadResponse{
		ID:           meta.ID,
		OriginalName: meta.OriginalName,
		ContentType:  meta.ContentType,
		SizeBytes:    meta.SizeBytes,
		SHA256:       meta.SHA256,
		CreatedAt:    meta.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleBlobDownload(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return httpError(apperr.Validation("blob id is required"))
	}

	result, err := s.blobs.Open(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrBlobNotFound) {
			return httpError(apperr.NotFound("blob not found"))
		}
		return httpError(apperr.Internal(err))
	}
	defer result.File.Close()

	meta := result.Metadata
	if err := s.svc.CanReadBlob(c.Request().Context(), identityOf(c), meta); err != nil {
		return httpError(err)
	}
	etag := `"` + meta.SHA256 + `"`
	h := c.Response().Header()
	h.Set("ETag", etag)
	if meta.SHA256 != "" && c.Request().Header.Get("If-None-Match") == etag {
		return c.NoContent(http.StatusNotModified)
	}
	h.Set(echo.HeaderContentType, meta.ContentType)
	h.Set(echo.HeaderContentLength, strconv.FormatInt(meta.SizeBytes, 10))
	h.Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, safeFilename(meta.OriginalName)))
	c.Response().WriteHeader(http.StatusOK)
	_, err = io.Copy(c.Response().Writer, result.File)
	return err
}

func safeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "blob"
	}
	name = strings.ReplaceAll(name, `"`, "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
