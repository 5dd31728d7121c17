package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"roomchat/internal/apperr"
	"roomchat/internal/protocol"

	"github.com/gorilla/websocket"
)

// connectTimeout bounds the dial plus the wait for ready.
const connectTimeout = 10 * time.Second

const writeTimeout = 5 * time.Second

// Client talks to one roomchat server over REST and the event stream.
type Client struct {
	baseURL    string
	credential string
	http       *http.Client
}

// New returns a client for baseURL (http or https) authenticating with a
// bearer credential.
func New(baseURL, credential string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		credential: credential,
		http:       &http.Client{Timeout: 15 * time.Second},
	}
}

type historyPage struct {
	Messages []protocol.MessageRecord `json:"messages"`
}

// History fetches one page of a room's history and returns it oldest first.
func (c *Client) History(ctx context.Context, roomID string, page, limit int) ([]protocol.MessageRecord, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/rooms/" + url.PathEscape(roomID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out historyPage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	// The server returns newest first.
	msgs := out.Messages
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Post creates a message without a stream connection.
func (c *Client) Post(ctx context.Context, in protocol.SendMessagePayload) (protocol.MessageRecord, error) {
	body := struct {
		Content     string   `json:"content"`
		Type        string   `json:"type,omitempty"`
		Attachments []string `json:"attachments,omitempty"`
	}{in.Content, in.Type, in.Attachments}

	var rec protocol.MessageRecord
	err := c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(in.RoomID)+"/messages", body, &rec)
	return rec, err
}

// JoinRoom grants durable membership, supplying password for private rooms.
func (c *Client) JoinRoom(ctx context.Context, roomID, password string) error {
	body := struct {
		Password string `json:"password,omitempty"`
	}{password}
	return c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/join", body, nil)
}

// LeaveRoom drops durable membership.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/leave", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.credential)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Internal(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var p protocol.ErrorPayload
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil || p.Kind == "" {
			return apperr.Internal(fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
		}
		return apperr.New(apperr.Kind(p.Kind), p.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Stream is one authenticated event-stream connection.
type Stream struct {
	conn   *websocket.Conn
	self   protocol.User
	events chan protocol.Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Connect dials the event stream and waits for the server's ready event.
// Authentication failures are returned as authentication-kind errors.
func (c *Client) Connect(ctx context.Context) (*Stream, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.credential)
	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, resp, err := dialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, apperr.Wrap(apperr.KindAuthentication, "stream connection refused", err)
		}
		return nil, apperr.Internal(fmt.Errorf("dial stream: %w", err))
	}

	_ = conn.SetReadDeadline(time.Now().Add(connectTimeout))
	var first protocol.Event
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return nil, apperr.Internal(fmt.Errorf("read ready: %w", err))
	}
	if first.Type != protocol.TypeReady {
		conn.Close()
		var p protocol.ErrorPayload
		_ = json.Unmarshal(first.Payload, &p)
		return nil, apperr.New(apperr.Kind(p.Kind), p.Message)
	}
	var ready protocol.ReadyPayload
	if err := json.Unmarshal(first.Payload, &ready); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode ready: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	s := &Stream{conn: conn, self: ready.Self, events: make(chan protocol.Event, 64), done: make(chan struct{})}
	go s.readLoop()
	slog.Debug("stream connected", "user_id", ready.Self.ID)
	return s, nil
}

// Self is the identity the server bound this stream to.
func (s *Stream) Self() protocol.User {
	return s.self
}

// Events yields server events until the connection ends, then closes.
func (s *Stream) Events() <-chan protocol.Event {
	return s.events
}

func (s *Stream) readLoop() {
	defer close(s.events)
	for {
		var ev protocol.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			slog.Debug("stream closed", "err", err)
			return
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// Send writes one event; safe for concurrent callers.
func (s *Stream) Send(eventType string, payload any) error {
	ev, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("write %s: %w", eventType, err)
	}
	return nil
}

func (s *Stream) Join(roomID string) error {
	return s.Send(protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: roomID})
}

func (s *Stream) Leave(roomID string) error {
	return s.Send(protocol.TypeLeaveRoom, protocol.LeaveRoomPayload{RoomID: roomID})
}

func (s *Stream) SendMessage(in protocol.SendMessagePayload) error {
	return s.Send(protocol.TypeMessage, in)
}

func (s *Stream) Edit(id, content string) error {
	return s.Send(protocol.TypeMessageEdited, protocol.EditMessagePayload{ID: id, Content: content})
}

func (s *Stream) Delete(id string) error {
	return s.Send(protocol.TypeMessageDeleted, protocol.DeleteMessagePayload{ID: id})
}

func (s *Stream) React(id, emoji string) error {
	return s.Send(protocol.TypeMessageReacted, protocol.ReactPayload{ID: id, Emoji: emoji})
}

func (s *Stream) Typing(roomID string) error {
	return s.Send(protocol.TypeTyping, protocol.TypingPayload{RoomID: roomID})
}

// Close shuts the connection down. Events closes once the read loop exits.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
