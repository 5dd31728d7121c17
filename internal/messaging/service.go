package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"roomchat/internal/apperr"
	"roomchat/internal/core"
	"roomchat/internal/expiry"
	"roomchat/internal/protocol"
	"roomchat/internal/store"
)

// Observer receives one callback per completed pipeline operation.
type Observer interface {
	ObserveOperation(op string, err error)
	ObserveFanout(eventType string, recipients int)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, error) {}
func (nopObserver) ObserveFanout(string, int)      {}

// Service implements room membership checks and the message pipeline on top
// of durable storage and the in-memory subscriber registry.
type Service struct {
	store    *store.Store
	registry *core.Registry
	policy   expiry.Policy
	now      func() time.Time
	observer Observer

	locksMu sync.Mutex
	locks   map[string]*roomLock
}

// roomLock is dropped from Service.locks once no operation holds or waits on it.
type roomLock struct {
	mu   sync.Mutex
	refs int
}

// Options configures a Service. Store and Registry are required.
type Options struct {
	Store    *store.Store
	Registry *core.Registry
	Policy   expiry.Policy
	Now      func() time.Time
	Observer Observer
}

// New builds a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("message store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("connection registry is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Service{
		store:    opts.Store,
		registry: opts.Registry,
		policy:   opts.Policy,
		now:      opts.Now,
		observer: opts.Observer,
		locks:    make(map[string]*roomLock),
	}, nil
}

// Registry exposes the subscriber registry the service fans out to.
func (s *Service) Registry() *core.Registry {
	return s.registry
}

// lockRoom serializes persist-then-fanout for one room. Rooms never share a lock.
func (s *Service) lockRoom(roomID string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[roomID]
	if !ok {
		l = &roomLock{}
		s.locks[roomID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, roomID)
		}
		s.locksMu.Unlock()
	}
}

func (s *Service) fanout(roomID, eventType string, payload any) {
	ev, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		slog.Error("encode fanout event", "type", eventType, "room_id", roomID, "err", err)
		return
	}
	n := s.registry.BroadcastToRoom(roomID, ev, nil)
	s.observer.ObserveFanout(eventType, n)
}

func (s *Service) done(op string, err error) error {
	s.observer.ObserveOperation(op, err)
	return err
}

// storeErr translates storage errors into the public taxonomy.
func storeErr(op string, err error) error {
	var appErr *apperr.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, store.ErrRoomNotFound):
		return apperr.NotFound("room not found")
	case errors.Is(err, store.ErrMessageNotFound), errors.Is(err, store.ErrMessageGone):
		return apperr.NotFound("message not found")
	case errors.Is(err, store.ErrBlobNotFound):
		return apperr.Validation("attachment not found")
	default:
		slog.Error("persistence failure", "op", op, "err", err)
		return apperr.Internal(err)
	}
}

// Record converts a stored message into its wire form.
func Record(m store.Message) protocol.MessageRecord {
	rec := protocol.MessageRecord{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Sender:    protocol.User{ID: m.SenderID, Username: m.SenderName},
		Content:   m.Content,
		Type:      m.Type,
		State:     string(m.State),
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
	}
	for _, a := range m.Attachments {
		rec.Attachments = append(rec.Attachments, protocol.Attachment{
			ID:          a.ID,
			Name:        a.OriginalName,
			ContentType: a.ContentType,
			SizeBytes:   a.SizeBytes,
		})
	}
	for _, e := range m.Edits {
		rec.EditHistory = append(rec.EditHistory, protocol.Edit{Content: e.Content, EditedAt: e.EditedAt})
	}
	if len(m.Reactions) > 0 {
		rec.Reactions = make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			rec.Reactions[k] = v
		}
	}
	return rec
}
