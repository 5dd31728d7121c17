package messaging

import (
	"context"
	"log/slog"
	"strings"

	"roomchat/internal/apperr"
	"roomchat/internal/auth"
	"roomchat/internal/core"
	"roomchat/internal/store"
)

// access loads a room and checks that identity may read and post in it:
// not banned, and a durable member if the room is private.
func (s *Service) access(ctx context.Context, identity auth.Identity, roomID string) (store.Room, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return store.Room{}, apperr.Validation("room_id is required")
	}
	room, err := s.store.RoomByID(ctx, roomID)
	if err != nil {
		return store.Room{}, storeErr("room lookup", err)
	}
	if err := s.checkBan(ctx, identity, room.ID); err != nil {
		return store.Room{}, err
	}
	if room.IsPrivate {
		member, err := s.store.IsMember(ctx, room.ID, identity.ID)
		if err != nil {
			return store.Room{}, storeErr("membership lookup", err)
		}
		if !member {
			return store.Room{}, apperr.Authorization("private room requires membership")
		}
	}
	return room, nil
}

func (s *Service) checkBan(ctx context.Context, identity auth.Identity, roomID string) error {
	_, banned, err := s.store.ActiveBan(ctx, roomID, identity.ID, s.now())
	if err != nil {
		return storeErr("ban lookup", err)
	}
	if banned {
		return apperr.Authorization("banned from room")
	}
	return nil
}

// Join subscribes a live session to a room's broadcasts. It never grants
// durable membership: private rooms only admit identities that joined
// through JoinDurable beforehand.
func (s *Service) Join(ctx context.Context, sess *core.Session, roomID string) error {
	room, err := s.access(ctx, sess.Identity, roomID)
	if err != nil {
		return s.done("join", err)
	}
	s.registry.Subscribe(room.ID, sess)
	slog.Info("room joined", "room_id", room.ID, "user_id", sess.Identity.ID, "session_id", sess.ID)
	return s.done("join", nil)
}

// Leave unsubscribes a session from a room. It is idempotent.
func (s *Service) Leave(sess *core.Session, roomID string) {
	roomID = strings.TrimSpace(roomID)
	if s.registry.Unsubscribe(roomID, sess) {
		slog.Info("room left", "room_id", roomID, "user_id", sess.Identity.ID, "session_id", sess.ID)
	}
	s.observer.ObserveOperation("leave", nil)
}

// JoinDurable grants durable membership, checking the password of private
// rooms. Banned identities are refused.
func (s *Service) JoinDurable(ctx context.Context, identity auth.Identity, roomID, password string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return s.done("member_join", apperr.Validation("room_id is required"))
	}
	room, err := s.store.RoomByID(ctx, roomID)
	if err != nil {
		return s.done("member_join", storeErr("room lookup", err))
	}
	if err := s.checkBan(ctx, identity, room.ID); err != nil {
		return s.done("member_join", err)
	}
	if room.IsPrivate {
		member, err := s.store.IsMember(ctx, room.ID, identity.ID)
		if err != nil {
			return s.done("member_join", storeErr("membership lookup", err))
		}
		if member {
			return s.done("member_join", nil)
		}
		ok, err := s.store.CheckRoomPassword(ctx, room.ID, password)
		if err != nil {
			return s.done("member_join", storeErr("password check", err))
		}
		if !ok {
			return s.done("member_join", apperr.Authorization("incorrect room password"))
		}
	}
	if err := s.store.AddMember(ctx, room.ID, identity.ID, s.now()); err != nil {
		return s.done("member_join", storeErr("add member", err))
	}
	slog.Info("member joined", "room_id", room.ID, "user_id", identity.ID)
	return s.done("member_join", nil)
}

// MarkRead moves the caller's lastRead marker for a room to now.
func (s *Service) MarkRead(ctx context.Context, identity auth.Identity, roomID string) error {
	room, err := s.access(ctx, identity, roomID)
	if err != nil {
		return s.done("mark_read", err)
	}
	if err := s.store.TouchLastRead(ctx, room.ID, identity.ID, s.now()); err != nil {
		return s.done("mark_read", storeErr("touch last read", err))
	}
	return s.done("mark_read", nil)
}

// LeaveDurable drops the caller's durable membership and unsubscribes their
// live session from the room, if any. Leaving a room one is not a member of
// succeeds.
func (s *Service) LeaveDurable(ctx context.Context, identity auth.Identity, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return s.done("member_leave", apperr.Validation("room_id is required"))
	}
	room, err := s.store.RoomByID(ctx, roomID)
	if err != nil {
		return s.done("member_leave", storeErr("room lookup", err))
	}
	if err := s.store.RemoveMember(ctx, room.ID, identity.ID); err != nil {
		return s.done("member_leave", storeErr("remove member", err))
	}
	if sess, ok := s.registry.Lookup(identity.ID); ok {
		s.registry.Unsubscribe(room.ID, sess)
	}
	slog.Info("member left", "room_id", room.ID, "user_id", identity.ID)
	return s.done("member_leave", nil)
}

// CanReadBlob reports whether identity may download an attachment: its
// uploader, an admin, or anyone with access to a room where it was posted.
func (s *Service) CanReadBlob(ctx context.Context, identity auth.Identity, meta store.BlobMetadata) error {
	if meta.OwnerID == identity.ID || identity.Role == auth.RoleAdmin {
		return nil
	}
	roomIDs, err := s.store.BlobRooms(ctx, meta.ID)
	if err != nil {
		return storeErr("blob rooms", err)
	}
	for _, roomID := range roomIDs {
		_, err := s.access(ctx, identity, roomID)
		if err == nil {
			return nil
		}
		if apperr.KindOf(err) != apperr.KindAuthorization {
			return err
		}
	}
	return apperr.Authorization("not allowed to read this attachment")
}
