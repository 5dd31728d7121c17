package messaging

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"roomchat/internal/apperr"
	"roomchat/internal/auth"
	"roomchat/internal/core"
	"roomchat/internal/protocol"
	"roomchat/internal/store"

	"github.com/google/uuid"
)

const (
	// MaxContentRunes bounds one message body.
	MaxContentRunes = 4000
	// MaxAttachments bounds the blob references on one message.
	MaxAttachments = 10
	// MaxEmojiBytes bounds one reaction.
	MaxEmojiBytes = 32
	// MaxPageSize bounds one history page.
	MaxPageSize = 200
)

// SendInput is a new message as submitted over the stream or REST.
type SendInput struct {
	RoomID      string
	Content     string
	Type        string
	Attachments []string
}

func validateSend(in SendInput) (SendInput, error) {
	in.RoomID = strings.TrimSpace(in.RoomID)
	in.Type = strings.TrimSpace(in.Type)
	if in.Type == "" {
		in.Type = protocol.ContentText
	}
	if in.RoomID == "" {
		return in, apperr.Validation("room_id is required")
	}
	switch in.Type {
	case protocol.ContentText:
		if strings.TrimSpace(in.Content) == "" {
			return in, apperr.Validation("content is required")
		}
	case protocol.ContentImage, protocol.ContentFile:
		if len(in.Attachments) == 0 {
			return in, apperr.Validation("attachments are required for " + in.Type + " messages")
		}
	default:
		return in, apperr.Validation("unknown message type " + in.Type)
	}
	if utf8.RuneCountInString(in.Content) > MaxContentRunes {
		return in, apperr.Validation("content is too long")
	}
	if len(in.Attachments) > MaxAttachments {
		return in, apperr.Validation("too many attachments")
	}
	seen := make(map[string]struct{}, len(in.Attachments))
	for i, id := range in.Attachments {
		id = strings.TrimSpace(id)
		if id == "" {
			return in, apperr.Validation("attachment id is required")
		}
		if _, dup := seen[id]; dup {
			return in, apperr.Validation("duplicate attachment " + id)
		}
		seen[id] = struct{}{}
		in.Attachments[i] = id
	}
	return in, nil
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return apperr.Validation("content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return apperr.Validation("content is too long")
	}
	return nil
}

// Send validates, persists and broadcasts a new message. Persistence always
// completes before any subscriber sees the message; if it fails nothing is
// broadcast.
func (s *Service) Send(ctx context.Context, sender auth.Identity, in SendInput) (protocol.MessageRecord, error) {
	in, err := validateSend(in)
	if err != nil {
		return protocol.MessageRecord{}, s.done("send", err)
	}

	room, err := s.store.RoomByID(ctx, in.RoomID)
	if err != nil {
		return protocol.MessageRecord{}, s.done("send", storeErr("room lookup", err))
	}

	unlock := s.lockRoom(room.ID)
	defer unlock()

	if room, err = s.access(ctx, sender, room.ID); err != nil {
		return protocol.MessageRecord{}, s.done("send", err)
	}

	blobs := make([]store.BlobMetadata, 0, len(in.Attachments))
	for _, id := range in.Attachments {
		b, err := s.store.BlobByID(ctx, id)
		if err != nil {
			return protocol.MessageRecord{}, s.done("send", storeErr("attachment lookup", err))
		}
		blobs = append(blobs, b)
	}

	created, expires := s.policy.Stamp(s.now())
	m := store.Message{
		ID:          uuid.NewString(),
		RoomID:      room.ID,
		SenderID:    sender.ID,
		SenderName:  sender.Username,
		Content:     in.Content,
		Type:        in.Type,
		State:       store.StateActive,
		CreatedAt:   created,
		ExpiresAt:   expires,
		Attachments: blobs,
	}
	if err := s.store.InsertMessage(ctx, m, in.Attachments); err != nil {
		return protocol.MessageRecord{}, s.done("send", storeErr("insert message", err))
	}
	if err := s.store.TouchLastRead(ctx, room.ID, sender.ID, created); err != nil {
		slog.Error("touch last read after send", "room_id", room.ID, "user_id", sender.ID, "err", err)
	}

	rec := Record(m)
	s.fanout(room.ID, protocol.TypeMessage, rec)
	slog.Info("message sent", "msg_id", m.ID, "room_id", room.ID, "user_id", sender.ID, "type", m.Type)
	return rec, s.done("send", nil)
}

// liveMessage loads a message and rejects ones that are no longer visible.
func (s *Service) liveMessage(ctx context.Context, id string) (store.Message, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return store.Message{}, apperr.Validation("id is required")
	}
	m, err := s.store.MessageByID(ctx, id)
	if err != nil {
		return store.Message{}, storeErr("message lookup", err)
	}
	if !m.VisibleAt(s.now()) {
		return store.Message{}, apperr.NotFound("message not found")
	}
	return m, nil
}

// Edit replaces a message's content. Only the sender may edit, and only while
// they may still post in the room.
func (s *Service) Edit(ctx context.Context, editor auth.Identity, id, content string) (protocol.MessageRecord, error) {
	if err := validateContent(content); err != nil {
		return protocol.MessageRecord{}, s.done("edit", err)
	}
	cur, err := s.store.MessageByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return protocol.MessageRecord{}, s.done("edit", storeErr("message lookup", err))
	}

	unlock := s.lockRoom(cur.RoomID)
	defer unlock()

	cur, err = s.liveMessage(ctx, cur.ID)
	if err != nil {
		return protocol.MessageRecord{}, s.done("edit", err)
	}
	if cur.SenderID != editor.ID {
		return protocol.MessageRecord{}, s.done("edit", apperr.Authorization("only the sender can edit a message"))
	}
	if _, err := s.access(ctx, editor, cur.RoomID); err != nil {
		return protocol.MessageRecord{}, s.done("edit", err)
	}

	m, err := s.store.EditMessage(ctx, cur.ID, content, s.now())
	if err != nil {
		return protocol.MessageRecord{}, s.done("edit", storeErr("edit message", err))
	}

	rec := Record(m)
	s.fanout(m.RoomID, protocol.TypeMessageEdited, rec)
	slog.Info("message edited", "msg_id", m.ID, "room_id", m.RoomID, "user_id", editor.ID, "edits", len(m.Edits))
	return rec, s.done("edit", nil)
}

// Delete soft-deletes a message. The sender, an admin or a room moderator may
// delete; deleting an already deleted message succeeds without a broadcast.
// Banned identities may not delete. A sender who is no longer a member of a
// private room loses delete rights; admins and moderators keep them.
func (s *Service) Delete(ctx context.Context, actor auth.Identity, id string) (protocol.DeletedPayload, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return protocol.DeletedPayload{}, s.done("delete", apperr.Validation("id is required"))
	}
	cur, err := s.store.MessageByID(ctx, id)
	if err != nil {
		return protocol.DeletedPayload{}, s.done("delete", storeErr("message lookup", err))
	}

	unlock := s.lockRoom(cur.RoomID)
	defer unlock()

	if err := s.canDelete(ctx, actor, cur); err != nil {
		return protocol.DeletedPayload{}, s.done("delete", err)
	}

	m, changed, err := s.store.DeleteMessage(ctx, cur.ID, s.now())
	if err != nil {
		return protocol.DeletedPayload{}, s.done("delete", storeErr("delete message", err))
	}
	out := protocol.DeletedPayload{ID: m.ID, RoomID: m.RoomID}
	if changed {
		s.fanout(m.RoomID, protocol.TypeMessageDeleted, out)
		slog.Info("message deleted", "msg_id", m.ID, "room_id", m.RoomID, "user_id", actor.ID)
	}
	return out, s.done("delete", nil)
}

func (s *Service) canDelete(ctx context.Context, actor auth.Identity, m store.Message) error {
	if err := s.checkBan(ctx, actor, m.RoomID); err != nil {
		return err
	}
	if actor.Role == auth.RoleAdmin {
		return nil
	}
	mod, err := s.store.IsModerator(ctx, m.RoomID, actor.ID)
	if err != nil {
		return storeErr("moderator lookup", err)
	}
	if mod {
		return nil
	}
	if m.SenderID != actor.ID {
		return apperr.Authorization("not allowed to delete this message")
	}
	_, err = s.access(ctx, actor, m.RoomID)
	return err
}

// React sets the caller's reaction on a message, replacing any earlier one.
func (s *Service) React(ctx context.Context, reactor auth.Identity, id, emoji string) (protocol.MessageRecord, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return protocol.MessageRecord{}, s.done("react", apperr.Validation("emoji is required"))
	}
	if len(emoji) > MaxEmojiBytes {
		return protocol.MessageRecord{}, s.done("react", apperr.Validation("emoji is too long"))
	}
	cur, err := s.store.MessageByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return protocol.MessageRecord{}, s.done("react", storeErr("message lookup", err))
	}

	unlock := s.lockRoom(cur.RoomID)
	defer unlock()

	if _, err := s.access(ctx, reactor, cur.RoomID); err != nil {
		return protocol.MessageRecord{}, s.done("react", err)
	}
	m, err := s.store.SetReaction(ctx, cur.ID, reactor.ID, emoji, s.now())
	if err != nil {
		return protocol.MessageRecord{}, s.done("react", storeErr("set reaction", err))
	}

	rec := Record(m)
	s.fanout(m.RoomID, protocol.TypeMessageReacted, rec)
	return rec, s.done("react", nil)
}

// History returns one page of a room's visible messages, newest first.
// Overdue messages in the room are flipped to expired before reading.
func (s *Service) History(ctx context.Context, reader auth.Identity, roomID string, page, limit int) ([]protocol.MessageRecord, error) {
	room, err := s.access(ctx, reader, roomID)
	if err != nil {
		return nil, s.done("history", err)
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	now := s.now()
	if n, err := s.store.ExpireMessages(ctx, room.ID, now); err != nil {
		slog.Error("lazy expire", "room_id", room.ID, "err", err)
	} else if n > 0 {
		slog.Debug("lazy expire", "room_id", room.ID, "expired", n)
	}

	msgs, err := s.store.ListRoomMessages(ctx, room.ID, now, page, limit)
	if err != nil {
		return nil, s.done("history", storeErr("list messages", err))
	}
	out := make([]protocol.MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Record(m))
	}
	return out, s.done("history", nil)
}

// Typing tells the other subscribers of a room that sess is typing.
func (s *Service) Typing(sess *core.Session, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return apperr.Validation("room_id is required")
	}
	if !s.registry.IsSubscribed(roomID, sess) {
		return apperr.Authorization("join the room before typing")
	}
	ev, err := protocol.NewEvent(protocol.TypeUserTyping, protocol.UserTypingPayload{
		RoomID:   roomID,
		UserID:   sess.Identity.ID,
		Username: sess.Identity.Username,
	})
	if err != nil {
		return apperr.Internal(err)
	}
	n := s.registry.BroadcastToRoom(roomID, ev, sess)
	s.observer.ObserveFanout(protocol.TypeUserTyping, n)
	return nil
}
