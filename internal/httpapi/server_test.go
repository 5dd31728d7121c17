package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"roomchat/internal/auth"
	"roomchat/internal/blob"
	"roomchat/internal/core"
	"roomchat/internal/expiry"
	"roomchat/internal/messaging"
	"roomchat/internal/metrics"
	"roomchat/internal/protocol"
	"roomchat/internal/store"
	"roomchat/internal/ws"
)

const (
	testSecret = "http-test-secret"
	testIssuer = "roomchat"
)

type testAPI struct {
	url   string
	store *store.Store
}

func startTestAPI(t *testing.T) testAPI {
	t.Helper()

	temp := t.TempDir()
	st, err := store.Open(filepath.Join(temp, "roomchat.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	blobStore, err := blob.NewStore(filepath.Join(temp, "blobs"), st)
	if err != nil {
		t.Fatalf("create blob store: %v", err)
	}

	registry := core.NewRegistry()
	m := metrics.New(registry)
	svc, err := messaging.New(messaging.Options{
		Store:    st,
		Registry: registry,
		Policy:   expiry.Policy{TTL: expiry.DefaultTTL},
		Observer: m,
	})
	if err != nil {
		t.Fatalf("messaging service: %v", err)
	}
	resolver, err := auth.NewJWTResolver(testSecret, testIssuer, nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}

	api := New(Options{
		Service:  svc,
		Store:    st,
		Blobs:    blobStore,
		Resolver: resolver,
		Stream:   ws.NewHandler(ws.Options{Service: svc, Resolver: resolver}),
		Metrics:  m.Handler(),
	})
	ts := httptest.NewServer(api.Echo())
	t.Cleanup(ts.Close)
	return testAPI{url: ts.URL, store: st}
}

func bearer(t *testing.T, id string, role auth.Role) string {
	t.Helper()
	tok, err := auth.Mint(testSecret, testIssuer, auth.Identity{ID: id, Username: id, Role: role}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return "Bearer " + tok
}

func (a testAPI) do(t *testing.T, method, path, authz string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.url+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	api := startTestAPI(t)

	var health healthResponse
	if code := api.do(t, http.MethodGet, "/health", "", nil, &health); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if health.Status != "ok" || health.Clients != 0 {
		t.Fatalf("unexpected health: %#v", health)
	}
}

func TestAPIRequiresCredential(t *testing.T) {
	api := startTestAPI(t)

	var errBody protocol.ErrorPayload
	if code := api.do(t, http.MethodGet, "/api/rooms", "", nil, &errBody); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	if errBody.Kind != "authentication" {
		t.Fatalf("unexpected error body %#v", errBody)
	}
	if code := api.do(t, http.MethodGet, "/api/rooms", "Bearer nope", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", code)
	}
}

func TestMessageLifecycleOverREST(t *testing.T) {
	api := startTestAPI(t)
	room, err := api.store.CreateRoom(context.Background(), store.RoomInput{Name: "general"}, time.Now())
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	alice := bearer(t, "alice", auth.RoleRegistered)
	bob := bearer(t, "bob", auth.RoleRegistered)

	var rooms []roomResponse
	if code := api.do(t, http.MethodGet, "/api/rooms", alice, nil, &rooms); code != http.StatusOK || len(rooms) != 1 {
		t.Fatalf("list rooms: code=%d rooms=%#v", code, rooms)
	}

	var first, second protocol.MessageRecord
	if code := api.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/messages", alice, createMessageRequest{Content: "first"}, &first); code != http.StatusCreated {
		t.Fatalf("create first: %d", code)
	}
	time.Sleep(5 * time.Millisecond)
	if code := api.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/messages", alice, createMessageRequest{Content: "second"}, &second); code != http.StatusCreated {
		t.Fatalf("create second: %d", code)
	}
	if got := first.ExpiresAt.Sub(first.CreatedAt); got != 600*time.Second {
		t.Fatalf("expected 600s ttl, got %s", got)
	}

	var hist historyResponse
	if code := api.do(t, http.MethodGet, "/api/rooms/"+room.ID+"/messages?page=1&limit=10", bob, nil, &hist); code != http.StatusOK {
		t.Fatalf("history: %d", code)
	}
	if len(hist.Messages) != 2 || hist.Messages[0].ID != second.ID || hist.Messages[1].ID != first.ID {
		t.Fatalf("expected newest-first history, got %#v", hist.Messages)
	}

	if code := api.do(t, http.MethodPatch, "/api/messages/"+first.ID, bob, editMessageRequest{Content: "mine now"}, nil); code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner edit, got %d", code)
	}
	var edited protocol.MessageRecord
	if code := api.do(t, http.MethodPatch, "/api/messages/"+first.ID, alice, editMessageRequest{Content: "first, edited"}, &edited); code != http.StatusOK {
		t.Fatalf("edit: %d", code)
	}
	if edited.State != protocol.StateEdited || len(edited.EditHistory) != 1 || edited.EditHistory[0].Content != "first" {
		t.Fatalf("unexpected edited record %#v", edited)
	}

	var reacted protocol.MessageRecord
	api.do(t, http.MethodPost, "/api/messages/"+first.ID+"/react", bob, reactRequest{Emoji: "👍"}, nil)
	if code := api.do(t, http.MethodPost, "/api/messages/"+first.ID+"/react", bob, reactRequest{Emoji: "🎉"}, &reacted); code != http.StatusOK {
		t.Fatalf("react: %d", code)
	}
	if len(reacted.Reactions) != 1 || reacted.Reactions["bob"] != "🎉" {
		t.Fatalf("unexpected reactions %#v", reacted.Reactions)
	}

	var deleted protocol.DeletedPayload
	if code := api.do(t, http.MethodDelete, "/api/messages/"+first.ID, alice, nil, &deleted); code != http.StatusOK {
		t.Fatalf("delete: %d", code)
	}
	if deleted.RoomID != room.ID {
		t.Fatalf("unexpected delete payload %#v", deleted)
	}
	if code := api.do(t, http.MethodDelete, "/api/messages/"+first.ID, alice, nil, nil); code != http.StatusOK {
		t.Fatalf("repeat delete should succeed, got %d", code)
	}
	if code := api.do(t, http.MethodPatch, "/api/messages/"+first.ID, alice, editMessageRequest{Content: "again"}, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 editing deleted message, got %d", code)
	}

	hist = historyResponse{}
	api.do(t, http.MethodGet, "/api/rooms/"+room.ID+"/messages", bob, nil, &hist)
	if len(hist.Messages) != 1 || hist.Messages[0].ID != second.ID {
		t.Fatalf("deleted message still in history: %#v", hist.Messages)
	}
}

func TestCreateMessageValidation(t *testing.T) {
	api := startTestAPI(t)
	room, err := api.store.CreateRoom(context.Background(), store.RoomInput{Name: "general"}, time.Now())
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	alice := bearer(t, "alice", auth.RoleRegistered)

	if code := api.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/messages", alice, createMessageRequest{Content: ""}, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty content, got %d", code)
	}
	if code := api.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/messages", alice, `{"content":"x","pinned":true}`, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", code)
	}
	if code := api.do(t, http.MethodPost, "/api/rooms/missing/messages", alice, createMessageRequest{Content: "x"}, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown room, got %d", code)
	}
	if code := api.do(t, http.MethodGet, "/api/rooms/"+room.ID+"/messages?limit=-1", alice, nil, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", code)
	}
}

func TestJoinPrivateRoomWithPassword(t *testing.T) {
	api := startTestAPI(t)
	room, err := api.store.CreateRoom(context.Background(), store.RoomInput{Name: "secret", IsPrivate: true, Password: "pw", CreatedBy: "owner"}, time.Now())
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	carol := bearer(t, "carol", auth.RoleRegistered)

	if code := api.do(t, http.MethodGet, "/api/rooms/"+room.ID+"/messages", carol, nil, nil); code != http.StatusForbidden {
		t.Fatalf("expected 403 before joining, got %d", code)
	}
	if code := api.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/join", carol, joinRoomRequest{Password: "bad"}, nil); code != http.StatusForbidden {
		t.Fatalf("expected 403 for bad password, got %d", code)
	}
	if code := api.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/join", carol, joinRoomRequest{Password: "pw"}, nil); code != http.StatusOK {
		t.Fatalf("expected join to succeed, got %d", code)
	}
	if code := api.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/read", carol, nil, nil); code != http.StatusNoContent {
		t.Fatalf("expected 204 from mark read, got %d", code)
	}
	if code := api.do(t, http.MethodGet, "/api/rooms/"+room.ID+"/messages", carol, nil, nil); code != http.StatusOK {
		t.Fatalf("expected history after joining, got %d", code)
	}
}

func TestLeaveRoomRevokesPrivateAccess(t *testing.T) {
	api := startTestAPI(t)
	room, err := api.store.CreateRoom(context.Background(), store.RoomInput{Name: "secret", IsPrivate: true, Password: "pw", CreatedBy: "owner"}, time.Now())
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	carol := bearer(t, "carol", auth.RoleRegistered)

	if code := api.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/join", carol, joinRoomRequest{Password: "pw"}, nil); code != http.StatusOK {
		t.Fatalf("expected join to succeed, got %d", code)
	}
	var left protocol.RoomPayload
	if code := api.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/leave", carol, nil, &left); code != http.StatusOK {
		t.Fatalf("expected leave to succeed, got %d", code)
	}
	if left.RoomID != room.ID {
		t.Fatalf("unexpected leave response %#v", left)
	}
	if ok, err := api.store.IsMember(context.Background(), room.ID, "carol"); err != nil || ok {
		t.Fatalf("carol should no longer be a member: %v %v", ok, err)
	}
	if code := api.do(t, http.MethodGet, "/api/rooms/"+room.ID+"/messages", carol, nil, nil); code != http.StatusForbidden {
		t.Fatalf("expected 403 after leaving, got %d", code)
	}
	if code := api.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/leave", carol, nil, nil); code != http.StatusOK {
		t.Fatalf("leaving twice should succeed, got %d", code)
	}
	if code := api.do(t, http.MethodPost, "/api/rooms/missing/leave", carol, nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown room, got %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	api := startTestAPI(t)
	room, err := api.store.CreateRoom(context.Background(), store.RoomInput{Name: "general"}, time.Now())
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	api.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/messages", bearer(t, "alice", auth.RoleRegistered), createMessageRequest{Content: "count me"}, nil)

	resp, err := http.Get(api.url + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `roomchat_operations_total{op="send",outcome="ok"} 1`) {
		t.Fatalf("send not counted in metrics:\n%s", raw)
	}
}
