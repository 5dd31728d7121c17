package core

import (
	"sync"
	"testing"
	"time"

	"roomchat/internal/auth"
	"roomchat/internal/protocol"
)

func identity(id string) auth.Identity {
	return auth.Identity{ID: id, Username: id, Role: auth.RoleRegistered}
}

func register(t *testing.T, r *Registry, id string) *Session {
	t.Helper()
	s, _, err := r.Register(identity(id), 8)
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return s
}

func TestRegistryBroadcastToRoomScopesRecipients(t *testing.T) {
	r := NewRegistry()
	alice := register(t, r, "alice")
	bob := register(t, r, "bob")
	carol := register(t, r, "carol")

	r.Subscribe("general", alice)
	r.Subscribe("general", bob)
	r.Subscribe("random", bob)
	r.Subscribe("random", carol)

	n := r.BroadcastToRoom("general", protocol.Event{Type: "test"}, nil)
	if n != 2 {
		t.Fatalf("expected 2 recipients, got %d", n)
	}

	assertRecvType(t, alice.Send, "test")
	assertRecvType(t, bob.Send, "test")
	assertNoRecv(t, carol.Send)
}

func TestRegistryBroadcastExcludesSender(t *testing.T) {
	r := NewRegistry()
	alice := register(t, r, "alice")
	bob := register(t, r, "bob")
	r.Subscribe("general", alice)
	r.Subscribe("general", bob)

	r.BroadcastToRoom("general", protocol.Event{Type: protocol.TypeUserTyping}, alice)

	assertRecvType(t, bob.Send, protocol.TypeUserTyping)
	assertNoRecv(t, alice.Send)
}

func TestRegistrySubscribeIsIdempotent(t *testing.T) {
	r := NewRegistry()
	alice := register(t, r, "alice")

	if !r.Subscribe("general", alice) {
		t.Fatal("first subscribe should add")
	}
	if r.Subscribe("general", alice) {
		t.Fatal("second subscribe should not add")
	}
	r.BroadcastToRoom("general", protocol.Event{Type: "once"}, nil)
	assertRecvType(t, alice.Send, "once")
	assertNoRecv(t, alice.Send)

	if !r.Unsubscribe("general", alice) {
		t.Fatal("unsubscribe should report removal")
	}
	if r.Unsubscribe("general", alice) {
		t.Fatal("second unsubscribe should be a no-op")
	}
	if r.IsSubscribed("general", alice) {
		t.Fatal("alice should not be subscribed")
	}
}

func TestRegistryUnregisterLeavesAllRooms(t *testing.T) {
	r := NewRegistry()
	alice := register(t, r, "alice")
	r.Subscribe("general", alice)
	r.Subscribe("random", alice)

	if !r.Unregister(alice) {
		t.Fatal("expected unregister of current session")
	}
	if len(r.Subscribers("general")) != 0 || len(r.Subscribers("random")) != 0 {
		t.Fatal("unregistered session still subscribed")
	}
	if _, ok := <-alice.Send; ok {
		t.Fatal("expected send channel to be closed")
	}
	if r.Count() != 0 {
		t.Fatalf("expected no sessions, got %d", r.Count())
	}
}

func TestRegistryReplaceEvictsPreviousSession(t *testing.T) {
	r := NewRegistry()
	first := register(t, r, "alice")
	r.Subscribe("general", first)

	second, displaced, err := r.Register(identity("alice"), 8)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if displaced != first {
		t.Fatal("expected first session to be displaced")
	}
	if r.IsSubscribed("general", first) {
		t.Fatal("displaced session should have been unsubscribed")
	}
	if r.IsSubscribed("general", second) {
		t.Fatal("new session must not inherit subscriptions")
	}

	ev, ok := <-first.Send
	if !ok || ev.Type != protocol.TypeError {
		t.Fatalf("expected eviction error event, got %#v ok=%v", ev, ok)
	}
	if _, ok := <-first.Send; ok {
		t.Fatal("displaced send channel should be closed")
	}

	// The displaced session disconnecting late must not unmap its replacement.
	if r.Unregister(first) {
		t.Fatal("unregistering displaced session should not report current")
	}
	cur, ok := r.Lookup("alice")
	if !ok || cur != second {
		t.Fatal("replacement mapping was removed")
	}
}

func TestRegistrySendAfterCloseDoesNotPanic(t *testing.T) {
	r := NewRegistry()
	alice := register(t, r, "alice")
	r.Subscribe("general", alice)
	r.Unregister(alice)

	if r.SendTo(alice, protocol.Event{Type: "late"}) {
		t.Fatal("send to closed session should fail")
	}
}

func TestRegistryLookupsDoNotCreateRooms(t *testing.T) {
	r := NewRegistry()
	alice := register(t, r, "alice")

	for i := 0; i < 100; i++ {
		room := "ghost-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		r.Unsubscribe(room, alice)
		r.IsSubscribed(room, alice)
		r.Subscribers(room)
		r.BroadcastToRoom(room, protocol.Event{Type: "x"}, nil)
	}
	if n := r.RoomCount(); n != 0 {
		t.Fatalf("expected no tracked rooms, got %d", n)
	}

	r.Subscribe("general", alice)
	if n := r.RoomCount(); n != 1 {
		t.Fatalf("expected 1 tracked room, got %d", n)
	}
	r.Unsubscribe("general", alice)
	if n := r.RoomCount(); n != 0 {
		t.Fatalf("empty room should be forgotten, got %d", n)
	}
}

func TestRegistryDropsSlowSession(t *testing.T) {
	r := NewRegistry()
	slow, _, err := r.Register(identity("slow"), 1)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	fast := register(t, r, "fast")
	r.Subscribe("general", slow)
	r.Subscribe("general", fast)

	if n := r.BroadcastToRoom("general", protocol.Event{Type: "first"}, nil); n != 2 {
		t.Fatalf("expected 2 recipients, got %d", n)
	}

	start := time.Now()
	if n := r.BroadcastToRoom("general", protocol.Event{Type: "second"}, nil); n != 1 {
		t.Fatalf("expected only the fast session, got %d", n)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Fatalf("broadcast blocked on a full buffer for %v", elapsed)
	}

	if r.IsSubscribed("general", slow) {
		t.Fatal("slow session should have been unsubscribed")
	}
	if _, ok := r.Lookup("slow"); ok {
		t.Fatal("slow session should have been unregistered")
	}
	if r.SlowDrops() != 1 {
		t.Fatalf("expected 1 slow drop, got %d", r.SlowDrops())
	}
	assertRecvType(t, slow.Send, "first")
	if _, ok := <-slow.Send; ok {
		t.Fatal("slow session send channel should be closed")
	}
	assertRecvType(t, fast.Send, "first")
	assertRecvType(t, fast.Send, "second")
}

func TestRegistryConcurrentRooms(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := r.Register(identity(string(rune('a'+i))), 256)
			if err != nil {
				t.Errorf("register: %v", err)
				return
			}
			room := "room-" + string(rune('a'+i%3))
			r.Subscribe(room, s)
			r.BroadcastToRoom(room, protocol.Event{Type: "x"}, nil)
			r.Unregister(s)
		}(i)
	}
	wg.Wait()
	if r.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Count())
	}
	if r.RoomCount() != 0 {
		t.Fatalf("expected no tracked rooms, got %d", r.RoomCount())
	}
}

func assertRecvType(t *testing.T, ch <-chan protocol.Event, want string) {
	t.Helper()
	select {
	case ev := <-ch:
		if ev.Type != want {
			t.Fatalf("expected %q, got %q", want, ev.Type)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func assertNoRecv(t *testing.T, ch <-chan protocol.Event) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event %q", ev.Type)
		}
	case <-time.After(50 * time.Millisecond):
	}
}
