package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"roomchat/internal/auth"
	"roomchat/internal/store"
)

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("roomchat %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestCLIVersion(t *testing.T) {
	if out := runCLI(t, "version"); !strings.Contains(out, Version) {
		t.Fatalf("version output %q missing %q", out, Version)
	}
}

func TestCLIRoomsAdministration(t *testing.T) {
	db := filepath.Join(t.TempDir(), "roomchat.db")

	out := runCLI(t, "rooms", "create", "general", "--db", db, "--owner", "alice")
	if !strings.Contains(out, `Created room "general"`) {
		t.Fatalf("unexpected create output %q", out)
	}
	runCLI(t, "rooms", "create", "secret", "--db", db, "--password", "hunter2")

	out = runCLI(t, "rooms", "list", "--db", db)
	if !strings.Contains(out, "general (public)") || !strings.Contains(out, "secret (private)") {
		t.Fatalf("unexpected list output %q", out)
	}

	runCLI(t, "rooms", "add-member", "secret", "bob", "--db", db)
	runCLI(t, "rooms", "ban", "general", "troll", "--reason", "spam", "--for", "1h", "--db", db)

	out = runCLI(t, "rooms", "members", "general", "--db", db)
	if !strings.Contains(out, "alice") {
		t.Fatalf("creator should be listed as member: %q", out)
	}
	if out := runCLI(t, "status", "--db", db); !strings.Contains(out, "Rooms: 2") {
		t.Fatalf("unexpected status output %q", out)
	}

	st, err := store.Open(db)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	secret, err := st.RoomByName(ctx, "secret")
	if err != nil {
		t.Fatalf("room by name: %v", err)
	}
	if ok, err := st.IsMember(ctx, secret.ID, "bob"); err != nil || !ok {
		t.Fatalf("bob should be a member: %v %v", ok, err)
	}
	general, err := st.RoomByName(ctx, "general")
	if err != nil {
		t.Fatalf("room by name: %v", err)
	}
	ban, banned, err := st.ActiveBan(ctx, general.ID, "troll", time.Now())
	if err != nil || !banned || ban.Reason != "spam" {
		t.Fatalf("expected active ban: %#v %v %v", ban, banned, err)
	}
	if _, banned, _ := st.ActiveBan(ctx, general.ID, "troll", time.Now().Add(2*time.Hour)); banned {
		t.Fatal("timed ban should lapse")
	}
}

func TestCLIBackup(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "roomchat.db")
	dest := filepath.Join(dir, "backup.db")
	runCLI(t, "rooms", "create", "general", "--db", db)
	runCLI(t, "backup", dest, "--db", db)

	copyStore, err := store.Open(dest)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer copyStore.Close()
	if _, err := copyStore.RoomByName(context.Background(), "general"); err != nil {
		t.Fatalf("backup should contain the room: %v", err)
	}
}

func TestCLITokenResolves(t *testing.T) {
	t.Setenv("ROOMCHAT_JWT_SECRET", "cli-secret")
	t.Setenv("ROOMCHAT_JWT_ISSUER", "roomchat")

	tok := strings.TrimSpace(runCLI(t, "token", "--user", "alice", "--name", "Alice", "--role", "admin"))

	resolver, err := auth.NewJWTResolver("cli-secret", "roomchat", nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	id, err := resolver.Resolve(context.Background(), "Bearer "+tok)
	if err != nil {
		t.Fatalf("resolve minted token: %v", err)
	}
	if id.ID != "alice" || id.Username != "Alice" || id.Role != auth.RoleAdmin {
		t.Fatalf("unexpected identity %#v", id)
	}
}
