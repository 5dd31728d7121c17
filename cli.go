package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"roomchat/internal/auth"
	"roomchat/internal/cache"
	"roomchat/internal/client"
	"roomchat/internal/protocol"
	"roomchat/internal/store"

	"github.com/spf13/cobra"
)

// withStore opens the configured database for one admin command.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, st *store.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()
	return fn(cmd.Context(), st)
}

// resolveRoom accepts either a room id or a room name.
func resolveRoom(ctx context.Context, st *store.Store, ref string) (store.Room, error) {
	room, err := st.RoomByID(ctx, ref)
	if errors.Is(err, store.ErrRoomNotFound) {
		room, err = st.RoomByName(ctx, ref)
	}
	if err != nil {
		return store.Room{}, fmt.Errorf("room %q: %w", ref, err)
	}
	return room, nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show database status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				rooms, err := st.ListRooms(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Rooms: %d\n", len(rooms))
				fmt.Fprintf(out, "Version: %s\n", Version)
				return nil
			})
		},
	}
}

func newRoomsCommand() *cobra.Command {
	rooms := &cobra.Command{
		Use:   "rooms",
		Short: "Manage rooms, memberships and bans",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List rooms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				rs, err := st.ListRooms(ctx)
				if err != nil {
					return err
				}
				printRooms(cmd.OutOrStdout(), rs)
				return nil
			})
		},
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, _ := cmd.Flags().GetString("description")
			password, _ := cmd.Flags().GetString("password")
			owner, _ := cmd.Flags().GetString("owner")
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				room, err := st.CreateRoom(ctx, store.RoomInput{
					Name:        args[0],
					Description: desc,
					IsPrivate:   password != "",
					Password:    password,
					CreatedBy:   owner,
				}, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created room %q (%s)\n", room.Name, room.ID)
				return nil
			})
		},
	}
	create.Flags().String("description", "", "Room description")
	create.Flags().String("password", "", "Make the room private with this password")
	create.Flags().String("owner", "", "Identity id granted membership and moderation")

	members := &cobra.Command{
		Use:   "members <room>",
		Short: "List durable members of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				room, err := resolveRoom(ctx, st, args[0])
				if err != nil {
					return err
				}
				ms, err := st.Members(ctx, room.ID)
				if err != nil {
					return err
				}
				if len(ms) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No members.")
					return nil
				}
				for _, m := range ms {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s  joined %s  last read %s\n",
						m.UserID, m.JoinedAt.Format(time.RFC3339), m.LastRead.Format(time.RFC3339))
				}
				return nil
			})
		},
	}

	addMember := &cobra.Command{
		Use:   "add-member <room> <user-id>",
		Short: "Grant durable membership",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				room, err := resolveRoom(ctx, st, args[0])
				if err != nil {
					return err
				}
				return st.AddMember(ctx, room.ID, args[1], time.Now())
			})
		},
	}

	removeMember := &cobra.Command{
		Use:   "remove-member <room> <user-id>",
		Short: "Revoke durable membership",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				room, err := resolveRoom(ctx, st, args[0])
				if err != nil {
					return err
				}
				return st.RemoveMember(ctx, room.ID, args[1])
			})
		},
	}

	mod := &cobra.Command{
		Use:   "mod <room> <user-id>",
		Short: "Make a user a room moderator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				room, err := resolveRoom(ctx, st, args[0])
				if err != nil {
					return err
				}
				return st.AddModerator(ctx, room.ID, args[1])
			})
		},
	}

	ban := &cobra.Command{
		Use:   "ban <room> <user-id>",
		Short: "Ban a user from a room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			duration, _ := cmd.Flags().GetDuration("for")
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				room, err := resolveRoom(ctx, st, args[0])
				if err != nil {
					return err
				}
				now := time.Now()
				var until time.Time
				if duration > 0 {
					until = now.Add(duration)
				}
				return st.BanUser(ctx, room.ID, args[1], reason, until, now)
			})
		},
	}
	ban.Flags().String("reason", "", "Ban reason")
	ban.Flags().Duration("for", 0, "Ban duration (0 bans permanently)")

	unban := &cobra.Command{
		Use:   "unban <room> <user-id>",
		Short: "Lift a ban",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				room, err := resolveRoom(ctx, st, args[0])
				if err != nil {
					return err
				}
				return st.UnbanUser(ctx, room.ID, args[1])
			})
		},
	}

	rooms.AddCommand(list, create, members, addMember, removeMember, mod, ban, unban)
	return rooms
}

func printRooms(w io.Writer, rooms []store.Room) {
	if len(rooms) == 0 {
		fmt.Fprintln(w, "No rooms found.")
		return
	}
	for _, r := range rooms {
		kind := "public"
		if r.IsPrivate {
			kind = "private"
		}
		fmt.Fprintf(w, "  [%s] %s (%s)\n", r.ID, r.Name, kind)
	}
}

func newBackupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <dest-path>",
		Short: "Write a consistent copy of the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				if err := st.Backup(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", args[0])
				return nil
			})
		},
	}
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer credential for an identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.JWTSecret) == "" {
				return fmt.Errorf("ROOMCHAT_JWT_SECRET is required")
			}
			user, _ := cmd.Flags().GetString("user")
			name, _ := cmd.Flags().GetString("name")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if name == "" {
				name = user
			}
			tok, err := auth.Mint(cfg.JWTSecret, cfg.JWTIssuer, auth.Identity{
				ID:       user,
				Username: name,
				Role:     auth.Role(role),
			}, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("user", "", "Identity id (required)")
	cmd.Flags().String("name", "", "Display name (defaults to the id)")
	cmd.Flags().String("role", string(auth.RoleRegistered), "Role: guest, registered or admin")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Credential lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// newTailCommand follows one room from a running server, rendering the
// reconciled view after every change.
func newTailCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail <room-id>",
		Short: "Follow a room's messages from a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			setupLogging(debug)

			server, _ := cmd.Flags().GetString("server")
			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				token = os.Getenv("ROOMCHAT_TOKEN")
			}
			cachePath, _ := cmd.Flags().GetString("cache")
			roomID := args[0]

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			c := client.New(server, token)
			syncer := &cache.Syncer{Cache: cache.New(nil), Fetcher: c, PageSize: 100}
			if cachePath != "" {
				snaps, err := cache.OpenSnapshots(cachePath)
				if err != nil {
					return err
				}
				defer snaps.Close()
				syncer.Snapshots = snaps
			}

			src, err := syncer.Load(ctx, roomID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "-- loaded from %s --\n", src)
			render(out, syncer.Cache.Visible(roomID))

			stream, err := c.Connect(ctx)
			if err != nil {
				return err
			}
			defer stream.Close()
			if err := stream.Join(roomID); err != nil {
				return err
			}

			defer func() {
				if err := syncer.Persist(context.Background(), roomID); err != nil {
					fmt.Fprintf(os.Stderr, "persist cache: %v\n", err)
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-stream.Events():
					if !ok {
						return fmt.Errorf("stream closed")
					}
					switch ev.Type {
					case protocol.TypeError:
						var p protocol.ErrorPayload
						_ = ev.Decode(&p)
						fmt.Fprintf(out, "!! %s: %s\n", p.Kind, p.Message)
					case protocol.TypeUserTyping:
						var p protocol.UserTypingPayload
						_ = ev.Decode(&p)
						fmt.Fprintf(out, ".. %s is typing\n", p.Username)
					default:
						if err := syncer.Cache.Apply(ev); err != nil {
							fmt.Fprintf(os.Stderr, "apply %s: %v\n", ev.Type, err)
							continue
						}
						if isMessageEvent(ev.Type) {
							render(out, syncer.Cache.Visible(roomID))
						}
					}
				}
			}
		},
	}
	cmd.Flags().String("server", "http://localhost:8080", "Server base URL")
	cmd.Flags().String("token", "", "Bearer credential (defaults to ROOMCHAT_TOKEN)")
	cmd.Flags().String("cache", "", "Local snapshot database for offline history")
	return cmd
}

func isMessageEvent(t string) bool {
	switch t {
	case protocol.TypeMessage, protocol.TypeMessageEdited, protocol.TypeMessageDeleted, protocol.TypeMessageReacted:
		return true
	}
	return false
}

func render(w io.Writer, msgs []protocol.MessageRecord) {
	for _, m := range msgs {
		marker := ""
		if m.State == protocol.StateEdited {
			marker = " (edited)"
		}
		fmt.Fprintf(w, "[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), m.Sender.Username, m.Content, marker)
		for _, a := range m.Attachments {
			fmt.Fprintf(w, "    + %s (%s, %d bytes)\n", a.Name, a.ContentType, a.SizeBytes)
		}
	}
	fmt.Fprintln(w, "--")
}
