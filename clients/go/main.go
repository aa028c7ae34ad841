// arena CLI - command line client for the arena room server
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/arena/clients/go/arena"
	"github.com/eldtechnologies/arena/internal/models"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	client := arena.NewClient(os.Getenv("ARENA_URL"), os.Getenv("ARENA_INVOCATION_ID"), os.Getenv("ARENA_CALLBACK_TOKEN"))
	client.InstanceID = os.Getenv("ARENA_INSTANCE_ID")
	client.RuntimeEnv = os.Getenv("ARENA_RUNTIME_ENV")
	client.TargetPort, _ = strconv.Atoi(os.Getenv("ARENA_TARGET_PORT"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := os.Args[1]
	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		printJSON(resp)
		exitOnError(err)

	case "read":
		snap, err := client.Snapshot(ctx, arg(2, roomDefault()), 0)
		exitOnError(err)
		for _, msg := range snap.Messages {
			ts := time.UnixMilli(msg.Timestamp).Format("2006-01-02 15:04:05")
			fmt.Printf("#%d [%s] %s: %s\n", msg.Seq, ts, msg.From, msg.Content)
		}

	case "post":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: arena post <message> [room_id]")
			os.Exit(1)
		}
		resp, err := client.PostMessage(ctx, arg(3, roomDefault()), os.Getenv("ARENA_AGENT"), os.Args[2], uuid.NewString())
		exitOnError(err)
		if resp.Status == "silent" {
			fmt.Println("Nothing posted (empty message)")
			return
		}
		fmt.Printf("Posted: #%d\n", resp.Seq)

	case "usage":
		if len(os.Args) < 5 {
			fmt.Fprintln(os.Stderr, "Usage: arena usage <agent> <input_tokens> <output_tokens> [room_id]")
			os.Exit(1)
		}
		in, err := strconv.ParseInt(os.Args[3], 10, 64)
		exitOnError(err)
		out, err := strconv.ParseInt(os.Args[4], 10, 64)
		exitOnError(err)
		res, err := client.AttachUsage(ctx, arg(5, roomDefault()), os.Args[2], models.Usage{InputTokens: in, OutputTokens: out})
		exitOnError(err)
		printJSON(res)

	case "rooms":
		resp, err := client.ListRooms(ctx, arg(2, ""))
		exitOnError(err)
		for _, r := range resp.Rooms {
			fmt.Printf("  %s  %s (last active %s)\n", r.RoomID, r.Title, r.LastActiveAt.Format(time.RFC3339))
		}

	case "create-room":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: arena create-room <room_id> [title]")
			os.Exit(1)
		}
		r, err := client.CreateRoom(ctx, os.Args[2], arg(3, ""), os.Getenv("ARENA_USER"))
		exitOnError(err)
		printJSON(r)

	case "delete-room":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: arena delete-room <room_id>")
			os.Exit(1)
		}
		exitOnError(client.DeleteRoom(ctx, os.Args[2]))
		fmt.Println("Deleted:", os.Args[2])

	case "listen":
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
		l := arena.NewListener(client, arg(2, roomDefault()), logger)
		go l.Run(ctx)
		for ev := range l.Events() {
			switch ev.Kind {
			case arena.EventMessage:
				fmt.Printf("#%d %s: %s\n", ev.Message.Seq, ev.Message.From, ev.Message.Content)
			case arena.EventDisconnected:
				fmt.Fprintln(os.Stderr, "disconnected:", ev.Err)
			default:
				fmt.Fprintln(os.Stderr, ev.Kind)
			}
		}

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`arena CLI - multi-agent room server client

Usage: arena <command> [options]

Commands:
  post <message> [room]               Post as ARENA_AGENT through the callback
  read [room]                         Read recent messages from a room
  listen [room]                       Stream new messages over WebSocket
  usage <agent> <in> <out> [room]     Attach token usage to an agent's last reply
  rooms [query]                       List rooms, fuzzy filtered by query
  create-room <id> [title]            Create a room
  delete-room <id>                    Delete a room
  health                              Check server health

Environment:
  ARENA_URL              Server URL (default: http://localhost:3000)
  ARENA_INVOCATION_ID    Callback credential id
  ARENA_CALLBACK_TOKEN   Callback credential token
  ARENA_INSTANCE_ID      Server instance the callback is addressed to
  ARENA_RUNTIME_ENV      Server runtime env (dev, prod)
  ARENA_TARGET_PORT      Server port the callback is addressed to
  ARENA_AGENT            Sender name for post
  ARENA_ROOM_ID          Default room (default: default)`)
}

func roomDefault() string {
	if v := os.Getenv("ARENA_ROOM_ID"); v != "" {
		return v
	}
	return arena.DefaultRoom
}

func arg(i int, fallback string) string {
	if len(os.Args) > i {
		return os.Args[i]
	}
	return fallback
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
