package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/matheus3301/chatsync/internal/apiclient"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	userFlag := flag.String("user", "", "user id (overrides config)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		fatalf("load config: %v", err)
	}
	if err := config.ApplyEnv(cfg, session.EnvPath(), ".env"); err != nil {
		fatalf("%v", err)
	}
	if *userFlag != "" {
		cfg.Client.UserID = *userFlag
	}

	sessionName := session.Resolve(*sessionFlag, cfg)
	if err := session.ValidateName(sessionName); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "config" {
		cmdConfig(cfg, args[1:])
		return
	}

	if err := session.EnsureDir(sessionName); err != nil {
		fatalf("%v", err)
	}
	logger, err := logging.NewWithLevel(session.LogPath(sessionName), "chatctl", zapcore.WarnLevel)
	if err != nil {
		fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	s, err := session.Open(cfg.Client, logger)
	if err != nil {
		fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := printer{json: *jsonFlag}
	switch args[0] {
	case "status":
		cmdStatus(ctx, s, out)
	case "conversations":
		cmdConversations(ctx, s, out)
	case "history":
		need(args, 2, "history <peer> [before]")
		cmdHistory(ctx, s, args[1], args[2:], out)
	case "send":
		need(args, 3, "send <peer> <text...>")
		cmdSend(ctx, s, args[1], strings.Join(args[2:], " "), cfg.Client.AckTimeout.Duration, out)
	case "read":
		need(args, 2, "read <peer>")
		cmdRead(ctx, s, args[1])
	case "listings":
		cmdListings(ctx, s, params(args[1:]), out)
	case "listing":
		need(args, 2, "listing <id>")
		cmdListing(ctx, s, args[1], out)
	case "stats":
		cmdStats(ctx, s, params(args[1:]), out)
	case "put":
		need(args, 3, "put <id> title=<title> [key=value...]")
		cmdPut(ctx, s, args[1], params(args[2:]), out)
	case "watch":
		cmdWatch(ctx, s, out)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--session <name>] [--user <id>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                    Check the server and push channel")
	fmt.Fprintln(os.Stderr, "  conversations             List conversations")
	fmt.Fprintln(os.Stderr, "  history <peer> [before]   Show messages with a peer")
	fmt.Fprintln(os.Stderr, "  send <peer> <text...>     Send a message and wait for the ack")
	fmt.Fprintln(os.Stderr, "  read <peer>               Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  listings [key=value...]   Search listings")
	fmt.Fprintln(os.Stderr, "  listing <id>              Show one listing")
	fmt.Fprintln(os.Stderr, "  stats [key=value...]      Aggregate listings (group=category|location|verified)")
	fmt.Fprintln(os.Stderr, "  put <id> [key=value...]   Create or update a listing you own")
	fmt.Fprintln(os.Stderr, "  watch                     Stream messages, presence and typing")
	fmt.Fprintln(os.Stderr, "  config init|show          Write or print the config file")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, "usage: chatctl "+usage)
		os.Exit(1)
	}
}

// params turns key=value arguments into query parameters.
func params(args []string) url.Values {
	v := url.Values{}
	for _, a := range args {
		key, val, ok := strings.Cut(a, "=")
		if !ok {
			fatalf("expected key=value, got %q", a)
		}
		v.Add(key, val)
	}
	return v
}

type printer struct{ json bool }

func (p printer) emit(v any, text func()) {
	if p.json {
		outputJSON(v)
		return
	}
	text()
}

func cacheNote(fromCache bool) string {
	if fromCache {
		return " (cached)"
	}
	return ""
}

func cmdConfig(cfg *config.Config, args []string) {
	sub := "show"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "init":
		path := session.ConfigPath()
		if _, err := os.Stat(path); err == nil {
			fatalf("%s already exists", path)
		}
		if err := config.Save(path, config.Default()); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Wrote %s\n", path)
	case "show":
		outputJSON(cfg)
	default:
		fatalf("unknown config subcommand: %s", sub)
	}
}

func cmdStatus(ctx context.Context, s *session.Session, out printer) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	apiErr := s.API.Health(ctx)
	if err := s.Start(ctx); err != nil {
		fatalf("%v", err)
	}
	defer s.Close()
	connected := waitConnected(ctx, s, 3*time.Second)

	result := map[string]any{
		"user":       s.User,
		"api":        apiErr == nil,
		"push":       connected,
		"push_state": s.Push.State().Current(),
	}
	out.emit(result, func() {
		fmt.Printf("User: %s\n", s.User)
		if apiErr != nil {
			fmt.Printf("API:  down (%v)\n", apiErr)
		} else {
			fmt.Println("API:  ok")
		}
		fmt.Printf("Push: %s\n", s.Push.State().Current())
	})
	if apiErr != nil || !connected {
		os.Exit(1)
	}
}

func waitConnected(ctx context.Context, s *session.Session, timeout time.Duration) bool {
	deadline := time.After(timeout)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for !s.Push.Connected() {
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-tick.C:
		}
	}
	return true
}

func cmdConversations(ctx context.Context, s *session.Session, out printer) {
	convs, err := s.API.ListConversations(ctx, 50, 0)
	if err != nil {
		fatalf("%v", err)
	}
	out.emit(convs.Conversations, func() {
		if len(convs.Conversations) == 0 {
			fmt.Println("No conversations.")
			return
		}
		for _, c := range convs.Conversations {
			online := " "
			if s.Presence.IsOnline(c.PeerID) {
				online = "*"
			}
			fmt.Printf("%s %-20s %3d unread  %s\n", online, c.PeerID, c.UnreadCount, c.LastMessagePreview)
		}
		if convs.FromCache {
			fmt.Println("(served from cache)")
		}
	})
}

func cmdHistory(ctx context.Context, s *session.Session, peer string, rest []string, out printer) {
	var before int64
	if len(rest) > 0 {
		n, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			fatalf("before must be a millisecond timestamp: %v", err)
		}
		before = n
	}
	hist, err := s.API.History(ctx, peer, before, 50)
	if err != nil {
		fatalf("%v", err)
	}
	out.emit(hist, func() {
		for i := len(hist.Messages) - 1; i >= 0; i-- {
			m := hist.Messages[i]
			ts := time.UnixMilli(m.CreatedAt).Format("2006-01-02 15:04")
			fmt.Printf("[%s] %-12s %s  (%s)\n", ts, m.SenderID, m.Content, m.Status)
		}
		if hist.NextBefore > 0 {
			fmt.Printf("more: chatctl history %s %d%s\n", peer, hist.NextBefore, cacheNote(hist.FromCache))
		}
	})
}

func cmdSend(ctx context.Context, s *session.Session, peer, text string, ackTimeout time.Duration, out printer) {
	if err := s.Start(ctx); err != nil {
		fatalf("%v", err)
	}
	defer s.Close()
	waitConnected(ctx, s, 3*time.Second)

	m, err := s.Send(ctx, peer, text)
	if err != nil {
		fatalf("%v", err)
	}
	err = s.Delivery.Await(ctx, m.CorrelationID)
	if errors.Is(err, delivery.ErrNotFound) {
		// Already settled before we started waiting.
		err = nil
	}

	// Give the persistence call a moment so the printed slot carries the
	// durable id.
	deadline := time.Now().Add(min(ackTimeout, 2*time.Second))
	var final delivery.Message
	for time.Now().Before(deadline) {
		final, _ = s.Delivery.Thread(peer).Find(m.CorrelationID)
		if final.ID != "" || final.Status == protocol.StatusFailed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	out.emit(final, func() {
		fmt.Printf("Message %s: %s\n", orDash(final.ID), final.Status)
	})
	if err != nil && !final.Confirmed() {
		fatalf("%v", err)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func cmdRead(ctx context.Context, s *session.Session, peer string) {
	read, err := s.API.MarkConversationRead(ctx, peer)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Marked %d message(s) read.\n", len(read))
}

func cmdListings(ctx context.Context, s *session.Session, filters url.Values, out printer) {
	page, err := s.API.ListListings(ctx, filters)
	if err != nil {
		fatalf("%v", err)
	}
	out.emit(page, func() {
		for _, l := range page.Listings {
			fmt.Printf("%-12s %-30s %-12s %-10s %8.2f\n", l.ID, l.Title, l.Location, l.Category, l.Price)
		}
		fmt.Printf("%d of %d (page %d)%s\n", len(page.Listings), page.Total, page.Page, cacheNote(page.FromCache))
	})
}

func cmdListing(ctx context.Context, s *session.Session, id string, out printer) {
	l, fromCache, err := s.API.GetListing(ctx, id)
	if err != nil {
		fatalf("%v", err)
	}
	out.emit(l, func() {
		fmt.Printf("%s: %s%s\n", l.ID, l.Title, cacheNote(fromCache))
		fmt.Printf("  owner:    %s\n", l.OwnerID)
		fmt.Printf("  location: %s\n", l.Location)
		fmt.Printf("  category: %s\n", l.Category)
		fmt.Printf("  price:    %.2f\n", l.Price)
		fmt.Printf("  rating:   %.1f\n", l.Rating)
	})
}

func cmdStats(ctx context.Context, s *session.Session, filters url.Values, out printer) {
	stats, err := s.API.ListingStats(ctx, filters)
	if err != nil {
		fatalf("%v", err)
	}
	out.emit(stats, func() {
		for _, row := range stats.Rows {
			key := row.Key
			if key == "" {
				key = "(all)"
			}
			fmt.Printf("%-20s", key)
			for name, v := range row.Values {
				fmt.Printf(" %s=%.2f", name, v)
			}
			fmt.Println()
		}
		if stats.FromCache {
			fmt.Println("(served from cache)")
		}
	})
}

func cmdPut(ctx context.Context, s *session.Session, id string, fields url.Values, out printer) {
	l := apiclient.Listing{
		ID:        id,
		Title:     fields.Get("title"),
		Location:  fields.Get("location"),
		Category:  fields.Get("category"),
		Verified:  fields.Get("verified") == "true",
		Available: fields.Get("available") != "false",
	}
	var err error
	if v := fields.Get("price"); v != "" {
		if l.Price, err = strconv.ParseFloat(v, 64); err != nil {
			fatalf("price: %v", err)
		}
	}
	if v := fields.Get("rating"); v != "" {
		if l.Rating, err = strconv.ParseFloat(v, 64); err != nil {
			fatalf("rating: %v", err)
		}
	}
	if v := fields.Get("age"); v != "" {
		if l.Age, err = strconv.Atoi(v); err != nil {
			fatalf("age: %v", err)
		}
	}
	saved, err := s.API.PutListing(ctx, l)
	if err != nil {
		fatalf("%v", err)
	}
	out.emit(saved, func() { fmt.Printf("Saved %s.\n", saved.ID) })
}

func cmdWatch(ctx context.Context, s *session.Session, out printer) {
	events, unsub := s.Bus.Subscribe("", 256)
	defer unsub()
	if err := s.Start(ctx); err != nil {
		fatalf("%v", err)
	}
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			printEvent(evt, out)
		}
	}
}

func printEvent(evt bus.Event, out printer) {
	ts := evt.Timestamp.Format("15:04:05")
	switch p := evt.Payload.(type) {
	case delivery.Update:
		out.emit(p, func() {
			m := p.Message
			fmt.Printf("%s %-16s %s -> %s: %s (%s)\n", ts, evt.Kind, m.SenderID, m.RecipientID, m.Content, m.Status)
		})
	case status.StatusChange:
		out.emit(p, func() { fmt.Printf("%s push %s -> %s\n", ts, p.From, p.To) })
	case protocol.Envelope:
		switch p.Event {
		case protocol.EventUserOnline, protocol.EventUserOffline, protocol.EventTypingStart, protocol.EventTypingStop:
			out.emit(p, func() { fmt.Printf("%s %-16s %s\n", ts, p.Event, string(p.Data)) })
		}
	case string:
		out.emit(map[string]string{"event": evt.Kind, "peer": p}, func() {
			fmt.Printf("%s %-16s %s\n", ts, evt.Kind, p)
		})
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
