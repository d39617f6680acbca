// chatpipe - a streaming chat client for the terminal.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/jeranaias/chatpipe/internal/chat"
	"github.com/jeranaias/chatpipe/internal/config"
	"github.com/jeranaias/chatpipe/internal/logging"
	"github.com/jeranaias/chatpipe/internal/metrics"
	"github.com/jeranaias/chatpipe/internal/model"
	"github.com/jeranaias/chatpipe/internal/persist"
	"github.com/jeranaias/chatpipe/internal/resource"
	"github.com/jeranaias/chatpipe/internal/retry"
	"github.com/jeranaias/chatpipe/internal/session"
	"github.com/jeranaias/chatpipe/internal/store"
	"github.com/jeranaias/chatpipe/internal/transport"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// identity adapts the configured user id to the sender's Identity.
type identity struct {
	id string
}

func (i identity) UserID() string { return i.id }

// staticToken supplies the configured bearer token on every open.
type staticToken struct {
	token string
}

func (t staticToken) Token(ctx context.Context) (string, error) {
	return t.token, nil
}

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.chatpipe/config.toml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chatpipe %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	// Best-effort .env load before config reads the environment.
	_ = godotenv.Load()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Configure(cfg.Log.Level, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Error: could not configure logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string) error {
	log := logging.For("main")

	userID := cfg.User.ID
	if userID == "" {
		if u, err := user.Current(); err == nil {
			userID = u.Username
		}
	}
	if userID == "" {
		return fmt.Errorf("no user id configured (set user.id or CHATPIPE_USER_ID)")
	}

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return err
	}
	durable, err := persist.OpenSQLite(dbPath)
	if err != nil {
		return fmt.Errorf("could not open database %s: %w", dbPath, err)
	}
	defer durable.Close()

	resources := resource.NewManager(logging.For("resource"))
	registry := session.NewRegistry(logging.For("session"))
	retries := retry.NewController(resources, logging.For("retry"))
	recorder := metrics.NewRecorder()
	st := store.New(logging.For("store"))

	client := transport.NewClient(cfg.Engine.BaseURL, staticToken{token: cfg.Engine.Token})

	mgr := chat.NewManager(chat.Config{
		Store:     st,
		Durable:   durable,
		Opener:    client,
		Identity:  identity{id: userID},
		Resources: resources,
		Registry:  registry,
		Retries:   retries,
		Metrics:   recorder,
		Log:       logging.For("chat"),
	})
	mgr.Search().SetEnabled(cfg.Search.Enabled)

	// Pick up config edits without restarting. Only the settings that are
	// safe to change mid-session are applied.
	if path := watchPath(configPath); path != "" {
		w, err := config.NewWatcher(path, 200*time.Millisecond, logging.For("config"), func(next *config.Config) {
			logging.Logger.SetLevel(logging.ParseLevel(next.Log.Level))
			mgr.Search().SetEnabled(next.Search.Enabled)
		})
		if err != nil {
			log.Warn("config watch unavailable", "error", err)
		} else if err := w.Watch(); err != nil {
			log.Warn("config watch failed", "error", err)
			w.Close()
		} else {
			defer w.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.LoadConversations(ctx); err != nil {
		log.Warn("could not load conversations", "error", err)
	}

	fmt.Printf("chatpipe %s - type a message, /help for commands\n", Version)
	repl(ctx, mgr, st)

	fmt.Println("shutting down...")
	mgr.Shutdown(time.Duration(cfg.ShutdownTimeoutSecs) * time.Second)

	snap := recorder.Snapshot()
	log.Debug("session metrics",
		"started", snap.Started,
		"completed", snap.Completed,
		"errored", snap.Errored,
		"stopped", snap.Stopped,
		"avg_duration", snap.AvgDuration())

	return nil
}

// watchPath resolves the config file path to watch, "" when none exists.
func watchPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	path, err := config.ConfigPath()
	if err != nil {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// =============================================================================
// REPL
// =============================================================================

func repl(ctx context.Context, mgr *chat.Manager, st *store.Store) {
	printer := newStreamPrinter(st)
	defer printer.Close()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := handleCommand(ctx, mgr, st, line); quit {
				return
			}
			continue
		}

		printer.BeginTurn()
		if err := mgr.SendMessage(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			continue
		}
		printer.WaitTurn(ctx, mgr)
	}
}

func handleCommand(ctx context.Context, mgr *chat.Manager, st *store.Store, line string) (quit bool) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/help":
		printHelp()

	case "/new":
		st.SetCurrentConversation("")
		fmt.Println("started a new conversation")

	case "/list":
		if err := mgr.LoadConversations(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "load failed: %v\n", err)
			return false
		}
		listConversations(st)

	case "/select":
		id, ok := resolveConversation(st, arg)
		if !ok {
			fmt.Fprintln(os.Stderr, "usage: /select <number|id> (see /list)")
			return false
		}
		if err := mgr.SelectConversation(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "select failed: %v\n", err)
			return false
		}
		showHistory(st)

	case "/rename":
		current := st.CurrentConversation()
		if current == "" || arg == "" {
			fmt.Fprintln(os.Stderr, "usage: /rename <name> (with a conversation selected)")
			return false
		}
		if err := mgr.RenameConversation(ctx, current, arg); err != nil {
			fmt.Fprintf(os.Stderr, "rename failed: %v\n", err)
		}

	case "/delete":
		id, ok := resolveConversation(st, arg)
		if !ok {
			id = st.CurrentConversation()
		}
		if id == "" {
			fmt.Fprintln(os.Stderr, "usage: /delete <number|id> (or select one first)")
			return false
		}
		if err := mgr.DeleteConversation(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "delete failed: %v\n", err)
		}

	case "/stop":
		mgr.StopGenerating()

	case "/retry":
		if err := mgr.RetryLast(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "retry failed: %v\n", err)
		}

	case "/search":
		switch arg {
		case "on":
			mgr.Search().SetEnabled(true)
			fmt.Println("search mode on")
		case "off":
			mgr.Search().SetEnabled(false)
			fmt.Println("search mode off")
		default:
			fmt.Printf("search mode: %v\n", mgr.Search().Enabled())
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command %s (try /help)\n", cmd)
	}
	return false
}

func printHelp() {
	fmt.Print(`commands:
  /new              start a new conversation
  /list             list conversations
  /select <n|id>    switch to a conversation
  /rename <name>    rename the current conversation
  /delete [n|id]    delete a conversation (default: current)
  /stop             stop the active response
  /retry            retry the last failed send
  /search [on|off]  toggle search mode
  /quit             exit
`)
}

func listConversations(st *store.Store) {
	convs := st.Conversations()
	if len(convs) == 0 {
		fmt.Println("no conversations yet")
		return
	}
	current := st.CurrentConversation()
	for i, c := range convs {
		marker := " "
		if c.ID == current {
			marker = "*"
		}
		fmt.Printf("%s %2d. %s (%s)\n", marker, i+1, c.Title, c.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
}

// resolveConversation accepts either a /list ordinal or a raw id.
func resolveConversation(st *store.Store, arg string) (string, bool) {
	if arg == "" {
		return "", false
	}
	if n, err := strconv.Atoi(arg); err == nil {
		convs := st.Conversations()
		if n < 1 || n > len(convs) {
			return "", false
		}
		return convs[n-1].ID, true
	}
	return arg, true
}

func showHistory(st *store.Store) {
	for _, msg := range st.Messages() {
		switch msg.Role {
		case model.RoleUser:
			fmt.Printf("> %s\n", msg.Content)
		case model.RoleAssistant:
			fmt.Printf("%s\n", msg.Content)
		}
	}
}

// =============================================================================
// STREAM PRINTER
// =============================================================================

// streamPrinter echoes assistant deltas to stdout as the store mutates.
// It tracks how much of the streaming message has been printed so each
// change event emits only the new suffix.
type streamPrinter struct {
	st    *store.Store
	unsub func()

	mu      sync.Mutex
	active  bool
	printed int
}

func newStreamPrinter(st *store.Store) *streamPrinter {
	p := &streamPrinter{st: st}
	p.unsub = st.Subscribe(store.EventMessages, p.onChange)
	return p
}

func (p *streamPrinter) Close() {
	p.unsub()
}

// BeginTurn resets the delta cursor before a send.
func (p *streamPrinter) BeginTurn() {
	p.mu.Lock()
	p.active = true
	p.printed = 0
	p.mu.Unlock()
}

func (p *streamPrinter) onChange() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}

	msgs := p.st.Messages()
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.Role != model.RoleAssistant {
		return
	}
	if len(last.Content) > p.printed {
		fmt.Print(last.Content[p.printed:])
		p.printed = len(last.Content)
	}
}

// WaitTurn blocks until the in-flight send settles, polling the manager.
func (p *streamPrinter) WaitTurn(ctx context.Context, mgr *chat.Manager) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			mgr.StopGenerating()
			p.endTurn()
			return
		case <-ticker.C:
			if !mgr.IsSending() {
				p.endTurn()
				if cerr := mgr.Err(); cerr != nil {
					fmt.Fprintf(os.Stderr, "stream error: %s\n", cerr.Message)
				}
				return
			}
		}
	}
}

func (p *streamPrinter) endTurn() {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
	fmt.Println()
}
