// ABOUTME: Gateway with a scripted chat backend for manual E2E testing
// ABOUTME: Usage: fake-backend [-addr localhost:8080] [-db path] [-delay 80ms]

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/2389/parley-gateway/internal/adapter"
	"github.com/2389/parley-gateway/internal/config"
	"github.com/2389/parley-gateway/internal/gateway"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "HTTP listen address")
	dbPath := flag.String("db", "", "SQLite database path (default: temp dir)")
	delay := flag.Duration("delay", 80*time.Millisecond, "pause between scripted events")
	flag.Parse()

	if err := run(*addr, *dbPath, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(addr, dbPath string, delay time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if dbPath == "" {
		dir, err := os.MkdirTemp("", "fake-backend-*")
		if err != nil {
			return fmt.Errorf("creating temp dir: %w", err)
		}
		defer os.RemoveAll(dir)
		dbPath = filepath.Join(dir, "parley.db")
	}

	cfg := &config.Config{}
	cfg.Server.HTTPAddr = addr
	cfg.Database.Path = dbPath
	cfg.Logging.Level = "debug"

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	gw, err := gateway.New(cfg, scriptedBackend(delay), logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	fmt.Printf("fake-backend listening on %s (db %s)\n", addr, dbPath)
	fmt.Println("every run replays a scripted stream with analysis and tool events")

	return gw.Run(ctx)
}

// scriptedBackend replays a stream that exercises every event kind: reasoning
// updates, a tool round-trip, token deltas, and a clean completion.
func scriptedBackend(delay time.Duration) adapter.ChatAdapter {
	return adapter.StreamFunc(func(ctx context.Context, req *adapter.Request) (<-chan *adapter.Event, error) {
		script := []*adapter.Event{
			{Type: adapter.EventThread, ThreadID: "fake-thread-" + req.ConversationID},
			{Type: adapter.EventAnalysis, Analysis: &adapter.AnalysisUpdate{
				ItemID: "r1", Text: "Considering the question",
			}},
			{Type: adapter.EventAnalysis, Analysis: &adapter.AnalysisUpdate{
				ItemID: "r1", Text: "Considering the question. It needs a lookup.",
			}},
			{Type: adapter.EventToolRequest, ToolRequest: &adapter.ToolRequest{
				ID: "t1", Name: "lookup", Stage: "call",
				Params: fmt.Sprintf(`{"query": %q}`, req.Content),
			}},
			{Type: adapter.EventToolResult, ToolResult: &adapter.ToolResult{
				ID: "t1", Result: `{"answer": "42"}`,
			}},
		}
		script = append(script, adapter.EchoScript(req.Content)...)

		scripted := &adapter.Scripted{Script: script, Delay: delay}
		return scripted.Stream(ctx, req)
	})
}
