// Loom: conversation memory MCP server with durable, topic-scoped
// segmentation.
//
// Observations and knowledge persist through a write-ahead journal, so
// a crash mid-write never loses or duplicates a record. Conversations
// are segmented by an adaptive topic-shift detector that stashes old
// threads and starts fresh ones as work moves on.
//
// Usage:
//
//	loom serve     # Start MCP server (stdio transport)
//	loom replay    # Replay pending journal entries and exit
//	loom cleanup   # Prune committed journal entries and exit
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	loomserver "loom/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "replay":
		if err := runReplay(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "cleanup":
		if err := runCleanup(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "--help", "-h", "help":
		printUsage()
		os.Exit(0)
	case "--version", "-v", "version":
		fmt.Printf("loom v%s\n", loomserver.Version)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe() error {
	s, cleanup, err := loomserver.New(configFlag())
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer cleanup()

	// Graceful shutdown on interrupt. The stdio transport also exits
	// when the client closes stdin.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	_ = ctx // stdio server manages its own lifecycle

	return server.ServeStdio(s)
}

// runReplay resolves pending journal entries without starting the
// server. Useful after a crash when the server isn't coming back up.
func runReplay() error {
	rt, err := loomserver.Bootstrap(configFlag())
	if err != nil {
		return err
	}
	defer rt.Close()

	replayed, err := rt.Journal.ReplayPending(rt.Applier)
	if err != nil {
		return fmt.Errorf("replaying journal: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Replayed %d journal entries\n", replayed)
	return nil
}

// runCleanup prunes committed journal entries past the retention policy.
func runCleanup() error {
	rt, err := loomserver.Bootstrap(configFlag())
	if err != nil {
		return err
	}
	defer rt.Close()

	pruned, err := rt.Journal.Cleanup(rt.Config.JournalKeepCount, rt.Config.JournalMaxAge())
	if err != nil {
		return fmt.Errorf("cleaning journal: %w", err)
	}
	rt.Log.Info("journal cleanup complete", zap.Int64("pruned", pruned))
	fmt.Fprintf(os.Stderr, "Pruned %d journal entries\n", pruned)
	return nil
}

// configFlag returns the config path from --config, or empty for the
// default location.
func configFlag() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
	}
	return ""
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Loom v%s — Conversation Memory MCP Server

Usage:
  loom serve     Start the MCP server (stdio transport)
  loom replay    Replay pending journal entries and exit
  loom cleanup   Prune committed journal entries and exit

Options:
  --config PATH  Config file (default: ~/.loom/config.yaml)

Configuration:
  Add to your AI tool's MCP config:

  {
    "mcpServers": {
      "loom": {
        "command": "loom",
        "args": ["serve"]
      }
    }
  }
`, loomserver.Version)
}
