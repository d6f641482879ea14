package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sanchirEs/mns-chatbot-sub001/internal/config"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/engine"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/logger"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/mcp"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/storage"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const usage = `Usage:
  catalogd                 serve MCP tools on stdio and run scheduled syncs
  catalogd sync            run one sync cycle and print the summary
  catalogd search <query>  run one search and print the response
  catalogd --version       print build information`

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "version":
			fmt.Printf("Catalog Search Engine\n")
			fmt.Printf("Version: %s\n", version)
			fmt.Printf("Build Time: %s\n", buildTime)
			fmt.Printf("Build Mode: %s\n", storage.BuildMode)
			fmt.Printf("SQLite Driver: %s\n", storage.DriverName)
			os.Exit(0)
		case "-h", "--help", "help":
			fmt.Println(usage)
			os.Exit(0)
		}
	}

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}

	// Logs go to stderr; stdout is reserved for MCP protocol and command output
	log, err := logger.New(cfg.App.LogMode, cfg.App.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Warn("engine close failed", "error", err)
		}
	}()

	if len(args) == 0 {
		return serve(ctx, eng, cfg, log)
	}

	switch args[0] {
	case "sync":
		summary, err := eng.TriggerSync(ctx)
		if summary != nil {
			printJSON(summary)
		}
		return err
	case "search":
		query := strings.Join(args[1:], " ")
		resp, err := eng.Search(ctx, query, eng.DefaultOptions())
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

// serve runs the MCP server until stdin closes or a signal arrives
func serve(ctx context.Context, eng *engine.Engine, cfg *config.Config, log *logger.Logger) error {
	log.Info("catalog engine starting", "version", version, "build_mode", storage.BuildMode,
		"store", cfg.Store.Driver, "embedding_provider", cfg.Embedding.Provider)

	if err := eng.StartScheduler(); err != nil {
		if cfg.Upstream.BaseURL != "" {
			return err
		}
		log.Warn("scheduled sync disabled", "reason", err)
	}

	server := mcp.NewServer(eng, cfg.Search.MaxLimit, log)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Serve(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("received signal, shutting down gracefully")
		return nil
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		log.Info("server stopped")
		return nil
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
