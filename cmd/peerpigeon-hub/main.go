// Command peerpigeon-hub runs a signaling rendezvous server that
// PeerPigeon nodes dial as their C2 link: it relays offer/answer/ice
// frames between announced peers and broadcasts peer-discovered,
// optionally federating with other Hubs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/peerpigeon/peerpigeon-go/internal/api"
	"github.com/peerpigeon/peerpigeon-go/internal/hub"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var osExit = os.Exit

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version":
			printVersion()
			return
		case "help", "--help", "-h":
			printUsage()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
			printUsage()
			osExit(1)
			return
		}
	}

	if err := run(); err != nil {
		slog.Error("peerpigeon-hub: fatal", "error", err)
		osExit(1)
	}
}

func run() error {
	listenAddr := os.Getenv("PEERPIGEON_HUB_LISTEN")
	if listenAddr == "" {
		listenAddr = ":7700"
	}
	var bootstrap []string
	if raw := os.Getenv("PEERPIGEON_HUB_BOOTSTRAP"); raw != "" {
		for _, uri := range strings.Split(raw, ",") {
			if uri = strings.TrimSpace(uri); uri != "" {
				bootstrap = append(bootstrap, uri)
			}
		}
	}

	metrics := hub.NewMetrics()
	h, err := hub.New(hub.Config{ListenAddr: listenAddr, BootstrapHubs: bootstrap}, metrics)
	if err != nil {
		return fmt.Errorf("construct hub: %w", err)
	}

	apiAddr := os.Getenv("PEERPIGEON_HUB_API_ADDR")
	if apiAddr == "" {
		apiAddr = "127.0.0.1:9192"
	}
	apiSrv := api.NewServer(apiAddr, metrics.Registry, nil)
	if err := apiSrv.Start(); err != nil {
		slog.Warn("peerpigeon-hub: api server failed to start", "error", err)
	} else {
		defer apiSrv.Stop()
	}

	slog.Info("peerpigeon-hub: starting", "listen", listenAddr, "bootstrap_hubs", bootstrap)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return h.ListenAndServe(ctx)
}

func printVersion() {
	fmt.Printf("peerpigeon-hub %s (%s) built %s\n", version, commit, buildDate)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: peerpigeon-hub [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (no command)     Start the hub and block until SIGINT/SIGTERM")
	fmt.Println("  version          Show version information")
	fmt.Println("  help             Show this help message")
	fmt.Println()
	fmt.Println("$PEERPIGEON_HUB_LISTEN sets the websocket listen address (default :7700).")
	fmt.Println("$PEERPIGEON_HUB_BOOTSTRAP is a comma-separated list of hub URIs to federate with.")
	fmt.Println("$PEERPIGEON_HUB_API_ADDR sets the metrics/health address (default 127.0.0.1:9192).")
}
