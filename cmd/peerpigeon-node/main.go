// Command peerpigeon-node runs a single PeerPigeon mesh node: it dials
// a signaling Hub, maintains a bounded-degree WebRTC mesh, and serves
// the DHT and replicated Store to whatever application is layered on
// top (here, a minimal demo that logs every inbound direct/broadcast
// envelope it receives).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/peerpigeon/peerpigeon-go/internal/api"
	"github.com/peerpigeon/peerpigeon-go/pkg/mesh"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// osExit is indirected so tests can observe exit intent without
// killing the test binary, mirroring the teacher's cmd/shurli idiom.
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
		slog.Error("peerpigeon-node: fatal", "error", err)
		osExit(1)
	}
}

func run() error {
	configPath := os.Getenv("PEERPIGEON_CONFIG")
	if configPath == "" {
		configPath = "peerpigeon-node.yaml"
	}
	cfg, err := mesh.LoadConfig(configPath)
	if err != nil {
		slog.Warn("peerpigeon-node: no config file, using defaults", "path", configPath, "error", err)
		cfg = mesh.DefaultConfig()
	}

	var pinned mesh.PeerID
	if cfg.PeerID != "" {
		pinned, err = mesh.ParsePeerID(cfg.PeerID)
		if err != nil {
			return fmt.Errorf("invalid configured peer_id: %w", err)
		}
	}

	node, err := mesh.NewNode(mesh.NodeOptions{PeerID: pinned, Config: cfg})
	if err != nil {
		return fmt.Errorf("construct node: %w", err)
	}
	slog.Info("peerpigeon-node: starting", "peer_id", node.ID.String(), "hub", cfg.HubURI)

	node.OnEnvelope(func(from mesh.PeerID, e mesh.Envelope) {
		slog.Info("peerpigeon-node: envelope received", "from", from.String(), "kind", string(e.Kind))
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	node.Start(ctx)

	apiAddr := os.Getenv("PEERPIGEON_API_ADDR")
	if apiAddr == "" {
		apiAddr = "127.0.0.1:9191"
	}
	apiSrv := api.NewServer(apiAddr, node.Metrics().Registry, node)
	if err := apiSrv.Start(); err != nil {
		slog.Warn("peerpigeon-node: api server failed to start", "error", err)
	} else {
		defer apiSrv.Stop()
	}

	go func() {
		for ev := range node.Events() {
			slog.Debug("peerpigeon-node: event", "kind", string(ev.Kind), "peer", ev.Peer.String(), "reason", ev.Reason)
		}
	}()

	<-ctx.Done()
	slog.Info("peerpigeon-node: shutting down")
	node.Close()
	return nil
}

func printVersion() {
	fmt.Printf("peerpigeon-node %s (%s) built %s\n", version, commit, buildDate)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: peerpigeon-node [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (no command)     Start the node and block until SIGINT/SIGTERM")
	fmt.Println("  version          Show version information")
	fmt.Println("  help             Show this help message")
	fmt.Println()
	fmt.Println("Configuration is read from $PEERPIGEON_CONFIG (default ./peerpigeon-node.yaml).")
	fmt.Println("The metrics/health surface binds $PEERPIGEON_API_ADDR (default 127.0.0.1:9191).")
}
