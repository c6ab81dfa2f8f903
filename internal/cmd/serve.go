package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/LupusDei/adjutant/internal/beads"
	"github.com/LupusDei/adjutant/internal/bridge"
	"github.com/LupusDei/adjutant/internal/bus"
	"github.com/LupusDei/adjutant/internal/config"
	"github.com/LupusDei/adjutant/internal/mcp"
	"github.com/LupusDei/adjutant/internal/project"
	"github.com/LupusDei/adjutant/internal/status"
	"github.com/LupusDei/adjutant/internal/store"
	"github.com/LupusDei/adjutant/internal/tmux"
	"github.com/LupusDei/adjutant/internal/util"
	"github.com/LupusDei/adjutant/internal/web"
	"github.com/LupusDei/adjutant/internal/ws"
)

var (
	serveAddr       string
	serveConfigPath string
	serveMode       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "config file path")
	serveCmd.Flags().StringVar(&serveMode, "mode", "standalone", "deployment mode: standalone | swarm | gastown")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}
	if err := util.EnsureDir(cfg.ProjectsStateDir); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	// Rotate the server log; log output goes to the log file only, not stderr.
	log.SetOutput(&lumberjack.Logger{
		Filename:   cfg.LogPath(),
		MaxSize:    10, // MB
		MaxBackups: 3,
	})
	log.SetPrefix("[adjutant] ")

	b := bus.New(cfg.BusQueueSize)
	defer b.Close()

	st, err := store.Open(cfg.MessageDBPath(), b)
	if err != nil {
		return err
	}
	defer st.Close()

	gateway := beads.NewGateway(cfg.WorkspaceRoot, "adjutant", cfg.BDTimeout(), b)
	gateway.PrefixMap().Start(cfg.PrefixMapRefresh())
	defer gateway.PrefixMap().Stop()

	projects, err := project.Load(cfg.ProjectsPath(), b)
	if err != nil {
		return err
	}

	br, err := bridge.New(tmux.New(), b, bridge.Options{
		StatePath:   cfg.SessionsPath(),
		RingLines:   cfg.SessionOutputRingLines,
		MaxSessions: cfg.MaxTerminalSessions,
	})
	if err != nil {
		return err
	}

	registry := mcp.NewRegistry(b)
	mcpServer := mcp.NewServer(mcp.Deps{
		Store:    st,
		Gateway:  gateway,
		Projects: projects,
		Bridge:   br,
		Registry: registry,
		Bus:      b,
	})

	var provider status.Provider
	switch serveMode {
	case "gastown":
		provider = status.NewGasTown(registry, br)
	case "swarm":
		provider = status.NewSwarm(registry, br, nil, nil)
	default:
		provider = status.NewStandalone(registry, br)
	}

	hub := ws.NewHub(cfg.APIKey, cfg.WSReplayBufferSize)
	go hub.Pump(b)

	api := &web.Server{
		Store:          st,
		Gateway:        gateway,
		Projects:       projects,
		Bridge:         br,
		Registry:       registry,
		Status:         provider,
		Mail:           status.NewStoreTransport(st),
		APIKey:         cfg.APIKey,
		PublicPrefixes: cfg.MCPPublicPrefixes,
	}

	mux := http.NewServeMux()
	api.Routes(mux)
	mux.Handle("/mcp", mcpServer)
	mux.Handle("/ws/chat", hub)
	mux.HandleFunc("GET /api/events", hub.ServeSSE)
	mux.HandleFunc("GET /api/events/poll", hub.ServePoll)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","agents":%d}`, registry.Count())
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.Auth(mux),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %v, shutting down", sig)
		cancel()
	}()

	go func() {
		log.Printf("listening on %s", cfg.Addr)
		fmt.Printf("adjutant listening on %s\n", cfg.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
