package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/pagesense/server/api"
	"github.com/pagesense/server/collab"
	"github.com/pagesense/server/coordinator"
	"github.com/pagesense/server/logger"
	"github.com/pagesense/server/middleware"
	"github.com/pagesense/server/session"
	"github.com/pagesense/server/startup"
	"github.com/pagesense/server/watch"
	"github.com/pagesense/server/ws"
)

var version = "dev"

func newHandler(token string, coord *coordinator.Coordinator, wsHandler *ws.RPCHandler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle("GET /ws", wsHandler)

	api.NewChatHandler(coord).Register(mux)

	return middleware.Auth(token)(mux)
}

func main() {
	portFlag := flag.Int("port", 0, "server port (default 8080)")
	tokenFlag := flag.String("auth-token", "", "surface authentication token (required)")
	devModeFlag := flag.Bool("dev", false, "enable development mode")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("pagesense %s\n", version)
		os.Exit(0)
	}

	port := "8080"
	if *portFlag != 0 {
		port = strconv.Itoa(*portFlag)
	} else if envPort := os.Getenv("SERVER_PORT"); envPort != "" {
		port = envPort
	}

	token := *tokenFlag
	if token == "" {
		token = os.Getenv("AUTH_TOKEN")
	}
	if token == "" {
		slog.Error("AUTH_TOKEN is required (use --auth-token flag or AUTH_TOKEN env)")
		os.Exit(1)
	}

	devMode := *devModeFlag || os.Getenv("DEV_MODE") == "true"

	dataDir := ".pagesense"
	if envDataDir := os.Getenv("DATA_DIR"); envDataDir != "" {
		dataDir = envDataDir
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		slog.Error("failed to resolve data directory", "error", err)
		os.Exit(1)
	}
	dataDir = absDataDir
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		slog.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		DataDir: dataDir,
		DevMode: devMode,
	})

	backendURL := os.Getenv("BACKEND_URL")
	if backendURL == "" {
		slog.Error("BACKEND_URL is required")
		os.Exit(1)
	}
	backendToken := os.Getenv("BACKEND_TOKEN")
	if backendToken == "" {
		slog.Warn("BACKEND_TOKEN is empty; generation requests will fail until a credential is provided")
	}

	backendTimeout := 60 * time.Second
	if env := os.Getenv("BACKEND_TIMEOUT"); env != "" {
		if d, err := time.ParseDuration(env); err == nil {
			backendTimeout = d
		} else {
			slog.Warn("invalid BACKEND_TIMEOUT, using default", "value", env, "default", backendTimeout)
		}
	}

	// Initialize session store
	store, err := session.NewFileStore(dataDir)
	if err != nil {
		slog.Error("failed to initialize session store", "error", err)
		os.Exit(1)
	}

	backend := collab.NewClient(backendURL, backendToken, backendTimeout)
	coord := coordinator.New(store, coordinator.Collaborators{
		Extractor:  backend,
		Summarizer: backend,
		Answerer:   backend,
		Chats:      backend,
	})
	if err := coord.Startup(); err != nil {
		slog.Error("failed to start coordinator", "error", err)
		os.Exit(1)
	}

	// Pick up out-of-band edits of the state file and rebroadcast.
	stateWatcher := watch.NewStateWatcher(store.StatePath(), func() {
		changed, err := store.ReloadIfChanged()
		if err != nil {
			slog.Error("failed to reload state file", "error", err)
			return
		}
		if changed {
			slog.Info("state file replaced on disk, rebroadcasting")
			coord.Broadcast()
		}
	})
	if err := stateWatcher.Start(); err != nil {
		slog.Error("failed to start state watcher", "error", err)
		os.Exit(1)
	}

	wsHandler := ws.NewRPCHandler(token, version, devMode, coord)
	handler := newHandler(token, coord, wsHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler,
	}

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		stateWatcher.Stop()
		coord.Shutdown()
		close(shutdownDone)
	}()

	startup.PrintBanner(startup.BannerOptions{
		Version:  version,
		LocalURL: "http://localhost:" + port,
		DataDir:  dataDir,
	})
	startup.PrintFooter()

	slog.Info("server starting", "port", port, "dataDir", dataDir, "backendUrl", backendURL, "devMode", devMode)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	<-shutdownDone
	slog.Info("server stopped")
}
