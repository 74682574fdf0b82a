package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/summitlink/syncd/internal/api"
	"github.com/summitlink/syncd/internal/cache"
	"github.com/summitlink/syncd/internal/config"
	"github.com/summitlink/syncd/internal/control"
	"github.com/summitlink/syncd/internal/dispatch"
	"github.com/summitlink/syncd/internal/mutation"
	"github.com/summitlink/syncd/internal/netmon"
	"github.com/summitlink/syncd/internal/reconcile"
	"github.com/summitlink/syncd/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the syncd daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running syncd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopDaemon()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "syncd.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// datasetInvalidations maps each operation type to the cached dataset keys
// its success makes stale. Thread invalidation for messages is handled
// inside the invalidator from the payload's conversation id.
func datasetInvalidations() map[mutation.Type][]string {
	return map[mutation.Type][]string{
		mutation.TypeQRScan:           {"network:connections"},
		mutation.TypeCreateConnection: {"network:connections"},
		mutation.TypeMessage:          {"messages:conversations"},
		mutation.TypeRSVP:             {"schedule:sessions"},
		mutation.TypeRSVPDelete:       {"schedule:sessions"},
		mutation.TypeConnectionNote:   {"network:connections"},
		mutation.TypeConnectionUpdate: {"network:connections"},
	}
}

func runDaemon() error {
	fmt.Fprintf(os.Stderr, "syncd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to double-start. Check the health endpoint before clobbering
	// the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("syncd is already running (PID %d)", pid)
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}
		printWarning("syncd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("daemon already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Wire the sync engine: API client → dispatcher → reconciler, with the
	// monitor triggering a pass on every offline→online edge.
	client := api.NewWithTimeout(cfg.API.BaseURL, cfg.API.Token, time.Duration(cfg.API.TimeoutSeconds)*time.Second)
	dispatcher := dispatch.New(store, client)
	invalidator := cache.NewInvalidator(store, datasetInvalidations())
	reconciler := reconcile.New(store, dispatcher, invalidator, cfg.Sync.MaxAttempts)

	monitor := netmon.New(true, func() {
		go reconciler.Run(ctx)
	})

	// Drain whatever survived a previous session.
	go reconciler.Run(ctx)

	// Read path for the main screens, plus an opportunistic warm-up.
	reads := cache.New(store)
	datasets := map[string]cache.FetchFn{
		"schedule:sessions":      func(ctx context.Context) (json.RawMessage, error) { return client.ListSessions(ctx) },
		"network:connections":    func(ctx context.Context) (json.RawMessage, error) { return client.ListConnections(ctx) },
		"messages:conversations": func(ctx context.Context) (json.RawMessage, error) { return client.ListConversations(ctx) },
	}
	go func() {
		if err := reads.WarmUp(ctx, datasets); err != nil {
			slog.Warn("cache warm-up incomplete", "error", err)
		}
	}()

	handler := control.NewHandler(control.Deps{
		Store:      store,
		Monitor:    monitor,
		Reconciler: reconciler,
		Token:      cfg.Server.Token,
		Reads:      reads,
		Datasets:   datasets,
		ThreadFetch: func(conversationID string) cache.FetchFn {
			return func(ctx context.Context) (json.RawMessage, error) {
				return client.GetThread(ctx, conversationID)
			}
		},
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start control server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "syncd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("syncd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop syncd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to syncd (PID %d)", pid)
	return nil
}
