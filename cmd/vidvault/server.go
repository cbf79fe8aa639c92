package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kalambet/vidvault/internal/api"
	"github.com/kalambet/vidvault/internal/config"
	"github.com/kalambet/vidvault/internal/fetch"
	"github.com/kalambet/vidvault/internal/jobs"
	"github.com/kalambet/vidvault/internal/layout"
	"github.com/kalambet/vidvault/internal/logging"
	"github.com/kalambet/vidvault/internal/resolver"
	"github.com/kalambet/vidvault/internal/storage"
	"github.com/kalambet/vidvault/internal/transcribe"
)

const shutdownTimeout = 10 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the vidvault server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpMode, _ := cmd.Flags().GetBool("mcp")
		skipCheck, _ := cmd.Flags().GetBool("skip-check")
		return runServer(mcpMode, skipCheck)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running vidvault server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vidvault system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
	startCmd.Flags().Bool("skip-check", false, "do not verify the transcriber before starting")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "vidvault.pid")
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

func runServer(mcpMode, skipCheck bool) error {
	fmt.Fprintf(os.Stderr, "vidvault version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return err
	}
	defer logger.Sync()

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return errors.Wrap(err, "initializing API token")
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("vidvault is already running (PID %d)", pid)
			return errors.Newf("server already running (PID %d)", pid)
		}
		printWarning("vidvault is already running on port %d", cfg.Server.Port)
		return errors.Newf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return errors.Wrap(err, "writing PID file")
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transcriber, err := transcribe.New(transcribe.Options{
		Backend:     cfg.Transcriber.Backend,
		FFmpegPath:  cfg.Transcriber.FFmpegPath,
		WhisperPath: cfg.Transcriber.WhisperPath,
		WhisperArgs: cfg.Transcriber.WhisperArgs,
		ModelPath:   cfg.Transcriber.ModelPath,
		APIBase:     cfg.Transcriber.APIBase,
		APIKey:      cfg.Transcriber.APIKey,
		APIModel:    cfg.Transcriber.APIModel,
	}, logger.Named("transcribe"))
	if err != nil {
		return err
	}
	if !skipCheck {
		if err := transcribe.EnsureReady(ctx, transcriber, os.Stderr); err != nil {
			return err
		}
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return errors.Wrap(err, "opening storage")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnw("closing storage", "error", err)
		}
	}()

	jsonDir, videoDir, imageDir := cfg.Storage.ArtifactDirs()
	orch := jobs.New(jobs.Deps{
		Store:       store,
		Resolver:    resolver.NewClientWithBaseURL(cfg.Resolver.APIKey, cfg.Resolver.BaseURL, cfg.Resolver.RatePerSecond, logger.Named("resolver")),
		Fetcher:     fetch.New(&http.Client{}, logger.Named("fetch")),
		Transcriber: transcriber,
		Layout:      layout.New(jsonDir, videoDir, imageDir, cfg.Layout.AuthorAliases),
		Events:      jobs.NewEventBus(0),
		Logger:      logger.Named("jobs"),
	}, jobs.Config{
		Workers:           cfg.Jobs.Workers,
		PollInterval:      cfg.Jobs.PollInterval,
		ResolveTimeout:    cfg.Jobs.ResolveTimeout,
		DownloadTimeout:   cfg.Jobs.DownloadTimeout,
		TranscribeTimeout: cfg.Jobs.TranscribeTimeout,
		Language:          cfg.Transcriber.Language,
	})
	if err := orch.Start(ctx); err != nil {
		return errors.Wrap(err, "starting job workers")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewHandler(api.Deps{
			Service:      orch,
			Token:        apiToken,
			APIKeyHeader: cfg.Server.APIKeyHeader,
			Logger:       logger.Named("api"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if mcpMode {
		startMCP(ctx, orch, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("listening", "addr", addr, "workers", cfg.Jobs.Workers, "transcriber", transcriber.Name())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			stop()
			orch.Wait()
			return errors.Wrap(err, "server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	orch.Wait()
	return err
}

func startMCP(ctx context.Context, svc api.Service, logger *zap.SugaredLogger) {
	mcpSrv := api.NewMCPServer(api.MCPDeps{Service: svc, Version: version})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorw("MCP stdio server error", "error", err)
		}
	}()
	logger.Info("MCP server started (stdio transport)")
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("vidvault is not running (no PID file)")
		return errors.Wrap(err, "not running")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop vidvault (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to vidvault (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	running := false
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var health api.HealthResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&health)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
			if decodeErr == nil {
				printStatus("Running jobs", "%d", health.RunningJobs)
			}
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Transcriber", "%s", cfg.Transcriber.Backend)
	printStatus("Workers", "%d", cfg.Jobs.Workers)

	if running {
		if c, err := newAPIClient(); err == nil {
			for _, state := range []storage.State{storage.StatePending, storage.StateDownloading, storage.StateTranscribing} {
				if n, err := countJobs(ctx, c, state); err == nil {
					printStatus(strings.ToLower(string(state)), "%s", countLabel(n, 500))
				}
			}
		}
	}

	jsonDir, videoDir, imageDir := cfg.Storage.ArtifactDirs()
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("JSON dir", "%s", jsonDir)
	printStatus("Video dir", "%s", videoDir)
	printStatus("Image dir", "%s", imageDir)
	return nil
}

func countJobs(ctx context.Context, c *apiClient, state storage.State) (int, error) {
	resp, err := c.get(ctx, "/jobs?limit=500&state="+string(state))
	if err != nil {
		return 0, err
	}
	var list []jobs.Snapshot
	if err := decodeJSON(resp, &list); err != nil {
		return 0, err
	}
	return len(list), nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
