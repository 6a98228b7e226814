package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/minewatch/internal/analysis"
	"github.com/kalambet/minewatch/internal/api"
	"github.com/kalambet/minewatch/internal/config"
	"github.com/kalambet/minewatch/internal/orchestrator"
	"github.com/kalambet/minewatch/internal/overlay"
	"github.com/kalambet/minewatch/internal/poller"
	"github.com/kalambet/minewatch/internal/storage"
)

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow an analysis until it finishes and serve its overlays",
	Long: `Follow an analysis until it finishes and serve its overlays.

While the job runs, overlays are kept in the local store and published on
http://127.0.0.1:<server.port>/overlays as GeoJSON. With --mcp the same view
is exposed to MCP clients over stdio.

Examples:
  minewatch watch 3f2a9c
  minewatch watch 3f2a9c --cancel-on-interrupt
  minewatch watch 3f2a9c --no-server --mcp`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		opts := watchOptions{jobID: args[0], serve: cfg.Server.Enabled}
		if noServer, _ := cmd.Flags().GetBool("no-server"); noServer {
			opts.serve = false
		}
		opts.mcp, _ = cmd.Flags().GetBool("mcp")
		opts.cancelOnInterrupt, _ = cmd.Flags().GetBool("cancel-on-interrupt")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runWatch(ctx, cfg, opts)
	},
}

func init() {
	watchCmd.Flags().Bool("no-server", false, "do not start the local HTTP API")
	watchCmd.Flags().Bool("mcp", false, "serve MCP over stdin/stdout")
	watchCmd.Flags().Bool("cancel-on-interrupt", false, "stop the remote job on Ctrl-C instead of detaching")
}

type watchOptions struct {
	jobID             string
	serve             bool
	mcp               bool
	cancelOnInterrupt bool

	// listener overrides the TCP listener for tests.
	listener net.Listener
	stdin    io.Reader
	stdout   io.Writer
}

func runWatch(ctx context.Context, cfg config.Config, opts watchOptions) error {
	fmt.Fprintf(out, "minewatch version %s\n", version)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	if n, err := store.ClearOverlays(ctx); err != nil {
		return fmt.Errorf("clearing stale overlays: %w", err)
	} else if n > 0 {
		slog.Debug("removed overlays left by a previous run", "count", n)
	}

	apiClient, err := newAPIClient(cfg)
	if err != nil {
		return err
	}

	rec, err := store.StartWatch(ctx, opts.jobID)
	if err != nil {
		return err
	}

	var (
		orch     *orchestrator.Orchestrator
		lastStep = -1
	)
	orch = orchestrator.New(apiClient, store, orchestrator.Options{
		Poll: poller.Options{
			Interval:       cfg.Poll.Interval,
			InitialDelay:   cfg.Poll.InitialDelay,
			RequestTimeout: cfg.API.RequestTimeout,
		},
		SettleDelay: cfg.Poll.SettleDelay,
		Layers: map[overlay.Kind]orchestrator.LayerSettings{
			overlay.KindImagery: {Visible: true, Opacity: cfg.Layers.ImageryOpacity},
			overlay.KindHeatmap: {Visible: true, Opacity: cfg.Layers.HeatmapOpacity},
			overlay.KindPolygon: {Visible: true, Opacity: cfg.Layers.PolygonOpacity},
		},
	}, orchestrator.Events{
		OnProgress: func(percent int, message string) {
			view := orch.View()
			if view.Step != lastStep {
				lastStep = view.Step
				printStep("%s %s", view.StepLabel, progressBar(percent))
			}
			slog.Debug("progress", "job_id", opts.jobID, "percent", percent, "message", message, "elapsed", view.ElapsedText)
		},
		OnComplete: func(snap analysis.Snapshot) {
			printSuccess("Analysis %s complete", opts.jobID)
			printTileSummary(snap)
		},
		OnError: func(message string) {
			printError("Analysis %s failed: %s", opts.jobID, message)
		},
		OnCancelled: func() {
			printWarning("Analysis %s cancelled", opts.jobID)
		},
	})

	// The session outlives ctx so a detach or cancel can still clean up.
	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRun()

	if err := orch.Start(runCtx, opts.jobID); err != nil {
		return err
	}
	printStep("Watching %s on %s", opts.jobID, cfg.API.BaseURL)

	g, gctx := errgroup.WithContext(runCtx)

	var final orchestrator.Progress
	g.Go(func() error {
		defer stopRun()
		select {
		case <-orch.Done():
			final = orch.View()
		case <-ctx.Done():
			final = orch.View()
			if opts.cancelOnInterrupt {
				printStep("Cancelling %s", opts.jobID)
				cctx, cancel := context.WithTimeout(runCtx, cfg.API.RequestTimeout)
				defer cancel()
				if err := orch.Cancel(cctx); err != nil {
					printWarning("stop request failed: %v", err)
				}
				<-orch.Done()
				final = orch.View()
			} else {
				printWarning("Detached from %s; the job keeps running", opts.jobID)
				orch.Close(runCtx)
			}
		case <-gctx.Done():
			final = orch.View()
			orch.Close(runCtx)
		}
		return nil
	})

	if opts.serve {
		token := cfg.Server.Token
		if token == "" {
			if token, err = config.ServerToken(config.NewSecretStore()); err != nil {
				slog.Warn("no server token; mutating routes are disabled", "error", err)
			}
		}
		handler := api.NewAppHandler(api.AppDeps{
			Controller: orch,
			Overlays:   store,
			Watches:    store,
			Token:      token,
		})
		g.Go(func() error { return serveHTTP(gctx, cfg.Server.Port, opts.listener, handler) })
	}

	if opts.mcp {
		stdin, stdout := opts.stdin, opts.stdout
		if stdin == nil {
			stdin = os.Stdin
		}
		if stdout == nil {
			stdout = os.Stdout
		}
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Controller: orch,
			Overlays:   store,
			Watches:    store,
			Version:    version,
		})
		stdio := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			err := stdio.Listen(gctx, stdin, stdout)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	runErr := g.Wait()

	rec.State = final.State
	rec.Percent = final.Percent
	rec.Tiles = final.Tiles
	rec.Detections = final.Detections
	rec.Error = final.Error
	if err := store.FinishWatch(context.WithoutCancel(ctx), rec); err != nil {
		slog.Warn("recording watch outcome", "error", err)
	}

	if runErr != nil {
		return runErr
	}
	if final.State == poller.Failed.String() {
		return fmt.Errorf("analysis %s failed: %s", opts.jobID, final.Error)
	}
	return nil
}

// serveHTTP runs the dashboard API on 127.0.0.1:port until ctx ends.
func serveHTTP(ctx context.Context, port int, ln net.Listener, handler http.Handler) error {
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return fmt.Errorf("listening on port %d: %w", port, err)
		}
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		printStatus("Dashboard API", "http://%s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
