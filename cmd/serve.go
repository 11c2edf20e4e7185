package cmd

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/minicore/cpucore/batch"
	"github.com/minicore/cpucore/envconfig"
	"github.com/minicore/cpucore/logutil"
	"github.com/minicore/cpucore/server"
	"github.com/minicore/cpucore/shadow"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the scheduler step loop and serve the HTTP surface",
	Args:    cobra.ExactArgs(0),
	RunE:    RunServer,
}

func init() {
	serveCmd.SetUsageTemplate(serveCmd.UsageTemplate() + `
Environment Variables:

    CPUCORE_HOST                  The host:port to bind to (default "127.0.0.1:11535")
    CPUCORE_WORKER_URL            The GPU worker's step endpoint
    CPUCORE_PAGE_SIZE             Tokens per KV block
    CPUCORE_TOKEN_BUDGET          Maximum slots emitted per scheduler step
    CPUCORE_CHUNK_CAP             Maximum prefill slots admitted per request per step
    CPUCORE_MAX_RUNNING_REQUESTS  Maximum concurrently admitted requests
    CPUCORE_SHADOW_ENABLED        Run the shadow batch builder alongside the primary
`)
	rootCmd.AddCommand(serveCmd)
}

func RunServer(cmd *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if envconfig.Debug {
		level = slog.LevelDebug
	}
	log := logutil.NewLogger(os.Stderr, level)

	cfg := server.Config{
		PageSize:           envconfig.PageSize,
		TokenBudget:        envconfig.TokenBudget,
		PerRequestChunkCap: envconfig.PerRequestChunkCap,
		MaxRunningRequests: envconfig.MaxRunningRequests,
		EOSToken:           0,
	}

	builder := &shadow.Comparator{
		Primary:  shadow.BuilderFunc(batch.Build),
		Shadow:   shadow.BuilderFunc(batch.Build),
		EveryN:   envconfig.ShadowEveryN,
		MaxDiffs: envconfig.ShadowMaxDiffs,
		Enabled:  envconfig.ShadowEnabled,
		Logger:   log,
	}
	if envconfig.ShadowReportPath != "" {
		f, err := os.OpenFile(envconfig.ShadowReportPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open shadow report: %w", err)
		}
		defer f.Close()
		builder.ReportWriter = f
	}

	exec := server.NewHTTPExecutor(envconfig.WorkerURL, http.DefaultClient)

	sched := server.New(cfg, builder, exec, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- sched.Run(ctx)
	}()

	httpServer := &http.Server{
		Addr:    envconfig.Host,
		Handler: server.NewHTTPHandler(sched),
	}
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	log.Info("listening", "addr", envconfig.Host, "worker", envconfig.WorkerURL)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}

	return <-errCh
}
