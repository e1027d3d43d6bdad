// Package main is the entry point for the arbor binary. It loads a
// declarative resource specification, spiders it into a dataset registry,
// and serves the registry over the compute protocol.
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

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/arbordata/arbor/pkg/config"
	"github.com/arbordata/arbor/pkg/logging"
	"github.com/arbordata/arbor/pkg/server"
	"github.com/arbordata/arbor/pkg/spider"
	"github.com/arbordata/arbor/pkg/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "arbor",
		Short: "Expression compute server for hosted datasets",
	}
	rootCmd.AddCommand(newServeCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve [spec.yaml]",
		Short: "Spider a resource specification and serve it",
		Long: `Reads a YAML resource specification (from the given path, or stdin when
omitted), resolves every named source into a hosted dataset, and starts
the compute server over the resulting registry.

Example:
  arbor serve resources.yaml --port 6363 --ignored-errors unrecognized`,
		Args: cobra.MaximumNArgs(1),
		RunE: runServe,
	}

	serveCmd.Flags().StringP("config", "c", "", "Path to server configuration file (YAML)")
	serveCmd.Flags().IntP("port", "p", config.DefaultPort, "Port number")
	serveCmd.Flags().StringP("host", "H", "127.0.0.1", "Host name. Use 0.0.0.0 to listen on all public IPs")
	serveCmd.Flags().BoolP("follow-links", "l", false, "Follow symbolic links when listing files")
	serveCmd.Flags().StringSliceP("ignored-errors", "e", []string{string(spider.KindUnrecognized)},
		"Resolution error kinds to ignore while spidering (unrecognized, malformed, io, *)")
	serveCmd.Flags().BoolP("hidden", "d", false, "Resolve hidden files")
	serveCmd.Flags().BoolP("debug", "D", false, "Enable debug logging")
	serveCmd.Flags().Bool("retry", false, "Retry on the next port when the configured one is busy")
	serveCmd.Flags().Bool("watch", false, "Watch the specification file and merge changes into the registry")

	return serveCmd
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("retry") {
		cfg.Server.Retry, _ = cmd.Flags().GetBool("retry")
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Logging.Level = "debug"
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	ctx := cmd.Context()
	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "arbor",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("failed to shut down tracing", "error", err)
		}
	}()

	walkOpts := walkOptionsFromFlags(cmd)

	var specReader io.Reader = os.Stdin
	specPath := ""
	if len(args) == 1 {
		specPath = args[0]
		f, err := os.Open(specPath)
		if err != nil {
			return fmt.Errorf("open spec: %w", err)
		}
		defer f.Close()
		specReader = f
	}

	datasets, err := spider.FromYAML(specReader, walkOpts)
	if err != nil {
		return fmt.Errorf("resolve resources: %w", err)
	}
	logger.Info("resources resolved", "count", len(datasets.Names()))

	srv, err := server.New(server.Options{
		Registry: datasets,
		Profiling: server.ProfileConfig{
			Allowed:   cfg.Profiling.Allowed,
			Output:    cfg.Profiling.Output,
			ByDefault: cfg.Profiling.ByDefault,
		},
		Resolve:        spider.Resolve,
		ComputeTimeout: cfg.Compute.Timeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	if watch, _ := cmd.Flags().GetBool("watch"); watch && specPath != "" {
		watcher, err := spider.NewWatcher(specPath, datasets, walkOpts, logger)
		if err != nil {
			return fmt.Errorf("create spec watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("start spec watcher: %w", err)
		}
		defer func() {
			if err := watcher.Stop(); err != nil {
				logger.Error("failed to stop spec watcher", "error", err)
			}
		}()
	}

	return serve(ctx, cfg, srv.Handler(), logger)
}

func walkOptionsFromFlags(cmd *cobra.Command) spider.WalkOptions {
	followLinks, _ := cmd.Flags().GetBool("follow-links")
	hidden, _ := cmd.Flags().GetBool("hidden")
	ignoredNames, _ := cmd.Flags().GetStringSlice("ignored-errors")
	ignored := make([]spider.ErrorKind, len(ignoredNames))
	for i, name := range ignoredNames {
		ignored[i] = spider.ErrorKind(name)
	}
	return spider.WalkOptions{
		Ignore:      ignored,
		FollowLinks: followLinks,
		Hidden:      hidden,
	}
}

// serve binds the listener, retrying successive ports when asked to, and
// blocks until the process is signalled.
func serve(ctx context.Context, cfg *config.Config, handler http.Handler, logger *slog.Logger) error {
	port := cfg.Server.Port
	var listener net.Listener
	for {
		addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprint(port))
		var err error
		listener, err = net.Listen("tcp", addr)
		if err == nil {
			break
		}
		if !cfg.Server.Retry || port >= 65535 {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		logger.Warn("port busy, retrying on the next one", "port", port, "error", err)
		port++
	}

	httpServer := &http.Server{
		Handler:           otelhttp.NewHandler(handler, "arbor"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", listener.Addr().String())
		errCh <- httpServer.Serve(listener)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
