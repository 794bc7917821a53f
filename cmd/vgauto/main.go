// Command vgauto runs the graph automaton over a scanned project, inspects
// persisted state, serves rules to remote automata and replays fixtures.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/graph-automaton/internal/config"
	"github.com/danielpatrickdp/graph-automaton/internal/logging"
	"github.com/danielpatrickdp/graph-automaton/internal/store"
)

// #region globals
var (
	rootDir     string
	configPath  string
	logLevel    string
	metricsAddr string

	cfg    config.Config
	logger zerolog.Logger

	rootCmd = &cobra.Command{
		Use:           "vgauto",
		Short:         "Evolve per-node state over a project graph",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = filepath.Join(rootDir, config.FileName)
			}
			loaded, err := config.LoadOrDefault(path)
			if err != nil {
				return err
			}
			if logLevel != "" {
				lvl, ok := logging.ParseLevel(logLevel)
				if !ok {
					return fmt.Errorf("unknown log level %q", logLevel)
				}
				loaded.Log.Level = lvl
			}
			cfg = loaded
			logger = logging.Init("vgauto", cfg.Log)
			return nil
		},
	}
)

// #endregion globals

// #region main
func main() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "project root holding vg.toml and .self/automaton")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <root>/vg.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level")

	rootCmd.AddCommand(runCmd(), inspectCmd(), serveCmd(), replayCmd(), describeCmd(), cleanCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region helpers
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// projectPath resolves p against the project root.
func projectPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(rootDir, p)
}

func openStore() *store.Store {
	return store.New(rootDir, store.WithLogger(logger))
}

// serveMetrics exposes the Prometheus registry until ctx ends.
func serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")
}

// #endregion helpers
