// Package cli provides the command-line interface for kvasir.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/term"

	"github.com/raphaelgruber/kvasir-sync/internal/client"
	"github.com/raphaelgruber/kvasir-sync/internal/config"
	"github.com/raphaelgruber/kvasir-sync/internal/journal"
	"github.com/raphaelgruber/kvasir-sync/internal/metrics"
	"github.com/raphaelgruber/kvasir-sync/internal/tracker"
	"github.com/raphaelgruber/kvasir-sync/internal/transport"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose       bool
	projectFlag   string
	transportFlag string

	cfg    config.Config
	logger *slog.Logger
	app    *runtime
)

// annotationFullscreen marks commands that take over the terminal.
const annotationFullscreen = "fullscreen"

// runtime holds the per-invocation engine components.
type runtime struct {
	client  *client.Client
	tracker *tracker.Tracker
	stats   *metrics.Collector
	journal *journal.Journal
	metrics *http.Server

	closeLog func() error
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "kvasir",
	Short: "Follow kvasir jobs, runs and conversations from the terminal",
	Long: `kvasir keeps a live local view of backend jobs, pipeline and agent runs,
and chat conversations, updated from the backend's push streams.

Configuration comes from KVASIR_* environment variables, a .env file in the
working directory, or a YAML file named by KVASIR_CONFIG.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if projectFlag != "" {
			cfg.Project = projectFlag
		}
		if transportFlag != "" {
			cfg.Transport = transportFlag
		}
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}

		app, err = newRuntime(cmd.Context(), cfg, !fullscreen(cmd))
		return err
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// The runtime is closed on every exit path, including command errors.
func Execute(ctx context.Context) error {
	defer func() {
		if app != nil {
			app.close()
			app = nil
		}
	}()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&projectFlag, "project", "p", "", "project id (overrides KVASIR_PROJECT)")
	rootCmd.PersistentFlags().StringVar(&transportFlag, "transport", "", "push transport: sse or ws (overrides KVASIR_TRANSPORT)")

	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(chatCmd)
}

// fullscreen reports whether cmd will run an interactive view on a terminal.
func fullscreen(cmd *cobra.Command) bool {
	if cmd.Annotations[annotationFullscreen] != "true" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func newRuntime(ctx context.Context, cfg config.Config, console bool) (*runtime, error) {
	l, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel, console)
	logger = l
	r := &runtime{closeLog: closeLog, stats: metrics.NewCollector()}

	var ts oauth2.TokenSource
	if cfg.Token != "" {
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
	}
	r.client = client.New(cfg.APIURL, ts).WithTimeout(cfg.ClientTimeout).WithLogger(logger)

	var dialer transport.Dialer
	switch cfg.Transport {
	case config.TransportWebSocket:
		dialer = &transport.WebSocketDialer{BaseURL: cfg.APIURL, TokenSource: ts}
	default:
		dialer = &transport.SSEDialer{BaseURL: cfg.APIURL, TokenSource: ts}
	}

	opts := tracker.Options{
		Decay:     cfg.Decay,
		Logger:    logger,
		Metrics:   r.stats,
		ProjectID: cfg.Project,
	}
	if cfg.JournalPath != "" {
		j, err := journal.Open(ctx, cfg.JournalPath)
		if err != nil {
			r.close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		r.journal = j
		opts.Journal = j
	}

	if cfg.MetricsAddr != "" {
		if err := r.serveMetrics(cfg.MetricsAddr); err != nil {
			r.close()
			return nil, err
		}
	}

	r.tracker = tracker.New(r.client, dialer, opts)
	logger.Debug("runtime ready", "api", r.client.Endpoint(), "transport", cfg.Transport, "project", cfg.Project)
	return r, nil
}

// serveMetrics exposes the collector on addr/metrics until close.
func (r *runtime) serveMetrics(addr string) error {
	reg := prometheus.NewRegistry()
	r.stats.EnablePrometheus(reg, "kvasir")

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	r.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := r.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
	logger.Info("metrics listening", "addr", ln.Addr().String())
	return nil
}

func (r *runtime) close() {
	if r.tracker != nil {
		r.tracker.Close()
	}
	if r.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = r.metrics.Shutdown(ctx)
		cancel()
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close journal: %v\n", err)
		}
	}
	if logger != nil {
		snap := r.stats.Snapshot()
		logger.Debug("session stats", "counters", snap.Counters, "uptime_s", snap.UptimeSeconds)
	}
	if r.closeLog != nil {
		_ = r.closeLog()
	}
}
