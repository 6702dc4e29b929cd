// bidid is a WebDriver BiDi-style browser control server: it terminates
// client WebSocket sessions on one side and drives Chromium over the
// DevTools protocol on the other.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"bidid/internal/bctx"
	"bidid/internal/bus"
	"bidid/internal/config"
	"bidid/internal/engine/cdp"
	"bidid/internal/server"
	"bidid/internal/session"
)

var (
	// Global flags
	cfgPath string
	addr    string
	verbose bool

	// Logger
	logger   *zap.Logger
	logLevel zap.AtomicLevel
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "bidid",
	Short: "bidid - BiDi browser control server",
	Long: `bidid exposes a WebDriver BiDi-style command/event protocol over a
WebSocket endpoint and drives a Chromium instance underneath.

Clients create and navigate browsing contexts, subscribe to lifecycle, log
and network events on named channels, and observe milestone ordering exactly
as the wait policy of each command demands.

Run without arguments to start serving.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger, logLevel, err = cfg.Logging.BuildLogger()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

// serveCmd is the explicit form of the default action.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the BiDi server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if verbose {
		logLevel.SetLevel(zapcore.DebugLevel)
	}

	watcher, err := config.NewWatcher(cfgPath, logLevel, logger.Named("config"))
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Start(); err != nil {
		logger.Warn("config watcher disabled", zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	eng, err := cdp.New(cfg.Browser, logger.Named("cdp"))
	if err != nil {
		return fmt.Errorf("browser engine: %w", err)
	}
	defer eng.Close()

	b := bus.New(logger.Named("bus"))
	tree := bctx.New(eng, b, logger.Named("bctx"))
	eng.Start(tree)

	handler := session.NewHandler(tree, logger.Named("session"))
	srv := server.New(cfg.Addr, handler, b, logger.Named("server"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("bidid starting", zap.String("addr", cfg.Addr))
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("bidid stopped")
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "bidid.yaml", "path to the config file")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
