// Command graylogd runs the log ingestion server.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kerk1/ThreatHunting-graylog/internal/config"
	"github.com/kerk1/ThreatHunting-graylog/internal/home"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/server"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "graylogd",
		Short:         "Log ingestion server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	rootCmd.PersistentFlags().String("home", "", "data directory (default: node.data_dir, then platform config dir)")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the ingestion server",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeFlag, _ := cmd.Flags().GetString("home")
			configPath, _ := cmd.Flags().GetString("config")
			pprofAddr, _ := cmd.Flags().GetString("pprof")

			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}

			logger, err := newLogger(stderr, cfg.Logging)
			if err != nil {
				return err
			}

			if pprofAddr != "" {
				go func() {
					logger.Info("pprof server listening", "addr", pprofAddr)
					if err := http.ListenAndServe(pprofAddr, nil); err != nil { //nolint:gosec // debug endpoint
						logger.Error("pprof server error", "error", err)
					}
				}()
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, logger, cfg, homeFlag)
		},
	}
	serverCmd.Flags().StringP("config", "c", "", "YAML configuration file (default: built-in defaults)")
	serverCmd.Flags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060); bind to loopback only")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), server.Version)
		},
	}

	rootCmd.AddCommand(serverCmd, versionCmd, newChunkCmd(), newAuthCmd(), newCertCmd())
	return rootCmd
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config, homeFlag string) error {
	if homeFlag == "" {
		homeFlag = cfg.Node.DataDir
	}
	hd, err := resolveHome(homeFlag)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	if err := hd.EnsureExists(); err != nil {
		return err
	}
	logger.Info("home directory", "path", hd.Root())

	srv, err := server.New(server.Config{
		Config: cfg,
		Home:   hd,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// resolveHome returns a Dir from the flag value, or the platform default.
func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}

// newLogger builds the base logger from the logging section.
func newLogger(w io.Writer, lc config.LoggingConfig) (*slog.Logger, error) {
	levels := logging.NewLevels(logging.ParseLevel(lc.Level))
	for component, level := range lc.Components {
		levels.Set(component, logging.ParseLevel(level))
	}
	return logging.New(w, lc.Format, levels)
}
