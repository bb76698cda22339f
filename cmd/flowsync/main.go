package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/flowsync/internal/api"
	"github.com/rendis/flowsync/internal/logging"
	"github.com/rendis/flowsync/internal/relay"
	"github.com/rendis/flowsync/internal/store"
	flowsyncmcp "github.com/rendis/flowsync/pkg/mcp"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/flowsync/
var version = "dev"

func main() {
	if err := newRootCmd(os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app carries what every command needs once the configuration is loaded.
type app struct {
	settingsFile string
	envFile      string
	logLevel     string

	cfg    Config
	level  *slog.LevelVar
	logger *slog.Logger
	logOut io.Writer
}

func (a *app) load() (Config, error) {
	return loadConfig(a.settingsFile, a.envFile)
}

func (a *app) init() error {
	cfg, err := a.load()
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg
	a.level = new(slog.LevelVar)
	a.level.Set(logging.ParseLevel(cfg.LogLevel))
	a.logger = logging.New(a.logOut, a.level)
	return nil
}

// openStore opens and migrates the configured database.
func (a *app) openStore(ctx context.Context) (*store.LibSQLStore, error) {
	if !strings.Contains(a.cfg.DBPath, "://") {
		path := strings.TrimPrefix(a.cfg.DBPath, "file:")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.NewLibSQLStore(a.cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	a := &app{logOut: logOut}

	root := &cobra.Command{
		Use:           "flowsync",
		Short:         "Collaborative diagram sync relay and diagram API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVar(&a.settingsFile, "config", settingsPath(), "settings file (YAML or JSON)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file layered below the environment")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level override: debug|info|warn|error")

	root.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newCompactCmd(a),
		newMCPCmd(a),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync relay and the diagram REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				a.cfg.ListenAddr = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides listen_addr)")
	return cmd
}

func newMigrateCmd(a *app) *cobra.Command {
	var vacuum bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if vacuum {
				if err := st.Vacuum(cmd.Context()); err != nil {
					return fmt.Errorf("vacuum: %w", err)
				}
			}
			a.logger.Info("database ready", slog.String("db_path", a.cfg.DBPath), slog.Bool("vacuumed", vacuum))
			return nil
		},
	}
	cmd.Flags().BoolVar(&vacuum, "vacuum", false, "reclaim free pages after migrating")
	return cmd
}

func newCompactCmd(a *app) *cobra.Command {
	var diagramID string
	var minRows int
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Fold update logs into single snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			cfg := a.cfg.Compaction
			if minRows > 0 {
				cfg.MinRows = minRows
			}
			c := relay.NewCompactor(st, cfg, relay.NewMetrics(), a.logger)
			if diagramID == "" {
				return c.Run(ctx)
			}
			res, err := c.CompactDiagram(ctx, diagramID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&diagramID, "diagram", "", "compact only this diagram and print the result")
	cmd.Flags().IntVar(&minRows, "min-rows", 0, "only compact logs with at least this many rows")
	return cmd
}

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the diagram tools to an agent over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			// With redis_url set, imports reach editors connected to a running relay.
			hub, closeHub, err := openHub(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeHub()

			svc, err := api.NewService(st, hub, a.logger)
			if err != nil {
				return err
			}
			flowsyncmcp.Version = version
			srv := flowsyncmcp.NewFlowsyncServer(flowsyncmcp.ServerDeps{Service: svc, Logger: a.logger})
			a.logger.Info("mcp server ready", slog.String("db_path", a.cfg.DBPath))
			return srv.Serve(ctx)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
