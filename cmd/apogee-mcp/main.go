// Command apogee-mcp runs the Apogee coordination server: a stdio MCP
// transport for local single-agent use, an HTTP transport for networked
// multi-session use, and a helper to mint development tokens.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/apogee-dev/apogee-mcp/internal/collab"
	"github.com/apogee-dev/apogee-mcp/internal/config"
	"github.com/apogee-dev/apogee-mcp/internal/logging"
	"github.com/apogee-dev/apogee-mcp/internal/policy"
	"github.com/apogee-dev/apogee-mcp/internal/resources"
	"github.com/apogee-dev/apogee-mcp/internal/session"
	"github.com/apogee-dev/apogee-mcp/internal/tools"
	"github.com/apogee-dev/apogee-mcp/internal/transport"
)

var configPath string

// deps is everything both transports need, wired once per process. The
// store is the only state owner; nothing here is a global.
type deps struct {
	cfg      config.Config
	logger   *zap.Logger
	store    *session.Store
	enforcer *policy.Enforcer
	tools    *tools.Handlers
	res      *resources.Handlers
}

func wire() (*deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	store := session.NewStore()
	enforcer := policy.New(cfg.JWTSecret)
	th := tools.New(store, enforcer,
		collab.NewGitVCS(cfg.RepoDir),
		collab.NewLocalCI(cfg.RepoDir),
		collab.StaticMigrator{},
		logger,
	)

	return &deps{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		enforcer: enforcer,
		tools:    th,
		res:      resources.New(store),
	}, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "apogee-mcp",
		Short:        "Coordination server for planner/implementer agent pairs",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(newStdioCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newTokenCmd())
	return root
}

func newStdioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve a single local session over stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := wire()
			if err != nil {
				return err
			}
			defer d.logger.Sync() //nolint:errcheck

			t := transport.NewStdio(d.store, d.enforcer, d.tools, d.res,
				session.AgentRole(d.cfg.DefaultRole), d.logger)
			return t.Serve()
		},
	}
}

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve multi-session coordination over HTTP with SSE push events",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := wire()
			if err != nil {
				return err
			}
			defer d.logger.Sync() //nolint:errcheck

			if port == 0 {
				port = d.cfg.HTTPPort
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			t := transport.NewHTTP(d.store, d.enforcer, d.tools, d.res, d.logger)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return t.ListenAndServe(gctx, port) })
			g.Go(func() error {
				<-gctx.Done()
				d.logger.Info("shutting down", zap.Int("port", port))
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		role      string
		sessionID string
		clientID  string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a 24h development bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !session.AgentRole(role).Valid() {
				return fmt.Errorf("role must be planner or implementer, got %q", role)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			token, err := policy.New(cfg.JWTSecret).IssueDevToken(
				session.AgentRole(role), sessionID, clientID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "implementer", "agent role for the token")
	cmd.Flags().StringVar(&sessionID, "session", "dev-session", "session id for the token")
	cmd.Flags().StringVar(&clientID, "client", "dev-client", "client id for the token")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
