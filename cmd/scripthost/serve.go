package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/scripthost"
	"github.com/loykin/scripthost/internal/logger"
)

// extra time on top of the grace period for jobs to stop on shutdown
const shutdownSlack = 30 * time.Second

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the scripthost daemon",
		Long: `Start the daemon. It supervises the jobs in data_dir and accepts
requests over the HTTP API ([server]) and the spool directory ([spool]).

Examples:
  scripthost serve                     # Start daemon (uses --config)
  scripthost serve scripthost.toml     # Start with specific config file
  scripthost serve --daemonize --pidfile=/run/scripthost.pid --logfile=/var/log/scripthost.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServeCommand(cmd.Context(), serveFlags)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")

	return cmd
}

func runServeCommand(ctx context.Context, flags *ServeFlags) error {
	if flags.ConfigPath == "" {
		return errors.New("config file required for serve command. Use --config=scripthost.toml or provide as argument")
	}
	cfg, err := scripthost.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if !cfg.Server.Enabled && !cfg.Spool.Enabled {
		return errors.New("nothing to serve: enable [server] or [spool] in the config")
	}

	if flags.Daemonize {
		pid, err := daemonize(flags.PidFile, flags.LogFile)
		if err != nil {
			return err
		}
		fmt.Printf("Daemon started with PID %d\n", pid)
		return nil
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	log, closer, err := logger.New(cfg.LoggerOptions())
	if err != nil {
		return fmt.Errorf("error creating logger: %w", err)
	}
	defer func() { _ = closer.Close() }()
	return serve(ctx, cfg, log)
}

// serve runs the daemon until ctx is cancelled, then stops every front end,
// the running jobs and the history sinks, in that order.
func serve(ctx context.Context, cfg *scripthost.Config, log *slog.Logger) error {
	if cfg.Metrics.Enabled {
		if err := scripthost.RegisterMetricsDefault(); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
	}

	m, err := scripthost.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	stopCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.WithoutCancel(ctx), cfg.Supervisor.GracePeriod+shutdownSlack)
	}

	var servers []*http.Server
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		ms := scripthost.NewMetricsServer(cfg.Metrics.Listen)
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", "listen", cfg.Metrics.Listen, "error", err)
			}
		}()
		servers = append(servers, ms)
	}
	if cfg.Server.Enabled {
		srv, err := scripthost.NewHTTPServer(cfg, m, log)
		if err != nil {
			sctx, cancel := stopCtx()
			defer cancel()
			return errors.Join(err, m.Close(sctx))
		}
		servers = append(servers, srv)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Run(gctx) })

	var sp *scripthost.Spool
	if cfg.Spool.Enabled {
		sp, err = scripthost.OpenSpool(cfg, log)
		if err != nil {
			log.Error("failed to open spool", "dir", cfg.SpoolDir(), "error", err)
		} else {
			g.Go(func() error { return scripthost.Serve(gctx, sp, sp, m, log) })
			log.Info("spool ready", "inbox", sp.Inbox(), "outbox", sp.Outbox())
		}
	}

	log.Info("scripthost started", "data_dir", cfg.DataDir, "server", cfg.Server.Enabled, "spool", sp != nil)
	<-gctx.Done()
	log.Info("scripthost shutting down")

	sctx, cancel := stopCtx()
	defer cancel()
	var errs []error
	for _, s := range servers {
		if err := s.Shutdown(sctx); err != nil {
			errs = append(errs, err)
		}
	}
	if sp != nil {
		errs = append(errs, sp.Close())
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	errs = append(errs, m.Close(sctx))
	return errors.Join(errs...)
}
