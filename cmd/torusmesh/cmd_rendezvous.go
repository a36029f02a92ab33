package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/shurlinet/torusmesh/internal/config"
	"github.com/shurlinet/torusmesh/internal/daemon"
	"github.com/shurlinet/torusmesh/internal/watchdog"
	"github.com/shurlinet/torusmesh/pkg/rendezvous"
)

// shutdownGrace bounds how long in-flight HTTP requests get on shutdown.
const shutdownGrace = 5 * time.Second

func runRendezvous(args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := doRendezvous(ctx, args, os.Stdout, os.Stderr); err != nil {
		fatal("Error: %v", err)
	}
}

func doRendezvous(ctx context.Context, args []string, stdout, logOut io.Writer) error {
	fs := flag.NewFlagSet("rendezvous", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	listenFlag := fs.String("listen", "", "listen address (overrides network.listen_address)")
	auditFlag := fs.Bool("audit", false, "log membership audit events (overrides audit.enabled)")
	lf := addLogFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger, err := lf.logger(logOut)
	if err != nil {
		return err
	}

	cfgFile, err := resolveConfigFile(*configFlag, config.RoleRendezvous)
	if err != nil {
		return err
	}
	cfg, err := config.LoadRendezvousConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if *listenFlag != "" {
		cfg.Network.ListenAddress = *listenFlag
	}
	if *auditFlag {
		cfg.Audit.Enabled = true
	}
	if err := config.ValidateRendezvousConfig(cfg); err != nil {
		return err
	}
	saveLastGood(cfgFile, logger)

	metrics := rendezvous.NewMetrics(version, runtime.Version())
	var audit *rendezvous.AuditLogger
	if cfg.Audit.Enabled {
		audit = rendezvous.NewAuditLogger(logger.Handler())
	}
	srv := rendezvous.NewServer(rendezvous.Config{
		MaxConcurrentRegistrations: cfg.Limits.MaxConcurrentRegistrations,
		MessagesPerSecond:          cfg.Limits.MessagesPerSecond,
		MessageBurst:               cfg.Limits.MessageBurst,
		MaxMessageBytes:            cfg.Limits.MaxMessageBytes,
		SendQueue:                  cfg.Limits.SendQueue,
		Logger:                     logger,
		Metrics:                    metrics,
		Audit:                      audit,
	})

	wd := watchdog.New(cfg.Watchdog.Interval, logger, rendezvousChecks(srv)...)
	api := daemon.NewServer(daemon.Options{
		Role:    string(config.RoleRendezvous),
		Version: version,
		Status:  func() any { return srv.Status() },
		Health:  func() error { return wd.Probe(context.Background()) },
		Metrics: metrics,
		Logger:  logger,
	})

	ln, err := net.Listen("tcp", cfg.Network.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Network.ListenAddress, err)
	}
	httpSrv := &http.Server{
		Handler:           rendezvousMux(cfg.Network.Path, srv, api),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()

	fmt.Fprintf(stdout, "torusmesh rendezvous %s listening on ws://%s%s\n", version, ln.Addr(), cfg.Network.Path)
	logger.Info("rendezvous: listening", "addr", ln.Addr().String(), "path", cfg.Network.Path, "config", describeSource(cfgFile))

	if err := watchdog.Ready(); err != nil {
		logger.Warn("watchdog: sd_notify ready failed", "error", err)
	}
	wdCtx, wdCancel := context.WithCancel(ctx)
	defer wdCancel()
	go wd.Run(wdCtx)

	select {
	case <-ctx.Done():
		logger.Info("rendezvous: shutting down")
	case err := <-serveErr:
		srv.Close()
		return fmt.Errorf("rendezvous server: %w", err)
	}

	watchdog.Stopping()
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// rendezvousMux serves the websocket on path and the admin routes next to
// it on the same listener.
func rendezvousMux(path string, srv http.Handler, api *daemon.Server) *http.ServeMux {
	mux := http.NewServeMux()
	api.Register(mux)
	mux.Handle(path, srv)
	return mux
}

func rendezvousChecks(srv *rendezvous.Server) []watchdog.Check {
	return []watchdog.Check{{
		Name: "accepting",
		Fn: func(context.Context) error {
			if !srv.Accepting() {
				return errors.New("server is closed to new sessions")
			}
			return nil
		},
	}}
}

// saveLastGood records a config file that just passed validation. Running
// on defaults leaves nothing to save.
func saveLastGood(cfgFile string, logger *slog.Logger) {
	if cfgFile == "" {
		return
	}
	if err := config.SaveLastGood(cfgFile); err != nil {
		logger.Warn("config: could not save last-good copy", "error", err)
	}
}
