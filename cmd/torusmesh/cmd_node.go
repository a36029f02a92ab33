package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shurlinet/torusmesh/internal/config"
	"github.com/shurlinet/torusmesh/internal/daemon"
	"github.com/shurlinet/torusmesh/internal/watchdog"
	"github.com/shurlinet/torusmesh/pkg/p2pnet"
)

// iceProbeTimeout bounds one reachability probe of the ICE servers.
const iceProbeTimeout = 5 * time.Second

func runNode(args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := doNode(ctx, args, os.Stdout, os.Stderr); err != nil {
		fatal("Error: %v", err)
	}
}

func doNode(ctx context.Context, args []string, stdout, logOut io.Writer) error {
	fs := flag.NewFlagSet("node", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	urlFlag := fs.String("rendezvous", "", "rendezvous URL (overrides rendezvous.url)")
	apiFlag := fs.String("api", "", "enable the admin API on this address (overrides api.*)")
	lf := addLogFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger, err := lf.logger(logOut)
	if err != nil {
		return err
	}

	cfgFile, err := resolveConfigFile(*configFlag, config.RoleNode)
	if err != nil {
		return err
	}
	cfg, err := config.LoadNodeConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if *urlFlag != "" {
		cfg.Rendezvous.URL = *urlFlag
	}
	if *apiFlag != "" {
		cfg.API.Enabled = true
		cfg.API.ListenAddress = *apiFlag
	}
	if err := config.ValidateNodeConfig(cfg); err != nil {
		return err
	}
	saveLastGood(cfgFile, logger)

	metrics := p2pnet.NewMetrics(version, runtime.Version())
	coord := p2pnet.NewCoordinator(p2pnet.NewWebRTCFactory(cfg.WebRTC.ICEServers), nodeOptions(cfg, logger, metrics))

	var ice atomic.Pointer[p2pnet.ICEProbeResult]
	wd := watchdog.New(cfg.Watchdog.Interval, logger, nodeChecks(coord)...)
	if cfg.API.Enabled {
		api := daemon.NewServer(daemon.Options{
			Role:    string(config.RoleNode),
			Version: version,
			Status: func() any {
				st := coord.Status()
				st.ICE = ice.Load()
				return st
			},
			Health:  func() error { return wd.Probe(context.Background()) },
			Metrics: metrics,
			Logger:  logger,
		})
		if err := api.Start(cfg.API.ListenAddress); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			api.Stop(stopCtx)
		}()
	}

	conn, err := p2pnet.DialRendezvous(ctx, cfg.Rendezvous.URL)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "torusmesh node %s joined %s\n", version, cfg.Rendezvous.URL)

	if err := watchdog.Ready(); err != nil {
		logger.Warn("watchdog: sd_notify ready failed", "error", err)
	}
	wdCtx, wdCancel := context.WithCancel(ctx)
	defer wdCancel()
	go wd.Run(wdCtx)

	// Probe the ICE servers now and again whenever the host's addresses
	// change; the last result is served on /v1/status.
	probe := func() {
		probeCtx, cancel := context.WithTimeout(wdCtx, iceProbeTimeout)
		defer cancel()
		ice.Store(p2pnet.ProbeICEServers(probeCtx, cfg.WebRTC.ICEServers, logger, metrics))
	}
	watcher := p2pnet.NewNetWatcher(func(p2pnet.AddrChange) { probe() }, logger, metrics)
	var bg sync.WaitGroup
	defer bg.Wait()
	bg.Go(probe)
	bg.Go(func() { watcher.Run(wdCtx) })

	go func() {
		select {
		case <-coord.Ready():
			rank, _ := coord.Rank()
			fmt.Fprintf(stdout, "mesh ready: rank %d\n", rank)
		case <-wdCtx.Done():
		}
	}()

	err = coord.Run(ctx, conn)
	watchdog.Stopping()
	wdCancel()
	return err
}

// nodeOptions maps the file's settings onto coordinator options. In the
// file a zero max_retries means "never retry" and a zero debug_interval
// means "off"; Options spells both as negative.
func nodeOptions(cfg *config.NodeConfig, logger *slog.Logger, metrics *p2pnet.Metrics) p2pnet.Options {
	m := cfg.Mesh
	opts := p2pnet.Options{
		ClientKind:          cfg.Rendezvous.ClientKind,
		MaxRetries:          m.MaxRetries,
		RetryDelay:          m.RetryDelay,
		ConnectionTimeout:   m.ConnectionTimeout,
		ICEGatheringTimeout: m.ICEGatheringTimeout,
		PingInterval:        m.PingInterval,
		WorkerPoolSize:      m.WorkerPoolSize,
		DebugInterval:       m.DebugInterval,
		Logger:              logger,
		Metrics:             metrics,
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = -1
	}
	if opts.DebugInterval == 0 {
		opts.DebugInterval = -1
	}
	return opts
}

func nodeChecks(coord *p2pnet.Coordinator) []watchdog.Check {
	return []watchdog.Check{
		{
			Name: "coordinator",
			Fn: func(context.Context) error {
				if coord.State() == p2pnet.StateDisconnecting {
					return errors.New("node is disconnecting")
				}
				return nil
			},
		},
		{
			Name: "neighbors",
			Fn: func(context.Context) error {
				st := coord.Status()
				if st.Rank == nil {
					return errors.New("no rank assigned yet")
				}
				if len(st.Connected) < st.Expected {
					return fmt.Errorf("%d of %d neighbor links open", len(st.Connected), st.Expected)
				}
				return nil
			},
		},
	}
}
