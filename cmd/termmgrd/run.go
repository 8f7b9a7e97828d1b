package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coneilen/terminal-manager-go/lib/config"
	"github.com/coneilen/terminal-manager-go/lib/discovery"
	"github.com/coneilen/terminal-manager-go/lib/identity"
	"github.com/coneilen/terminal-manager-go/lib/ipc"
	"github.com/coneilen/terminal-manager-go/lib/metrics"
	"github.com/coneilen/terminal-manager-go/lib/peer/manager"
	"github.com/coneilen/terminal-manager-go/lib/store"
	"github.com/coneilen/terminal-manager-go/lib/supervisor"
)

const (
	metricsAddr       = "127.0.0.1:9499"
	metricsPollPeriod = 5 * time.Second
)

var (
	claudeDirFlag  string
	copilotDirFlag string
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runDaemon()
		},
	}
	cmd.Flags().StringVar(&claudeDirFlag, "claude-dir", "", "kind-A config root (default ~/.claude)")
	cmd.Flags().StringVar(&copilotDirFlag, "copilot-dir", "", "kind-B config root (default ~/.copilot)")
	return cmd
}

func runDaemon() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return trace.Wrap(err, "parsing --log-level")
	}
	logrus.SetLevel(level)
	log := logrus.NewEntry(logrus.StandardLogger())

	dir, err := resolveDataDir()
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return trace.Wrap(err, "creating data directory %q", dir)
	}

	cfgPath := configPath
	if cfgPath == "" {
		if cfgPath, err = defaultConfigPath(); err != nil {
			return trace.Wrap(err)
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return trace.Wrap(err, "loading config")
	}

	clock := clockwork.NewRealClock()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	st := store.New(filepath.Join(dir, "sessions.json"), log)
	sup, err := supervisor.New(supervisor.Config{Store: st, Clock: clock, Log: log})
	if err != nil {
		return trace.Wrap(err, "starting supervisor")
	}
	sup.RestoreSessions()
	defer sup.CloseAll()

	idStatus, err := identity.Resolve(dir, log)
	if err != nil {
		return trace.Wrap(err, "resolving identity")
	}

	var mgr *manager.Manager
	if idStatus.Enabled {
		mgr, err = manager.New(manager.Config{
			Identity:       *idStatus.Identity,
			Supervisor:     sup,
			BasePort:       cfg.Peer.BasePort,
			PortProbes:     cfg.Peer.PortProbes,
			BeaconInterval: cfg.Discovery.BeaconInterval,
			HostStaleAfter: cfg.Discovery.HostStaleAfter,
			Metrics:        collector,
			Clock:          clock,
			Log:            log,
		})
		if err != nil {
			return trace.Wrap(err, "starting peer manager")
		}
		if err := mgr.Start(); err != nil {
			return trace.Wrap(err, "starting peer fabric")
		}
		defer mgr.Shutdown()
	}

	claudeDir, copilotDir, err := resolveAssistantDirs()
	if err != nil {
		return trace.Wrap(err)
	}
	watcher, err := discovery.New(discovery.Config{
		ClaudeDir:    claudeDir,
		CopilotDir:   copilotDir,
		IsKnownDir:   knownDirChecker(sup),
		PollInterval: cfg.Discovery.PollInterval,
		Clock:        clock,
		Log:          log,
	})
	if err != nil {
		return trace.Wrap(err, "starting auto-discovery watcher")
	}

	svc, err := ipc.New(ipc.Config{
		Supervisor: sup,
		Watcher:    watcher,
		Manager:    mgr,
		Clock:      clock,
		Log:        log,
	})
	if err != nil {
		return trace.Wrap(err, "starting ipc surface")
	}
	svc.Start()
	defer svc.Stop()

	hostname := "unknown"
	instanceID := "none"
	if idStatus.Enabled {
		hostname = idStatus.Identity.Hostname
		instanceID = idStatus.Identity.InstanceID
	}
	printBanner(instanceID, hostname, idStatus.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		watcher.Run()
		return nil
	})

	g.Go(func() error {
		return reportSessionCounts(gCtx, sup, collector, clock)
	})

	metricsSrv := newMetricsServer(reg)
	g.Go(func() error {
		log.WithField("addr", metricsAddr).Info("metrics server listening")
		return listenAndServe(gCtx, metricsSrv)
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down")
		watcher.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && gCtx.Err() == nil {
		return trace.Wrap(err, "daemon exited with error")
	}
	return nil
}

func resolveAssistantDirs() (claudeDir, copilotDir string, err error) {
	claudeDir = claudeDirFlag
	if claudeDir == "" {
		if claudeDir, err = defaultClaudeDir(); err != nil {
			return "", "", trace.Wrap(err)
		}
	}
	copilotDir = copilotDirFlag
	if copilotDir == "" {
		if copilotDir, err = defaultCopilotDir(); err != nil {
			return "", "", trace.Wrap(err)
		}
	}
	return claudeDir, copilotDir, nil
}

// knownDirChecker reports a working directory as known when any currently
// supervised session already claims it (spec.md §4.6 "working directory
// claim").
func knownDirChecker(sup *supervisor.Supervisor) discovery.KnownDirChecker {
	return func(workingDir string) bool {
		for _, sess := range sup.List() {
			if sess.Metadata.WorkingDir == workingDir {
				return true
			}
		}
		return false
	}
}

// reportSessionCounts periodically mirrors the supervisor's session table
// into the sessions-by-kind gauge; the supervisor itself stays free of any
// metrics dependency.
func reportSessionCounts(ctx context.Context, sup *supervisor.Supervisor, collector *metrics.Collector, clock clockwork.Clock) error {
	ticker := clock.NewTicker(metricsPollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			counts := map[string]int{}
			for _, sess := range sup.List() {
				counts[string(sess.Kind)]++
			}
			for kind, n := range counts {
				collector.Sessions.WithLabelValues(kind).Set(float64(n))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func newMetricsServer(reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, srv *http.Server) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", srv.Addr)
	if err != nil {
		return trace.Wrap(err, "listen on %s", srv.Addr)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return trace.Wrap(err, "serve on %s", srv.Addr)
	}
	return nil
}
