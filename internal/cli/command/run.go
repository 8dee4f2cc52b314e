package command

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/rnode-go/internal/infra/buildinfo"
	"github.com/yndnr/rnode-go/internal/infra/confloader"
	"github.com/yndnr/rnode-go/internal/infra/shutdown"
	"github.com/yndnr/rnode-go/internal/node"
	"github.com/yndnr/rnode-go/internal/node/config"
	"github.com/yndnr/rnode-go/internal/telemetry/logger"
	"github.com/yndnr/rnode-go/internal/telemetry/metric"
)

// DefaultShutdownTimeout bounds the shutdown hooks of the run command.
const DefaultShutdownTimeout = 30 * time.Second

// RunCommand returns the run command.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Connect to the core node and serve the configured mounts",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Usage: "Time allowed for unmounting and closing on shutdown",
				Value: DefaultShutdownTimeout,
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	flags := ParseGlobalFlags(c)
	cfg, err := loadConfig(c, false)
	if err != nil {
		return err
	}
	log, err := initLogger(c, cfg)
	if err != nil {
		return err
	}

	info := buildinfo.Get()
	log.Info("starting rnode-agent",
		"version", info.Version,
		"commit", info.Commit,
		"config", flags.Config)
	log.Debug("effective configuration", "config", config.Sanitize(cfg))

	metrics := metric.NewRegistry()
	opts := nodeOptions(c)
	opts.Logger = log.Slog()
	opts.Metrics = metrics
	n, err := node.New(cfg, opts)
	if err != nil {
		return err
	}
	if err := metrics.Register(sessionCollector(n)); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// Hooks run in reverse: config watcher, node, metrics server.
	handler := shutdown.NewHandler(c.Duration("shutdown-timeout"), log.Slog())

	if cfg.Metrics.Addr != "" {
		srv, err := serveMetrics(cfg.Metrics.Addr, metrics, log)
		if err != nil {
			return err
		}
		handler.OnShutdown("metrics server", srv.Shutdown)
	}

	if err := n.Start(c.Context); err != nil {
		log.Error("startup failed", "error", err)
		handler.Trigger()
		_ = handler.Wait(context.WithoutCancel(c.Context))
		return fmt.Errorf("start node: %w", err)
	}
	handler.OnShutdown("node", n.Stop)

	if flags.Config != "" {
		w, err := watchConfig(flags, cfg, log)
		if err != nil {
			log.Warn("config reload disabled", "error", err)
		} else {
			handler.OnShutdown("config watcher", func(context.Context) error { return w.Stop() })
		}
	}

	log.Info("agent started, press Ctrl+C to stop", "core", cfg.Core.URL, "mounts", len(cfg.Mounts), "clustered", cfg.Cluster.Enabled)
	if err := handler.Wait(c.Context); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}
	log.Info("agent stopped gracefully")
	return nil
}

// sessionCollector samples connection state at scrape time.
func sessionCollector(n *node.Node) *metric.Collector {
	return metric.NewCollector().
		Gauge("session_connected", "Whether the session to the core node is registered.", func() float64 {
			if s := n.Session(); s != nil && s.Connected() {
				return 1
			}
			return 0
		}).
		Gauge("cluster_known_members", "Members reported by the cluster backend.", func() float64 {
			return float64(len(n.Members()))
		})
}

func serveMetrics(addr string, metrics *metric.Registry, log logger.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("metrics listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()
	return srv, nil
}

// watchConfig reloads the config file on change. The log level applies
// immediately; any other change is reported and waits for a restart.
func watchConfig(flags *GlobalFlags, current *config.NodeConfig, log logger.Logger) (*confloader.Watcher, error) {
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(log.Slog()))
	if err != nil {
		return nil, err
	}
	if err := w.Watch(flags.Config); err != nil {
		_ = w.Stop()
		return nil, err
	}

	w.OnChange(func(path string) {
		fresh, err := readConfig(flags)
		if err == nil {
			err = config.Verify(fresh)
		}
		if err != nil {
			log.Warn("config reload rejected", "path", path, "error", err)
			return
		}
		prev := logger.GetLevel()
		logger.SetLevel(fresh.Log.Level)
		if level := logger.GetLevel(); level != prev {
			log.Info("log level changed", "from", prev, "to", level)
		}
		fresh.Log.Level = current.Log.Level
		if !reflect.DeepEqual(fresh, current) {
			log.Warn("config changed, restart to apply", "path", path)
		}
	})
	w.StartAsync()
	return w, nil
}
