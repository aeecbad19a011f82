package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"

	"reprapctl/internal/config"
	"reprapctl/internal/controller"
	"reprapctl/internal/dropwatch"
	"reprapctl/internal/httpserver"
	"reprapctl/internal/panel"
	"reprapctl/internal/raftnode"
)

func main() {
	configPath := flag.String("config", "reprapctl.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		hclog.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "reprapctl",
		Level:      hclog.LevelFromString(cfg.Log.Level),
		JSONFormat: cfg.Log.JSON,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger hclog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// In-memory metrics, dumped to stderr on SIGUSR1 and served on /metrics.
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(sink)
	metricsConf := metrics.DefaultConfig("reprapctl")
	metricsConf.EnableHostname = false
	if _, err := metrics.NewGlobal(metricsConf, sink); err != nil {
		return err
	}

	// Settings store and job journal
	node, err := raftnode.NewRaftNode(raftnode.Config{
		NodeID:      cfg.Store.NodeID,
		DataDir:     cfg.Store.DataDir,
		BindAddress: cfg.Store.Bind,
		Bootstrap:   cfg.Store.Bootstrap,
	}, cfg.Settings, logger.Named("store"))
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("shutting down store")
		if err := node.Shutdown(); err != nil {
			logger.Warn("store shutdown", "error", err)
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = node.WaitForLeader(waitCtx)
	cancel()
	if err != nil {
		return err
	}

	client, err := controller.NewClient(cfg.Controller.URL, cfg.Controller.Timeout, logger.Named("controller"))
	if err != nil {
		return err
	}

	engine := panel.New(client, node, node, panel.Options{
		Stream:         cfg.Stream,
		LayerLogSize:   cfg.Panel.LayerLogSize,
		MessageLogSize: cfg.Panel.MessageLogSize,
		Logger:         logger.Named("panel"),
	})
	server := httpserver.New(engine, node, sink, logger.Named("http"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return server.ListenAndServe(ctx, cfg.HTTP.Listen) })
	if cfg.Drop.Dir != "" {
		watcher := dropwatch.New(cfg.Drop.Dir, cfg.Drop.Settle, engine, logger.Named("dropwatch"))
		g.Go(func() error { return watcher.Run(ctx) })
	}
	if cfg.Panel.AutoConnect {
		g.Go(func() error {
			if err := engine.Connect(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("auto-connect failed", "error", err)
			}
			return nil
		})
	}

	logger.Info("panel running", "controller", cfg.Controller.URL, "listen", cfg.HTTP.Listen)
	err = g.Wait()
	logger.Info("shutting down")
	return err
}
