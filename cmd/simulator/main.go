package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"reprapctl/internal/simulator"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:8081", "address to serve the rr_* API on")
	name := flag.String("name", "simulator", "machine name reported by rr_poll")
	buffer := flag.Int("buffer", 1024, "command buffer size in bytes")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "simulator",
		Level: hclog.LevelFromString(*level),
	})

	opts := simulator.DefaultOptions()
	opts.Name = *name
	opts.BufferSize = *buffer
	opts.Logger = logger

	srv := &http.Server{
		Addr:              *listen,
		Handler:           simulator.New(opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving simulated controller", "addr", *listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
