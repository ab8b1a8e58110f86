package core

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/encodeous/strata/impl"
	"github.com/encodeous/strata/state"
	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
)

// Start wires the store together and blocks until shutdown: logger,
// queues, the kvstore root with one executor per area, and the wire
// server on the configured bind address.
func Start(cfg state.LocalCfg, kvCfg state.KvConfig, logLevel slog.Level) error {
	var logOut io.Writer = os.Stderr
	if cfg.LogPath != "" {
		file, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer file.Close()
		logOut = io.MultiWriter(os.Stderr, file)
	}

	logSamples := state.NewReplicateQueue[state.LogSample]()
	logger := slog.New(slogmulti.Fanout(
		tint.NewHandler(logOut, &tint.Options{
			Level:        logLevel,
			TimeFormat:   "15:04:05",
			CustomPrefix: cfg.Id,
		}),
		state.NewLogSampleHandler(logSamples, slog.LevelInfo),
	))

	// in-process queues shared with the external collaborators; in a
	// standalone run nothing feeds the inbound ones
	updates := state.NewReplicateQueue[state.KvStoreUpdate]()
	syncEvents := state.NewReplicateQueue[state.KvStoreSyncEvent]()
	peerUpdates := make(chan state.PeerUpdateEvent)
	kvRequests := make(chan state.KeyValueRequest)

	kv, err := impl.New(logger, cfg, kvCfg, impl.Queues{
		Updates:     updates,
		SyncEvents:  syncEvents,
		LogSamples:  logSamples,
		PeerUpdates: peerUpdates,
		KvRequests:  kvRequests,
	})
	if err != nil {
		return err
	}
	if err := kv.Start(); err != nil {
		return err
	}

	// telemetry samples must always be drained
	go func() {
		for range logSamples.GetReader() {
		}
	}()

	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	srv := impl.NewServer(kv, logger)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe(serveCtx, cfg.Bind.String())
	}()

	logger.Info("strata kvstore has been initialized, send SIGINT or Ctrl+C to exit gracefully")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		logger.Info("received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server terminated", "err", err)
		}
	case <-kv.Done():
	}

	stopServe()
	kv.Stop()
	return nil
}
