// The gateway binary runs the distribution side of the relay: a bus
// consumer (aggregator), the dispatcher fan-out loop, and the websocket
// endpoint accepting client sessions.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dexrelay/internal/aggregator"
	"dexrelay/internal/dispatcher"
	"dexrelay/internal/obs"
	"dexrelay/internal/ops"
	"dexrelay/internal/session"
	"dexrelay/internal/store"

	"github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("gateway: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.json", "path to JSON config")
	profileAddr := flag.String("pyroscope", "", "pyroscope server address (empty disables profiling)")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		return err
	}

	if *profileAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "dexrelay.gateway",
			ServerAddress:   *profileAddr,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return err
		}
		defer func() { _ = profiler.Stop() }()
	}

	log, err := loaded.OpenBus()
	if err != nil {
		return err
	}
	defer log.Close()

	var st store.Store
	if loaded.Store != nil {
		pg, err := store.NewPG(*loaded.Store)
		if err != nil {
			return err
		}
		defer pg.Close()
		st = pg
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	disp := dispatcher.New(loaded.Registry, 0)
	go func() { _ = disp.Run(ctx) }()

	agg := aggregator.New(loaded.Aggregator, log, disp, st)
	aggDone := make(chan struct{})
	go func() {
		defer close(aggDone)
		_ = agg.Run(ctx)
	}()

	sessions := session.NewServer(ctx, loaded.Session, loaded.Registry, disp, loaded.Verifier, st)

	mux := http.NewServeMux()
	mux.Handle("/ws", sessions)
	mux.Handle("/metrics", obs.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sessions": disp.SessionCount(),
		})
	})

	srv := &http.Server{Addr: loaded.Server.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logs.Infof("gateway: listening on %s (bus=%s)", loaded.Server.Addr, loaded.Bus.Backend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	sessions.Wait()
	<-aggDone
	return nil
}
