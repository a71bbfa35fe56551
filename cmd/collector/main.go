// The collector binary runs the ingestion side of the relay: one
// supervised collector per configured network, writing envelopes to the
// event bus.
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

	"dexrelay/internal/manager"
	"dexrelay/internal/obs"
	"dexrelay/internal/ops"

	"github.com/yanun0323/logs"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("collector: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.json", "path to JSON config")
	metricsAddr := flag.String("metrics-addr", "", "metrics/health listen address (overrides config)")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		return err
	}

	log, err := loaded.OpenBus()
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := manager.New(loaded.Manager, log)

	addr := loaded.Server.MetricsAddr
	if *metricsAddr != "" {
		addr = *metricsAddr
	}
	if addr != "" {
		go serveOps(ctx, addr, m)
	}

	logs.Infof("collector: starting %d network feeds (bus=%s)", loaded.Registry.NetworkCount(), loaded.Bus.Backend)
	return m.Run(ctx, loaded.Registry)
}

// serveOps exposes /metrics and /healthz for the collector process.
func serveOps(ctx context.Context, addr string, m *manager.Manager) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"collectors": m.Health(),
			"queueDrops": m.QueueDrops(),
		})
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logs.Infof("collector: ops endpoint on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logs.Errorf("collector: ops endpoint: %v", err)
	}
}
