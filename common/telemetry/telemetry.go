package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/weftlabs/weft/common/logger"
	"github.com/weftlabs/weft/common/metrics"
)

// Telemetry holds observability components
type Telemetry struct {
	log         *logger.Logger
	pprofAddr   string
	metricsAddr string

	pprofSrv   *http.Server
	metricsSrv *http.Server
}

// Options selects which telemetry listeners to run.
type Options struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// New creates telemetry components
func New(opts Options, log *logger.Logger) *Telemetry {
	t := &Telemetry{log: log}
	if opts.EnablePprof {
		t.pprofAddr = fmt.Sprintf("localhost:%d", opts.PprofPort)
	}
	if opts.EnableMetrics {
		t.metricsAddr = fmt.Sprintf(":%d", opts.MetricsPort)
	}
	return t
}

// Start starts the enabled telemetry endpoints
func (t *Telemetry) Start(ctx context.Context) error {
	if t.pprofAddr != "" {
		// pprof handlers register themselves on the default mux
		t.pprofSrv = &http.Server{Addr: t.pprofAddr, Handler: http.DefaultServeMux}
		go func() {
			t.log.Info("pprof server starting", "addr", t.pprofAddr)
			if err := t.pprofSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				t.log.Error("pprof server error", "error", err)
			}
		}()
	}

	if t.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		t.metricsSrv = &http.Server{Addr: t.metricsAddr, Handler: mux}
		go func() {
			t.log.Info("metrics server starting", "addr", t.metricsAddr)
			if err := t.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				t.log.Error("metrics server error", "error", err)
			}
		}()
	}

	return nil
}

// Stop shuts down the telemetry listeners.
func (t *Telemetry) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if t.metricsSrv != nil {
		if err := t.metricsSrv.Shutdown(ctx); err != nil {
			t.log.Warn("metrics server shutdown", "error", err)
		}
	}
	if t.pprofSrv != nil {
		if err := t.pprofSrv.Shutdown(ctx); err != nil {
			t.log.Warn("pprof server shutdown", "error", err)
		}
	}
	return nil
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}
