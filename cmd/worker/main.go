package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/weftlabs/weft/cmd/worker/client"
	"github.com/weftlabs/weft/cmd/worker/executor"
	"github.com/weftlabs/weft/common/bootstrap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The worker owns no database or Redis connection; everything it needs
	// flows over the gateway session.
	components, err := bootstrap.Setup(ctx, "worker",
		bootstrap.WithoutDB(), bootstrap.WithoutRedis())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	cfg := components.Config.Worker
	execs := buildExecutors(cfg.Capabilities, cfg.HTTPAllowPrivate)

	w := client.New(&client.Opts{
		Config:    cfg,
		Executors: execs,
		Logger:    components.Logger,
	})

	components.Logger.Info("worker starting",
		"worker", w.Name(),
		"gateway", cfg.GatewayURL,
		"queue", cfg.Queue,
		"node_types", execs.Kinds(),
		"concurrency", cfg.Concurrency,
	)

	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			components.Logger.Error("worker failed", "error", err)
			os.Exit(1)
		}
		components.Logger.Info("worker session ended")
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errChan
	}

	components.Logger.Info("worker shut down gracefully")
}

// buildExecutors assembles the node-type registry, filtered to the
// configured capabilities when any are named.
func buildExecutors(capabilities []string, httpAllowPrivate bool) *executor.Registry {
	all := []executor.Executor{
		executor.Constant{},
		executor.Sleep{},
		executor.Transform{},
		executor.HTTP{AllowPrivate: httpAllowPrivate},
	}
	if len(capabilities) == 0 {
		return executor.NewRegistry(all...)
	}
	wanted := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		wanted[c] = true
	}
	var picked []executor.Executor
	for _, e := range all {
		if wanted[e.Kind()] {
			picked = append(picked, e)
		}
	}
	return executor.NewRegistry(picked...)
}
