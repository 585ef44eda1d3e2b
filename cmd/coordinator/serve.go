package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/warren/pkg/api"
	"github.com/cuemby/warren/pkg/coordinator"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator daemon",
	Long: `serve starts the coordinator: it opens the bbolt store, starts the
heartbeat and timeout sweeps, and serves health, metrics and queue
endpoints over HTTP until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen-addr", "127.0.0.1:9090", "Address for the HTTP observability server")
}

func runServe(cmd *cobra.Command, args []string) error {
	listenAddr, _ := cmd.Flags().GetString("listen-addr")

	cfg := coordinator.DefaultConfig(dataDir(cmd))
	coord, err := coordinator.New(cfg)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	coord.Start()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("storage", true, "opened")
	metrics.RegisterComponent("distributor", true, "started")
	metrics.RegisterComponent("api", false, "initializing")

	collector := metrics.NewCollector(coord)
	collector.Start()

	server := api.NewServer(coord)
	errCh := make(chan error, 1)
	go func() {
		if err := http.ListenAndServe(listenAddr, server); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	metrics.RegisterComponent("api", true, "ready")

	log.Info(fmt.Sprintf("coordinator listening on %s", listenAddr))
	fmt.Printf("coordinator listening on http://%s\n", listenAddr)
	fmt.Printf("  healthz:     http://%s/healthz\n", listenAddr)
	fmt.Printf("  metrics:     http://%s/metrics\n", listenAddr)
	fmt.Printf("  queue stats: http://%s/queue/stats\n", listenAddr)
	fmt.Printf("  workers:     http://%s/workers\n", listenAddr)
	fmt.Printf("  progress:    http://%s/progress\n", listenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nshutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\n%v\n", err)
	}

	collector.Stop()
	if err := coord.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Println("shutdown complete")
	return nil
}
