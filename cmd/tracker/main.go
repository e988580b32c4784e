package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/michael4d45/dartsync/internal/logging"
	"github.com/michael4d45/dartsync/internal/tracker"
)

func main() {
	var verbose bool
	var cfgFile string
	flag.BoolVar(&verbose, "v", false, "enable verbose logging to stdout and file")
	flag.StringVar(&cfgFile, "config", "tracker.yaml", "optional YAML config file")
	flag.Parse()

	logFile, err := logging.Init("tracker.log", verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logFile.Close() }()

	cfg, err := tracker.LoadConfig(cfgFile)
	if err != nil {
		log.Printf("configuration error: %v", err)
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	t := tracker.New(cfg)
	mux := http.NewServeMux()
	t.RegisterRoutes(mux)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.ControlPort), Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	go t.SweepLoop(ctx)

	go func() {
		log.Printf("tracker listening on %s (heartbeat=%ds piece_len=%d)", srv.Addr, cfg.HeartbeatInterval, cfg.PieceLen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("listen: %v", err)
			fmt.Fprintf(os.Stderr, "listen: %v\n", err)
			os.Exit(1)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sigs:
		log.Printf("signal: %v", s)
	case <-ctx.Done():
	}
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
