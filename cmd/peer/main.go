package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/michael4d45/dartsync/internal/logging"
	"github.com/michael4d45/dartsync/internal/peer"
)

func main() {
	var verbose bool
	var cfgFile string
	var overlay string
	flag.BoolVar(&verbose, "v", false, "enable verbose logging to stdout and file")
	flag.StringVar(&cfgFile, "config", "config", "file whose first non-empty line is the watched directory")
	flag.StringVar(&overlay, "peer-config", "peer.yaml", "optional YAML overlay for peer settings")
	flag.Parse()

	logFile, err := logging.Init("peer.log", verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logFile.Close() }()

	dir, err := peer.ReadWatchDir(cfgFile)
	if err != nil {
		log.Printf("configuration error: %v", err)
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := peer.LoadConfig(overlay)
	if err != nil {
		log.Printf("configuration error: %v", err)
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log.Printf("watching %s, tracker %s:%d", dir, cfg.TrackerAddr, cfg.ControlPort)

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sigs
		log.Printf("signal: %v", s)
		cancel()
	}()

	p := peer.New(cfg, dir)
	if err := p.Run(ctx); err != nil {
		log.Printf("peer: %v", err)
		fmt.Fprintf(os.Stderr, "peer: %v\n", err)
		os.Exit(1)
	}
}
