package main

import (
	"context"
	"flag"
	"log"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"tavern.org/internal/app"
	"tavern.org/internal/config"
)

var version = "0.1.0"

func main() {
	log.SetFlags(0)

	cfg, err := config.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	gw, err := app.New(ctx, cfg, version)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	if err := gw.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownGrace,
		map[string]gfshutdown.Operation{
			"gateway": func(ctx context.Context) error {
				return gw.Stop(ctx)
			},
		},
	)
	select {
	case code := <-wait:
		os.Exit(code)
	case <-gw.Failed():
		log.Printf("gateway worker failed, shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		err := gw.Stop(ctx)
		cancel()
		if err != nil {
			log.Printf("stop: %v", err)
		}
		os.Exit(1)
	}
}
