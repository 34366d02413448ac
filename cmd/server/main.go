package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"colocate/internal/app"
	"colocate/internal/config"
)

func main() {
	cfg, err := config.Resolve("server", os.Args[1:], os.LookupEnv)
	if err != nil {
		log.Fatalf("%v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx, cfg); err != nil {
		log.Fatalf("%v", err)
	}
}
