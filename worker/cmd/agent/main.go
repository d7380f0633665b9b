package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/example/dispatch/worker/internal/agent"
	"github.com/example/dispatch/worker/internal/config"
	"github.com/example/dispatch/worker/internal/heartbeat"
	"github.com/example/dispatch/worker/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	hb := heartbeat.New(cfg.ControlPlaneBaseURL, cfg.OwnerID, cfg.APIToken, cfg.HeartbeatInterval)
	ag, err := agent.New(cfg, hb, telemetry.NewNop())
	if err != nil {
		log.Fatalf("build agent: %v", err)
	}
	ag.RegisterDefaults()

	log.Printf("agent polling %s as owner %s", cfg.ControlPlaneBaseURL, cfg.OwnerID)
	if err := ag.Run(ctx); err != nil {
		log.Fatalf("agent stopped with error: %v", err)
	}
}
