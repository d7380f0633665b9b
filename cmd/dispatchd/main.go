package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/example/dispatch/internal/api"
	"github.com/example/dispatch/internal/bootstrap"
	"github.com/example/dispatch/internal/observability"
)

func main() {
	port := strings.TrimSpace(os.Getenv("DISPATCH_PORT"))
	if port == "" {
		port = "8080"
	}

	shutdownTrace, err := observability.InitTracingFromEnv("dispatchd")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, sweeper, err := bootstrap.NewEngineFromEnv(ctx)
	if err != nil {
		log.Fatalf("bootstrap engine: %v", err)
	}
	if err := sweeper.Start(); err != nil {
		log.Fatalf("start sweeps: %v", err)
	}
	defer sweeper.Stop()

	server := api.NewServer(engine)
	srv := &http.Server{Addr: ":" + port, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("dispatchd listening on :%s", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("dispatchd failed: %v", err)
	}
	log.Println("dispatchd shutting down")
}
