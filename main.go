package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/wfunc/movecast/config"
	"github.com/wfunc/movecast/logger"
	"github.com/wfunc/movecast/monitor"
	"github.com/wfunc/movecast/server"
)

func main() {
	// .env 可选，不存在时忽略
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	relay, err := server.NewRelayServer(cfg.Server, monitor.NewMonitor("movecast_relay", nil))
	if err != nil {
		logger.Log.Fatalf("Failed to create relay server: %v", err)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		logger.Log.Info("Shutting down relay server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := relay.Shutdown(ctx); err != nil {
			logger.Log.Errorf("Shutdown: %v", err)
		}
	}()

	// Start Server
	if err := relay.Start(); err != nil {
		logger.Log.Fatalf("Failed to start server: %v", err)
	}
}
