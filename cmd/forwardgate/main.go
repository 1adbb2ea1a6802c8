package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"forwardgate/internal/api"
	"forwardgate/internal/authstore"
	"forwardgate/internal/config"
	"forwardgate/internal/core"
	"forwardgate/internal/sysmsg"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := sysmsg.Init(cfg.LogDir); err != nil {
		log.Printf("warning: could not initialize file logger: %v", err)
	}
	defer sysmsg.Close()

	sysmsg.Info("forwardgate starting...")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		sysmsg.Error("failed to create data directory: %v", err)
		log.Fatalf("failed to create data directory: %v", err)
	}

	c := core.New(cfg.DataDir, cfg.GeoIPDBPath)
	sysmsg.Info("forwarding state restored from %s", cfg.DataDir)

	authPath := filepath.Join(cfg.DataDir, "operators.db")
	authStore, err := authstore.Open(authPath)
	if err != nil {
		sysmsg.Error("failed to open operator store: %v", err)
		log.Fatalf("failed to open operator store: %v", err)
	}
	if err := authStore.EnsureDefaultOperator("admin", "admin123!"); err != nil {
		sysmsg.Warn("failed to provision default operator: %v", err)
	}

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		sysmsg.Warn("no jwt_secret configured, using an ephemeral one for this run")
		jwtSecret = time.Now().Format(time.RFC3339Nano)
	}

	server := api.New(c, authStore, jwtSecret)

	shutdownTimeout := time.Duration(cfg.ShutdownTimeoutS) * time.Second

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		sysmsg.Info("shutting down...")
		c.Shutdown(shutdownTimeout)
		_ = server.App.Shutdown()
	}()

	addr := cfg.APIHost + ":" + strconv.Itoa(cfg.APIPort)
	sysmsg.Info("API listening on %s", addr)
	if err := server.Listen(addr); err != nil {
		sysmsg.Error("server exited: %v", err)
		log.Fatal(err)
	}
}
