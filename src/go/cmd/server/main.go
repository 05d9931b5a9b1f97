package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"whatsapp-gateway/src/go/api"
	"whatsapp-gateway/src/go/config"
	"whatsapp-gateway/src/go/gateway"
	"whatsapp-gateway/src/go/realtime"
	"whatsapp-gateway/src/go/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.Level(cfg.LogLevel))
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	logger.Infof("Starting connection gateway (environment: %s)", cfg.Environment)

	st, err := store.NewSQLiteGateway(cfg.Database.StorePath, logger)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}

	hub := realtime.NewHub(logger)
	factory := gateway.NewClientFactory(cfg.Database.AuthDir, logger)

	gw, err := gateway.New(cfg, logger, st, hub, factory)
	if err != nil {
		logger.Fatalf("Failed to build gateway: %v", err)
	}
	hub.Bind(gw)

	server := api.NewServer(gw, hub, logger)
	router := server.SetupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		logger.Infof("Listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP shutdown: %v", err)
	}
	gw.Shutdown(ctx)
	hub.Stop()
	if err := st.Close(); err != nil {
		logger.Errorf("Store close: %v", err)
	}

	logger.Info("Shutdown complete")
}
