package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/callgate/api"
	"github.com/xiaot623/callgate/backend"
	"github.com/xiaot623/callgate/bridge"
	"github.com/xiaot623/callgate/capability"
	"github.com/xiaot623/callgate/config"
	"github.com/xiaot623/callgate/notify"
	"github.com/xiaot623/callgate/policy"
	"github.com/xiaot623/callgate/router"
	"github.com/xiaot623/callgate/session"
	"github.com/xiaot623/callgate/store"
	"github.com/xiaot623/callgate/telephony"
)

const defaultInstructions = "You are a phone assistant answering calls on behalf of your owner. " +
	"Speak naturally and keep replies short. Use your available tools to take messages, " +
	"relay information between calls, and place outbound calls when asked."

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting gateway...")
	log.Printf("Public HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Control HTTP Port: %d", cfg.InternalPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Backend: %s", cfg.BackendURL)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize telephony client
	provider, err := telephony.New(&telephony.Config{
		AccountSID: cfg.ProviderAccountSID,
		AuthToken:  cfg.ProviderAuthToken,
		BaseURL:    cfg.ProviderBaseURL,
	})
	if err != nil {
		log.Fatalf("Failed to initialize telephony client: %v", err)
	}

	// Initialize backend connector
	connector := &backend.RealtimeConnector{
		URL:    cfg.BackendURL,
		APIKey: cfg.BackendAPIKey,
		Voice:  cfg.BackendVoice,
	}

	// Initialize dispatch policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize session manager
	sessions := session.NewManager(db, connector, capability.DefaultCatalog(), session.Options{
		OwnerNumber:       cfg.OwnerNumber,
		MaxActiveSessions: cfg.MaxActiveSessions,
		IdleTimeout:       cfg.IdleTimeout,
		HistoryReplayCap:  cfg.HistoryReplayCap,
		Instructions:      defaultInstructions,
		Voice:             cfg.BackendVoice,
	})

	// Initialize message router
	notifier := &notify.SMSNotifier{Provider: provider, From: cfg.GatewayNumber}
	rt := router.New(sessions, db, policyEngine, notifier, router.Options{
		OwnerNumber:     cfg.OwnerNumber,
		FallbackAddress: cfg.FallbackSMSTo,
		DeliveryTimeout: cfg.DeliveryTimeout,
	})
	rt.Start()
	defer rt.Stop()

	// Initialize audio bridge
	br := bridge.New(sessions, provider, db, bridge.Options{
		ReconnectTimeout: cfg.ReconnectTimeout,
	})

	// Wire the router and capability executor into the manager
	h := api.NewHandler(sessions, rt, provider, br, db, cfg)
	sessions.SetRouter(rt)
	sessions.SetToolHandler(h.ToolHandler())

	// Create public Echo server (telephony provider callbacks)
	publicServer := echo.New()
	publicServer.HideBanner = true
	publicServer.Use(middleware.Logger())
	publicServer.Use(middleware.Recover())
	h.RegisterPublicRoutes(publicServer)

	// Create control Echo server (operator API)
	controlServer := echo.New()
	controlServer.HideBanner = true
	controlServer.Use(middleware.Logger())
	controlServer.Use(middleware.Recover())
	h.RegisterControlRoutes(controlServer)

	// Start public server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := publicServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start public server: %v", err)
		}
	}()

	// Start control server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := controlServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start control server: %v", err)
		}
	}()

	log.Printf("Public API started on port %d", cfg.HTTPPort)
	log.Printf("Control API started on port %d", cfg.InternalPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down gateway...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := publicServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown public server gracefully: %v", err)
	}
	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown control server gracefully: %v", err)
	}

	log.Println("Gateway stopped")
}
