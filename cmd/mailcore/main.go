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

	"mailcore/internal/api"
	"mailcore/internal/config"
	"mailcore/internal/database"
	"mailcore/internal/provider"
	"mailcore/internal/ratelimit"
	"mailcore/internal/repository"
	"mailcore/internal/secrets"
	"mailcore/internal/sync"
	"mailcore/internal/token"
	"mailcore/internal/utils"
)

func main() {
	mainLogger := utils.NewLogger("Main")
	mainLogger.Info("Starting mailcore service")

	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.Open(database.Config{
		Driver:   cfg.Database.Driver,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		mainLogger.Error("Failed to initialize database: %v", err)
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close(db)

	// Initialize repositories
	accountRepo := repository.NewAccountRepository(db)
	cacheRepo := repository.NewCacheRepository(db)

	// Initialize secret store. Fall back to an in-memory store when the OS
	// keychain is unavailable (headless hosts, CI).
	var store secrets.Store
	keyringStore, err := secrets.NewKeyringStore()
	if err != nil {
		mainLogger.Warn("System keyring unavailable, credentials will not persist: %v", err)
		store = secrets.NewMemoryStore()
	} else {
		store = keyringStore
	}

	// Initialize rate limiter shared by all provider clients
	limiter := ratelimit.New(ratelimit.Config{
		BaseBackoff:  cfg.Limits.BaseBackoff,
		MaxBackoff:   cfg.Limits.MaxBackoff,
		MaxInFlight:  cfg.Limits.MaxInFlight,
		MaxPerWindow: cfg.Limits.MaxPerWindow,
		Window:       cfg.Limits.Window,
		MinSpacing:   cfg.Limits.MinSpacing,
	})

	tuning := provider.Tuning{
		PageCeiling:    cfg.Sync.PageCeiling,
		PageSize:       cfg.Sync.PageSize,
		DetailBatch:    cfg.Sync.DetailBatch,
		BatchDelay:     cfg.Sync.BatchDelay,
		NetworkTimeout: cfg.Sync.NetworkTimeout,
	}

	// Build a provider client for every stored account
	registry := provider.NewRegistry()
	accounts, err := accountRepo.List()
	if err != nil {
		mainLogger.Error("Failed to list accounts: %v", err)
		log.Fatalf("Failed to list accounts: %v", err)
	}
	registered := 0
	for _, account := range accounts {
		client, err := provider.NewClient(account, cfg.OAuth, limiter, tuning)
		if err != nil {
			mainLogger.Warn("Skipping account %s: %v", account.EmailAddress, err)
			continue
		}
		registry.Register(account.EmailAddress, client)
		registered++
	}
	mainLogger.Info("Registered %d provider clients", registered)

	// Initialize token lifecycle manager
	tokenManager := token.NewManager(store, registry, limiter)

	// Initialize sync manager
	syncManager := sync.NewManager(cacheRepo, tokenManager, registry, cfg.Sync)

	// Initialize API handler and router
	apiHandler := api.NewAPIHandler(cfg, accountRepo, syncManager, tokenManager, registry, limiter)
	router := api.NewRouter(apiHandler)

	// Create HTTP server
	srv := &http.Server{
		Addr:    cfg.ServerAddress(),
		Handler: router,
	}

	// Setup graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// Start server in a goroutine
	go func() {
		mainLogger.Info("Server is running on http://%s", cfg.ServerAddress())
		fmt.Printf("Server is running on http://%s\n", cfg.ServerAddress())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mainLogger.Error("Server failed to start: %v", err)
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	<-stop
	mainLogger.Info("Shutting down server...")
	fmt.Println("\nShutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		mainLogger.Error("Server forced to shutdown: %v", err)
	}

	mainLogger.Info("Server shutdown complete")
}
