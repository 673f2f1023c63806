/*
main.go - HTTP server entry point

PURPOSE:
  Starts the toll ledger API: Paystack webhooks, gate charges, account
  queries and the admin surface.

STARTUP SEQUENCE:
  1. Load .env into the process environment (if present)
  2. Read configuration (environment over the -config file)
  3. Assemble store, lock, directory and notification sinks
  4. Provision accounts for every directory tag
  5. Start the reservation sweeper
  6. Serve HTTP until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -config  Optional env-format config file (default: toll-ledger.env)
  -port    Overrides SERVER_PORT

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections and wait for active requests (30s)
  2. Stop the sweeper
  3. Drain queued notifications
  4. Close the store and lock connections

EXAMPLES:
  # Local development on SQLite
  STORE_DRIVER=sqlite SQLITE_PATH=./data/ledger.db ./server

  # Postgres with Redis locks shared across replicas
  STORE_DRIVER=postgres DATABASE_URL=postgres://... REDIS_URL=redis://... ./server

SEE ALSO:
  - config/config.go: every setting and its default
  - internal/app/app.go: dependency assembly
  - api/server.go: route table
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/warp/toll-ledger/api"
	"github.com/warp/toll-ledger/config"
	"github.com/warp/toll-ledger/internal/app"
)

func main() {
	// Flags
	configPath := flag.String("config", "toll-ledger.env", "Optional env-format config file")
	port := flag.Int("port", 0, "HTTP server port (overrides SERVER_PORT)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Failed to read .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if *port != 0 {
		cfg.ServerPort = *port
	}
	logger := app.NewLogger(cfg, os.Stderr)

	ctx := context.Background()
	ledgerApp, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to start ledger: %v", err)
	}

	if _, err := ledgerApp.Service.Provision(ctx); err != nil {
		logger.Warn("directory provisioning incomplete", "error", err)
	}

	handler := api.NewHandler(ledgerApp.Service, api.Options{
		Currency:       cfg.Currency,
		StoreName:      cfg.StoreDriver,
		PaystackSecret: cfg.PaystackSecretKey,
		Logger:         logger,
		Notifications:  ledgerApp.Dispatcher,
	})
	if cfg.PaystackSecretKey == "" {
		logger.Warn("PAYSTACK_SECRET_KEY not set; webhook signatures are not verified")
	}
	if cfg.AdminJWTSecret == "" {
		logger.Warn("ADMIN_JWT_SECRET not set; admin, settlement and gate routes are open")
	}

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins:  cfg.AllowedOrigins,
		AdminJWTSecret:  cfg.AdminJWTSecret,
		EnableScenarios: cfg.EnableScenarios,
	})

	sweeper := api.NewReservationSweeper(ledgerApp.Coordinator, cfg.SweepSchedule, logger)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("Failed to start sweeper: %v", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", server.Addr, "store", cfg.StoreDriver, "currency", cfg.Currency)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	<-sweeper.Stop().Done()
	if err := ledgerApp.Close(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}

	logger.Info("server stopped")
}
