package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"botcore/internal/api"
	"botcore/internal/credentials"
	"botcore/internal/events"
	"botcore/internal/persistence"
	"botcore/internal/registry"
	"botcore/pkg/config"
	"botcore/pkg/crypto"
	"botcore/pkg/db"
	"botcore/pkg/exchange"
	"botcore/pkg/exchange/binance"
)

var buildVersion = "dev"

func main() {
	log.Println("🚀 Starting bot runtime...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Config error: %v", err)
	}
	log.Printf("⚙️ Config loaded, port=%s db=%s", cfg.Port, cfg.DBPath)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ Database open failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("❌ Database migration failed: %v", err)
	}

	keys, err := crypto.NewKeyManager()
	if err != nil {
		log.Fatalf("❌ Encryption key setup failed: %v", err)
	}
	log.Printf("🔐 Credential encryption ready (key v%d)", keys.CurrentVersion())

	bus := events.NewBus()
	creds := credentials.NewStore(database, keys)
	recorder := persistence.NewRecorder(database, bus)
	defer recorder.Close()

	factory := func(c credentials.Credentials, settings db.BotSettings) exchange.Client {
		return binance.New(binance.Config{
			APIKey:          c.APIKey,
			APISecret:       c.APISecret,
			Testnet:         c.IsTestnet,
			StopLossPercent: settings.StopLossPercent,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(database, creds, recorder, bus, factory, cfg.Bot)
	reg.Start(ctx, cfg.ReapInterval)

	server := api.NewServer(bus, database, reg, creds, recorder,
		api.SystemMeta{Version: buildVersion}, cfg.JWTSecret)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("❌ API server error: %v", err)
		}
	}()
	log.Printf("🌐 API listening on :%s", cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("📴 Shutting down...")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stopCancel()
	if err := reg.StopAll(stopCtx); err != nil {
		log.Printf("⚠️ Shutdown: %v", err)
	}
	log.Println("👋 Bye")
}
