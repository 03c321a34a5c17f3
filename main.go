package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"chatrelay/internal/api"
	"chatrelay/internal/config"
	"chatrelay/internal/delivery"
	"chatrelay/internal/prompt"
	"chatrelay/internal/provider"
	"chatrelay/internal/redis"
	"chatrelay/internal/relay"
	"chatrelay/internal/session"
	"chatrelay/internal/storage"
	"chatrelay/internal/transcript"
)

func main() {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	cfgPath := os.Getenv("CHATRELAY_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("CHATRELAY_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}
	if err := storage.SeedModels(db, cfg); err != nil {
		log.Fatalf("seed model catalog: %v", err)
	}
	if err := storage.SeedDefaultPrompt(db); err != nil {
		log.Fatalf("seed default prompt: %v", err)
	}

	rdb, err := redis.NewClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, running without snapshots: %v", err)
		rdb = nil
	} else {
		defer rdb.Close()
	}

	registry, err := provider.BuildRegistry(context.Background(), cfg)
	if err != nil {
		log.Fatalf("init provider registry: %v", err)
	}

	catalog := prompt.NewCatalog(db, rdb)
	store := transcript.NewStore(db)
	sessions := session.NewManager(catalog, rdb)
	hub := delivery.NewHub()
	queues := delivery.NewQueueSet()

	rl := relay.New(relay.Config{
		Sessions: sessions,
		Store:    store,
		Registry: registry,
		Hub:      hub,
		Queues:   queues,
		UserID:   cfg.BasicConfig.UserID,
		Params: provider.Params{
			Temperature: cfg.Stream.Temperature,
			MaxTokens:   cfg.Stream.MaxTokens,
		},
		CallTimeout: 2 * time.Minute,
	})

	handlers := api.NewHandler(rl, catalog, store, hub, queues)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
