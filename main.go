package main

import (
	"context"
	"log"
	"os"
	"time"

	"cosplaygo/internal/api"
	"cosplaygo/internal/config"
	"cosplaygo/internal/llm"
	"cosplaygo/internal/redis"
	"cosplaygo/internal/service/chat"
	"cosplaygo/internal/service/role"
	"cosplaygo/internal/storage"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("COSPLAYGO_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("COSPLAYGO_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: roles, chat_history
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Host != "" {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
	}

	chatModel, err := llm.NewChatModel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("init chat model: %v", err)
	}

	timeout := time.Duration(cfg.BasicConfig.RequestTimeoutMinutes) * time.Minute

	roleStore := role.NewStore(db, rdb)
	synthesizer := role.NewSynthesizer(chatModel, timeout)
	chatStore := chat.NewStore(db, rdb)
	engine := chat.NewEngine(roleStore, chatStore, chatModel, timeout)

	uploadDir := cfg.BasicConfig.UploadDir
	if uploadDir == "" {
		uploadDir = "./data/uploads"
	}
	handlers := api.NewHandler(roleStore, synthesizer, engine, uploadDir, cfg.BasicConfig.BaseURL)

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
