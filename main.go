package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"etserver/database"    // PostgreSQLとRedisの初期化
	"etserver/ehs"         // join phase (matchmaking)
	"etserver/experiments" // experiment metadata cache
	"etserver/hub"         // live connection registry
	"etserver/instances"   // allocator and durable records
	"etserver/manager"     // gateways to experiment managers
	"etserver/mhs"         // play phase (message relay)
	"etserver/pubsub"      // lifecycle event bus
	"etserver/sessions"    // connection/participant registry
	"etserver/site"        // content-management backend client
	"etserver/stash"       // durable key/value store
	"etserver/utils"       // ロガーの初期化とCronジョブ

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

func main() {
	var logger *zap.Logger
	var err error
	logger, err = utils.InitLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	config, err := database.LoadConfig("config.json")
	if err != nil {
		logger.Fatal("設定ファイルの読み込みに失敗しました", zap.Error(err))
	}

	// 非同期でPostgreSQLとRedisの初期化
	var db *gorm.DB
	var rdb *redis.Client
	done := make(chan bool)

	go func() {
		if config.StashBackend == "postgres" {
			db, err = database.InitPostgreSQL(config, logger)
			if err != nil {
				logger.Fatal("PostgreSQLの初期化に失敗しました", zap.Error(err))
			}
		}
		done <- true
	}()

	// Redis serves two roles: stash backend and event bus. Skip it
	// entirely when neither is configured, so Redis-less deployments
	// (memory or postgres stash, pubsub off) still start.
	needRedis := config.PubSubEnabled ||
		(config.StashBackend != "postgres" && config.StashBackend != "memory")
	go func() {
		if needRedis {
			rdb, err = database.InitRedis(logger)
			if err != nil {
				logger.Fatal("Failed to initialize Redis", zap.Error(err))
			}
		}
		done <- true
	}()

	// 2つの初期化が完了するのを待つ
	<-done
	<-done

	var store stash.Store
	switch config.StashBackend {
	case "postgres":
		store = stash.NewPostgres(db)
	case "memory":
		store = stash.NewMemory()
	default:
		store = stash.NewRedis(rdb)
	}

	var bus pubsub.Bus = pubsub.Nop{}
	if config.PubSubEnabled {
		bus = pubsub.New(rdb, logger)
	}

	siteClient := site.NewClient(config.SiteEndpoint, logger)
	expCache := experiments.NewCache(siteClient, logger)
	instStore := instances.NewStore(store, logger)

	// Repair whatever the previous process left non-terminal before
	// accepting any connection. An unreadable stash is fatal.
	if err := instances.CloseHunged(context.Background(), instStore, bus, logger); err != nil {
		logger.Fatal("startup reconciliation failed", zap.Error(err))
	}

	allocator := instances.NewAllocator(logger)
	registry := sessions.NewRegistry()
	connHub := hub.New()
	gateways := manager.NewCache(logger)
	hasher := manager.NewHasher(config.EtsKey)

	ehsService := ehs.NewService(logger, siteClient, expCache, allocator, instStore, bus)
	mhsService := mhs.NewService(logger, siteClient, expCache, connHub, registry, gateways, instStore, bus, hasher)

	if config.StatsEnabled {
		utils.CronStats(config, bus, logger, ehsService, mhsService)
	}

	router := gin.New()
	router.Use(gin.Recovery(), utils.RequestLogger(logger))

	//CORS（Cross-Origin Resource Sharing）ポリシーを設定
	allowed := config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"http://localhost:8080"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowed,
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/ehs", ehsService.HandleConnection)
	router.GET("/mhs", mhsService.HandleConnection)
	router.POST("/manager/push", mhsService.HandlePush)
	router.GET("/healthz", func(c *gin.Context) {
		healthz(c, store, siteClient)
	})

	// デフォルトポートは ":8080"
	router.Run()
}

// healthz answers 200 when the stash round-trips and the site backend
// responds to a ping.
func healthz(c *gin.Context, store stash.Store, siteClient *site.Client) {
	ctx := c.Request.Context()

	probe := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
	if err := store.Set(ctx, "_install_test_", probe); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stash unavailable"})
		return
	}
	if _, err := store.Get(ctx, "_install_test_"); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stash unavailable"})
		return
	}
	store.Del(ctx, "_install_test_")

	if err := siteClient.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "site backend unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
