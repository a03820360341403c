package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/memory-den/internal/api"
	"github.com/nidhogg/memory-den/internal/archive"
	"github.com/nidhogg/memory-den/internal/config"
	"github.com/nidhogg/memory-den/internal/embedding"
	"github.com/nidhogg/memory-den/internal/freshness"
	"github.com/nidhogg/memory-den/internal/notify"
	"github.com/nidhogg/memory-den/internal/ops"
	"github.com/nidhogg/memory-den/internal/pipeline"
	"github.com/nidhogg/memory-den/internal/search"
	"github.com/nidhogg/memory-den/internal/session"
	"github.com/nidhogg/memory-den/internal/vectorstore"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Memory Den...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/den.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize session store (the core; everything else is optional)
	storeCfg := session.DefaultConfig(cfg.Storage.BaseDir)
	if cfg.Storage.SessionTimeoutMins > 0 {
		storeCfg.SessionTimeout = time.Duration(cfg.Storage.SessionTimeoutMins) * time.Minute
	}
	if cfg.Storage.MaxCheckpoints > 0 {
		storeCfg.MaxCheckpoints = cfg.Storage.MaxCheckpoints
	}
	storeCfg.DefaultStrategy = session.Strategy(cfg.Storage.CleanupStrategy)
	if cfg.Freshness.DecayFactor > 0 || cfg.Freshness.PriorityBoost > 0 {
		storeCfg.Freshness = freshness.Params{
			DecayFactor:         cfg.Freshness.DecayFactor,
			PriorityWindowHours: cfg.Freshness.PriorityWindowHours,
			PriorityBoost:       cfg.Freshness.PriorityBoost,
		}
	}
	store, err := session.New(storeCfg, logger)
	if err != nil {
		logger.Fatal("failed to open session store", zap.Error(err))
	}

	// Initialize PostgreSQL archive sink
	var pgArchive *archive.Store
	if cfg.Database.Postgres.DSN != "" {
		ar, pgErr := archive.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without archive", zap.Error(pgErr))
		} else {
			migrationsDir := cfg.Storage.MigrationsDir
			if migrationsDir == "" {
				migrationsDir = "migrations"
			}
			if mErr := ar.Migrate(context.Background(), migrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgArchive = ar
			store.SetArchiver(pgArchive)
		}
	}

	// Initialize Redis lifecycle event bus
	var bus *notify.Bus
	if cfg.Database.Redis.URL != "" {
		b, busErr := notify.NewBus(cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, running without lifecycle events", zap.Error(busErr))
		} else {
			bus = b
			store.SetNotifier(bus)
		}
	}

	// Initialize search backends
	agg := search.NewAggregator(logger)
	agg.SetDefaultLimit(cfg.Search.DefaultLimit)
	backendTimeout := time.Duration(cfg.Search.TimeoutMS) * time.Millisecond

	var qdrant *vectorstore.Client
	var vectorBackend *search.VectorBackend
	if cfg.Database.Qdrant.Host != "" {
		qc, qErr := vectorstore.NewClient(cfg.Database.Qdrant.Host, cfg.Database.Qdrant.Port)
		if qErr != nil {
			logger.Warn("Qdrant unavailable, running without vector search", zap.Error(qErr))
		} else {
			embedder := embedding.New(embedding.Config{
				Provider:  cfg.Embedding.Provider,
				Endpoint:  cfg.Embedding.Endpoint,
				Model:     cfg.Embedding.Model,
				APIKey:    cfg.Embedding.APIKey,
				Dimension: cfg.Embedding.Dimension,
			})
			collection := cfg.Search.VectorCollection
			if collection == "" {
				collection = "den_context"
			}
			ensureCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if cErr := qc.EnsureCollection(ensureCtx, collection, uint64(embedder.Dimension())); cErr != nil {
				logger.Warn("Qdrant collection check failed, running without vector search", zap.Error(cErr))
				qc.Close()
			} else {
				qdrant = qc
				vectorBackend = search.NewVectorBackend(qdrant, embedder, collection, backendTimeout, logger)
				agg.Register(vectorBackend)
			}
			cancel()
		}
	}

	var mongoClient *mongo.Client
	if cfg.Database.Mongo.URI != "" {
		mc, mErr := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.Database.Mongo.URI))
		if mErr == nil {
			mErr = mc.Ping(context.Background(), nil)
		}
		if mErr != nil {
			logger.Warn("MongoDB unavailable, running without document search", zap.Error(mErr))
		} else {
			mongoClient = mc
			db := cfg.Search.MongoDatabase
			if db == "" {
				db = "den"
			}
			collName := cfg.Search.MongoCollection
			if collName == "" {
				collName = "documents"
			}
			coll := mongoClient.Database(db).Collection(collName)
			agg.Register(search.NewDocumentBackend(coll, cfg.Search.ScanLimit, backendTimeout, logger))
		}
	}

	var neoDriver neo4j.DriverWithContext
	if cfg.Database.Neo4j.URI != "" {
		drv, nErr := neo4j.NewDriverWithContext(cfg.Database.Neo4j.URI,
			neo4j.BasicAuth(cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, ""))
		if nErr == nil {
			nErr = drv.VerifyConnectivity(context.Background())
		}
		if nErr != nil {
			logger.Warn("Neo4j unavailable, running without message search", zap.Error(nErr))
		} else {
			neoDriver = drv
			agg.Register(search.NewMessageBackend(neoDriver, backendTimeout, logger))
		}
	}
	logger.Info("Search backends registered", zap.Int("count", len(agg.Tags())))

	// Context pipeline and dispatch surface
	pipe := pipeline.New(store, 0.3, logger)
	dispatcher := ops.NewDispatcher(store, agg, pipe, logger)
	handler := api.NewHandler(dispatcher, vectorBackend, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Memory Den listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Memory Den...")
	ctx := context.Background()
	srv.Shutdown(ctx)
	if pgArchive != nil {
		pgArchive.Close()
	}
	if bus != nil {
		bus.Close()
	}
	if qdrant != nil {
		qdrant.Close()
	}
	if mongoClient != nil {
		mongoClient.Disconnect(ctx)
	}
	if neoDriver != nil {
		neoDriver.Close(ctx)
	}
}
