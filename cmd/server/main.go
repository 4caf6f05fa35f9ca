package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/precisionprices/market-pricing/internal/business/events"
	"github.com/precisionprices/market-pricing/internal/business/market"
	"github.com/precisionprices/market-pricing/internal/business/pricing"
	"github.com/precisionprices/market-pricing/internal/location"
	"github.com/precisionprices/market-pricing/internal/platform/config"
	"github.com/precisionprices/market-pricing/internal/platform/estimator"
	"github.com/precisionprices/market-pricing/internal/platform/eventbus"
	firestoreclient "github.com/precisionprices/market-pricing/internal/platform/firestore"
	apirouter "github.com/precisionprices/market-pricing/internal/platform/http"
	"github.com/precisionprices/market-pricing/internal/platform/redisclient"
	"github.com/precisionprices/market-pricing/internal/platform/sqldb"
	"github.com/precisionprices/market-pricing/internal/repository"
	"github.com/precisionprices/market-pricing/pkg/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load(".env.local", ".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	gin.SetMode(cfg.GinMode)

	table, err := loadLocations(cfg)
	if err != nil {
		log.Fatalf("location table: %v", err)
	}
	zips, cities, states := table.Counts()
	log.Printf("location table %s: %d zips, %d cities, %d states", table.Version(), zips, cities, states)
	resolver := location.NewResolver(table)

	store, fsClient, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store init: %v", err)
	}
	defer closeStore.Close()

	hub := apirouter.NewHub()
	markets := market.NewService(store, cfg.StoreTimeout)
	markets.SetNotifier(hub)

	var trendingStore market.TrendingStore = repository.NewMemoryTrendingRepository()
	if fsClient != nil {
		trendingStore = repository.NewTrendingRepository(fsClient)
	}
	trending := market.NewTrendingJob(markets, trendingStore, cfg.TrendingSeedGeoKeys, 4)
	scheduler, err := trending.Schedule(cfg.TrendingSchedule, cfg.TrendingTZ)
	if err != nil {
		log.Fatalf("trending schedule: %v", err)
	}
	defer scheduler.Stop()

	var est pricing.Estimator
	if cfg.EstimatorMock || cfg.EstimatorURL != "" {
		est = estimator.New(nil, estimator.Config{
			BaseURL: cfg.EstimatorURL,
			APIKey:  cfg.EstimatorAPIKey,
			Mock:    cfg.EstimatorMock,
		})
	} else {
		log.Printf("no estimator configured; recommend requests must carry an estimate")
	}
	blendCfg := pricing.DefaultConfig()
	blendCfg.EmpiricalWeight = cfg.EmpiricalWeight
	blendCfg.MinSample = cfg.MinSample
	blendCfg.HighSample = cfg.HighSample
	blendCfg.ConfidenceCap = cfg.ConfidenceCap
	pricingSvc := pricing.NewService(resolver, markets, est, pricing.NewBlender(blendCfg), cfg.ReadTimeout)

	processor := events.NewProcessor(resolver, markets, 0)
	var sink apirouter.EventSink = processor
	if cfg.KafkaEnabled() {
		busCfg := eventbus.Config{
			Brokers: eventbus.ParseBrokers(cfg.KafkaBrokers),
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		}
		producer := eventbus.NewProducer(busCfg)
		defer producer.Close()
		sink = events.NewQueueSink(producer)

		consumer := eventbus.NewConsumer(busCfg)
		defer consumer.Close()
		go func() {
			err := consumer.Run(ctx, func(ctx context.Context, ev model.LifecycleEvent) error {
				_, err := processor.Handle(ctx, ev)
				return err
			})
			if err != nil {
				log.Printf("kafka consumer stopped: %v", err)
			}
		}()
		log.Printf("lifecycle events flow through kafka topic %s", cfg.KafkaTopic)
	}

	router := apirouter.NewRouter(apirouter.Deps{
		Resolver:       resolver,
		Pricing:        pricingSvc,
		Markets:        markets,
		Trending:       trending,
		Events:         sink,
		Hub:            hub,
		AllowedOrigins: cfg.AllowedOrigins,
		WriteRate:      cfg.WriteRateLimit,
		WriteBurst:     cfg.WriteRateBurst,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()
	log.Printf("server listening on :%s (store=%s)", cfg.Port, cfg.StoreBackend)

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	log.Println("server exited")
}

func loadLocations(cfg config.Config) (*location.Table, error) {
	if cfg.LocationDataFile != "" {
		return location.LoadTableFile(cfg.LocationDataFile)
	}
	return location.DefaultTable()
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openStore builds the market store for the configured backend. The Firestore
// client is returned as well so trending snapshots can share it.
func openStore(ctx context.Context, cfg config.Config) (market.Store, *firestore.Client, io.Closer, error) {
	switch cfg.StoreBackend {
	case config.BackendFirestore:
		client, source, err := firestoreclient.New(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := firestoreclient.Ping(ctx, client); err != nil {
			client.Close()
			return nil, nil, nil, err
		}
		log.Printf("connected to Firestore project %s using %s credentials", cfg.FirebaseProjectID, source)
		return repository.NewMarketRepository(client, cfg.RecentSalesCap), client, client, nil

	case config.BackendRedis:
		client, err := redisclient.New(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Printf("connected to Redis at %s (db %d)", cfg.RedisAddr, cfg.RedisDB)
		return repository.NewRedisMarketRepository(client, cfg.RedisPrefix, cfg.RecentSalesCap), nil, client, nil

	case config.BackendSQLite, config.BackendPostgres:
		driver := sqldb.DriverPostgres
		if cfg.StoreBackend == config.BackendSQLite {
			driver = sqldb.DriverSQLite
		}
		db, err := sqldb.Open(ctx, driver, cfg.SQLDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		repo := repository.NewSQLMarketRepository(db, driver, cfg.RecentSalesCap)
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		log.Printf("using %s market store", driver)
		return repo, nil, db, nil

	default:
		log.Printf("using in-memory market store; data is lost on restart")
		var noop closerFunc = func() error { return nil }
		return repository.NewMemoryMarketRepository(cfg.RecentSalesCap), nil, noop, nil
	}
}
