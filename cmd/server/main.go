package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pixelmint/backend/docs"
	"github.com/pixelmint/backend/internal/database"
	mW "github.com/pixelmint/backend/internal/middleware"
	"github.com/pixelmint/backend/internal/queue"
	"github.com/pixelmint/backend/internal/services"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Pixelmint Coin Ledger API
// @version 1.0
// @description Coin ledger and job-spending engine for paid AI generation
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("webhook.secret", "WEBHOOK_SECRET")

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Pixelmint Coin Ledger API"
	docs.SwaggerInfo.Description = "Coin ledger and job-spending engine for paid AI generation"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	engine := services.NewLedgerEngine(db)

	// The engine must not run against a store without atomic transactions:
	// the read-modify-write would race and corrupt balances. Refuse to
	// start instead of degrading.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := engine.VerifyAtomicSupport(ctx); err != nil {
		cancel()
		log.Fatalf("Atomic transaction support check failed: %v", err)
	}
	cancel()

	pricing := loadPricing()
	coinService := services.NewCoinService(db, redisClient, engine, pricing)
	jobService := services.NewJobService(db, redisClient, engine)
	webhookService := services.NewWebhookService(redisClient, engine, pricing, viper.GetString("webhook.secret"))

	// Outbox dispatcher publishes queued-job messages once Kafka is
	// configured; without brokers the rows stay pending.
	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	defer stopDispatcher()
	if brokers := kafkaBrokers(); len(brokers) > 0 {
		producer, err := queue.NewProducer(brokers)
		if err != nil {
			log.Fatalf("Failed to create Kafka producer: %v", err)
		}
		defer producer.Close()

		dispatcher := queue.NewDispatcher(db, producer)
		go dispatcher.Start(dispatcherCtx)
		defer dispatcher.Stop()
	} else {
		log.Println("[OUTBOX] no Kafka brokers configured, outbox dispatch disabled")
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Provider webhooks authenticate via HMAC signature, not JWT
		r.Post("/webhooks/{provider}", webhookService.HandleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/coins/balance", coinService.GetBalance)
			r.Get("/coins/ledger", coinService.LedgerHistory)
			r.Post("/coins/purchases/verify", coinService.VerifyPurchaseHandler)

			r.Post("/jobs", jobService.CreateJob)
			r.Get("/jobs", jobService.ListJobsHandler)
			r.Get("/jobs/{jobID}", jobService.GetJobHandler)
			r.Patch("/jobs/{jobID}", jobService.UpdateJobHandler)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}

// loadPricing builds the product-to-coins table from config so price changes
// never require touching the ledger engine.
func loadPricing() map[string]int64 {
	viper.SetDefault("pricing.products", map[string]string{
		"coins_100":  "100",
		"coins_550":  "550",
		"coins_1200": "1200",
	})

	pricing := map[string]int64{}
	for product, raw := range viper.GetStringMapString("pricing.products") {
		coins, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || coins <= 0 {
			log.Printf("Ignoring invalid pricing entry %s=%q", product, raw)
			continue
		}
		pricing[product] = coins
	}
	return pricing
}

func kafkaBrokers() []string {
	raw := viper.GetString("kafka.brokers")
	if raw == "" {
		return nil
	}
	brokers := []string{}
	for _, broker := range strings.Split(raw, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}
