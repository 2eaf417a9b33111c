package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/tokenbid/backend/docs"
	"github.com/tokenbid/backend/internal/broadcast"
	"github.com/tokenbid/backend/internal/database"
	"github.com/tokenbid/backend/internal/handlers"
	mW "github.com/tokenbid/backend/internal/middleware"
	"github.com/tokenbid/backend/internal/notify"
	"github.com/tokenbid/backend/internal/services"
	"github.com/tokenbid/backend/internal/web3"
)

// @title TokenBid Marketplace API
// @version 1.0
// @description API for the token-denominated auction marketplace
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	viper.SetEnvPrefix("")

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

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	viper.BindEnv("chain.endpoint", "CHAIN_ENDPOINT")
	viper.BindEnv("chain.backfill_blocks", "CHAIN_BACKFILL_BLOCKS")
	viper.BindEnv("chain.reconnect_max_attempts", "CHAIN_RECONNECT_MAX_ATTEMPTS")

	viper.BindEnv("settlement.fee_rate", "SETTLEMENT_FEE_RATE")
	viper.BindEnv("settlement.burn_share", "SETTLEMENT_BURN_SHARE")
	viper.BindEnv("settlement.treasury_account", "SETTLEMENT_TREASURY_ACCOUNT")

	viper.BindEnv("wallet.deposit_contract", "WALLET_DEPOSIT_CONTRACT")
	viper.BindEnv("wallet.qr_dir", "WALLET_QR_DIR")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "TokenBid Marketplace API"
	docs.SwaggerInfo.Description = "API for the token-denominated auction marketplace"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	broadcastManager := broadcast.NewManager()
	go broadcastManager.Run()

	notifier := notify.NewQueueNotifier(redisClient)

	ledgerService := services.NewBalanceLedgerService(db)
	auctionService := services.NewAuctionService(db, ledgerService)
	bidService := services.NewBidService(db, redisClient, ledgerService, auctionService, broadcastManager, notifier)
	settlementService := services.NewSettlementService(db, ledgerService, auctionService, broadcastManager, notifier)
	walletService := services.NewWalletService(redisClient, ledgerService)

	auctionHandler := handlers.NewAuctionHandler(auctionService)
	bidHandler := handlers.NewBidHandler(bidService)
	settlementHandler := handlers.NewSettlementHandler(settlementService)
	walletHandler := handlers.NewWalletHandler(walletService, ledgerService)
	feedHandler := broadcast.NewHandler(broadcastManager)

	rootCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	// Sweeper settles expired auctions that nobody closed explicitly.
	go settlementService.RunSweeper(rootCtx)

	// Chain reconciler, if an endpoint is configured. Without one the
	// marketplace runs without live chain data.
	var connManager *web3.ConnectionManager
	if endpoint := viper.GetString("chain.endpoint"); endpoint != "" {
		table := web3.NewDispatchTable()
		web3.RegisterCoreHandlers(table, db, ledgerService)
		reconciler := web3.NewReconciler(table)
		connManager = web3.NewConnectionManager(
			func(ctx context.Context) (web3.ChainClient, error) {
				return web3.DialWS(ctx, endpoint)
			},
			reconciler.Serve,
		)
		connManager.Start(rootCtx)
	} else {
		log.Println("No chain endpoint configured, reconciler disabled")
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "healthy"}
		if connManager != nil {
			status["chain"] = string(connManager.State())
		}
		json.NewEncoder(w).Encode(status)
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Deposit QR images
	r.Handle("/static/qr/*", http.StripPrefix("/static/qr/",
		mW.StaticFileServer(viper.GetString("wallet.qr_dir"))))

	// Live event feeds
	r.Get("/ws/feed", feedHandler.ServeGlobalFeed)
	r.Get("/ws/auctions/{auction_id}", feedHandler.ServeAuctionFeed)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints
		r.Get("/auctions/{auction_id}", auctionHandler.GetAuction)

		// Protected endpoints
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/auctions", auctionHandler.CreateAuction)
			r.Post("/auctions/{auction_id}/publish", auctionHandler.PublishAuction)
			r.Post("/auctions/{auction_id}/activate", auctionHandler.ActivateAuction)
			r.Post("/auctions/{auction_id}/cancel", auctionHandler.CancelAuction)
			r.Post("/auctions/{auction_id}/close", settlementHandler.CloseAuction)
			r.Post("/auctions/{auction_id}/confirm", settlementHandler.ConfirmReceipt)

			r.Post("/auctions/{auction_id}/bids", bidHandler.PlaceBid)
			r.Delete("/bids/{bid_id}", bidHandler.RetractBid)

			r.Get("/wallet/balance", walletHandler.GetBalance)
			r.Post("/wallet/deposits", walletHandler.CreateDepositIntent)
			r.Get("/wallet/deposits/{intent_id}", walletHandler.GetDepositIntent)
			r.Post("/wallet/withdrawals", walletHandler.RequestWithdrawal)

			// Moderation endpoints
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireAdmin)

				r.Post("/admin/auctions/{auction_id}/suspend", auctionHandler.SuspendAuction)
				r.Post("/admin/auctions/{auction_id}/reinstate", auctionHandler.ReinstateAuction)
				r.Post("/admin/auctions/{auction_id}/rollback", auctionHandler.RollbackAuction)
				r.Post("/admin/auctions/{auction_id}/close", settlementHandler.ForceCloseAuction)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopWorkers()
	if connManager != nil {
		connManager.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
