package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/recyx/lot-engine/internal/allocation"
	"github.com/recyx/lot-engine/internal/auth"
	"github.com/recyx/lot-engine/internal/deal"
	"github.com/recyx/lot-engine/internal/feed"
	"github.com/recyx/lot-engine/internal/lot"
	"github.com/recyx/lot-engine/internal/metrics"
	"github.com/recyx/lot-engine/internal/offer"
	"github.com/recyx/lot-engine/internal/payment"
	"github.com/recyx/lot-engine/internal/shipment"
	"github.com/recyx/lot-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Fee schedule ---
	calc := deal.NewCalculator(
		decimalEnv("SALE_FEE_RATE", "0.05"),
		decimalEnv("TRANSPORT_FEE_PER_TON", "25"),
	)

	// --- Logistics tariff ---
	rates := shipment.Rates{
		CostPerKm:      decimalEnv("SHIPPING_COST_PER_KM", "1.2"),
		HandlingPerTon: decimalEnv("SHIPPING_HANDLING_PER_TON", "8"),
		AvgSpeedKmh:    intEnv("SHIPPING_AVG_SPEED_KMH", 60),
	}

	// --- WebSocket hub ---
	hub := feed.NewHub()
	go hub.Run()

	// --- Services ---
	lotSvc := lot.NewService(st, hub)
	allocSvc := allocation.NewService(st, hub)
	offerSvc := offer.NewService(st, allocSvc)
	paySvc := payment.NewService(st, calc, hub)
	dealSvc := deal.NewService(st)
	shipSvc := shipment.NewService(st, hub, rates)

	// --- Reservation expiry sweep ---
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	sweeper := allocation.NewSweeper(allocSvc,
		time.Duration(intEnv("SWEEP_INTERVAL_SECONDS", 15))*time.Second)
	go sweeper.Run(sweepCtx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Company-ID, X-Role")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"lot-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time availability updates.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware)

			// Lots.
			r.Get("/lots", lotSvc.HandleList)
			r.Post("/lots", lotSvc.HandleCreate)
			r.Get("/lots/{lotID}", lotSvc.HandleGet)
			r.Post("/lots/{lotID}/status", lotSvc.HandleSetStatus)
			r.Get("/lots/{lotID}/offers", offerSvc.HandleListByLot)

			// Offers.
			r.Post("/offers", offerSvc.HandleCreate)
			r.Post("/offers/{offerID}/resolve", offerSvc.HandleResolve)

			// Allocations.
			r.Post("/allocations", allocSvc.HandleCreate)
			r.Get("/allocations/{allocationID}", allocSvc.HandleGet)
			r.Post("/allocations/{allocationID}/cancel", allocSvc.HandleCancel)

			// Escrow.
			r.Post("/payments/hold", paySvc.HandleHold)
			r.Post("/payments/{paymentID}/release", paySvc.HandleRelease)

			// Deals.
			r.Get("/deals", dealSvc.HandleList)
			r.Get("/deals/{dealID}", dealSvc.HandleGet)

			// Shipments.
			r.Post("/shipments/quote", shipSvc.HandleQuote)
			r.Post("/shipments", shipSvc.HandleCreate)
			r.Get("/shipments/{shipmentID}", shipSvc.HandleGet)
			r.Post("/shipments/{shipmentID}/status", shipSvc.HandleUpdateStatus)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("lot-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down lot-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("lot-engine stopped")
}

// decimalEnv reads a decimal from the environment, falling back to def.
// Misconfiguration is fatal: fee rates silently defaulting would misprice
// every deal.
func decimalEnv(key, def string) decimal.Decimal {
	raw := os.Getenv(key)
	if raw == "" {
		raw = def
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		slog.Error("invalid decimal in environment", "key", key, "value", raw, "err", err)
		os.Exit(1)
	}
	return d
}

func intEnv(key string, def int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		slog.Error("invalid integer in environment", "key", key, "value", raw)
		os.Exit(1)
	}
	return n
}
