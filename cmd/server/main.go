package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/swapmkt/lending-engine/internal/cashgroup"
	"github.com/swapmkt/lending-engine/internal/ledger"
	"github.com/swapmkt/lending-engine/internal/metrics"
	"github.com/swapmkt/lending-engine/internal/model"
	"github.com/swapmkt/lending-engine/internal/portfolio"
	"github.com/swapmkt/lending-engine/internal/risk"
	"github.com/swapmkt/lending-engine/internal/state"
	"github.com/swapmkt/lending-engine/internal/store"
	"github.com/swapmkt/lending-engine/internal/trade"
)

const reserveAccount = "reserve"

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

	// --- World configuration ---
	// Currency 1 is the base collateral currency; currency 2 is the
	// default lending currency with one cash group of quarterly markets.
	world := state.New(1)
	world.Currencies[1] = &model.Currency{ID: 1, Symbol: "WETH", Decimals: 8}
	world.Currencies[2] = &model.Currency{ID: 2, Symbol: "DAI", Decimals: 8}
	world.Groups[1] = &cashgroup.Group{
		ID:             1,
		Currency:       2,
		CurrencySymbol: "DAI",
		PeriodSize:     90 * 24 * time.Hour,
		NumPeriods:     4,
		RateAnchor:     decimal.NewFromFloat(1.05),
		RateScalar:     decimal.NewFromInt(100),
		FeeBasisPoints: decimal.NewFromFloat(0.0001),
	}
	for _, g := range world.Groups {
		if err := g.Validate(); err != nil {
			slog.Error("invalid cash group", "group", g.ID, "err", err)
			os.Exit(1)
		}
	}

	if err := loadWorld(context.Background(), world, st); err != nil {
		slog.Error("world load failed", "err", err)
		os.Exit(1)
	}

	// --- Price oracle ---
	// ORACLE_RATES format: "2:0.0005,3:1.25" (base units per currency unit).
	oracle := portfolio.NewStaticOracle(world.BaseCurrency)
	oracle.Set(2, decimal.NewFromFloat(0.0005))
	if rates := os.Getenv("ORACLE_RATES"); rates != "" {
		for _, pair := range strings.Split(rates, ",") {
			parts := strings.SplitN(pair, ":", 2)
			if len(parts) != 2 {
				continue
			}
			id, err1 := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 16)
			price, err2 := decimal.NewFromString(strings.TrimSpace(parts[1]))
			if err1 != nil || err2 != nil {
				slog.Warn("skipping malformed oracle rate", "pair", pair)
				continue
			}
			oracle.Set(uint16(id), price)
		}
	}

	// --- Escrow and trade limits ---
	escrow := ledger.New(ledger.NopTransfer{}, oracle, reserveAccount)
	limiter := risk.NewTradeLimiter(
		decimal.NewFromInt(1_000_000),  // per maturity
		decimal.NewFromInt(10_000_000), // per cash group
	)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Trade service ---
	tradeSvc := trade.NewService(world, st, escrow, oracle, limiter, wsHub)

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
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"lending-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time rate updates.
		r.Get("/ws", wsHub.HandleWS)

		// Market queries.
		r.Get("/groups/{groupID}/maturities", tradeSvc.ListMaturities)
		r.Get("/groups/{groupID}/markets", tradeSvc.ListMarkets)
		r.Get("/groups/{groupID}/markets/{maturity}", tradeSvc.GetMarket)
		r.Get("/groups/{groupID}/markets/{maturity}/history", tradeSvc.GetMarketHistory)
		r.Get("/rate", tradeSvc.GetRate)

		// Trade execution.
		r.Post("/trades", tradeSvc.ExecuteBatch)

		// Escrow.
		r.Get("/accounts/{accountID}", tradeSvc.GetAccount)
		r.Get("/accounts/{accountID}/free-collateral", tradeSvc.GetFreeCollateral)
		r.Get("/accounts/{accountID}/journal", tradeSvc.GetJournal)
		r.Post("/accounts/{accountID}/deposit", tradeSvc.Deposit)
		r.Post("/accounts/{accountID}/withdraw", tradeSvc.Withdraw)

		// Settlement and liquidation.
		r.Post("/settle-cash", tradeSvc.SettleCash)
		r.Post("/settle-accounts", tradeSvc.SettleAccounts)
		r.Post("/liquidate", tradeSvc.Liquidate)
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
		slog.Info("lending-engine listening", "port", port)
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

	slog.Info("shutting down lending-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("lending-engine stopped")
}

// loadWorld hydrates the in-memory world from persisted markets,
// balances, and assets.
func loadWorld(ctx context.Context, w *state.World, st store.Store) error {
	markets, err := st.ListMarkets(ctx, 0)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	for i := range markets {
		m := markets[i]
		w.Markets[state.MarketKey{CashGroup: m.CashGroup, Maturity: m.Maturity}] = &m
	}

	accounts, err := st.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	for _, id := range accounts {
		a := w.Account(id)
		balances, err := st.GetBalances(ctx, id)
		if err != nil {
			return fmt.Errorf("load balances %s: %w", id, err)
		}
		for currency, b := range balances {
			a.Balances[currency] = b
		}
		assets, err := st.GetAssets(ctx, id)
		if err != nil {
			return fmt.Errorf("load assets %s: %w", id, err)
		}
		a.Assets = assets
	}

	slog.Info("world loaded", "markets", len(markets), "accounts", len(accounts))
	return nil
}
