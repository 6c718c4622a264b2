package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"cowork-app/internal/cleanup"
	"cowork-app/internal/clock"
	"cowork-app/internal/config"
	"cowork-app/internal/database"
	"cowork-app/internal/effects"
	"cowork-app/internal/handlers"
	"cowork-app/internal/identity"
	"cowork-app/internal/presence"
	"cowork-app/internal/quickjoin"
	"cowork-app/internal/registry"
	"cowork-app/internal/store"
	ws "cowork-app/internal/websocket"
	"cowork-app/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg := config.Load()
	clk := clock.New()

	// Initialize the sync store
	st := newStore(cfg, clk)
	defer st.Close()

	// Permanent-room registry is optional; without it resolve skips the
	// last probe and the lobby lists only ephemeral rooms.
	var permanent registry.PermanentLookup
	var permanentLister handlers.PermanentLister
	if cfg.Database.URL != "" {
		db, err := database.NewPostgresDB(ctx, cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database: %v", err)
		}
		defer db.Close()
		permanent = db
		permanentLister = db
	}

	// Initialize core services
	reg := registry.New(st, clk, permanent)
	tracker := presence.NewTracker(st, clk, cfg.Rooms.SessionTTL)
	bus := effects.NewBus(st, clk)
	matcher := quickjoin.NewMatcher(reg, tracker, cfg.Rooms.QuickJoinCapacity, cfg.Rooms.DefaultRoomSlug)
	sweeper := cleanup.NewSweeper(st, reg, clk, cfg.Rooms.SweepInterval, cfg.Rooms.SessionTTL)
	ident := identity.NewService(cfg.JWT.Secret)

	// Initialize WebSocket hub manager
	hubManager := ws.NewManager(tracker, bus)

	// Initialize handlers
	roomHandlers := handlers.NewRoomHandlers(reg, tracker, matcher, ident, permanentLister)
	wsHandlers := handlers.NewWebSocketHandlers(ident, st, reg, tracker, bus, matcher, hubManager)

	// Setup routes
	mux := http.NewServeMux()
	setupRoutes(mux, roomHandlers, wsHandlers)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("Server started on http://localhost%s", cfg.Server.Port)
	logger.Info("WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		err := sweeper.Run(groupCtx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Server shutting down...")
		return server.Shutdown(context.Background())
	})

	if err := group.Wait(); err != nil {
		logger.Fatal("Server error: %v", err)
	}
}

func newStore(cfg *config.Config, clk clock.Clock) store.Store {
	switch cfg.Store.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		logger.Info("Using redis sync store at %s", cfg.Redis.Addr)
		return store.NewRedis(rdb, clk)
	case "memory", "":
		logger.Info("Using in-memory sync store")
		return store.NewMemory(clk)
	default:
		logger.Fatal("Unknown store backend %q", cfg.Store.Backend)
		return nil
	}
}

func setupRoutes(mux *http.ServeMux, roomHandlers *handlers.RoomHandlers, wsHandlers *handlers.WebSocketHandlers) {
	// Room routes
	mux.HandleFunc("/rooms", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rooms" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		switch r.Method {
		case http.MethodGet:
			roomHandlers.ListRooms(w, r)
		case http.MethodPost:
			roomHandlers.CreateRoom(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// /rooms/{slug}
	mux.HandleFunc("/rooms/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		roomHandlers.ResolveRoom(w, r)
	})

	// Quick join
	mux.HandleFunc("/quickjoin", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		roomHandlers.QuickJoin(w, r)
	})

	// WebSocket route
	mux.HandleFunc("/ws", wsHandlers.HandleWebSocket)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
