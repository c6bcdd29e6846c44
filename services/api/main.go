package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teammsg/internal/config"
	"github.com/teammsg/internal/event"
	"github.com/teammsg/internal/handler"
	"github.com/teammsg/internal/logger"
	"github.com/teammsg/internal/middleware"
	"github.com/teammsg/internal/push"
	"github.com/teammsg/internal/repository"
	"github.com/teammsg/internal/startup"
	"github.com/teammsg/internal/storage/memory"
	"github.com/teammsg/internal/unread"
	"github.com/teammsg/internal/ws"
	"github.com/teammsg/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	memMode := flag.Bool("memory", false, "run fully in-memory (no DB, no Redis; data is lost on restart)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	var (
		convStore   handler.ConversationStore
		msgStore    handler.MessageStore
		pushStore   handler.PushStore
		subStore    push.SubscriptionStore
		markerStore unread.Store
	)

	if *memMode {
		logger.Info("running with in-memory store")
		mem := memory.New()
		convStore = mem.Conversations()
		msgStore = mem.Messages()
		pushStore = mem.Subscriptions()
		subStore = mem.Subscriptions()
		markerStore = mem.Markers()
	} else {
		var embeddedDB *embeddedpostgres.EmbeddedPostgres
		if *dev {
			var err error
			embeddedDB, err = startEmbeddedPostgres(cfg)
			if err != nil {
				logger.Errorf("embedded postgres: %v", err)
				os.Exit(1)
			}
			defer func() {
				logger.Info("stopping embedded postgres...")
				if err := embeddedDB.Stop(); err != nil {
					logger.Errorf("embedded postgres stop: %v", err)
				}
			}()
		}

		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 4

		pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
		defer pool.Close()

		runMigrations(pool)
		if *migrate && !*dev {
			return
		}
		logger.Info("database connected, migrations applied")

		convRepo := repository.NewConversationRepository(pool)
		msgRepo := repository.NewMessageRepository(pool)
		subRepo := repository.NewSubscriptionRepository(pool)
		convStore = convRepo
		msgStore = msgRepo
		pushStore = subRepo
		subStore = subRepo
		markerStore = repository.NewReadMarkerRepository(pool)
	}

	bus := event.NewBus()
	engine := unread.NewEngine(markerStore)
	agg := unread.NewAggregator(markerStore)

	// После коммита отметок — событие в шину; участников берём из хранилища,
	// чтобы транспорты (ws, мост) маршрутизировали без своих запросов.
	engine.NotifyReads(func(ev unread.ReadEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		participants, err := convStore.GetParticipantIDs(ctx, ev.ConversationID)
		if err != nil {
			logger.Errorf("read event %s/%s: load participants: %v", ev.ConversationID, ev.UserID, err)
			return
		}
		bus.Publish(event.MessagesRead(ev, participants))
	})

	bgCtx, bgCancel := context.WithCancel(context.Background())
	var bgWg sync.WaitGroup

	if cfg.Redis.URL != "" && !*memMode {
		redisClient := startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
		defer redisClient.Close()
		bridge := event.NewBridge(bus, redisClient)
		bgWg.Add(1)
		go func() {
			defer bgWg.Done()
			bridge.Run(bgCtx)
		}()
		logger.Info("redis event bridge started")
	}

	hub := ws.NewHub(bus, cfg.MaxWSConnections)
	bgWg.Add(1)
	go func() {
		defer bgWg.Done()
		hub.Run(bgCtx)
	}()

	vapidKeys, err := push.EnsureVAPIDKeys("")
	if err != nil {
		logger.Errorf("vapid keys: %v (push disabled)", err)
		vapidKeys = nil
	}
	if cfg.PushVAPIDPublicKey == "" && vapidKeys != nil {
		cfg.PushVAPIDPublicKey = vapidKeys.PublicKey
	}
	if notifier := push.NewNotifier(subStore, bus, vapidKeys); notifier != nil {
		bgWg.Add(1)
		go func() {
			defer bgWg.Done()
			notifier.Run(bgCtx)
		}()
		logger.Info("push notifier started")
	}

	convH := handler.NewConversationHandler(convStore, msgStore, agg)
	msgH := handler.NewMessageHandler(msgStore, convStore, bus)
	unreadH := handler.NewUnreadHandler(engine, agg, convStore)
	pushH := handler.NewPushHandler(pushStore, cfg.PushVAPIDPublicKey)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get("/api/push/vapid-key", pushH.VAPIDKey)

	authMW := middleware.DevAuth
	if cfg.AuthServiceURL != "" {
		authMW = middleware.AuthServiceValidate(cfg.AuthServiceURL, nil)
	} else {
		logger.Info("AUTH_SERVICE_URL is empty: using X-User-Id dev auth")
	}

	r.Group(func(r chi.Router) {
		r.Use(authMW)
		r.Get("/api/conversations", convH.List)
		r.Post("/api/conversations", convH.Create)
		r.Post("/api/conversations/direct", convH.CreateDirect)
		r.Get("/api/conversations/{id}", convH.Get)
		r.Delete("/api/conversations/{id}", convH.Delete)
		r.Get("/api/conversations/{id}/messages", msgH.List)
		r.Post("/api/conversations/{id}/messages", msgH.Create)
		r.Get("/api/conversations/{id}/unread", unreadH.UnreadIDs)
		r.Post("/api/conversations/{id}/read", unreadH.MarkRead)
		r.Get("/api/unread/count", unreadH.Count)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	bgCancel()
	bgWg.Wait()
	logger.Info("hub, bridge and notifier stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// runMigrations прогоняет встроенные .sql по алфавиту (001, 002, ...).
// Миграции идемпотентны (IF NOT EXISTS), повторный прогон безопасен.
func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	files, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		logger.Errorf("list migrations: %v", err)
		os.Exit(1)
	}
	sort.Strings(files)
	for _, f := range files {
		data, err := migrations.Files.ReadFile(f)
		if err != nil {
			logger.Errorf("read migration %s: %v", f, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", f, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "teammsg"
		password = "teammsg_secret"
		database = "teammsg"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
