package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-im/nexus/internal/api"
	"github.com/nexus-im/nexus/internal/auth"
	"github.com/nexus-im/nexus/internal/bus"
	"github.com/nexus-im/nexus/internal/config"
	"github.com/nexus-im/nexus/internal/logging"
	"github.com/nexus-im/nexus/internal/metrics"
	"github.com/nexus-im/nexus/internal/presence"
	"github.com/nexus-im/nexus/internal/publisher"
	"github.com/nexus-im/nexus/internal/realtime"
	"github.com/nexus-im/nexus/store/conversation"
	"github.com/nexus-im/nexus/store/message"
	"github.com/nexus-im/nexus/store/schema"
	"github.com/nexus-im/nexus/store/user"

	_ "github.com/lib/pq"
)

var addr = flag.String("addr", "", "http service address, overrides ADDR")

const shutdownTimeout = 10 * time.Second

func main() {
	flag.Parse()

	// a missing .env is fine, the environment may be set already
	_ = godotenv.Load()

	cfg := config.Load()
	if *addr != "" {
		cfg.Addr = *addr
	}
	log := logging.New(cfg.LogLevel, cfg.IsDevelopment())

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("close database")
		}
	}()
	if err := db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "database unreachable")
	}
	if err := schema.Apply(ctx, db); err != nil {
		return err
	}
	log.Info().Msg("connected to database")

	users := user.NewSQLStore(db)
	convos := conversation.NewSQLStore(db)
	messages := message.NewSQLStore(db)
	m := metrics.New()

	var (
		b     bus.Bus
		store presence.Store
	)
	if cfg.RedisURL != "" {
		client, err := bus.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		b = bus.NewRedis(client, log)
		store = presence.NewRedisStore(client, presence.DefaultKey, presence.DefaultTTL)
		log.Info().Msg("using redis channel bus")
	} else {
		b = bus.NewMemory(0, log)
		store = presence.NewMemoryStore()
		log.Warn().Msg("REDIS_URL not set, realtime only reaches clients of this instance")
	}
	defer b.Close()

	g, gctx := errgroup.WithContext(ctx)

	direct := publisher.New(b, m, log)
	var sink publisher.Sink = direct
	if cfg.PublishMode == config.PublishAsync {
		redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			return errors.Wrap(err, "parse REDIS_URL")
		}
		client := asynq.NewClient(redisOpt)
		defer client.Close()
		sink = publisher.NewAsync(client, m, log)

		worker := asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: cfg.AsynqConcurrency,
			Queues:      map[string]int{publisher.Queue: 1},
			Logger:      asynqLogger{log: log.With().Str("component", "asynq").Logger()},
		})
		if err := worker.Start(publisher.NewServeMux(direct)); err != nil {
			return errors.Wrap(err, "start publish worker")
		}
		g.Go(func() error {
			<-gctx.Done()
			worker.Shutdown()
			return nil
		})
		log.Info().Int("concurrency", cfg.AsynqConcurrency).Msg("publishing through asynq")
	}

	authn := auth.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
	gateway := realtime.NewGateway(realtime.Options{
		Bus:           b,
		Authenticator: authn,
		Authorizer:    realtime.NewChannelAuthorizer(convos),
		Presence:      store,
		Metrics:       m,
		Log:           log,
		CheckOrigin:   originChecker(cfg.AllowedOrigins),
	})

	r := mux.NewRouter()
	api.New(api.Deps{
		Users:         users,
		Conversations: convos,
		Messages:      messages,
		Notifier:      publisher.NewNotifier(sink, cfg.PublishTimeout),
		Authenticator: authn,
		Log:           log,
	}).Register(r)
	r.Handle("/ws", gateway)
	r.Handle("/metrics", m.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Debug().Err(err).Msg("health check write error")
		}
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           c.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("publish_mode", cfg.PublishMode).Msg("server starting")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// websockets are hijacked and not covered by Shutdown
		if err := gateway.Close(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("realtime connections did not close in time")
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// originChecker accepts websocket upgrades from the configured browser
// origins and from clients that send no Origin at all.
func originChecker(allowed []string) func(r *http.Request) bool {
	allowedMap := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		allowedMap[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowedMap[origin]
	}
}

type asynqLogger struct {
	log zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Fatal().Msg(fmt.Sprint(args...)) }
