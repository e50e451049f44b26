package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"boardsync/api"
	"boardsync/metrics"
	"boardsync/realtime"
	"boardsync/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	usersTable := os.Getenv("USERS_TABLE")
	boardsTable := os.Getenv("BOARDS_TABLE")
	columnsTable := os.Getenv("COLUMNS_TABLE")
	tasksTable := os.Getenv("TASKS_TABLE")
	if connStr == "" || usersTable == "" || boardsTable == "" || columnsTable == "" || tasksTable == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, usersTable, boardsTable, columnsTable, tasksTable)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	logger := log.New()
	logger.SetLevel(log.GetLevel())

	var journal realtime.Journal
	if queueName := os.Getenv("JOURNAL_QUEUE"); queueName != "" {
		j, err := storage.NewJournal(connStr, queueName, logger)
		if err != nil {
			log.Fatalf("journal: %v", err)
		}
		journal = j
	}

	auth := newAuthFromEnv()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	registry := realtime.NewRegistry()

	var relay *realtime.Relay
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc := redis.NewClient(redisOptionsFromEnv(redisConn))
		channel := os.Getenv("RELAY_CHANNEL")
		if channel == "" {
			channel = "board-events"
		}
		relay = realtime.NewRelay(rc, channel, logger)
	}

	broadcaster := realtime.NewBroadcaster(registry, relay, collector, logger)
	gateway := realtime.NewGateway(store, broadcaster, journal, collector, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if relay != nil {
		go relay.Run(ctx, broadcaster.DeliverLocal)
	}

	allowedOrigins := []string{"*"}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		allowedOrigins = strings.Split(origins, ",")
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(echoprometheus.NewMiddleware("boardsync"))
	e.GET("/metrics", echoprometheus.NewHandler())

	api.Register(e, api.Deps{
		Auth:           auth,
		Users:          store,
		Registry:       registry,
		Gateway:        gateway,
		Collector:      collector,
		Logger:         logger,
		AllowedOrigins: allowedOrigins,
	})

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

// newAuthFromEnv picks the verification mode: a shared HS256 secret when
// JWT_SHARED_SECRET is set, otherwise RS256 against the identity provider's
// JWKS endpoint.
func newAuthFromEnv() *api.Auth {
	audience := os.Getenv("JWT_AUDIENCE")
	issuer := os.Getenv("JWT_ISSUER")

	if secret := os.Getenv("JWT_SHARED_SECRET"); secret != "" {
		return api.NewSharedSecretAuth([]byte(secret), audience, issuer)
	}

	domain := os.Getenv("AUTH_DOMAIN")
	if domain == "" {
		log.Fatal("missing auth config: set JWT_SHARED_SECRET or AUTH_DOMAIN")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	if issuer == "" {
		issuer = "https://" + domain + "/"
	}
	return api.NewAuth(jwks, audience, issuer)
}

// redisOptionsFromEnv accepts either a redis URL or the comma-separated
// "host:port,password=...,ssl=true" form some hosted caches hand out.
func redisOptionsFromEnv(redisConn string) *redis.Options {
	opts, err := redis.ParseURL(redisConn)
	if err == nil {
		return opts
	}
	parts := strings.Split(redisConn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
