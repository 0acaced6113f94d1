package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"net/smtp"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"tavolo.app/internal/auth"
	"tavolo.app/internal/httpapi"
	"tavolo.app/internal/mail"
	"tavolo.app/internal/obs"
	"tavolo.app/internal/token"
)

var version = "0.3.1"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("TAVOLO_COMMIT"))

	dsn := os.Getenv("TAVOLO_PG_DSN")
	if dsn == "" {
		log.Fatal("TAVOLO_PG_DSN is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	secret := os.Getenv("TAVOLO_SESSION_SECRET")
	if secret == "" {
		log.Fatal("TAVOLO_SESSION_SECRET is required")
	}

	store := auth.NewPGStore(db)

	// Security tokens live in redis when an address is configured, otherwise
	// they share the PostgreSQL instance.
	var tokenStore token.Store = token.NewPGStore(db)
	if addr := os.Getenv("TAVOLO_REDIS_ADDR"); addr != "" {
		tokenStore = token.NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}))
	}
	tokens, err := token.NewService(tokenStore)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	var mailer mail.Sender = mail.LogSender{}
	if addr := os.Getenv("TAVOLO_SMTP_ADDR"); addr != "" {
		var smtpAuth smtp.Auth
		if user := os.Getenv("TAVOLO_SMTP_USER"); user != "" {
			host, _, _ := net.SplitHostPort(addr)
			smtpAuth = smtp.PlainAuth("", user, os.Getenv("TAVOLO_SMTP_PASSWORD"), host)
		}
		mailer = &mail.SMTPSender{
			Addr: addr,
			From: os.Getenv("TAVOLO_SMTP_FROM"),
			Auth: smtpAuth,
		}
	}

	sessions, err := auth.NewSessionIssuer(store, []byte(secret),
		auth.WithSessionTTL(envDuration("TAVOLO_SESSION_TTL_HOURS", time.Hour, 24)))
	if err != nil {
		log.Fatalf("session issuer: %v", err)
	}

	policy := auth.DefaultPolicy()
	if v := envInt("TAVOLO_LOCKOUT_MAX_ATTEMPTS", 0); v > 0 {
		policy.MaxAttempts = v
	}
	if d := envDuration("TAVOLO_LOCKOUT_MINUTES", time.Minute, 0); d > 0 {
		policy.LockDuration = d
	}

	engine, err := auth.NewService(store, tokens, mailer, sessions, auth.WithPolicy(policy))
	if err != nil {
		log.Fatalf("auth engine: %v", err)
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, engine, sessions, version)

	addr := os.Getenv("TAVOLO_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting tavolo-auth %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = db.Close()
	log.Println("Stopped")
}

func envInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Fatalf("%s: %v", name, err)
	}
	return v
}

func envDuration(name string, unit time.Duration, def int) time.Duration {
	return time.Duration(envInt(name, def)) * unit
}
