package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/FutureMindsLab/bookflows/internal/ratelimit"
	"github.com/FutureMindsLab/bookflows/internal/usertoken"
	"github.com/FutureMindsLab/bookflows/internal/util"
	"github.com/FutureMindsLab/bookflows/pkg/booksearch"
	"github.com/FutureMindsLab/bookflows/pkg/store"
	"github.com/FutureMindsLab/bookflows/services/library/internal/app"
	"github.com/FutureMindsLab/bookflows/services/library/internal/config"
	"github.com/FutureMindsLab/bookflows/services/library/internal/server"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "library")

	jwtLeeway, err := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	if err != nil {
		util.Fatal("failed to parse jwt leeway", "err", err)
	}
	cacheTTL, err := config.ParseDuration("searchCacheTTL", cfg.SearchCacheTTL)
	if err != nil {
		util.Fatal("failed to parse search cache ttl", "err", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("invalid trusted proxy cidrs", "err", err)
	}

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:     cfg.JWTSecret,
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}
	defer dataStore.Close()

	var searcher booksearch.Searcher = booksearch.NewGoogleBooksClient(
		cfg.GoogleBooksAPIKey,
		booksearch.WithBaseURL(cfg.GoogleBooksBaseURL),
	)
	var limiter ratelimit.Limiter = ratelimit.Unlimited{}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer redisClient.Close()
		searcher = booksearch.NewRedisCache(searcher, redisClient, "", cacheTTL)
		if cfg.SearchRateLimitPerMinute > 0 {
			limiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "", cfg.SearchRateLimitPerMinute, time.Minute)
			if err != nil {
				util.Fatal("failed to init search rate limiter", "err", err)
			}
		}
	} else {
		logger.Warn("redis not configured; search cache and rate limiting disabled")
	}

	appCore, err := app.New(app.Config{
		Store:            dataStore,
		Searcher:         searcher,
		FreeTierMaxBooks: cfg.FreeTierMaxBooks,
		DedupKey:         cfg.DedupKey,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		SearchLimiter:  limiter,
		TrustedProxies: trusted,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("library server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Fatal("server error", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
	logger.Info("library server stopped")
}
