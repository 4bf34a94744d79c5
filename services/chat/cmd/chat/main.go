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
	"github.com/FutureMindsLab/bookflows/pkg/ai"
	"github.com/FutureMindsLab/bookflows/pkg/store"
	"github.com/FutureMindsLab/bookflows/services/chat/internal/app"
	"github.com/FutureMindsLab/bookflows/services/chat/internal/config"
	"github.com/FutureMindsLab/bookflows/services/chat/internal/server"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "chat")

	jwtLeeway, err := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	if err != nil {
		util.Fatal("failed to parse jwt leeway", "err", err)
	}
	completionTimeout, err := config.ParseDuration("completionTimeout", cfg.CompletionTimeout)
	if err != nil {
		util.Fatal("failed to parse completion timeout", "err", err)
	}
	if completionTimeout == 0 {
		completionTimeout = 45 * time.Second
	}
	idleTTL, err := config.ParseDuration("sessionIdleTTL", cfg.SessionIdleTTL)
	if err != nil {
		util.Fatal("failed to parse session idle ttl", "err", err)
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

	completer, err := ai.NewCompleter(ai.Config{
		Provider: cfg.Provider,
		Model:    cfg.Model,
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
		Timeout:  completionTimeout,
	})
	if err != nil {
		util.Fatal("failed to init chat completer", "err", err)
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}
	defer dataStore.Close()

	var limiter ratelimit.Limiter = ratelimit.Unlimited{}
	if cfg.RedisAddr != "" && cfg.MessageRateLimitPerMinute > 0 {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer redisClient.Close()
		limiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "bookflows:chat:ratelimit", cfg.MessageRateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init message rate limiter", "err", err)
		}
	}

	appCore, err := app.New(app.Config{
		Store:             dataStore,
		Completer:         completer,
		DailyMessageLimit: cfg.DailyMessageLimit,
		CompletionTimeout: completionTimeout,
		RestrictToBook:    cfg.RestrictToBookEnabled(),
		SessionIdleTTL:    idleTTL,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		MessageLimiter: limiter,
		TrustedProxies: trusted,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	sweepCtx, stopSweeper := context.WithCancel(util.ContextWithLogger(context.Background(), logger))
	defer stopSweeper()
	go appCore.RunSweeper(sweepCtx, 0)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: completionTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("chat server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Fatal("server error", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	stopSweeper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), completionTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
	logger.Info("chat server stopped")
}
