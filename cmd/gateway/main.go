package main

import (
	"context"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tom/gateway/internal/api"
	"tom/gateway/internal/auth"
	"tom/gateway/internal/config"
	"tom/gateway/internal/gateway"
	"tom/gateway/internal/nonce"
	"tom/gateway/internal/rl"
)

func main() {
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	cfg := config.Load()

	nonces := newNonceStore(cfg)
	defer nonces.Close()

	var verifier *auth.Verifier
	if !cfg.JWT.DevAllowNone {
		var err error
		verifier, err = auth.NewVerifier(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience,
			time.Duration(cfg.JWT.MaxTTLSec)*time.Second,
			time.Duration(cfg.JWT.NonceTTL)*time.Second, nonces)
		if err != nil {
			log.Fatalf("auth: %v", err)
		}
	}

	var hasher *auth.Hasher
	if cfg.Phone.Pepper != "" {
		var err error
		hasher, err = auth.NewHasher(cfg.Phone.DefaultCountry, cfg.Phone.Pepper, cfg.Phone.PreviousPepper)
		if err != nil {
			log.Fatalf("phone hashing: %v", err)
		}
	} else {
		log.Printf("PHONE_PEPPER unset, caller identity disabled")
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	bandit := rl.NewBandit(filepath.Join(cfg.RL.StateDir, "bandit_state.json"), rng)
	guard, err := rl.NewGuard(rl.GuardConfig{
		BaseVariant:        cfg.RL.BaseVariant,
		TrafficSplitNew:    cfg.RL.SplitNew,
		TrafficSplitUncert: cfg.RL.SplitUncertain,
		BlacklistThreshold: cfg.RL.BlacklistReward,
		MinPulls:           cfg.RL.MinPulls,
		UncertaintyConf:    cfg.RL.UncertainConf,
		MaxActiveVariants:  cfg.RL.MaxActive,
	}, filepath.Join(cfg.RL.StateDir, "deployment_state.json"), bandit, rng)
	if err != nil {
		log.Fatalf("rl guard: %v", err)
	}
	for _, id := range cfg.RL.Variants {
		if err := guard.AddVariant(rl.Variant{ID: id, Name: id}); err != nil {
			log.Printf("rl: skipping configured variant %q: %v", id, err)
		}
	}

	srv := gateway.NewServer(cfg, verifier, hasher, guard, bandit)

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws/stream/", srv.HandleStream)
	wsServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           wsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	handlers := api.NewHandlers(cfg, nonces, guard, bandit, srv.Registry())
	adminServer := &http.Server{
		Addr:              ":" + cfg.Server.AdminPort,
		Handler:           api.NewRouter(handlers),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Printf("shutdown signal received; draining...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = wsServer.Shutdown(ctx)
		_ = adminServer.Shutdown(ctx)
		srv.Shutdown()
		bandit.Flush()
		guard.Flush()
	}()

	go func() {
		log.Printf("admin server starting on :%s", cfg.Server.AdminPort)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("admin server: %v", err)
		}
	}()

	log.Printf("gateway starting on :%s backend=%s", cfg.Server.Port, cfg.Realtime.Backend)
	if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("gateway server: %v", err)
	}
}

func newNonceStore(cfg config.Config) nonce.Store {
	if cfg.Redis.URL != "" {
		store, err := nonce.NewRedisStore(cfg.Redis.URL)
		if err == nil {
			return store
		}
		log.Printf("redis unavailable, falling back to in-memory nonce store: %v", err)
	}
	return nonce.NewMemoryStore()
}
