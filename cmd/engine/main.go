package main

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/sentrix/scan-engine/internal/analyzer"
	"github.com/sentrix/scan-engine/internal/api"
	"github.com/sentrix/scan-engine/internal/bus"
	"github.com/sentrix/scan-engine/internal/config"
	"github.com/sentrix/scan-engine/internal/policy"
	"github.com/sentrix/scan-engine/internal/reputation"
	"github.com/sentrix/scan-engine/internal/scanner"
	"github.com/sentrix/scan-engine/internal/store"
	"github.com/sentrix/scan-engine/internal/watcher"
	"github.com/sentrix/scan-engine/internal/worker"
)

func main() {
	log.Println("Starting Sentrix Scan Engine (hybrid file threat detection)...")

	// ─── Configuration ──────────────────────────────────────────────────
	// Secrets (REP_API_KEY, AGENT_TOKEN) come only from the environment.
	// Use a .env file for local development:
	// cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────
	if err := godotenv.Load(); err == nil {
		log.Println("[Config] Loaded .env")
	}
	cfg := config.Load()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("FATAL: Failed to open storage at %s: %v", cfg.DBPath, err)
	}
	defer st.Close()

	// ─── Detection pipeline ─────────────────────────────────────────────
	matcher := analyzer.NewSignatureMatcher(cfg.SignatureDir)

	anomaly, err := analyzer.LoadAnomalyScorer(cfg.ModelPath)
	if err != nil {
		log.Fatalf("FATAL: Anomaly model at %s is malformed: %v", cfg.ModelPath, err)
	}

	text := analyzer.NewTextModel()

	// A nil *Client must not end up inside the interface, or the engine
	// would call through it.
	var rep analyzer.ReputationLookup
	if c := reputation.NewClient(reputation.Options{
		APIKey:          cfg.RepAPIKey,
		BaseURL:         cfg.RepBaseURL,
		MaxPerMinute:    cfg.RepMaxPerMinute,
		PollInterval:    time.Duration(cfg.RepPollIntervalS) * time.Second,
		AnalysisTimeout: time.Duration(cfg.RepAnalysisTimeoutS) * time.Second,
		CacheTTL:        time.Duration(cfg.RepCacheTTLS) * time.Second,
	}, st); c != nil {
		rep = c
		log.Println("[Reputation] Client enabled")
	} else {
		log.Println("[Reputation] REP_API_KEY not set, reputation stage disabled")
	}

	engine := analyzer.NewEngine(matcher, anomaly, text, rep)
	enforcer := policy.NewEnforcer(cfg.PolicyMode, cfg.PolicyMinSeverity, cfg.QuarantineDir)

	// ─── Event bus ──────────────────────────────────────────────────────
	broker := bus.NewBroker(st)
	hub := bus.NewHub(broker)
	go hub.Run()

	// ─── Scan fabric ────────────────────────────────────────────────────
	queue := worker.NewQueue(cfg.QueueCapacity)
	pool := worker.NewPool(queue, engine, enforcer, st, broker, cfg.MaxWorkers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	dirScanner := scanner.NewDirScanner(queue)

	w := watcher.New(broker, queue, time.Duration(cfg.WatchDebounceMS)*time.Millisecond)
	if len(cfg.WatchDirs) > 0 {
		if err := w.Start(cfg.WatchDirs, cfg.WatchRecursive); err != nil {
			log.Printf("Warning: Failed to start watcher on %v: %v", cfg.WatchDirs, err)
		}
	}
	defer func() {
		if w.Status().Running {
			w.Stop()
		}
	}()

	// ─── HTTP surface ───────────────────────────────────────────────────
	r := api.NewServer(cfg, st, engine, enforcer, broker, hub, queue, dirScanner, w).SetupRouter()

	log.Printf("Engine running on :%s (workers=%d, policy=%s)\n", cfg.Port, cfg.MaxWorkers, cfg.PolicyMode)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
