package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/matchvault/internal/apiclient"
	"github.com/you/matchvault/internal/auth"
	"github.com/you/matchvault/internal/citation"
	"github.com/you/matchvault/internal/config"
	"github.com/you/matchvault/internal/httpapi"
	"github.com/you/matchvault/internal/playerstore"
	"github.com/you/matchvault/internal/repository"
	"github.com/you/matchvault/internal/sharedstore"
	"github.com/you/matchvault/internal/syncer"
	"github.com/you/matchvault/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("syncd: load .env: %v", err)
	}

	var (
		versionFlag     bool
		players         string
		dataDir         string
		apiBaseURL      string
		apiToken        string
		apiTokenFile    string
		apiRPS          int
		syncWorkers     int
		syncBatchSize   int
		syncPageSize    int
		syncMaxMatches  int
		runOnce         bool
		syncEvery       time.Duration
		httpAddr        string
		httpCorsOrigins string
		httpRateRPS     int
		httpRateBurst   int
		httpMetrics     bool
		httpAccessLog   bool
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&players, "players", "", "Comma-separated player IDs to track")
	flag.StringVar(&dataDir, "data-dir", "", "Directory holding the shared and per-player databases")
	flag.StringVar(&apiBaseURL, "api-base-url", "", "Stats service base URL")
	flag.StringVar(&apiToken, "api-token", "", "Stats service bearer token")
	flag.StringVar(&apiTokenFile, "api-token-file", "", "Path to file containing the bearer token")
	flag.IntVar(&apiRPS, "api-rps", 0, "Maximum API requests per second")
	flag.IntVar(&syncWorkers, "sync-workers", 0, "Concurrent per-match fetch workers")
	flag.IntVar(&syncBatchSize, "sync-batch-size", 0, "Matches committed per transaction")
	flag.IntVar(&syncPageSize, "sync-page-size", 0, "History page size")
	flag.IntVar(&syncMaxMatches, "sync-max-matches", 0, "Per-run match budget (0 = unlimited)")
	flag.BoolVar(&runOnce, "once", false, "Run one sync pass per player and exit")
	flag.DurationVar(&syncEvery, "every", 10*time.Minute, "Interval between sync passes")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP API address (e.g., :8765)")
	flag.StringVar(&httpCorsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 20, "Maximum HTTP requests per second per client")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 40, "Burst size for HTTP rate limiter")
	flag.BoolVar(&httpMetrics, "http-metrics", true, "Expose Prometheus metrics endpoint")
	flag.BoolVar(&httpAccessLog, "http-access-log", true, "Log HTTP access records")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"syncd version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()

	if overrides["players"] {
		cfg.Players = nil
		for _, p := range strings.Split(players, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Players = append(cfg.Players, p)
			}
		}
	}
	if overrides["data-dir"] {
		cfg.DataDir = strings.TrimSpace(dataDir)
	}
	if overrides["api-base-url"] {
		cfg.API.BaseURL = strings.TrimSpace(apiBaseURL)
	}
	if overrides["api-token"] {
		cfg.API.Token = strings.TrimSpace(apiToken)
	}
	if overrides["api-token-file"] {
		cfg.API.TokenFile = strings.TrimSpace(apiTokenFile)
	}
	if overrides["api-rps"] {
		cfg.API.RPS = apiRPS
	}
	if overrides["sync-workers"] {
		cfg.Sync.Workers = syncWorkers
	}
	if overrides["sync-batch-size"] {
		cfg.Sync.BatchSize = syncBatchSize
	}
	if overrides["sync-page-size"] {
		cfg.Sync.PageSize = syncPageSize
	}
	if overrides["sync-max-matches"] {
		cfg.Sync.MaxMatches = syncMaxMatches
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["http-cors-origins"] {
		cfg.HTTP.CorsOrigins = nil
		for _, origin := range strings.Split(httpCorsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.HTTP.CorsOrigins = append(cfg.HTTP.CorsOrigins, origin)
			}
		}
	}
	if overrides["http-rate-rps"] {
		cfg.HTTP.RateRPS = httpRateRPS
	}
	if overrides["http-rate-burst"] {
		cfg.HTTP.RateBurst = httpRateBurst
	}
	if overrides["http-metrics"] {
		cfg.HTTP.Metrics = httpMetrics
	}
	if overrides["http-access-log"] {
		cfg.HTTP.AccessLog = httpAccessLog
	}

	if len(cfg.Players) == 0 {
		log.Fatal("syncd: no players configured; set MV_PLAYERS or -players")
	}

	log.Printf("%s", cfg.RedactedJSON())

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("syncd: create data dir: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("syncd: received %s, shutting down", sig)
		cancel()
	}()

	tokens, refreshMgr := buildTokenSource(cfg)

	client, err := apiclient.New(apiclient.Options{
		BaseURL:    cfg.API.BaseURL,
		Tokens:     tokens,
		RPS:        cfg.API.RPS,
		Burst:      cfg.API.Burst,
		MaxRetries: cfg.API.MaxRetries,
	})
	if err != nil {
		log.Fatalf("syncd: api client: %v", err)
	}

	sharedPath := filepath.Join(cfg.DataDir, "shared.db")
	shared, err := sharedstore.Open(sharedPath)
	if err != nil {
		log.Fatalf("syncd: open shared store: %v", err)
	}
	defer func() {
		if err := shared.Close(); err != nil {
			log.Printf("syncd: closing shared store: %v", err)
		}
	}()

	if err := shared.SeedRules(ctx, citation.DefaultRules()); err != nil {
		log.Fatalf("syncd: seed citation rules: %v", err)
	}

	// Refresh the medal reference table once per process; a failure here only
	// degrades category aggregates, so it is not fatal.
	if catalog, err := client.MedalCatalog(ctx); err != nil {
		log.Printf("syncd: refresh medal catalog: %v", err)
	} else if err := shared.UpsertMedalCatalog(ctx, catalog); err != nil {
		log.Printf("syncd: store medal catalog: %v", err)
	}

	playerStores := make(map[string]*playerstore.Store, len(cfg.Players))
	repos := make(map[string]*repository.Repository, len(cfg.Players))
	for _, playerID := range cfg.Players {
		playerPath := filepath.Join(cfg.DataDir, playerID+".db")
		ps, err := playerstore.Open(playerPath, playerID)
		if err != nil {
			log.Fatalf("syncd: open player store %s: %v", playerID, err)
		}
		playerStores[playerID] = ps

		repo, err := repository.Open(ctx, ps, playerPath, sharedPath)
		if err != nil {
			log.Fatalf("syncd: open repository %s: %v", playerID, err)
		}
		repos[playerID] = repo
	}
	defer func() {
		for id, ps := range playerStores {
			if err := ps.Close(); err != nil {
				log.Printf("syncd: closing player store %s: %v", id, err)
			}
		}
		for id, repo := range repos {
			if err := repo.Close(); err != nil {
				log.Printf("syncd: closing repository %s: %v", id, err)
			}
		}
	}()

	registry := prometheus.NewRegistry()
	syncMetrics := syncer.NewMetrics(registry)

	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}

	var api *httpapi.Server
	if cfg.HTTP.Addr != "" {
		api = httpapi.New(repos, reloaderOrNil(refreshMgr), httpapi.Options{
			Addr:        cfg.HTTP.Addr,
			CorsOrigins: cfg.HTTP.CorsOrigins,
			RateRPS:     cfg.HTTP.RateRPS,
			RateBurst:   cfg.HTTP.RateBurst,
			Metrics:     cfg.HTTP.Metrics,
			AccessLog:   cfg.HTTP.AccessLog,
			Build:       build,
			Registry:    registry,
		})
		go func() {
			if err := api.Start(); err != nil {
				log.Fatalf("syncd: http api: %v", err)
			}
		}()
		log.Printf("syncd: http api ready on %s", cfg.HTTP.Addr)
	}

	if refreshMgr != nil && cfg.API.TokenFile != "" {
		paths := []string{cfg.API.TokenFile}
		if cfg.API.RefreshTokenFile != "" {
			paths = append(paths, cfg.API.RefreshTokenFile)
		}
		if err := auth.WatchTokenFiles(func() {
			slog.Info("syncd: token files changed on disk")
		}, paths...); err != nil {
			slog.Error("syncd: watch token files", "err", err)
		}
	}

	progress := func(sum syncer.Summary) {
		if api != nil {
			api.Publish(sum)
		}
	}

	runAll := func() {
		var wg sync.WaitGroup
		for _, playerID := range cfg.Players {
			wg.Add(1)
			go func(playerID string) {
				defer wg.Done()
				engine := syncer.New(client, shared, playerStores[playerID], syncer.Options{
					Workers:       cfg.Sync.Workers,
					PageSize:      cfg.Sync.PageSize,
					BatchSize:     cfg.Batch(),
					TxRetries:     cfg.Sync.TxRetries,
					MaxMatches:    cfg.Sync.MaxMatches,
					SessionGap:    cfg.SessionGap(),
					FlushInterval: cfg.FlushInterval(),
					Progress:      progress,
				}, syncMetrics)
				sum, err := engine.Run(ctx)
				if err != nil {
					log.Printf("syncd: sync %s: %v", playerID, err)
					return
				}
				log.Printf("syncd: %s", sum)
			}(playerID)
		}
		wg.Wait()
	}

	runAll()

	if !runOnce {
		ticker := time.NewTicker(syncEvery)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				runAll()
			}
		}
	}

	if api != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("syncd: http api shutdown: %v", err)
		}
		cancelShutdown()
	}

	log.Printf("syncd: shutdown complete")
}

// buildTokenSource picks the credential strategy: refresh-capable manager when
// client credentials are present, otherwise static token or token file.
func buildTokenSource(cfg config.Config) (auth.TokenSource, *auth.RefreshManager) {
	files := auth.TokenFiles{
		AccessPath:  cfg.API.TokenFile,
		RefreshPath: cfg.API.RefreshTokenFile,
	}

	refreshable := cfg.API.ClientID != "" && cfg.API.ClientSecret != "" &&
		(cfg.API.RefreshToken != "" || cfg.API.RefreshTokenFile != "")
	if refreshable {
		if cfg.API.TokenFile == "" {
			log.Fatal("syncd: api-token-file is required when refresh inputs provided")
		}
		mgr := auth.NewRefreshManager(
			strings.TrimRight(cfg.API.BaseURL, "/")+"/oauth/token",
			cfg.API.ClientID,
			cfg.API.ClientSecret,
			cfg.API.RefreshToken,
			files,
		)
		return mgr, mgr
	}

	if cfg.API.TokenFile != "" {
		return auth.NewFileTokenLoader(cfg.API.TokenFile), nil
	}
	if cfg.API.Token != "" {
		return auth.StaticToken(cfg.API.Token), nil
	}
	log.Fatal("syncd: no API credentials; set MV_API_TOKEN, MV_API_TOKEN_FILE, or refresh inputs")
	return nil, nil
}

func reloaderOrNil(mgr *auth.RefreshManager) httpapi.TokenReloader {
	if mgr == nil {
		return nil
	}
	return mgr
}
