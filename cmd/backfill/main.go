package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/you/matchvault/internal/apiclient"
	"github.com/you/matchvault/internal/auth"
	"github.com/you/matchvault/internal/backfill"
	"github.com/you/matchvault/internal/citation"
	"github.com/you/matchvault/internal/config"
	"github.com/you/matchvault/internal/playerstore"
	"github.com/you/matchvault/internal/sharedstore"
	"github.com/you/matchvault/internal/version"
)

type categoryFlags struct {
	enabled bool
	force   bool
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("backfill: load .env: %v", err)
	}

	var (
		versionFlag bool
		player      string
		allPlayers  bool
		dataDir     string
		dryRun      bool
		maxMatches  int

		sessions  categoryFlags
		accuracy  categoryFlags
		damage    categoryFlags
		pairs     categoryFlags
		citations categoryFlags
		score     categoryFlags
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&player, "player", "", "Player ID to backfill")
	flag.BoolVar(&allPlayers, "all-players", false, "Backfill every configured player")
	flag.StringVar(&dataDir, "data-dir", "", "Directory holding the shared and per-player databases")
	flag.BoolVar(&dryRun, "dry-run", false, "Report what would change without writing")
	flag.IntVar(&maxMatches, "max-matches", 0, "Per-category match budget (0 = unlimited)")

	flag.BoolVar(&sessions.enabled, "sessions", false, "Assign play sessions to matches missing one")
	flag.BoolVar(&sessions.force, "force-sessions", false, "Recompute sessions for every match")
	flag.BoolVar(&accuracy.enabled, "accuracy", false, "Refetch shot figures for matches missing them")
	flag.BoolVar(&accuracy.force, "force-accuracy", false, "Refetch shot figures for every match")
	flag.BoolVar(&damage.enabled, "damage", false, "Refetch damage figures for matches missing them")
	flag.BoolVar(&damage.force, "force-damage", false, "Refetch damage figures for every match")
	flag.BoolVar(&pairs.enabled, "pairs", false, "Refetch highlight events for matches missing them")
	flag.BoolVar(&pairs.force, "force-pairs", false, "Refetch highlight events for every match")
	flag.BoolVar(&citations.enabled, "citations", false, "Recompute citations for matches missing them")
	flag.BoolVar(&citations.force, "force-citations", false, "Recompute citations for every match")
	flag.BoolVar(&score.enabled, "score", false, "Recompute performance scores for matches missing one")
	flag.BoolVar(&score.force, "force-score", false, "Recompute performance scores for every match")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"backfill version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	cfg := config.Load()
	if strings.TrimSpace(dataDir) != "" {
		cfg.DataDir = strings.TrimSpace(dataDir)
	}

	cats := backfill.Categories{
		Sessions:  backfill.CategoryOpt{Enabled: sessions.enabled, Force: sessions.force},
		Accuracy:  backfill.CategoryOpt{Enabled: accuracy.enabled, Force: accuracy.force},
		Damage:    backfill.CategoryOpt{Enabled: damage.enabled, Force: damage.force},
		Pairs:     backfill.CategoryOpt{Enabled: pairs.enabled, Force: pairs.force},
		Citations: backfill.CategoryOpt{Enabled: citations.enabled, Force: citations.force},
		Score:     backfill.CategoryOpt{Enabled: score.enabled, Force: score.force},
	}
	if err := cats.Validate(); err != nil {
		log.Fatalf("backfill: %v", err)
	}
	if !cats.Any() {
		log.Fatal("backfill: no categories selected; pass -sessions, -accuracy, -damage, -pairs, -citations, or -score")
	}

	var targets []string
	switch {
	case allPlayers:
		targets = cfg.Players
	case strings.TrimSpace(player) != "":
		targets = []string{strings.TrimSpace(player)}
	}
	if len(targets) == 0 {
		log.Fatal("backfill: no players; pass -player or -all-players with MV_PLAYERS set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("backfill: received %s, stopping", sig)
		cancel()
	}()

	// The refetch categories need the API; the pure recomputations run offline.
	var api backfill.API
	if cats.Accuracy.Enabled || cats.Damage.Enabled || cats.Pairs.Enabled {
		client, err := apiclient.New(apiclient.Options{
			BaseURL:    cfg.API.BaseURL,
			Tokens:     tokenSource(cfg),
			RPS:        cfg.API.RPS,
			Burst:      cfg.API.Burst,
			MaxRetries: cfg.API.MaxRetries,
		})
		if err != nil {
			log.Fatalf("backfill: api client: %v", err)
		}
		api = client
	}

	sharedPath := filepath.Join(cfg.DataDir, "shared.db")
	shared, err := sharedstore.Open(sharedPath)
	if err != nil {
		log.Fatalf("backfill: open shared store: %v", err)
	}
	defer shared.Close()

	if err := shared.SeedRules(ctx, citation.DefaultRules()); err != nil {
		log.Fatalf("backfill: seed citation rules: %v", err)
	}

	// Per-match failures are reported, not fatal: the process exits zero as
	// long as every player could be opened and processed.
	anyFailed := false
	for _, playerID := range targets {
		ps, err := playerstore.Open(filepath.Join(cfg.DataDir, playerID+".db"), playerID)
		if err != nil {
			log.Fatalf("backfill: open player store %s: %v", playerID, err)
		}

		orch := backfill.New(api, shared, ps, backfill.Options{
			Categories: cats,
			DryRun:     dryRun,
			MaxMatches: maxMatches,
			SessionGap: cfg.SessionGap(),
			MinSamples: cfg.Score.MinSamples,
		})
		report, err := orch.Run(ctx)
		if err != nil {
			_ = ps.Close()
			log.Fatalf("backfill: %s: %v", playerID, err)
		}
		if report.Failed() {
			anyFailed = true
		}
		fmt.Println(report)

		if err := ps.Close(); err != nil {
			log.Printf("backfill: closing player store %s: %v", playerID, err)
		}
	}

	if anyFailed {
		log.Printf("backfill: completed with per-match failures; see report above")
	}
}

func tokenSource(cfg config.Config) auth.TokenSource {
	refreshable := cfg.API.ClientID != "" && cfg.API.ClientSecret != "" &&
		(cfg.API.RefreshToken != "" || cfg.API.RefreshTokenFile != "")
	if refreshable {
		if cfg.API.TokenFile == "" {
			log.Fatal("backfill: api-token-file is required when refresh inputs provided")
		}
		return auth.NewRefreshManager(
			strings.TrimRight(cfg.API.BaseURL, "/")+"/oauth/token",
			cfg.API.ClientID,
			cfg.API.ClientSecret,
			cfg.API.RefreshToken,
			auth.TokenFiles{AccessPath: cfg.API.TokenFile, RefreshPath: cfg.API.RefreshTokenFile},
		)
	}
	if cfg.API.TokenFile != "" {
		return auth.NewFileTokenLoader(cfg.API.TokenFile)
	}
	if cfg.API.Token != "" {
		return auth.StaticToken(cfg.API.Token)
	}
	log.Fatal("backfill: no API credentials; set MV_API_TOKEN, MV_API_TOKEN_FILE, or refresh inputs")
	return nil
}
