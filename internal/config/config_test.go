package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"MV_PLAYERS", "MV_DATA_DIR", "MV_API_BASE_URL", "MV_API_TOKEN",
		"MV_API_TOKEN_FILE", "MV_API_CLIENT_ID", "MV_API_CLIENT_SECRET",
		"MV_API_REFRESH_TOKEN", "MV_API_REFRESH_TOKEN_FILE",
		"MV_API_RPS", "MV_API_BURST", "MV_API_MAX_RETRIES",
		"MV_SYNC_WORKERS", "MV_SYNC_BATCH_SIZE", "MV_SYNC_PAGE_SIZE",
		"MV_SYNC_MAX_MATCHES", "MV_SYNC_FLUSH_MAX_MS", "MV_SYNC_TX_RETRIES",
		"MV_SESSION_GAP_MS", "MV_SCORE_MIN_SAMPLES",
		"MV_HTTP_ADDR", "MV_HTTP_CORS_ORIGINS", "MV_HTTP_RATE_RPS",
		"MV_HTTP_RATE_BURST", "MV_HTTP_METRICS", "MV_HTTP_ACCESS_LOG",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()
	if len(cfg.Players) != 0 {
		t.Fatalf("expected no players by default, got %v", cfg.Players)
	}
	if cfg.DataDir != "data" {
		t.Fatalf("unexpected data dir: %q", cfg.DataDir)
	}
	if cfg.API.RPS != 5 {
		t.Fatalf("expected default rps 5, got %d", cfg.API.RPS)
	}
	if cfg.Sync.Workers != 5 {
		t.Fatalf("expected default workers 5, got %d", cfg.Sync.Workers)
	}
	if cfg.Batch() != 25 {
		t.Fatalf("expected default batch size 25, got %d", cfg.Batch())
	}
	if cfg.FlushInterval() != 0 {
		t.Fatalf("expected zero flush interval, got %s", cfg.FlushInterval())
	}
	if cfg.SessionGap() != 90*time.Minute {
		t.Fatalf("expected default session gap 90m, got %s", cfg.SessionGap())
	}
	if cfg.Score.MinSamples != 10 {
		t.Fatalf("expected default min samples 10, got %d", cfg.Score.MinSamples)
	}
	if !cfg.HTTP.Metrics {
		t.Fatalf("expected metrics enabled by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MV_PLAYERS", "alice, bob;carol")
	t.Setenv("MV_DATA_DIR", "/var/lib/matchvault")
	t.Setenv("MV_API_BASE_URL", "https://stats.test")
	t.Setenv("MV_API_TOKEN", "secret-token")
	t.Setenv("MV_API_RPS", "9")
	t.Setenv("MV_SYNC_BATCH_SIZE", "50")
	t.Setenv("MV_SESSION_GAP_MS", "3600000")
	t.Setenv("MV_SCORE_MIN_SAMPLES", "20")
	t.Setenv("MV_HTTP_ADDR", ":9090")
	t.Setenv("MV_HTTP_CORS_ORIGINS", "https://a.test,https://b.test")
	t.Setenv("MV_HTTP_METRICS", "false")

	cfg := Load()
	if len(cfg.Players) != 3 {
		t.Fatalf("expected three players, got %v", cfg.Players)
	}
	if cfg.Players[0] != "alice" || cfg.Players[1] != "bob" || cfg.Players[2] != "carol" {
		t.Fatalf("unexpected players: %v", cfg.Players)
	}
	if cfg.DataDir != "/var/lib/matchvault" {
		t.Fatalf("unexpected data dir: %q", cfg.DataDir)
	}
	if cfg.API.BaseURL != "https://stats.test" {
		t.Fatalf("unexpected base url: %q", cfg.API.BaseURL)
	}
	if cfg.API.RPS != 9 {
		t.Fatalf("rps mismatch: %d", cfg.API.RPS)
	}
	if cfg.Batch() != 50 {
		t.Fatalf("batch size mismatch: %d", cfg.Batch())
	}
	if cfg.SessionGap() != time.Hour {
		t.Fatalf("session gap mismatch: %s", cfg.SessionGap())
	}
	if cfg.Score.MinSamples != 20 {
		t.Fatalf("min samples mismatch: %d", cfg.Score.MinSamples)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("http addr mismatch: %q", cfg.HTTP.Addr)
	}
	if len(cfg.HTTP.CorsOrigins) != 2 {
		t.Fatalf("cors origins mismatch: %v", cfg.HTTP.CorsOrigins)
	}
	if cfg.HTTP.Metrics {
		t.Fatalf("expected metrics disabled")
	}
}

func TestLoadPlayersDeduped(t *testing.T) {
	clearEnv(t)
	t.Setenv("MV_PLAYERS", "alice,Alice, alice ,bob")

	cfg := Load()
	if len(cfg.Players) != 2 {
		t.Fatalf("expected dedupe to two players, got %v", cfg.Players)
	}
}

func TestLoadBadIntFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("MV_API_RPS", "not-a-number")
	t.Setenv("MV_SYNC_WORKERS", "-3")

	cfg := Load()
	if cfg.API.RPS != 5 {
		t.Fatalf("expected fallback rps 5, got %d", cfg.API.RPS)
	}
	if cfg.Sync.Workers != 5 {
		t.Fatalf("expected fallback workers 5, got %d", cfg.Sync.Workers)
	}
}

func TestRedactedHidesSecrets(t *testing.T) {
	clearEnv(t)
	t.Setenv("MV_API_TOKEN", "super-secret-token")
	t.Setenv("MV_API_CLIENT_SECRET", "hush")

	cfg := Load()
	out := string(cfg.RedactedJSON())
	if strings.Contains(out, "super-secret-token") {
		t.Fatalf("redacted json leaks the token: %s", out)
	}
	if strings.Contains(out, "hush") {
		t.Fatalf("redacted json leaks the client secret: %s", out)
	}
	if !strings.Contains(out, "REDACTED") {
		t.Fatalf("expected redaction marker in %s", out)
	}
}
