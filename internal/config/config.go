package config

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Players []string
	DataDir string
	API     APIConfig
	Sync    SyncConfig
	Score   ScoreConfig
	HTTP    HTTPConfig
}

type APIConfig struct {
	BaseURL          string
	Token            string
	TokenFile        string
	ClientID         string
	ClientSecret     string
	RefreshToken     string
	RefreshTokenFile string
	RPS              int
	Burst            int
	MaxRetries       int
}

type SyncConfig struct {
	Workers      int
	BatchSize    int
	PageSize     int
	MaxMatches   int
	FlushMaxMS   int
	TxRetries    int
	SessionGapMS int
}

type ScoreConfig struct {
	MinSamples int
}

type HTTPConfig struct {
	Addr        string
	CorsOrigins []string
	RateRPS     int
	RateBurst   int
	Metrics     bool
	AccessLog   bool
}

const (
	defaultDataDir      = "data"
	defaultBaseURL      = "https://stats.example.com"
	defaultRPS          = 5
	defaultBurst        = 5
	defaultMaxRetries   = 4
	defaultWorkers      = 5
	defaultBatchSize    = 25
	defaultPageSize     = 25
	defaultFlushMS      = 0
	defaultTxRetries    = 3
	defaultSessionGapMS = 90 * 60 * 1000
	defaultMinSamples   = 10
)

func Load() Config {
	cfg := Config{}

	cfg.Players = splitList(os.Getenv("MV_PLAYERS"))
	cfg.DataDir = strings.TrimSpace(os.Getenv("MV_DATA_DIR"))
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}

	cfg.API.BaseURL = strings.TrimSpace(os.Getenv("MV_API_BASE_URL"))
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = defaultBaseURL
	}
	cfg.API.Token = strings.TrimSpace(os.Getenv("MV_API_TOKEN"))
	cfg.API.TokenFile = strings.TrimSpace(os.Getenv("MV_API_TOKEN_FILE"))
	cfg.API.ClientID = strings.TrimSpace(os.Getenv("MV_API_CLIENT_ID"))
	cfg.API.ClientSecret = strings.TrimSpace(os.Getenv("MV_API_CLIENT_SECRET"))
	cfg.API.RefreshToken = strings.TrimSpace(os.Getenv("MV_API_REFRESH_TOKEN"))
	cfg.API.RefreshTokenFile = strings.TrimSpace(os.Getenv("MV_API_REFRESH_TOKEN_FILE"))
	cfg.API.RPS = readInt("MV_API_RPS", defaultRPS)
	cfg.API.Burst = readInt("MV_API_BURST", defaultBurst)
	cfg.API.MaxRetries = readInt("MV_API_MAX_RETRIES", defaultMaxRetries)

	cfg.Sync.Workers = readInt("MV_SYNC_WORKERS", defaultWorkers)
	cfg.Sync.BatchSize = readInt("MV_SYNC_BATCH_SIZE", defaultBatchSize)
	cfg.Sync.PageSize = readInt("MV_SYNC_PAGE_SIZE", defaultPageSize)
	cfg.Sync.MaxMatches = readInt("MV_SYNC_MAX_MATCHES", 0)
	cfg.Sync.FlushMaxMS = readInt("MV_SYNC_FLUSH_MAX_MS", defaultFlushMS)
	cfg.Sync.TxRetries = readInt("MV_SYNC_TX_RETRIES", defaultTxRetries)
	cfg.Sync.SessionGapMS = readInt("MV_SESSION_GAP_MS", defaultSessionGapMS)

	cfg.Score.MinSamples = readInt("MV_SCORE_MIN_SAMPLES", defaultMinSamples)

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("MV_HTTP_ADDR"))
	cfg.HTTP.CorsOrigins = splitList(os.Getenv("MV_HTTP_CORS_ORIGINS"))
	cfg.HTTP.RateRPS = readInt("MV_HTTP_RATE_RPS", 20)
	cfg.HTTP.RateBurst = readInt("MV_HTTP_RATE_BURST", 40)
	cfg.HTTP.Metrics = readBool("MV_HTTP_METRICS", true)
	cfg.HTTP.AccessLog = readBool("MV_HTTP_ACCESS_LOG", true)

	return cfg
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return dedupe(out)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// FlushInterval converts the flush budget to a duration; zero disables the
// timer-driven flush.
func (c Config) FlushInterval() time.Duration {
	if c.Sync.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Sync.FlushMaxMS) * time.Millisecond
}

// SessionGap is the idle stretch that splits two matches into separate sessions.
func (c Config) SessionGap() time.Duration {
	if c.Sync.SessionGapMS <= 0 {
		return time.Duration(defaultSessionGapMS) * time.Millisecond
	}
	return time.Duration(c.Sync.SessionGapMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Sync.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Sync.BatchSize
}

func (c Config) Redacted() map[string]any {
	refreshEnabled := c.API.ClientID != "" && c.API.ClientSecret != "" &&
		(c.API.RefreshToken != "" || c.API.RefreshTokenFile != "")

	return map[string]any{
		"players":  append([]string(nil), c.Players...),
		"data_dir": c.DataDir,
		"api": map[string]any{
			"base_url":           c.API.BaseURL,
			"token":              redactString(c.API.Token),
			"token_file":         c.API.TokenFile,
			"client_id":          redactString(c.API.ClientID),
			"client_secret":      redactString(c.API.ClientSecret),
			"refresh_token":      redactString(c.API.RefreshToken),
			"refresh_token_file": c.API.RefreshTokenFile,
			"rps":                c.API.RPS,
			"burst":              c.API.Burst,
			"max_retries":        c.API.MaxRetries,
			"refresh_enabled":    refreshEnabled,
		},
		"sync": map[string]any{
			"workers":     c.Sync.Workers,
			"batch_size":  c.Sync.BatchSize,
			"page_size":   c.Sync.PageSize,
			"max_matches": c.Sync.MaxMatches,
			"flush_ms":    c.Sync.FlushMaxMS,
			"tx_retries":  c.Sync.TxRetries,
		},
		"score": map[string]any{
			"min_samples": c.Score.MinSamples,
		},
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"cors_origins": append([]string(nil), c.HTTP.CorsOrigins...),
			"rate_rps":     c.HTTP.RateRPS,
			"rate_burst":   c.HTTP.RateBurst,
			"metrics":      c.HTTP.Metrics,
			"access_log":   c.HTTP.AccessLog,
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
