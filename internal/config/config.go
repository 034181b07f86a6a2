package config

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/spf13/viper"
)

// Config captures all runtime configuration. Values come from environment
// variables, layered over an optional YAML file whose keys are the lower-case
// variable names.
type Config struct {
	Port                   string
	AuthToken              string
	DBURL                  string
	ReadTimeoutSecs        int
	WriteTimeoutSecs       int
	IdleTimeoutSecs        int
	DBMaxConns             int
	DBMinConns             int
	DBMaxIdleSecs          int
	DBMaxLifeSecs          int
	DBConnTimeoutSecs      int
	DBStatementCache       int
	MigrationsDir          string
	ValidationWorkers      int
	LoadTimeoutSecs        int
	LoadRetries            int
	RefreshTimeoutSecs     int
	RefreshPolicy          string
	RefreshIntervalSecs    int
	RefreshPollSecs        int
	QueryCacheTTLSecs      int
	MaxBatchBytes          int64
	MaxBatchRecords        int
	CSVDelimiter           rune
	LandingDir             string
	ObjectStoreURL         string
	ObjectStoreAPIKey      string
	ObjectStoreTimeoutSecs int
	NotifyURLs             []string
	NotifyTimeoutSecs      int
	NotifyOnlyProblems     bool
}

var defaults = map[string]any{
	"PORT":                        "8080",
	"SERVER_READ_TIMEOUT":         15,
	"SERVER_WRITE_TIMEOUT":        60,
	"SERVER_IDLE_TIMEOUT":         60,
	"DB_MAX_CONNS":                20,
	"DB_MIN_CONNS":                2,
	"DB_MAX_CONN_IDLE_SECS":       300,
	"DB_MAX_CONN_LIFETIME_SECS":   3600,
	"DB_CONN_TIMEOUT_SECS":        10,
	"DB_STATEMENT_CACHE_CAPACITY": 256,
	"MIGRATIONS_DIR":              "db/migrations",
	"VALIDATION_WORKERS":          0,
	"LOAD_TIMEOUT_SECS":           60,
	"LOAD_RETRIES":                1,
	"REFRESH_TIMEOUT_SECS":        60,
	"REFRESH_POLICY":              "post-load",
	"REFRESH_INTERVAL_SECS":       300,
	"REFRESH_POLL_SECS":           5,
	"QUERY_CACHE_TTL_SECS":        30,
	"MAX_BATCH_BYTES":             64 << 20,
	"MAX_BATCH_RECORDS":           0,
	"CSV_DELIMITER":               ",",
	"OBJECTSTORE_TIMEOUT_SECS":    5,
	"NOTIFY_TIMEOUT_SECS":         10,
	"NOTIFY_ONLY_PROBLEMS":        true,
}

// Load reads configuration, applying defaults and validation. path may be
// empty, in which case only the environment is consulted.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	r := reader{v: v}
	cfg := Config{
		Port:                   r.str("PORT"),
		AuthToken:              r.str("AUTH_TOKEN"),
		DBURL:                  r.str("DB_URL"),
		ReadTimeoutSecs:        r.integer("SERVER_READ_TIMEOUT"),
		WriteTimeoutSecs:       r.integer("SERVER_WRITE_TIMEOUT"),
		IdleTimeoutSecs:        r.integer("SERVER_IDLE_TIMEOUT"),
		DBMaxConns:             r.integer("DB_MAX_CONNS"),
		DBMinConns:             r.integer("DB_MIN_CONNS"),
		DBMaxIdleSecs:          r.integer("DB_MAX_CONN_IDLE_SECS"),
		DBMaxLifeSecs:          r.integer("DB_MAX_CONN_LIFETIME_SECS"),
		DBConnTimeoutSecs:      r.integer("DB_CONN_TIMEOUT_SECS"),
		DBStatementCache:       r.integer("DB_STATEMENT_CACHE_CAPACITY"),
		MigrationsDir:          r.str("MIGRATIONS_DIR"),
		ValidationWorkers:      r.integer("VALIDATION_WORKERS"),
		LoadTimeoutSecs:        r.integer("LOAD_TIMEOUT_SECS"),
		LoadRetries:            r.integer("LOAD_RETRIES"),
		RefreshTimeoutSecs:     r.integer("REFRESH_TIMEOUT_SECS"),
		RefreshPolicy:          strings.ToLower(r.str("REFRESH_POLICY")),
		RefreshIntervalSecs:    r.integer("REFRESH_INTERVAL_SECS"),
		RefreshPollSecs:        r.integer("REFRESH_POLL_SECS"),
		QueryCacheTTLSecs:      r.integer("QUERY_CACHE_TTL_SECS"),
		MaxBatchBytes:          int64(r.integer("MAX_BATCH_BYTES")),
		MaxBatchRecords:        r.integer("MAX_BATCH_RECORDS"),
		CSVDelimiter:           r.delimiter("CSV_DELIMITER"),
		LandingDir:             r.str("LANDING_DIR"),
		ObjectStoreURL:         r.str("OBJECTSTORE_URL"),
		ObjectStoreAPIKey:      r.str("OBJECTSTORE_API_KEY"),
		ObjectStoreTimeoutSecs: r.integer("OBJECTSTORE_TIMEOUT_SECS"),
		NotifyURLs:             r.list("NOTIFY_URLS"),
		NotifyTimeoutSecs:      r.integer("NOTIFY_TIMEOUT_SECS"),
		NotifyOnlyProblems:     v.GetBool("NOTIFY_ONLY_PROBLEMS"),
	}
	if r.err != nil {
		return Config{}, r.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.DBURL == "" {
		return fmt.Errorf("DB_URL is required")
	}
	if cfg.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive")
	}
	if cfg.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be non-negative")
	}
	if cfg.DBMaxConns > 0 && cfg.DBMinConns > cfg.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS cannot exceed DB_MAX_CONNS")
	}
	if cfg.DBStatementCache < 0 {
		return fmt.Errorf("DB_STATEMENT_CACHE_CAPACITY must be non-negative")
	}
	if cfg.ValidationWorkers < 0 {
		return fmt.Errorf("VALIDATION_WORKERS must be non-negative")
	}
	if cfg.LoadTimeoutSecs <= 0 {
		return fmt.Errorf("LOAD_TIMEOUT_SECS must be positive")
	}
	if cfg.LoadRetries < 0 {
		return fmt.Errorf("LOAD_RETRIES must be non-negative")
	}
	if cfg.RefreshTimeoutSecs <= 0 {
		return fmt.Errorf("REFRESH_TIMEOUT_SECS must be positive")
	}
	switch cfg.RefreshPolicy {
	case "post-load", "manual":
	case "interval":
		if cfg.RefreshIntervalSecs <= 0 {
			return fmt.Errorf("REFRESH_INTERVAL_SECS must be positive when REFRESH_POLICY is interval")
		}
	default:
		return fmt.Errorf("REFRESH_POLICY must be one of post-load, interval, manual; got %q", cfg.RefreshPolicy)
	}
	if cfg.RefreshPollSecs < 0 {
		return fmt.Errorf("REFRESH_POLL_SECS must be non-negative")
	}
	if cfg.QueryCacheTTLSecs < 0 {
		return fmt.Errorf("QUERY_CACHE_TTL_SECS must be non-negative")
	}
	if cfg.MaxBatchBytes < 0 {
		return fmt.Errorf("MAX_BATCH_BYTES must be non-negative")
	}
	if cfg.MaxBatchRecords < 0 {
		return fmt.Errorf("MAX_BATCH_RECORDS must be non-negative")
	}
	switch cfg.CSVDelimiter {
	case 0, '"', '\r', '\n', utf8.RuneError:
		return fmt.Errorf("CSV_DELIMITER must be a single character other than a quote or line break")
	}
	if cfg.ObjectStoreURL != "" && cfg.ObjectStoreTimeoutSecs <= 0 {
		return fmt.Errorf("OBJECTSTORE_TIMEOUT_SECS must be positive")
	}
	if len(cfg.NotifyURLs) > 0 && cfg.NotifyTimeoutSecs <= 0 {
		return fmt.Errorf("NOTIFY_TIMEOUT_SECS must be positive")
	}
	return nil
}

// RequireServer checks the settings only the HTTP server needs.
func (cfg Config) RequireServer() error {
	if cfg.AuthToken == "" {
		return fmt.Errorf("AUTH_TOKEN is required")
	}
	if cfg.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	return nil
}

// reader collects the first conversion error so Load can report it with the
// variable name.
type reader struct {
	v   *viper.Viper
	err error
}

func (r *reader) str(key string) string {
	return strings.TrimSpace(r.v.GetString(key))
}

func (r *reader) integer(key string) int {
	raw := r.str(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%s must be an integer, got %q", key, raw)
	}
	return n
}

// delimiter accepts one character, or "tab" and "\t" for a tab. The value is
// not trimmed so a literal tab survives.
func (r *reader) delimiter(key string) rune {
	raw := r.v.GetString(key)
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "tab", `\t`:
		return '\t'
	}
	if utf8.RuneCountInString(raw) != 1 {
		return 0
	}
	c, _ := utf8.DecodeRuneInString(raw)
	return c
}

// list accepts a YAML sequence or a comma-separated string.
func (r *reader) list(key string) []string {
	var out []string
	for _, item := range r.v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
