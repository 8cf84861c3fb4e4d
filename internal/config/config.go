// Package config resolves the fetcher configuration from the environment,
// a .env file, command-line flags and a JSON config file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/Sternrassler/cve-fetcher/pkg/batch"
	"github.com/Sternrassler/cve-fetcher/pkg/client"
)

const (
	// DefaultConfigFile is read when present; its absence is not an error.
	DefaultConfigFile = "config.json"

	// DefaultDotEnvFile is read when present; its absence is not an error.
	DefaultDotEnvFile = ".env"
)

// Key describes one configuration setting. ID is the environment variable,
// the flag name and the config.json field.
type Key struct {
	ID      string
	Desc    string
	Default string
}

// Configuration keys.
var (
	KeyAuthKey        = Key{ID: "AUTHORIZATION_KEY", Desc: "Authorization Key"}
	KeyJWTToken       = Key{ID: "JWT_TOKEN", Desc: "JWT Token"}
	KeyAPIBaseURL     = Key{ID: "API_BASE_URL", Desc: "API Base URL"}
	KeyCVEAPIEndpoint = Key{ID: "CVE_API_ENDPOINT", Desc: "CVE API Endpoint"}
	KeyListFile       = Key{ID: "CVE_LIST_FILE", Desc: "CVE List File", Default: "cve_list.json"}
	KeyDetailsFile    = Key{ID: "CVE_DETAILS_FILE", Desc: "CVE Details File", Default: "cve_details.json"}
	KeyMaxWorkers     = Key{ID: "MAX_WORKERS", Desc: "Max Workers", Default: strconv.Itoa(batch.DefaultMaxWorkers)}
	KeyProject        = Key{ID: "PROJECT", Desc: "Project tag sent with every lookup", Default: client.DefaultProject}
	KeyUserAgent      = Key{ID: "USER_AGENT", Desc: "User-Agent header", Default: client.DefaultUserAgent}
	KeyAttemptTimeout = Key{ID: "ATTEMPT_TIMEOUT", Desc: "Timeout per request attempt", Default: client.DefaultAttemptTimeout.String()}
	KeyLogLevel       = Key{ID: "LOG_LEVEL", Desc: "Log level (debug, info, warn, error)", Default: "info"}
	KeyLogPretty      = Key{ID: "LOG_PRETTY", Desc: "Human-readable console logs", Default: "false"}
	KeyMetricsAddr    = Key{ID: "METRICS_ADDR", Desc: "Address serving /metrics during the run (disabled when empty)"}
	KeyRedisURL       = Key{ID: "REDIS_URL", Desc: "Redis URL for live progress publishing (disabled when empty)"}
	KeyRunID          = Key{ID: "RUN_ID", Desc: "Run identifier for published progress (random when empty)"}
)

// Keys lists every configuration key in flag registration order.
var Keys = []Key{
	KeyAuthKey,
	KeyJWTToken,
	KeyAPIBaseURL,
	KeyCVEAPIEndpoint,
	KeyListFile,
	KeyDetailsFile,
	KeyMaxWorkers,
	KeyProject,
	KeyUserAgent,
	KeyAttemptTimeout,
	KeyLogLevel,
	KeyLogPretty,
	KeyMetricsAddr,
	KeyRedisURL,
	KeyRunID,
}

// Config is the resolved fetcher configuration.
type Config struct {
	AuthKey        string
	JWTToken       string
	APIBaseURL     string
	CVEAPIEndpoint string
	ListFile       string
	DetailsFile    string
	MaxWorkers     int
	Project        string
	UserAgent      string
	AttemptTimeout time.Duration
	LogLevel       string
	LogPretty      bool
	MetricsAddr    string
	RedisURL       string
	RunID          string
}

// Validate checks the configuration. A failure here aborts the run before
// any network call.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.AuthKey, validation.Required),
		validation.Field(&c.APIBaseURL, validation.Required, is.URL),
		validation.Field(&c.CVEAPIEndpoint, validation.Required),
		validation.Field(&c.ListFile, validation.Required),
		validation.Field(&c.DetailsFile, validation.Required),
		validation.Field(&c.MaxWorkers, validation.Required, validation.Min(1)),
		validation.Field(&c.AttemptTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "warning", "error")),
	)
}

// Sources holds the raw inputs Load merges. Lookups are by Key.ID.
type Sources struct {
	// Env looks up process environment variables. Defaults to os.LookupEnv.
	Env func(string) (string, bool)

	// DotEnvFile is read when it exists. Defaults to DefaultDotEnvFile.
	DotEnvFile string

	// Flags holds flag values explicitly set on the command line.
	Flags map[string]string

	// ConfigFile is read when it exists. Defaults to DefaultConfigFile.
	ConfigFile string
}

// Load resolves every key with the precedence
// environment > .env > flags > config file > default, then validates.
func Load(src Sources) (Config, error) {
	if src.Env == nil {
		src.Env = os.LookupEnv
	}
	if src.DotEnvFile == "" {
		src.DotEnvFile = DefaultDotEnvFile
	}
	if src.ConfigFile == "" {
		src.ConfigFile = DefaultConfigFile
	}

	dotenv, err := readDotEnv(src.DotEnvFile)
	if err != nil {
		return Config{}, err
	}

	file, err := readConfigFile(src.ConfigFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(k Key) string {
		if v, ok := src.Env(k.ID); ok && v != "" {
			return v
		}
		if v := dotenv[k.ID]; v != "" {
			return v
		}
		if v := src.Flags[k.ID]; v != "" {
			return v
		}
		if v := file[k.ID]; v != "" {
			return v
		}
		return k.Default
	}

	cfg := Config{
		AuthKey:        lookup(KeyAuthKey),
		JWTToken:       lookup(KeyJWTToken),
		APIBaseURL:     strings.TrimRight(lookup(KeyAPIBaseURL), "/"),
		CVEAPIEndpoint: lookup(KeyCVEAPIEndpoint),
		ListFile:       lookup(KeyListFile),
		DetailsFile:    lookup(KeyDetailsFile),
		Project:        lookup(KeyProject),
		UserAgent:      lookup(KeyUserAgent),
		LogLevel:       strings.ToLower(lookup(KeyLogLevel)),
		MetricsAddr:    lookup(KeyMetricsAddr),
		RedisURL:       lookup(KeyRedisURL),
		RunID:          lookup(KeyRunID),
	}

	if cfg.CVEAPIEndpoint != "" && !strings.HasPrefix(cfg.CVEAPIEndpoint, "/") {
		cfg.CVEAPIEndpoint = "/" + cfg.CVEAPIEndpoint
	}

	if cfg.MaxWorkers, err = strconv.Atoi(lookup(KeyMaxWorkers)); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", KeyMaxWorkers.ID, err)
	}
	if cfg.AttemptTimeout, err = time.ParseDuration(lookup(KeyAttemptTimeout)); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", KeyAttemptTimeout.ID, err)
	}
	if cfg.LogPretty, err = strconv.ParseBool(lookup(KeyLogPretty)); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", KeyLogPretty.ID, err)
	}

	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// readDotEnv parses a .env file without modifying the process environment.
func readDotEnv(path string) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return values, nil
}

// readConfigFile parses a flat JSON object. Non-string values are
// converted with their JSON text ("MAX_WORKERS": 8 becomes "8").
func readConfigFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			values[k] = s
			continue
		}
		values[k] = strings.TrimSpace(string(v))
	}
	return values, nil
}
