// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrInvalidConfig wraps every parse or validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type Config struct {
	HTTPAddr string
	LogLevel slog.Level

	Storage     string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SessionWindow      time.Duration
	ClaimTimeout       time.Duration
	SweepInterval      time.Duration
	DedupMessageWindow time.Duration
	DedupTextWindow    time.Duration

	ClassifierThreshold float64
	GeminiAPIKey        string
	GeminiModel         string

	CatalogURL      string
	CatalogSnapshot string

	WorkflowFile    string
	DefaultWorkflow string

	OutboundURL      string
	OutboundToken    string
	OutboundFailOpen bool

	WebhookToken     string
	AllowedOrigins   []string
	AllowCredentials bool

	MachineID uint16
}

// Load reads an optional .env file (or the given files) and then the
// environment. Missing files are not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: loading env file: %v", ErrInvalidConfig, err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	p := parser{lookup: lookup}
	cfg := &Config{
		HTTPAddr:            p.str("CHATFLOW_HTTP_ADDR", ":8080"),
		LogLevel:            p.level("CHATFLOW_LOG_LEVEL", slog.LevelInfo),
		Storage:             strings.ToLower(p.str("CHATFLOW_STORAGE", StorageMemory)),
		DatabaseURL:         p.str("DATABASE_URL", ""),
		RedisAddr:           p.str("REDIS_ADDR", ""),
		RedisPassword:       p.str("REDIS_PASSWORD", ""),
		RedisDB:             p.integer("REDIS_DB", 0),
		SessionWindow:       p.duration("CHATFLOW_SESSION_WINDOW", 24*time.Hour),
		ClaimTimeout:        p.duration("CHATFLOW_CLAIM_TIMEOUT", 30*time.Second),
		SweepInterval:       p.duration("CHATFLOW_SWEEP_INTERVAL", 5*time.Minute),
		DedupMessageWindow:  p.duration("CHATFLOW_DEDUP_MESSAGE_WINDOW", 10*time.Minute),
		DedupTextWindow:     p.duration("CHATFLOW_DEDUP_TEXT_WINDOW", 5*time.Second),
		ClassifierThreshold: p.float("CHATFLOW_CLASSIFIER_THRESHOLD", 0.7),
		GeminiAPIKey:        p.str("GEMINI_API_KEY", ""),
		GeminiModel:         p.str("GEMINI_MODEL", "gemini-2.5-flash"),
		CatalogURL:          p.str("CHATFLOW_CATALOG_URL", ""),
		CatalogSnapshot:     p.str("CHATFLOW_CATALOG_SNAPSHOT", ""),
		WorkflowFile:        p.str("CHATFLOW_WORKFLOW_FILE", ""),
		DefaultWorkflow:     p.str("CHATFLOW_DEFAULT_WORKFLOW", "default"),
		OutboundURL:         p.str("CHATFLOW_OUTBOUND_URL", ""),
		OutboundToken:       p.str("CHATFLOW_OUTBOUND_TOKEN", ""),
		OutboundFailOpen:    p.boolean("CHATFLOW_OUTBOUND_FAIL_OPEN", true),
		WebhookToken:        p.str("CHATFLOW_WEBHOOK_TOKEN", ""),
		AllowedOrigins:      p.list("CHATFLOW_CORS_ORIGINS"),
		AllowCredentials:    p.boolean("CHATFLOW_CORS_CREDENTIALS", false),
		MachineID:           uint16(p.unsigned("CHATFLOW_MACHINE_ID", 1, 16)),
	}
	if len(p.errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(p.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage {
	case StorageMemory:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for postgres storage", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage %q", ErrInvalidConfig, c.Storage)
	}
	if c.SessionWindow <= 0 || c.ClaimTimeout <= 0 {
		return fmt.Errorf("%w: session window and claim timeout must be positive", ErrInvalidConfig)
	}
	if c.ClassifierThreshold < 0 || c.ClassifierThreshold > 1 {
		return fmt.Errorf("%w: classifier threshold %v out of [0,1]", ErrInvalidConfig, c.ClassifierThreshold)
	}
	return nil
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) raw(key string) (string, bool) {
	v, ok := p.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) fail(key, v string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s=%q: %w", key, v, err))
}

func (p *parser) str(key, def string) string {
	if v, ok := p.raw(key); ok {
		return v
	}
	return def
}

func (p *parser) list(key string) []string {
	v, ok := p.raw(key)
	if !ok {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p *parser) integer(key string, def int) int {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) unsigned(key string, def uint64, bits int) uint64 {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseUint(v, 10, bits)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *parser) boolean(key string, def bool) bool {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) level(key string, def slog.Level) slog.Level {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		p.fail(key, v, err)
		return def
	}
	return l
}
