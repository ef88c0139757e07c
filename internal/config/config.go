// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server, logging,
// database, LLM, insights pipeline, auth, alerting and observability settings.
//
// A .env file in the working directory is loaded first when present; values
// already exported in the process environment take precedence.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver string // sqlite|postgres
	Path   string // SQLite file path
	URL    string // Postgres DSN (DATABASE_URL)
}

// GeminiConfig configures the hosted LLM client.
type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration // per HTTP attempt
	RPS     float64       // outbound requests per second, 0 = unlimited
	Burst   int
	Retries int
}

// PipelineConfig holds the knobs of the session metadata pipeline.
type PipelineConfig struct {
	Window          int           // transcript turns fed to the LLM
	CharCap         int           // per-turn rune cap, 0 disables
	TitleMaxAuto    int           // title cap for auto-titling
	TitleMaxSession int           // title cap for session titles
	FastIdle        time.Duration // idle threshold on the fast path
	BackfillIdle    time.Duration // idle threshold on the backfill path
	LLMTimeout      time.Duration // bound on a single LLM call
	// RiskDowngradeTurns is the number of turns appended since a caution
	// classification before a lower level may replace it. 0 always allows,
	// negative never allows.
	RiskDowngradeTurns int
	BackfillDefault    int
	BackfillMax        int
}

// AuthConfig configures bearer token verification and the admin surface.
type AuthConfig struct {
	Enabled    bool
	JWTSecret  string
	Issuer     string
	AdminToken string
}

// AlertsConfig configures the out-of-band safety alert transport.
type AlertsConfig struct {
	NATSURL       string // empty disables publishing
	NATSToken     string
	SafetySubject string
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 60s, must cover an LLM round trip
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Chat turns
	MaxPromptRunes int
	HistoryTurns   int

	// Rate limiting (sliding window per user/IP)
	RateLimit  int           // requests per window (>= 1)
	RateWindow time.Duration // window length

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	DB       DatabaseConfig
	Gemini   GeminiConfig
	Pipeline PipelineConfig
	Auth     AuthConfig
	Alerts   AlertsConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	_ = godotenv.Load() // optional .env; missing file is fine

	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		MaxPromptRunes: getint("MAX_PROMPT_RUNES", 2000),
		HistoryTurns:   getint("CHAT_HISTORY_TURNS", 20),

		RateLimit:  getint("RATE_LIMIT", 30),
		RateWindow: getdur("RATE_WINDOW", time.Minute),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		DB: DatabaseConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "app.db"),
			URL:    getenv("DATABASE_URL", ""),
		},

		Gemini: GeminiConfig{
			APIKey:  getenv("GEMINI_API_KEY", ""),
			Model:   getenv("GEMINI_MODEL", "gemini-2.0-flash"),
			BaseURL: getenv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
			Timeout: getdur("GEMINI_TIMEOUT", 30*time.Second),
			RPS:     getfloat("GEMINI_RPS", 2.0),
			Burst:   getint("GEMINI_BURST", 4),
			Retries: getint("GEMINI_RETRIES", 2),
		},

		Pipeline: PipelineConfig{
			Window:             getint("PIPELINE_WINDOW", 20),
			CharCap:            getint("PIPELINE_CHAR_CAP", 400),
			TitleMaxAuto:       getint("TITLE_MAX_AUTO", 20),
			TitleMaxSession:    getint("TITLE_MAX_SESSION", 24),
			FastIdle:           getdur("PIPELINE_FAST_IDLE", 8*time.Second),
			BackfillIdle:       getdur("PIPELINE_BACKFILL_IDLE", 60*time.Second),
			LLMTimeout:         getdur("PIPELINE_LLM_TIMEOUT", 20*time.Second),
			RiskDowngradeTurns: getint("RISK_DOWNGRADE_MIN_TURNS", 12),
			BackfillDefault:    getint("BACKFILL_DEFAULT_LIMIT", 50),
			BackfillMax:        getint("BACKFILL_MAX_LIMIT", 500),
		},

		Auth: AuthConfig{
			Enabled:    getbool("AUTH_ENABLED", false),
			JWTSecret:  getenv("AUTH_JWT_SECRET", ""),
			Issuer:     getenv("AUTH_ISSUER", ""),
			AdminToken: getenv("ADMIN_TOKEN", ""),
		},

		Alerts: AlertsConfig{
			NATSURL:       getenv("NATS_URL", ""),
			NATSToken:     getenv("NATS_TOKEN", ""),
			SafetySubject: getenv("NATS_SUBJECT_SAFETY", "mentor.safety.alert"),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "mentor-chat-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" || cfg.DB.Driver == "pg" {
		cfg.DB.Driver = "postgres"
	}
	cfg.Gemini.BaseURL = strings.TrimRight(cfg.Gemini.BaseURL, "/")

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.MaxPromptRunes <= 0 {
		return cfg, errors.New("MAX_PROMPT_RUNES must be > 0")
	}
	if cfg.HistoryTurns < 0 {
		return cfg, errors.New("CHAT_HISTORY_TURNS must be >= 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.URL) == "" {
			return cfg, errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.RateLimit < 1 {
		return cfg, errors.New("RATE_LIMIT must be >= 1")
	}
	if cfg.RateWindow <= 0 {
		return cfg, errors.New("RATE_WINDOW must be > 0")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.Gemini.Timeout <= 0 {
		return cfg, errors.New("GEMINI_TIMEOUT must be > 0")
	}
	if cfg.Gemini.RPS < 0 {
		return cfg, errors.New("GEMINI_RPS must be >= 0")
	}
	if cfg.Gemini.Burst < 1 {
		return cfg, errors.New("GEMINI_BURST must be >= 1")
	}
	if cfg.Gemini.Retries < 0 {
		return cfg, errors.New("GEMINI_RETRIES must be >= 0")
	}
	p := cfg.Pipeline
	if p.Window < 1 {
		return cfg, errors.New("PIPELINE_WINDOW must be >= 1")
	}
	if p.CharCap < 0 {
		return cfg, errors.New("PIPELINE_CHAR_CAP must be >= 0")
	}
	if p.TitleMaxAuto < 1 || p.TitleMaxSession < 1 {
		return cfg, errors.New("TITLE_MAX_AUTO and TITLE_MAX_SESSION must be >= 1")
	}
	if p.FastIdle <= 0 || p.BackfillIdle <= 0 {
		return cfg, errors.New("PIPELINE_FAST_IDLE and PIPELINE_BACKFILL_IDLE must be > 0")
	}
	if p.LLMTimeout <= 0 {
		return cfg, errors.New("PIPELINE_LLM_TIMEOUT must be > 0")
	}
	if p.BackfillMax < 1 || p.BackfillDefault < 1 || p.BackfillDefault > p.BackfillMax {
		return cfg, errors.New("BACKFILL_DEFAULT_LIMIT must be in [1, BACKFILL_MAX_LIMIT]")
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return cfg, errors.New("AUTH_JWT_SECRET is required when AUTH_ENABLED=true")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
