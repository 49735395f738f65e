package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string // empty disables the health endpoint

	Env      string // "dev" | "prod"
	Store    string // "sqlite" | "memory"
	DBPath   string // e.g. "./data/campus.db"
	SeedFile string

	// Key material, base64url. Never log these.
	QRKey           string
	QRPreviousKeys  []string
	IntegritySecret string

	QRTTL            time.Duration
	BundleTTL        time.Duration
	BundleMaxTTL     time.Duration
	BundleMaxScope   int
	ReconcileBatch   int
	EvalTimeout      time.Duration
	Timezone         string
	RequireSealed    bool // refuse bundles to scanners without an age recipient
	DenialBurst      int
	DenialWindow     time.Duration
	MinTransit       time.Duration
	MaxTravelSpeed   float64 // m/s
	HealthInterval   time.Duration
	ShutdownDeadline time.Duration

	// Retention
	HeartbeatRetentionDays int // 0 = keep forever
	BundleRetentionDays    int
	PruneIntervalHours     int // how often the pruners run (default 6)
}

func FromEnv() Config {
	env := strings.ToLower(getenvDefault("CAMPUS_ENV", "dev"))
	if env != "dev" && env != "prod" {
		// fail-soft: treat unknown as dev
		env = "dev"
	}

	st := strings.ToLower(getenvDefault("CAMPUS_STORE", "sqlite"))
	if st != "sqlite" && st != "memory" {
		st = "sqlite"
	}

	return Config{
		HTTPAddr: getenvDefault("CAMPUS_HTTP_ADDR", ":8080"),
		GRPCAddr: getenvAllowEmpty("CAMPUS_GRPC_ADDR", ":9090"),

		Env:      env,
		Store:    st,
		DBPath:   getenvDefault("CAMPUS_DB_PATH", "./data/campus.db"),
		SeedFile: strings.TrimSpace(os.Getenv("CAMPUS_SEED_FILE")),

		QRKey:           strings.TrimSpace(os.Getenv("CAMPUS_QR_KEY")),
		QRPreviousKeys:  splitCSV(os.Getenv("CAMPUS_QR_PREVIOUS_KEYS")),
		IntegritySecret: os.Getenv("CAMPUS_INTEGRITY_SECRET"),

		QRTTL:            getenvDuration("CAMPUS_QR_TTL", 5*time.Minute),
		BundleTTL:        getenvDuration("CAMPUS_BUNDLE_TTL", 8*time.Hour),
		BundleMaxTTL:     getenvDuration("CAMPUS_BUNDLE_MAX_TTL", 24*time.Hour),
		BundleMaxScope:   getenvInt("CAMPUS_BUNDLE_MAX_SCOPE", 16),
		ReconcileBatch:   getenvInt("CAMPUS_RECONCILE_BATCH", 200),
		EvalTimeout:      getenvDuration("CAMPUS_EVAL_TIMEOUT", 2*time.Second),
		Timezone:         getenvDefault("CAMPUS_TIMEZONE", "UTC"),
		RequireSealed:    getenvBool("CAMPUS_REQUIRE_SEALED_BUNDLES"),
		DenialBurst:      getenvInt("CAMPUS_DENIAL_BURST", 5),
		DenialWindow:     getenvDuration("CAMPUS_DENIAL_WINDOW", 10*time.Minute),
		MinTransit:       getenvDuration("CAMPUS_MIN_TRANSIT", 2*time.Minute),
		MaxTravelSpeed:   getenvFloat("CAMPUS_MAX_TRAVEL_SPEED", 8),
		HealthInterval:   getenvDuration("CAMPUS_HEALTH_INTERVAL", 10*time.Second),
		ShutdownDeadline: getenvDuration("CAMPUS_SHUTDOWN_TIMEOUT", 5*time.Second),

		HeartbeatRetentionDays: getenvInt("CAMPUS_HEARTBEAT_RETENTION_DAYS", 30),
		BundleRetentionDays:    getenvInt("CAMPUS_BUNDLE_RETENTION_DAYS", 30),
		PruneIntervalHours:     getenvInt("CAMPUS_PRUNE_INTERVAL_HOURS", 6),
	}
}

// Location resolves Timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("CAMPUS_TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks settings that have no safe fallback. Keys are optional in
// dev, where the server generates ephemeral ones.
func (c Config) Validate() error {
	if c.Env == "prod" {
		if c.QRKey == "" {
			return fmt.Errorf("CAMPUS_QR_KEY is required in prod")
		}
		if c.IntegritySecret == "" {
			return fmt.Errorf("CAMPUS_INTEGRITY_SECRET is required in prod")
		}
		if c.Store == "memory" {
			return fmt.Errorf("CAMPUS_STORE=memory is not allowed in prod")
		}
		// Unsealed bundles hand their key to any caller naming a scanner.
		if !c.RequireSealed {
			return fmt.Errorf("CAMPUS_REQUIRE_SEALED_BUNDLES must be true in prod")
		}
	}
	if c.BundleTTL > c.BundleMaxTTL {
		return fmt.Errorf("CAMPUS_BUNDLE_TTL %s exceeds CAMPUS_BUNDLE_MAX_TTL %s", c.BundleTTL, c.BundleMaxTTL)
	}
	if c.BundleMaxScope == 0 || c.ReconcileBatch == 0 {
		return fmt.Errorf("bundle scope and reconcile batch must be positive")
	}
	return nil
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// getenvAllowEmpty distinguishes unset (default) from set-but-empty.
func getenvAllowEmpty(key, def string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return strings.TrimSpace(v)
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func getenvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func getenvBool(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	return strings.EqualFold(v, "true") || v == "1"
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
