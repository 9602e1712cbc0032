package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr    string   `validate:"required"`
	CORSOrigins []string `validate:"min=1,dive,required"`
	MetricsAddr string

	SpeedMultiplier float64       `validate:"gt=0"`
	StepInterval    time.Duration `validate:"gt=0"`
	DwellMin        time.Duration `validate:"gte=0"`
	DwellMax        time.Duration `validate:"gtefield=DwellMin"`
	Turnaround      time.Duration `validate:"gte=0"`
	StartDelay      time.Duration `validate:"gte=0"`
	DefaultSpeedKmh float64       `validate:"gt=0"`

	StaleAfter    time.Duration `validate:"gt=0"`
	PruneInterval time.Duration `validate:"gt=0"`

	RoutingEnabled bool
	RoutingURL     string        `validate:"required_if=RoutingEnabled true,omitempty,url"`
	RoutingTimeout time.Duration `validate:"gt=0"`

	RoutesFile  string
	DatabaseURL string

	NATSURL         string
	LogNATSSubjects bool

	RedisAddr string
	RedisDB   int `validate:"gte=0"`

	Simulate []Vehicle `validate:"dive"`
}

// Vehicle is one simulator launched at startup.
type Vehicle struct {
	Operator    string  `validate:"required"`
	RouteNumber int     `validate:"gt=0"`
	SpeedKmh    float64 `validate:"gte=0"`
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:    getenvDefault("HTTP_ADDR", ":3002"),
		MetricsAddr: os.Getenv("METRICS_ADDR"),
		RoutingURL:  getenvDefault("ROUTING_URL", "http://router.project-osrm.org"),
		RoutesFile:  os.Getenv("ROUTES_FILE"),
		NATSURL:     os.Getenv("NATS_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
	}
	for _, o := range strings.Split(getenvDefault("CORS_ORIGINS", "*"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	var err error
	p := parser{}
	cfg.SpeedMultiplier = p.float("SPEED_MULTIPLIER", 1)
	cfg.StepInterval = p.duration("STEP_INTERVAL_MS", 200, time.Millisecond)
	cfg.DwellMin = p.duration("DWELL_MIN_SEC", 5, time.Second)
	cfg.DwellMax = p.duration("DWELL_MAX_SEC", 8, time.Second)
	cfg.Turnaround = p.duration("TURNAROUND_SEC", 10, time.Second)
	cfg.StartDelay = p.duration("START_DELAY_SEC", 2, time.Second)
	cfg.DefaultSpeedKmh = p.float("DEFAULT_SPEED_KMH", 25)
	cfg.StaleAfter = p.duration("STALE_AFTER_SEC", 300, time.Second)
	cfg.PruneInterval = p.duration("PRUNE_INTERVAL_SEC", 60, time.Second)
	cfg.RoutingEnabled = p.bool("ROUTING_ENABLED", true)
	cfg.RoutingTimeout = p.duration("ROUTING_TIMEOUT_MS", 10000, time.Millisecond)
	cfg.LogNATSSubjects = p.bool("LOG_NATS_SUBJECTS", false)
	cfg.RedisDB = p.int("REDIS_DB", 0)
	if p.err != nil {
		return nil, p.err
	}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars.
	// No database at all is fine: the catalog then comes from a file.
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	if cfg.DatabaseURL == "" {
		if db := os.Getenv("PGDATABASE"); db != "" {
			host := getenvDefault("PGHOST", "127.0.0.1")
			port := getenvDefault("PGPORT", "5432")
			user := getenvDefault("PGUSER", "postgres")
			pass := os.Getenv("PGPASSWORD")
			sslmode := getenvDefault("PGSSLMODE", "disable")
			if pass != "" {
				cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
			} else {
				cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
			}
		}
	}

	if cfg.Simulate, err = ParseSimulate(os.Getenv("SIMULATE")); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ParseSimulate reads "operator:route[:speed],..." lists.
func ParseSimulate(s string) ([]Vehicle, error) {
	var out []Vehicle
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid SIMULATE entry %q: want operator:route[:speed]", item)
		}
		route, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid SIMULATE entry %q: route: %w", item, err)
		}
		v := Vehicle{Operator: strings.TrimSpace(parts[0]), RouteNumber: route}
		if len(parts) == 3 {
			if v.SpeedKmh, err = strconv.ParseFloat(strings.TrimSpace(parts[2]), 64); err != nil {
				return nil, fmt.Errorf("invalid SIMULATE entry %q: speed: %w", item, err)
			}
		}
		out = append(out, v)
	}
	return out, nil
}

// parser remembers the first malformed variable.
type parser struct{ err error }

func (p *parser) fail(k, v string) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %q", k, v)
	}
}

func (p *parser) float(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		p.fail(k, v)
		return def
	}
	return f
}

func (p *parser) int(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		p.fail(k, v)
		return def
	}
	return n
}

func (p *parser) duration(k string, def int, unit time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return time.Duration(def) * unit
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		p.fail(k, v)
		return time.Duration(def) * unit
	}
	return time.Duration(n) * unit
}

func (p *parser) bool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	}
	p.fail(k, v)
	return def
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
