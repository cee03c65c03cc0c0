package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL         string
	NATSURL             string
	TripUpdatesURL      string
	VehiclePositionsURL string

	PollInterval    time.Duration
	LookbackMinutes int

	BunchingDistanceKM float64
	BunchingCooldown   time.Duration

	ArtifactPath string
	HolidayDates []string

	Location        *time.Location
	LogNATSSubjects bool
	MetricsAddr     string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")

	// GTFS-RT feed endpoints; either may be empty to disable that feed
	cfg.TripUpdatesURL = os.Getenv("TRIP_UPDATES_URL")
	cfg.VehiclePositionsURL = os.Getenv("VEHICLE_POSITIONS_URL")
	if cfg.TripUpdatesURL == "" && cfg.VehiclePositionsURL == "" {
		return nil, errors.New("at least one of TRIP_UPDATES_URL, VEHICLE_POSITIONS_URL must be set")
	}

	// Poll interval
	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid POLL_INTERVAL_MS: %q", v)
		}
		cfg.PollInterval = time.Duration(ms) * time.Millisecond
	} else {
		cfg.PollInterval = 60 * time.Second
	}

	// Trailing window for segment building (minutes)
	if v := os.Getenv("LOOKBACK_MINUTES"); v != "" {
		min, err := strconv.Atoi(v)
		if err != nil || min <= 0 {
			return nil, fmt.Errorf("invalid LOOKBACK_MINUTES: %q", v)
		}
		cfg.LookbackMinutes = min
	} else {
		cfg.LookbackMinutes = 10
	}

	// Bunching thresholds
	if v := os.Getenv("BUNCHING_DISTANCE_KM"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid BUNCHING_DISTANCE_KM: %q", v)
		}
		cfg.BunchingDistanceKM = f
	} else {
		cfg.BunchingDistanceKM = 0.5
	}
	if v := os.Getenv("BUNCHING_COOLDOWN_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec <= 0 {
			return nil, fmt.Errorf("invalid BUNCHING_COOLDOWN_SEC: %q", v)
		}
		cfg.BunchingCooldown = time.Duration(sec) * time.Second
	} else {
		cfg.BunchingCooldown = 600 * time.Second
	}

	// Calibration artifact location; empty disables interval lookups
	cfg.ArtifactPath = os.Getenv("ARTIFACT_PATH")

	// Public holidays (comma-separated YYYY-MM-DD) for daytype classification
	if v := os.Getenv("HOLIDAY_DATES"); v != "" {
		for _, d := range strings.Split(v, ",") {
			d = strings.TrimSpace(d)
			if d == "" {
				continue
			}
			if _, err := time.Parse("2006-01-02", d); err != nil {
				return nil, fmt.Errorf("invalid HOLIDAY_DATES entry: %q", d)
			}
			cfg.HolidayDates = append(cfg.HolidayDates, d)
		}
	}

	// Debug logging for NATS publish subjects
	if v := os.Getenv("LOG_NATS_SUBJECTS"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y", "on":
			cfg.LogNATSSubjects = true
		default:
			cfg.LogNATSSubjects = false
		}
	}

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	// Feed-local time zone for calendar features
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
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
