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

const (
	defaultWatershedURL = "https://apps.fs.usda.gov/ArcX/rest/services/EDW/EDW_Watersheds_01/MapServer/3"
	defaultNHDPlusURL   = "https://services.arcgis.com/P3ePLMYs2RVChkJx/ArcGIS/rest/services/NHDPlusV21/FeatureServer"
	defaultParcelsURL   = "https://gis.colorado.gov/public/rest/services/Address_and_Parcel/Colorado_Public_Parcels/FeatureServer/0"
	defaultSTACURL      = "https://planetarycomputer.microsoft.com/api/stac/v1"
	defaultCollection   = "sentinel-2-l2a"

	defaultHUC8           = "14080101"
	defaultBufferDistance = 30.48 // 100 feet
	defaultBatchSize      = 1000
	defaultRequestTimeout = 120 * time.Second
	defaultMaxCloudCover  = 20

	// Thresholds calibrated for the semi-arid San Juan Basin where
	// peak-growing median NDVI is ~0.17. Override via env for other
	// study areas (e.g. 0.6/0.3 for temperate basins).
	defaultHealthyThreshold  = 0.30
	defaultDegradedThreshold = 0.15
)

// Config holds environment-driven settings shared by the ETL and API
// services.
type Config struct {
	DatabaseURL string
	LogMode     string

	// Raw source endpoints.
	WatershedURL string
	NHDPlusURL   string
	ParcelsURL   string
	HUC8         string

	// Spatial processing.
	BufferDistanceM float64
	BatchSize       int
	RequestTimeout  time.Duration

	// Vegetation scoring.
	STACURL            string
	STACCollection     string
	RasterAPIURL       string
	MaxCloudCover      int
	GrowingSeasonStart time.Month
	GrowingSeasonEnd   time.Month
	HealthyThreshold   float64
	DegradedThreshold  float64
	Satellite          string

	// Scheduler.
	ScheduleCron          string
	ScheduleIntervalHours int
	UpdateType            string

	// API service.
	Port         int
	BearerToken  string
	DefaultLimit int
}

// Load reads configuration from environment variables (optionally .env).
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		LogMode:            envOr("LOG_MODE", "dev"),
		WatershedURL:       envOr("WATERSHED_URL", defaultWatershedURL),
		NHDPlusURL:         envOr("NHDPLUS_URL", defaultNHDPlusURL),
		ParcelsURL:         envOr("PARCELS_URL", defaultParcelsURL),
		HUC8:               envOr("HUC8_CODE", defaultHUC8),
		STACURL:            envOr("STAC_API_URL", defaultSTACURL),
		STACCollection:     envOr("STAC_COLLECTION", defaultCollection),
		RasterAPIURL:       strings.TrimSpace(os.Getenv("RASTER_API_URL")),
		Satellite:          envOr("SATELLITE_TAG", "Sentinel-2"),
		ScheduleCron:       strings.TrimSpace(os.Getenv("ETL_SCHEDULE_CRON")),
		UpdateType:         envOr("ETL_UPDATE_TYPE", "incremental"),
		BufferDistanceM:    defaultBufferDistance,
		BatchSize:          defaultBatchSize,
		RequestTimeout:     defaultRequestTimeout,
		MaxCloudCover:      defaultMaxCloudCover,
		GrowingSeasonStart: time.June,
		GrowingSeasonEnd:   time.August,
		HealthyThreshold:   defaultHealthyThreshold,
		DegradedThreshold:  defaultDegradedThreshold,
		Port:               8080,
		DefaultLimit:       200,
		BearerToken:        os.Getenv("API_BEARER_TOKEN"),
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	var err error
	if cfg.BufferDistanceM, err = envFloat("BUFFER_DISTANCE_M", cfg.BufferDistanceM); err != nil {
		return cfg, err
	}
	if cfg.BatchSize, err = envInt("ARCGIS_BATCH_SIZE", cfg.BatchSize); err != nil {
		return cfg, err
	}
	if cfg.MaxCloudCover, err = envInt("MAX_CLOUD_COVER", cfg.MaxCloudCover); err != nil {
		return cfg, err
	}
	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return cfg, err
	}
	if cfg.DefaultLimit, err = envInt("API_DEFAULT_LIMIT", cfg.DefaultLimit); err != nil {
		return cfg, err
	}
	if cfg.ScheduleIntervalHours, err = envInt("ETL_SCHEDULE_INTERVAL_HOURS", 0); err != nil {
		return cfg, err
	}
	if cfg.HealthyThreshold, err = envFloat("NDVI_HEALTHY_THRESHOLD", cfg.HealthyThreshold); err != nil {
		return cfg, err
	}
	if cfg.DegradedThreshold, err = envFloat("NDVI_DEGRADED_THRESHOLD", cfg.DegradedThreshold); err != nil {
		return cfg, err
	}

	if v := strings.TrimSpace(os.Getenv("ETL_REQUEST_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid ETL_REQUEST_TIMEOUT: %w", err)
		}
		cfg.RequestTimeout = d
	}

	if v := strings.TrimSpace(os.Getenv("GROWING_SEASON_MONTHS")); v != "" {
		start, end, err := parseMonthRange(v)
		if err != nil {
			return cfg, err
		}
		cfg.GrowingSeasonStart = start
		cfg.GrowingSeasonEnd = end
	}

	if cfg.DegradedThreshold <= 0 || cfg.HealthyThreshold <= cfg.DegradedThreshold {
		return cfg, fmt.Errorf(
			"invalid NDVI thresholds: healthy (%.2f) must exceed degraded (%.2f) and both must be positive",
			cfg.HealthyThreshold, cfg.DegradedThreshold,
		)
	}

	return cfg, nil
}

// ListenAddr returns the host:port string for the HTTP server.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// parseMonthRange parses "6-8" style month ranges. end < start is a window
// wrapping the year boundary, e.g. "11-2" for a southern-hemisphere season.
func parseMonthRange(v string) (time.Month, time.Month, error) {
	parts := strings.SplitN(v, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid GROWING_SEASON_MONTHS %q: expected start-end", v)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || start < 1 || start > 12 {
		return 0, 0, fmt.Errorf("invalid GROWING_SEASON_MONTHS start %q", parts[0])
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || end < 1 || end > 12 {
		return 0, 0, fmt.Errorf("invalid GROWING_SEASON_MONTHS end %q", parts[1])
	}
	return time.Month(start), time.Month(end), nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}
