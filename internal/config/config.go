package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelvins/geocoder"
	"gopkg.in/yaml.v3"
)

const defaultSamplingTime = time.Hour

var validate = validator.New()

// SourceConfig is the common configuration of a polled source.
type SourceConfig struct {
	APIKey       string        `validate:"required"`
	SamplingTime time.Duration `validate:"gt=0"`
	// EndMiningAt stops the source's loop. Zero runs forever.
	EndMiningAt time.Time
}

type WeatherConfig struct {
	SourceConfig
	Lat *float64 `validate:"required,gte=-90,lte=90"`
	Lon *float64 `validate:"required,gte=-180,lte=180"`
}

type SpotMarketConfig struct {
	Area         string        `validate:"required,alphanum,max=8"`
	Currency     string        `validate:"required,len=3,alpha"`
	SamplingTime time.Duration `validate:"gt=0"`
	EndMiningAt  time.Time
}

type BackupConfig struct {
	Enabled    bool
	EndAt      time.Time
	MaxCopies  int    `validate:"gte=1"`
	ObjectName string `validate:"required,excludesall=/\\"`
}

type AppConfig struct {
	DataDir   string `validate:"required"`
	BackupDir string `validate:"required"`
	LogFile   string
	LogLevel  string

	// Location drives tick alignment and partition keys.
	Location *time.Location

	// HTTPTimeout bounds every fetch.
	HTTPTimeout time.Duration `validate:"gt=0"`

	StoreType       string `validate:"oneof=file memory"`
	StoreMaxHistory int    `validate:"gte=0"` // per-entity in-memory size that triggers a warning (0 = never)

	// StatusAddr is the listen address of the status API; empty disables it.
	StatusAddr string

	// Nil means the source is disabled.
	Tibber     *SourceConfig
	Sensibo    *SourceConfig
	Weather    *WeatherConfig
	SpotMarket *SpotMarketConfig

	Backup BackupConfig

	// Disabled holds one ConfigError per source that was configured but
	// invalid. Those sources do not run; the others are unaffected.
	Disabled []error
}

// ConfigError disables a single source.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("source %s disabled: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// EnabledSources returns the names of the sources that will run.
func (c *AppConfig) EnabledSources() []string {
	var names []string
	if c.Tibber != nil {
		names = append(names, "tibber")
	}
	if c.Sensibo != nil {
		names = append(names, "sensibo")
	}
	if c.Weather != nil {
		names = append(names, "weather")
	}
	if c.SpotMarket != nil {
		names = append(names, "spotmarket")
	}
	return names
}

// geocode resolves a city to coordinates; replaced in tests.
var geocode = func(apiKey, city, country string) (float64, float64, error) {
	geocoder.ApiKey = apiKey
	loc, err := geocoder.Geocoding(geocoder.Address{City: city, Country: country})
	if err != nil {
		return 0, 0, err
	}
	return loc.Latitude, loc.Longitude, nil
}

// Load reads configuration from the environment (after .env), falling back
// to the flat YAML file at path when given, then to defaults.
func Load(path string) (*AppConfig, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	src, err := newLookup(path)
	if err != nil {
		return nil, err
	}
	return load(src)
}

func load(src *lookup) (*AppConfig, error) {
	cfg := &AppConfig{
		DataDir:    src.getDefault("DATA_DIR", "data"),
		BackupDir:  src.getDefault("BACKUP_DIR", "backups"),
		LogFile:    src.getDefault("LOG_FILE", "logs/capture.log"),
		LogLevel:   src.getDefault("LOG_LEVEL", "info"),
		StoreType:  strings.ToLower(src.getDefault("STORE_TYPE", "file")),
		StatusAddr: src.get("STATUS_ADDR"),
	}

	loc, err := time.LoadLocation(src.getDefault("TIMEZONE", "Local"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	cfg.Location = loc

	timeout, err := time.ParseDuration(src.getDefault("HTTP_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid HTTP_TIMEOUT: %w", err)
	}
	cfg.HTTPTimeout = timeout

	// Roughly a year of hourly samples per entity.
	cfg.StoreMaxHistory, err = src.getInt("STORE_MAX_HISTORY", 20000)
	if err != nil {
		return nil, err
	}

	cfg.Backup, err = loadBackup(src, loc)
	if err != nil {
		return nil, err
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.Tibber = cfg.source("tibber", func() (*SourceConfig, error) {
		return loadSource(src, loc, "TIBBER_API_KEY", "TIBBER")
	})
	cfg.Sensibo = cfg.source("sensibo", func() (*SourceConfig, error) {
		return loadSource(src, loc, "SENSIBO_API_KEY", "SENSIBO")
	})
	cfg.Weather = cfg.weather(src, loc)
	cfg.SpotMarket = cfg.spotMarket(src, loc)

	return cfg, nil
}

// source records a ConfigError and returns nil when build fails.
func (c *AppConfig) source(name string, build func() (*SourceConfig, error)) *SourceConfig {
	sc, err := build()
	if errors.Is(err, errNotConfigured) {
		return nil
	}
	if err != nil {
		c.Disabled = append(c.Disabled, &ConfigError{Source: name, Err: err})
		return nil
	}
	return sc
}

// errNotConfigured marks a source with no settings at all; it is silently off.
var errNotConfigured = errors.New("not configured")

func loadSource(src *lookup, loc *time.Location, keyVar, prefix string) (*SourceConfig, error) {
	apiKey := src.get(keyVar)
	if apiKey == "" && !src.anySet(prefix+"_SAMPLING_TIME", prefix+"_END_MINING_AT") {
		return nil, errNotConfigured
	}

	sampling, err := src.getSampling(prefix+"_SAMPLING_TIME", defaultSamplingTime)
	if err != nil {
		return nil, err
	}
	end, err := src.getTime(prefix+"_END_MINING_AT", loc)
	if err != nil {
		return nil, err
	}

	sc := &SourceConfig{APIKey: apiKey, SamplingTime: sampling, EndMiningAt: end}
	if err := validate.Struct(sc); err != nil {
		return nil, err
	}
	return sc, nil
}

func (c *AppConfig) weather(src *lookup, loc *time.Location) *WeatherConfig {
	var wc *WeatherConfig
	sc := c.source("weather", func() (*SourceConfig, error) {
		base, err := loadSource(src, loc, "OPENWEATHER_API_KEY", "WEATHER")
		if err != nil {
			return nil, err
		}
		wc = &WeatherConfig{SourceConfig: *base}

		if wc.Lat, err = src.getFloat("WEATHER_LAT"); err != nil {
			return nil, err
		}
		if wc.Lon, err = src.getFloat("WEATHER_LON"); err != nil {
			return nil, err
		}
		if (wc.Lat == nil || wc.Lon == nil) && src.get("WEATHER_CITY") != "" && src.get("GEOCODER_API_KEY") != "" {
			lat, lon, err := geocode(src.get("GEOCODER_API_KEY"), src.get("WEATHER_CITY"), src.get("WEATHER_COUNTRY"))
			if err != nil {
				return nil, fmt.Errorf("geocode %s: %w", src.get("WEATHER_CITY"), err)
			}
			wc.Lat, wc.Lon = &lat, &lon
		}
		if err := validate.Struct(wc); err != nil {
			return nil, err
		}
		return base, nil
	})
	if sc == nil {
		return nil
	}
	return wc
}

func (c *AppConfig) spotMarket(src *lookup, loc *time.Location) *SpotMarketConfig {
	area := src.get("SPOTMARKET_AREA")
	if area == "" && !src.anySet("SPOTMARKET_SAMPLING_TIME", "SPOTMARKET_END_MINING_AT", "SPOTMARKET_CURRENCY") {
		return nil
	}

	build := func() (*SpotMarketConfig, error) {
		sampling, err := src.getSampling("SPOTMARKET_SAMPLING_TIME", defaultSamplingTime)
		if err != nil {
			return nil, err
		}
		end, err := src.getTime("SPOTMARKET_END_MINING_AT", loc)
		if err != nil {
			return nil, err
		}
		sm := &SpotMarketConfig{
			Area:         strings.ToUpper(area),
			Currency:     strings.ToUpper(src.getDefault("SPOTMARKET_CURRENCY", "NOK")),
			SamplingTime: sampling,
			EndMiningAt:  end,
		}
		if err := validate.Struct(sm); err != nil {
			return nil, err
		}
		return sm, nil
	}

	sm, err := build()
	if err != nil {
		c.Disabled = append(c.Disabled, &ConfigError{Source: "spotmarket", Err: err})
		return nil
	}
	return sm
}

func loadBackup(src *lookup, loc *time.Location) (BackupConfig, error) {
	var bc BackupConfig
	enabled, err := src.getBool("RUN_BACKUPS", false)
	if err != nil {
		return bc, err
	}
	bc.Enabled = enabled

	if bc.EndAt, err = src.getTime("END_BACKUPS_AT", loc); err != nil {
		return bc, err
	}
	if bc.MaxCopies, err = src.getInt("MAX_BACKUP_COPIES", 5); err != nil {
		return bc, err
	}
	bc.ObjectName = src.getDefault("BACKUP_OBJECT_NAME", "data")
	return bc, nil
}

// lookup resolves keys from the environment first, then the YAML file.
type lookup struct {
	file map[string]string
}

func newLookup(path string) (*lookup, error) {
	l := &lookup{file: map[string]string{}}
	if path == "" {
		return l, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &l.file); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return l, nil
}

func (l *lookup) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strings.TrimSpace(l.file[key])
}

func (l *lookup) getDefault(key, def string) string {
	if v := l.get(key); v != "" {
		return v
	}
	return def
}

func (l *lookup) anySet(keys ...string) bool {
	for _, k := range keys {
		if l.get(k) != "" {
			return true
		}
	}
	return false
}

func (l *lookup) getInt(key string, def int) (int, error) {
	v := l.get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func (l *lookup) getBool(key string, def bool) (bool, error) {
	v := l.get(key)
	if v == "" {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func (l *lookup) getFloat(key string) (*float64, error) {
	v := l.get(key)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &f, nil
}

// getSampling accepts whole seconds ("3600") or a Go duration ("1h").
func (l *lookup) getSampling(key string, def time.Duration) (time.Duration, error) {
	v := l.get(key)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: want seconds or a duration: %w", key, err)
	}
	return d, nil
}

// getTime parses RFC3339, or a local "2006-01-02 15:04" in loc.
func (l *lookup) getTime(key string, loc *time.Location) (time.Time, error) {
	v := l.get(key)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: want RFC3339: %w", key, err)
	}
	return t, nil
}
