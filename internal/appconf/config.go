package appconf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Environment int

const (
	Development Environment = iota
	Test
	Production
)

func (e Environment) String() string {
	switch e {
	case Test:
		return "test"
	case Production:
		return "production"
	default:
		return "development"
	}
}

// EnvFlagToEnvironment maps a -env flag value to an Environment. Unknown
// values fall back to Development.
func EnvFlagToEnvironment(env string) Environment {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "test":
		return Test
	case "production", "prod":
		return Production
	default:
		return Development
	}
}

func (e Environment) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Environment) UnmarshalText(b []byte) error {
	*e = EnvFlagToEnvironment(string(b))
	return nil
}

// TrackingConfig holds the tuning knobs of the tracking pipeline.
type TrackingConfig struct {
	ClockSkewTolerance  time.Duration `yaml:"clockSkewTolerance" validate:"gt=0"`
	RegionMarginMeters  float64       `yaml:"regionMarginMeters" validate:"gte=0"`
	MaxSpeedMps         float64       `yaml:"maxSpeedMps" validate:"gt=0"`
	CorridorWidthMeters float64       `yaml:"corridorWidthMeters" validate:"gt=0"`
	OffRouteReports     int           `yaml:"offRouteReports" validate:"gte=1"`
	StalenessWindow     time.Duration `yaml:"stalenessWindow" validate:"gt=0"`
	SweepInterval       time.Duration `yaml:"sweepInterval" validate:"gt=0"`
	SpeedSamples        int           `yaml:"speedSamples" validate:"gte=1"`
	SmoothingAlpha      float64       `yaml:"smoothingAlpha" validate:"gt=0,lte=1"`
	StoppedSpeedMps     float64       `yaml:"stoppedSpeedMps" validate:"gte=0"`
	StoppedDuration     time.Duration `yaml:"stoppedDuration" validate:"gt=0"`
	ETARefreshInterval  time.Duration `yaml:"etaRefreshInterval" validate:"gt=0"`
	DelayMargin         time.Duration `yaml:"delayMargin" validate:"gt=0"`
	ArrivalRadiusMeters float64       `yaml:"arrivalRadiusMeters" validate:"gt=0"`
	ReplayWindow        time.Duration `yaml:"replayWindow" validate:"gt=0"`
	ClientQueueSize     int           `yaml:"clientQueueSize" validate:"gte=1"`
}

// RelayConfig selects the push-notification relay.
type RelayConfig struct {
	Kind      string `yaml:"kind" validate:"oneof=none nats amqp"`
	URL       string `yaml:"url" validate:"required_unless=Kind none"`
	Exchange  string `yaml:"exchange"`
	QueueSize int    `yaml:"queueSize" validate:"gte=1"`
}

type Config struct {
	Port        int            `yaml:"port" validate:"gte=0,lte=65535"`
	Env         Environment    `yaml:"env"`
	ApiKeys     []string       `yaml:"apiKeys"`
	Verbose     bool           `yaml:"verbose"`
	LogLevel    string         `yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`
	RateLimit   int            `yaml:"rateLimit" validate:"gte=0"`
	DataPath    string         `yaml:"dataPath" validate:"required"`
	DatasetPath string         `yaml:"datasetPath"`
	TimeZone    string         `yaml:"timeZone" validate:"required"`
	JWTSecret   string         `yaml:"jwtSecret"`
	ArchiveDSN  string         `yaml:"archiveDsn"`
	Tracking    TrackingConfig `yaml:"tracking"`
	Relay       RelayConfig    `yaml:"relay"`
}

// Default returns a configuration with every knob at its documented default.
func Default() Config {
	return Config{
		Port:      4000,
		Env:       Development,
		LogLevel:  "info",
		RateLimit: 10,
		DataPath:  "./buswatch.db",
		TimeZone:  "UTC",
		Tracking: TrackingConfig{
			ClockSkewTolerance:  120 * time.Second,
			RegionMarginMeters:  2000,
			MaxSpeedMps:         45,
			CorridorWidthMeters: 150,
			OffRouteReports:     3,
			StalenessWindow:     5 * time.Minute,
			SweepInterval:       15 * time.Second,
			SpeedSamples:        5,
			SmoothingAlpha:      0.5,
			StoppedSpeedMps:     0.5,
			StoppedDuration:     2 * time.Minute,
			ETARefreshInterval:  60 * time.Second,
			DelayMargin:         5 * time.Minute,
			ArrivalRadiusMeters: 30,
			ReplayWindow:        15 * time.Minute,
			ClientQueueSize:     64,
		},
		Relay: RelayConfig{
			Kind:      "none",
			Exchange:  "buswatch.alerts",
			QueueSize: 256,
		},
	}
}

// Load reads the YAML file at path (optional) over the defaults, applies
// BUSWATCH_* environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
	}
}

// ApplyEnv overrides cfg with BUSWATCH_* variables resolved through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %q", key, v)
		}
		*dst = n
		return nil
	}

	if err := integer("BUSWATCH_PORT", &cfg.Port); err != nil {
		return err
	}
	if err := integer("BUSWATCH_RATE_LIMIT", &cfg.RateLimit); err != nil {
		return err
	}
	if v, ok := lookup("BUSWATCH_ENV"); ok && v != "" {
		cfg.Env = EnvFlagToEnvironment(v)
	}
	if v, ok := lookup("BUSWATCH_API_KEYS"); ok && v != "" {
		cfg.ApiKeys = SplitList(v)
	}
	str("BUSWATCH_LOG_LEVEL", &cfg.LogLevel)
	str("BUSWATCH_DATA_PATH", &cfg.DataPath)
	str("BUSWATCH_DATASET", &cfg.DatasetPath)
	str("BUSWATCH_TIME_ZONE", &cfg.TimeZone)
	str("BUSWATCH_JWT_SECRET", &cfg.JWTSecret)
	str("BUSWATCH_ARCHIVE_DSN", &cfg.ArchiveDSN)
	str("BUSWATCH_RELAY_KIND", &cfg.Relay.Kind)
	str("BUSWATCH_RELAY_URL", &cfg.Relay.URL)
	str("BUSWATCH_RELAY_EXCHANGE", &cfg.Relay.Exchange)
	return nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Env == Test && c.DataPath != ":memory:" {
		return fmt.Errorf("test environment must use in-memory storage, got path: %s", c.DataPath)
	}
	return nil
}

// Location resolves the configured service-day time zone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// SplitList splits a comma-separated list, trimming whitespace and dropping
// empty entries.
func SplitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
