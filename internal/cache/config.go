package cache

import (
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	defaultMaxConns      = 10
	defaultTestInterval  = 5 * time.Minute
	defaultMirrorTimeout = 10 * time.Second
)

// MirrorSelectionMethod chooses how the Mirror Selector orders upstreams
// (spec.md §4.A).
type MirrorSelectionMethod string

const (
	SelectionPredefined MirrorSelectionMethod = "predefined"
	SelectionAuto       MirrorSelectionMethod = "auto"
)

// AutoMirrorConfig configures the "auto" Mirror Selector scoring pass.
type AutoMirrorConfig struct {
	HTTPSRequired bool          `toml:"https_required"`
	IPv4          bool          `toml:"ipv4"`
	IPv6          bool          `toml:"ipv6"`
	MaxScore      time.Duration `toml:"max_score"`
	Timeout       time.Duration `toml:"timeout"`
	TestInterval  time.Duration `toml:"test_interval"`
}

// RecvPackagesConfig configures the signed wanted-packages POST endpoint
// (spec.md §4.F POST dispatch, §4.H).
type RecvPackagesConfig struct {
	Key       string `toml:"key" env:"CPCACHE_RECV_PACKAGES_KEY"`
	Directory string `toml:"directory" env:"CPCACHE_WANTED_PACKAGES_DIR"`
}

// SharedSecret decodes Key. A hex-looking key (even length, all hex
// digits) is decoded as hex; otherwise the key is used as a raw byte
// string, matching common shared-secret conventions in the ecosystem.
func (r *RecvPackagesConfig) SharedSecret() ([]byte, error) {
	k := strings.TrimSpace(r.Key)
	if len(k)%2 == 0 {
		if decoded, err := hex.DecodeString(k); err == nil {
			return decoded, nil
		}
	}
	return []byte(k), nil
}

// LogConfig configures the global slog logger, identical in shape to the
// teacher's own LogConfig.
type LogConfig struct {
	Level  string `toml:"level" env:"CPCACHE_LOG_LEVEL"`
	Format string `toml:"format" env:"CPCACHE_LOG_FORMAT"`
}

// Apply configures slog's default logger from lc.
func (lc *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + lc.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(lc.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + lc.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Config is the top-level TOML configuration, decoded with
// github.com/BurntSushi/toml from /etc/cpcache/cpcache.toml by default
// (spec.md §6).
type Config struct {
	Port           int      `toml:"port" env:"CPCACHE_PORT"`
	CacheDirectory string   `toml:"cache_directory" env:"CPCACHE_CACHE_DIRECTORY"`
	IPv6Enabled    bool     `toml:"ipv6_enabled" env:"CPCACHE_IPV6_ENABLED"`
	MaxConns       int      `toml:"max_conns" env:"CPCACHE_MAX_CONNS"`
	MirrorsPre     []string `toml:"mirrors_predefined"`
	MirrorsBlack   []string `toml:"mirrors_blacklist"`

	MirrorSelectionMethod MirrorSelectionMethod `toml:"mirror_selection_method"`
	MirrorsAuto           AutoMirrorConfig      `toml:"mirrors_auto"`

	RecvPackages RecvPackagesConfig `toml:"recv_packages"`
	Log          LogConfig          `toml:"log"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		MaxConns:              defaultMaxConns,
		MirrorSelectionMethod: SelectionPredefined,
		MirrorsAuto: AutoMirrorConfig{
			MaxScore:     2 * time.Second,
			Timeout:      defaultMirrorTimeout,
			TestInterval: defaultTestInterval,
		},
	}
}

// Check validates the configuration, returning a descriptive error for the
// first problem found. A config error at startup is a nonzero exit
// (spec.md §6 "Exit codes").
func (c *Config) Check() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if c.CacheDirectory == "" {
		return errors.New("cache_directory is not set")
	}
	if !filepath.IsAbs(c.CacheDirectory) {
		return errors.New("cache_directory must be an absolute path")
	}
	if c.MaxConns <= 0 {
		return errors.New("max_conns must be a positive integer")
	}

	switch c.MirrorSelectionMethod {
	case SelectionPredefined:
		if len(c.MirrorsPre) == 0 {
			return errors.New("mirrors_predefined must be non-empty when mirror_selection_method is \"predefined\"")
		}
	case SelectionAuto:
		if len(c.MirrorsPre) == 0 {
			return errors.New("mirrors_predefined must list candidate mirrors for auto scoring")
		}
	default:
		return errors.New("mirror_selection_method must be \"predefined\" or \"auto\"")
	}

	if c.RecvPackages.Key != "" && c.RecvPackages.Directory == "" {
		return errors.New("recv_packages.directory must be set when recv_packages.key is set")
	}

	return nil
}

// ApplyEnvironmentVariables overrides TOML-decoded fields with environment
// variables, using the same reflection-driven "env" struct tag the teacher
// config.go uses.
func (c *Config) ApplyEnvironmentVariables() error {
	return applyEnvToStruct(c)
}

func applyEnvToStruct(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return errors.New("applyEnvToStruct requires a pointer to struct")
	}
	rv = rv.Elem()
	rt := rv.Type()

	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rt.Field(i)
		if !field.CanSet() {
			continue
		}

		if envTag := fieldType.Tag.Get("env"); envTag != "" {
			if err := setFieldFromEnv(field, envTag); err != nil {
				return errors.New("failed to set field " + fieldType.Name + " from environment: " + err.Error())
			}
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(field.Addr().Interface()); err != nil {
				return err
			}
		}
	}
	return nil
}

func setFieldFromEnv(field reflect.Value, envVar string) error {
	envValue := os.Getenv(envVar)
	if envValue == "" {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int:
		n, err := strconv.Atoi(envValue)
		if err != nil {
			return errors.New("invalid integer value for " + envVar + ": " + envValue)
		}
		field.SetInt(int64(n))
	case reflect.Bool:
		b, err := strconv.ParseBool(envValue)
		if err != nil {
			return errors.New("invalid boolean value for " + envVar + ": " + envValue)
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return errors.New("unsupported slice type for environment variable")
		}
		parts := strings.Split(envValue, ",")
		values := make([]string, len(parts))
		for i, part := range parts {
			values[i] = strings.TrimSpace(part)
		}
		field.Set(reflect.ValueOf(values))
	default:
		return errors.New("unsupported field type: " + field.Kind().String())
	}
	return nil
}
