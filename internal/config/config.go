// Package config loads layered configuration for the wvt command.
//
// Precedence, lowest first: built-in defaults, the config file (TOML or
// YAML), WVT_* environment variables, command-line flags bound by the
// caller. Nested keys map to environment names by replacing dots with
// underscores, so remote.url is WVT_REMOTE_URL.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "WVT"

// Remote drivers.
const (
	DriverNone     = "none"
	DriverLibSQL   = "libsql"
	DriverPostgres = "postgres"
)

// Config is the fully resolved configuration.
type Config struct {
	Device    DeviceConfig    `mapstructure:"device"`
	DataDir   string          `mapstructure:"data_dir"`
	Scratch   ScratchConfig   `mapstructure:"scratch"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Link      LinkConfig      `mapstructure:"link"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

type DeviceConfig struct {
	// Role is primary or companion. Legacy names (iphone, watch) are accepted.
	Role string `mapstructure:"role"`
	Name string `mapstructure:"name"`
}

type ScratchConfig struct {
	Dir         string        `mapstructure:"dir"`
	Debounce    time.Duration `mapstructure:"debounce"`
	OrphanGrace time.Duration `mapstructure:"orphan_grace"`
}

type ArchiveConfig struct {
	Dir           string        `mapstructure:"dir"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxProbe      int           `mapstructure:"max_probe"`
}

type RemoteConfig struct {
	Driver    string        `mapstructure:"driver"`
	URL       string        `mapstructure:"url"`
	AuthToken string        `mapstructure:"auth_token"`
	PageSize  int           `mapstructure:"page_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Kafka     KafkaConfig   `mapstructure:"kafka"`
}

// KafkaConfig enables change notifications over Kafka when Brokers is set.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type LinkConfig struct {
	// Listen is the primary's websocket address.
	Listen string `mapstructure:"listen"`
	// URL is the primary's /link endpoint, dialed by the companion.
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
	// Token is the companion's pairing token issued by the primary.
	Token          string        `mapstructure:"token"`
	RedialInterval time.Duration `mapstructure:"redial_interval"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

type DashboardConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// New returns a viper instance with defaults and environment binding set.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device.role", string(workout.OriginPrimary))
	v.SetDefault("device.name", "")
	v.SetDefault("data_dir", "")

	v.SetDefault("scratch.dir", "")
	v.SetDefault("scratch.debounce", "500ms")
	v.SetDefault("scratch.orphan_grace", "2m")

	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.sweep_interval", "10m")
	v.SetDefault("archive.max_probe", 1000)

	v.SetDefault("remote.driver", DriverNone)
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.auth_token", "")
	v.SetDefault("remote.page_size", 500)
	v.SetDefault("remote.timeout", "30s")
	v.SetDefault("remote.kafka.brokers", []string{})
	v.SetDefault("remote.kafka.topic", "workout-changes")

	v.SetDefault("link.listen", "127.0.0.1:7345")
	v.SetDefault("link.url", "")
	v.SetDefault("link.secret", "")
	v.SetDefault("link.token", "")
	v.SetDefault("link.redial_interval", "5s")
	v.SetDefault("link.write_timeout", "10s")

	v.SetDefault("dashboard.addr", "127.0.0.1:8080")

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// DefaultDataDir is ~/.wvt, or .wvt in the working directory when the home
// directory cannot be determined.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wvt"
	}
	return filepath.Join(home, ".wvt")
}

// Load reads file (or config.toml/config.yaml in the data directory when
// file is empty) into v and returns the resolved configuration. A missing
// default file is not an error.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	} else {
		dir := v.GetString("data_dir")
		if dir == "" {
			dir = DefaultDataDir()
		}
		v.SetConfigName("config")
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) resolvePaths() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.Scratch.Dir == "" {
		c.Scratch.Dir = filepath.Join(c.DataDir, "scratch")
	}
	if c.Archive.Dir == "" {
		c.Archive.Dir = filepath.Join(c.DataDir, "archive")
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	role, err := workout.ParseOrigin(c.Device.Role)
	if err != nil {
		return fmt.Errorf("device.role: %w", err)
	}
	switch c.Remote.Driver {
	case DriverNone:
	case DriverLibSQL, DriverPostgres:
		if c.Remote.URL == "" {
			return fmt.Errorf("remote.url is required for driver %q", c.Remote.Driver)
		}
	default:
		return fmt.Errorf("remote.driver: unknown driver %q", c.Remote.Driver)
	}
	if c.Remote.PageSize < 0 {
		return fmt.Errorf("remote.page_size must be >= 0 (got %d)", c.Remote.PageSize)
	}
	if role == workout.OriginCompanion && c.Link.URL != "" && c.Link.Token == "" {
		return errors.New("link.token is required when link.url is set; run 'wvt pair' on the primary")
	}
	return nil
}

// Role returns the parsed device role.
func (c Config) Role() workout.Origin {
	role, _ := workout.ParseOrigin(c.Device.Role)
	return role
}

// DBPath is the local store database file.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "workouts.db")
}

// LogPath is the rotating log file, defaulting into the data directory.
func (c Config) LogPath() string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(c.DataDir, "wvt.log")
}

// WriteDefault writes the default settings as TOML to path. An existing
// file is left alone unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	v := viper.New()
	setDefaults(v)
	if err := toml.NewEncoder(f).Encode(v.AllSettings()); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
