// Package config loads operator settings from defaults, an optional YAML file, a .env file in
// the working directory and IDXFS_* environment variables, later sources winning.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-idxfs/internal/types"
)

const (
	envPrefix   = "IDXFS"
	dotenvFile  = ".env"
	configName  = "idxfs"
	configType  = "yaml"
	defaultDisk = "./DISK"
)

// Config holds every setting the command line tool reads.
type Config struct {
	Disk    DiskConfig    `mapstructure:"disk"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// DiskConfig describes the disk image and the geometry used when formatting it.
type DiskConfig struct {
	Image      string `mapstructure:"image"`
	SectorSize int    `mapstructure:"sector_size"`
	NumSectors int    `mapstructure:"num_sectors"`
	Lock       bool   `mapstructure:"lock"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level   string `mapstructure:"level"`
	NoColor bool   `mapstructure:"no_color"`
}

// MetricsConfig controls the metrics dump written when a command finishes.
type MetricsConfig struct {
	File string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("disk.image", defaultDisk)
	v.SetDefault("disk.sector_size", types.DefaultSectorSize)
	v.SetDefault("disk.num_sectors", types.DefaultNumSectors)
	v.SetDefault("disk.lock", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.no_color", false)
	v.SetDefault("metrics.file", "")
}

// Load reads the configuration. An empty file searches the usual locations and tolerates
// finding nothing; a named file must exist.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.idxfs")
		v.AddConfigPath("/etc/idxfs")
	}

	// Allow environment variables
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := applyDotenv(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDotenv layers values from .env between the config file and the real environment.
func applyDotenv(v *viper.Viper) error {
	if _, err := os.Stat(dotenvFile); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	values, err := godotenv.Read(dotenvFile)
	if err != nil {
		return fmt.Errorf("error reading %s: %w", dotenvFile, err)
	}

	for _, key := range v.AllKeys() {
		name := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		value, ok := values[name]
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(name); set {
			continue
		}
		v.Set(key, value)
	}
	return nil
}

// Validate rejects settings the filesystem cannot work with.
func (c *Config) Validate() error {
	if c.Disk.Image == "" {
		return errors.New("disk.image must not be empty")
	}
	if _, err := types.NewGeometry(c.Disk.SectorSize); err != nil {
		return fmt.Errorf("disk.sector_size: %w", err)
	}
	if c.Disk.NumSectors <= types.ReservedSectors {
		return fmt.Errorf("disk.num_sectors must be greater than %d, got %d", types.ReservedSectors, c.Disk.NumSectors)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses the configured level name.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
