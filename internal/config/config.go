// Package config loads the run configuration: connection target,
// credentials, archive location and the sync tunables.  Values come
// from a YAML file with MAILMIRROR_* environment variables taking
// precedence; missing keys fall back to defaults.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"marmstrong/mailmirror/internal/homedir"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TLS      bool   `mapstructure:"tls"`

	// ArchiveRoot is the durable mirror directory.  The index
	// store file lives inside it so that archive and index always
	// travel together.
	ArchiveRoot string   `mapstructure:"archive_root"`
	Folders     []string `mapstructure:"folders"`

	BatchSize       int `mapstructure:"batch_size"`
	MaxItemAttempts int `mapstructure:"max_item_attempts"`

	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffCap       time.Duration `mapstructure:"backoff_cap"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// IndexPath returns the embedded store file for the archive root.
func (c *Config) IndexPath() string {
	return filepath.Join(c.ArchiveRoot, ".index.db")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(homedir.Get(), ".config", "mailmirror", "config.yaml")
}

// Load reads the configuration from path.  A missing file is not an
// error; defaults plus environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("MAILMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "993")
	v.SetDefault("tls", true)
	v.SetDefault("archive_root", filepath.Join(homedir.Get(), "mail-archive"))
	v.SetDefault("folders", []string{"INBOX"})
	v.SetDefault("batch_size", 50)
	v.SetDefault("max_item_attempts", 3)
	v.SetDefault("backoff_base", time.Second)
	v.SetDefault("backoff_cap", 5*time.Minute)
	v.SetDefault("breaker_threshold", 5)
	v.SetDefault("breaker_cooldown", time.Minute)

	if err := v.ReadInConfig(); err != nil {
		_, pathErr := err.(*os.PathError)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !pathErr && !notFound {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	return &cfg, nil
}
