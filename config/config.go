// Package config provides the Orbis client configuration, loaded with Viper
// from ~/.orbis/orbis.toml with ORBIS_-prefixed environment overrides.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/orbisworld/orbis/errors"
)

// Config is the runtime configuration.
type Config struct {
	Realm   RealmConfig   `mapstructure:"realm" toml:"realm"`
	Cache   CacheConfig   `mapstructure:"cache" toml:"cache"`
	Scene   SceneConfig   `mapstructure:"scene" toml:"scene"`
	Profile ProfileConfig `mapstructure:"profile" toml:"profile"`
}

// RealmConfig names the deployment to join.
type RealmConfig struct {
	URL string `mapstructure:"url" toml:"url"`
}

// CacheConfig bounds the content cache.
type CacheConfig struct {
	Dir                    string `mapstructure:"dir" toml:"dir"`
	MaxBytes               int64  `mapstructure:"max_bytes" toml:"max_bytes"`
	MaxConcurrentDownloads int64  `mapstructure:"max_concurrent_downloads" toml:"max_concurrent_downloads"`
}

// SceneConfig controls spatial loading and the scene sandbox.
type SceneConfig struct {
	Radius        int32    `mapstructure:"radius" toml:"radius"`
	CityLoader    bool     `mapstructure:"city_loader" toml:"city_loader"`
	GlobalURNs    []string `mapstructure:"global_urns" toml:"global_urns"`
	AllowedHosts  []string `mapstructure:"allowed_hosts" toml:"allowed_hosts"`
	DevDir        string   `mapstructure:"dev_dir" toml:"dev_dir"`
}

// ProfileConfig is the local player profile.
type ProfileConfig struct {
	Name string `mapstructure:"name" toml:"name"`
}

var (
	globalConfig  *Config
	viperInstance *viper.Viper
)

// Dir returns the configuration directory (~/.orbis).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orbis"
	}
	return filepath.Join(home, ".orbis")
}

// Path returns the configuration file path.
func Path() string {
	return filepath.Join(Dir(), "orbis.toml")
}

// SetDefaults installs the default values on a Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("realm.url", "https://realm.orbisworld.io")
	v.SetDefault("cache.dir", filepath.Join(Dir(), "cache"))
	v.SetDefault("cache.max_bytes", int64(2<<30))
	v.SetDefault("cache.max_concurrent_downloads", int64(8))
	v.SetDefault("scene.radius", int32(2))
	v.SetDefault("scene.city_loader", true)
	v.SetDefault("profile.name", "wanderer")
}

// Load reads the configuration, caching the result.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &config
	return globalConfig, nil
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}
	return &config, nil
}

// Reset clears the cached configuration (useful for testing).
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetConfigName("orbis")
	v.SetConfigType("toml")
	v.AddConfigPath(Dir())

	SetDefaults(v)

	v.SetEnvPrefix("ORBIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// A missing config file is fine; defaults and env cover everything
	_ = v.ReadInConfig()

	viperInstance = v
	return v
}

// Save writes the configuration as TOML, creating the directory if needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create config file")
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	return nil
}

// Default returns a config populated with the default values.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults always unmarshal; a failure here is a programming error
		panic(err)
	}
	return &cfg
}
