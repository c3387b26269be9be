package config

import (
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const configFileName = "otakit"

// Config holds the configuration options for the updater core.
type Config struct {
	Fetcher   *FetcherConfig   `yaml:"fetcher,omitempty"`
	PeerCache *PeerCacheConfig `yaml:"peerCache,omitempty"`
}

// FetcherConfig holds configuration options for the payload transport.
type FetcherConfig struct {
	MaxRetries     int           `yaml:"maxRetries,omitempty"`
	RetryDelay     time.Duration `yaml:"retryDelay,omitempty"`
	ConnectTimeout time.Duration `yaml:"connectTimeout,omitempty"`
	LowSpeedLimit  int64         `yaml:"lowSpeedLimit,omitempty"`
	LowSpeedWindow time.Duration `yaml:"lowSpeedWindow,omitempty"`
}

// PeerCacheConfig holds configuration options for the peer-sharing cache.
type PeerCacheConfig struct {
	Dir    string `yaml:"dir,omitempty"`
	DBPath string `yaml:"dbPath,omitempty"`
}

// GetConfig reads the configuration file and returns a Config struct.
// If the configuration file does not exist, it returns the default
// configuration.
func GetConfig() (*Config, error) {
	configFilePath := filepath.Join(xdg.ConfigHome, configFileName)
	defaults := DefaultConfig()

	b, err := os.ReadFile(configFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}

		return nil, err
	}

	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config

	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return nil, err
	}

	fetcherCfg := zeroOr(cfg.Fetcher, defaults.Fetcher)
	peerCacheCfg := zeroOr(cfg.PeerCache, defaults.PeerCache)

	return &Config{
		Fetcher: &FetcherConfig{
			MaxRetries:     zeroOr(fetcherCfg.MaxRetries, defaults.Fetcher.MaxRetries),
			RetryDelay:     zeroOr(fetcherCfg.RetryDelay, defaults.Fetcher.RetryDelay),
			ConnectTimeout: zeroOr(fetcherCfg.ConnectTimeout, defaults.Fetcher.ConnectTimeout),
			LowSpeedLimit:  zeroOr(fetcherCfg.LowSpeedLimit, defaults.Fetcher.LowSpeedLimit),
			LowSpeedWindow: zeroOr(fetcherCfg.LowSpeedWindow, defaults.Fetcher.LowSpeedWindow),
		},
		PeerCache: &PeerCacheConfig{
			Dir:    zeroOr(peerCacheCfg.Dir, defaults.PeerCache.Dir),
			DBPath: zeroOr(peerCacheCfg.DBPath, defaults.PeerCache.DBPath),
		},
	}, nil
}

func DefaultConfig() Config {
	return Config{
		Fetcher: &FetcherConfig{
			MaxRetries:     maxRetries,
			RetryDelay:     retryDelay,
			ConnectTimeout: connectTimeout,
			LowSpeedLimit:  lowSpeedLimit,
			LowSpeedWindow: lowSpeedWindow,
		},
		PeerCache: &PeerCacheConfig{
			Dir:    peerCacheDir,
			DBPath: peerCacheDBPath,
		},
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
