package config

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/healthnote-storage/healthnote-relay/lib/types"
)

var (
	// Cache the configuration after first load
	cachedConfig    atomic.Value // stores *types.Config
	configLoadOnce  sync.Once
	configLoadError error

	// Only protect write operations
	writeMutex sync.Mutex

	// Debounce timer for config file changes
	debounceTimer *time.Timer
	debounceMutex sync.Mutex
)

// InitConfig initializes the global viper configuration
func InitConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("HEALTHNOTE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create it with defaults
			fmt.Println("No config.yaml found, creating default configuration...")
			if err := viper.WriteConfigAs("config.yaml"); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read created config: %w", err)
			}
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := reloadConfigCache(); err != nil {
		return fmt.Errorf("failed to load initial config: %w", err)
	}

	// Watch for config file changes with debouncing
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		// Debounce file changes to avoid reading partial writes on slower machines
		debounceMutex.Lock()
		defer debounceMutex.Unlock()

		if debounceTimer != nil {
			debounceTimer.Stop()
		}

		debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
			log.Printf("Config file changed (debounced): %s", e.Name)
			writeMutex.Lock()
			defer writeMutex.Unlock()

			if err := reloadConfigCache(); err != nil {
				log.Printf("Error reloading config cache after file change: %v", err)
			}
		})
	})

	return nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.bind_address", "0.0.0.0")
	viper.SetDefault("server.data_path", "./data")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.output", "stdout")

	viper.SetDefault("relay.name", "Health & Fitness Relay")
	viper.SetDefault("relay.description", "A specialized relay for health and fitness events with satellite offloading")
	viper.SetDefault("relay.contact", "")
	viper.SetDefault("relay.software", "github.com/healthnote-storage/healthnote-relay")
	viper.SetDefault("relay.version", "0.2.0")
	viper.SetDefault("relay.private_key", "")

	viper.SetDefault("limits.max_outbound_queue", 256)
	viper.SetDefault("limits.default_query_limit", 100)
	viper.SetDefault("limits.max_query_limit", 500)
	viper.SetDefault("limits.clock_skew_future_seconds", 300)

	viper.SetDefault("satellite.liveness_seconds", 86400)
	viper.SetDefault("satellite.forward_retry_ceiling_seconds", 600)

	viper.SetDefault("expiry.sweep_interval_seconds", 3600)
}

// reloadConfigCache loads the configuration from viper into the cache
func reloadConfigCache() error {
	config := &types.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cachedConfig.Store(config)
	return nil
}

// GetConfig returns the cached configuration struct. This only reads
// from atomic.Value so it is safe on hot paths.
func GetConfig() (*types.Config, error) {
	if cfg := cachedConfig.Load(); cfg != nil {
		return cfg.(*types.Config), nil
	}

	configLoadOnce.Do(func() {
		configLoadError = reloadConfigCache()
	})

	if configLoadError != nil {
		return nil, configLoadError
	}

	cfg := cachedConfig.Load()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}

	return cfg.(*types.Config), nil
}

// GetDataDir returns the data directory path
func GetDataDir() string {
	cfg, err := GetConfig()
	if err != nil || cfg.Server.DataPath == "" {
		return "./data"
	}
	return cfg.Server.DataPath
}

// GetPath returns a path relative to the data directory
func GetPath(subPath string) string {
	return filepath.Join(GetDataDir(), subPath)
}
