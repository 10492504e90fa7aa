// Package config manages vulnsweep configuration via a viper singleton.
//
// Settings are resolved in precedence order: environment variables
// (VULNSWEEP_ prefix, dots and dashes mapped to underscores), then the
// config file, then registered defaults.
package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Config keys. Dotted form in the file, VULNSWEEP_SECTION_KEY in the env
// (e.g. engine.batch-size -> VULNSWEEP_ENGINE_BATCH_SIZE).
const (
	KeyDBPath = "db.path"

	KeyPolicyFile = "policy.file"

	KeyEngineBatchSize     = "engine.batch-size"
	KeyEngineResolveBudget = "engine.resolve-budget"

	KeySearchEndpoint = "search.endpoint"

	KeyWebhookTimeout    = "webhook.timeout"
	KeyWebhookMaxRetries = "webhook.max-retries"

	KeyLogLevel = "log.level"
)

var (
	v  *viper.Viper
	mu sync.RWMutex
)

// Initialize sets up the viper singleton. configPath may be empty, in which
// case only defaults and environment variables apply. Safe to call more than
// once; later calls re-read the file.
func Initialize(configPath string) error {
	mu.Lock()
	defer mu.Unlock()

	nv := viper.New()
	nv.SetEnvPrefix("VULNSWEEP")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	nv.AutomaticEnv()

	registerDefaults(nv)

	if configPath != "" {
		nv.SetConfigFile(configPath)
		if err := nv.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", configPath, err)
		}
	}

	v = nv
	return nil
}

func registerDefaults(nv *viper.Viper) {
	nv.SetDefault(KeyDBPath, "vulnsweep.db")
	nv.SetDefault(KeyPolicyFile, "policy.yml")
	nv.SetDefault(KeyEngineBatchSize, 1000)
	nv.SetDefault(KeyEngineResolveBudget, 1000)
	nv.SetDefault(KeySearchEndpoint, "")
	nv.SetDefault(KeyWebhookTimeout, "10s")
	nv.SetDefault(KeyWebhookMaxRetries, 3)
	nv.SetDefault(KeyLogLevel, "info")
}

// get returns the singleton, initializing with defaults-only on first use.
func get() *viper.Viper {
	mu.RLock()
	if v != nil {
		defer mu.RUnlock()
		return v
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if v == nil {
		nv := viper.New()
		nv.SetEnvPrefix("VULNSWEEP")
		nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		nv.AutomaticEnv()
		registerDefaults(nv)
		v = nv
	}
	return v
}

func GetString(key string) string { return get().GetString(key) }
func GetInt(key string) int       { return get().GetInt(key) }
func GetBool(key string) bool     { return get().GetBool(key) }

// Set overrides a value at runtime. Used by CLI flag binding and tests.
func Set(key string, value any) { get().Set(key, value) }

// Reset discards the singleton so the next access rebuilds from defaults.
// Test hook.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	v = nil
}
