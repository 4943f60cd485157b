// Package bootstrap wires the concrete collaborators cmd/task-orchestrator
// needs at process start: configuration loading, the Task Store/Cache
// backends, the discovery collaborators spec.md §1 places out of this
// module's scope, and the admin HTTP surface. Config loading layers
// environment variables over a config file over defaults via
// spf13/viper, narrowed from the teacher's full app config to this
// service's concerns.
package bootstrap

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/genkernel/orchestrator/internal/discovery"
)

// Config is the full set of bootstrap-time settings. The mapstructure
// tags are the config-file keys; each key can be overridden by an
// ORCH_-prefixed environment variable (e.g. ORCH_POSTGRES_DSN).
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`

	AdminAddr    string   `mapstructure:"admin_addr"`
	AdminOrigins []string `mapstructure:"admin_cors_origins"`

	Workers int `mapstructure:"workers"`

	StorageRoot string `mapstructure:"storage_root"`

	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`

	// Providers/Mappings are the minimal static configuration this
	// bootstrap needs to satisfy discovery.CredentialChecker/
	// MappingStore/ProviderStore/CatalogSource — genuine deployments
	// replace these with the real credential/billing/catalog services
	// referenced (but left out of scope) by spec.md §1.
	Providers []ProviderConfig `mapstructure:"providers"`
	Mappings  []MappingConfig  `mapstructure:"mappings"`
}

type ProviderConfig struct {
	ID      string `mapstructure:"id"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

type MappingConfig struct {
	Alias                   string `mapstructure:"alias"`
	ProviderID              string `mapstructure:"provider_id"`
	ProviderModelID         string `mapstructure:"provider_model_id"`
	SupportsImageGeneration bool   `mapstructure:"supports_image_generation"`
	SupportsVideoGeneration bool   `mapstructure:"supports_video_generation"`
}

// Load reads configuration from (in ascending precedence) defaults, a
// config file, then ORCH_-prefixed environment variables, following the
// teacher's viper.New/AutomaticEnv bootstrap sequence. No command-line
// flags are bound.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("postgres_dsn", "postgres://localhost:5432/orchestrator?sslmode=disable")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("admin_addr", ":8080")
	v.SetDefault("workers", 8)
	v.SetDefault("storage_root", "./data/artifacts")
	v.SetDefault("health_check_interval", 5*time.Minute)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) mappingsByAlias() map[string]discovery.Mapping {
	out := make(map[string]discovery.Mapping, len(c.Mappings))
	for _, m := range c.Mappings {
		out[m.Alias] = discovery.Mapping{
			Alias:           m.Alias,
			ProviderID:      m.ProviderID,
			ProviderModelID: m.ProviderModelID,
			Capabilities: discovery.Capabilities{
				SupportsImageGeneration: m.SupportsImageGeneration,
				SupportsVideoGeneration: m.SupportsVideoGeneration,
			},
		}
	}
	return out
}
