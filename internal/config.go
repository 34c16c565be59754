package internal

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/loftmedia/autolog/internal/api"
	"github.com/loftmedia/autolog/internal/database"
	"github.com/loftmedia/autolog/internal/steps"
	"github.com/loftmedia/autolog/internal/store"
)

type (
	// AutologConfig is the struct used to contain the
	// various user config supplied by file, or
	// manually inside the code.
	AutologConfig struct {
		Store    StoreConfig             `yaml:"store" env-required:"true"`
		Engine   EngineConfig            `yaml:"engine"`
		Steps    StepsConfig             `yaml:"steps"`
		API      api.RestConfig          `yaml:"api"`
		Database database.DatabaseConfig `yaml:"database"`
	}

	// StoreConfig carries the record store connection details plus the
	// two layout names the engine drives.
	StoreConfig struct {
		BaseURL               string `yaml:"base_url" env:"STORE_BASE_URL" validate:"required,url"`
		Username              string `yaml:"username" env:"STORE_USERNAME" validate:"required"`
		Password              string `yaml:"password" env:"STORE_PASSWORD" validate:"required"`
		RequestTimeoutSeconds int    `yaml:"request_timeout_seconds" env:"STORE_REQUEST_TIMEOUT" env-default:"30"`

		FootageLayout string `yaml:"footage_layout" env:"STORE_FOOTAGE_LAYOUT" env-default:"footage"`
		FrameLayout   string `yaml:"frame_layout" env:"STORE_FRAME_LAYOUT" env-default:"frames"`
	}

	// EngineConfig is a subset of the configuration that focuses on the
	// polling engine itself (cadence, concurrency, and the status cache).
	EngineConfig struct {
		PollIntervalSeconds int `yaml:"poll_interval_seconds" env:"ENGINE_POLL_INTERVAL" env-default:"30"`
		PollDurationMinutes int `yaml:"poll_duration_minutes" env:"ENGINE_POLL_DURATION" env-default:"60"`
		WorkerCount         int `yaml:"worker_count" env:"ENGINE_WORKER_COUNT" env-default:"5" validate:"gte=0,lte=64"`
		SoftTimeoutSeconds  int `yaml:"soft_timeout_seconds" env:"ENGINE_SOFT_TIMEOUT" env-default:"30"`
		PageSize            int `yaml:"page_size" env:"ENGINE_PAGE_SIZE" env-default:"500"`

		// CacheTTLSeconds of zero means "match the poll interval", so a
		// cached status never outlives the discovery pass that wrote it
		// by more than one cycle.
		CacheTTLSeconds int `yaml:"cache_ttl_seconds" env:"ENGINE_CACHE_TTL" env-default:"0"`
	}

	// StepsConfig points the executor at the step scripts and allows
	// per-step overrides of script path and timeout.
	StepsConfig struct {
		ScriptDir string                    `yaml:"script_dir" env:"STEPS_SCRIPT_DIR" validate:"required"`
		Overrides map[string]steps.Override `yaml:"overrides"`
	}
)

// LoadFromFile loads a YAML configuration file in to an AutologConfig,
// applies environment overrides, and validates the result.
func (config *AutologConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration: %v", err.Error())
	}

	if err := validator.New().Struct(config); err != nil {
		return fmt.Errorf("configuration is invalid: %v", err.Error())
	}

	return nil
}

// CacheTTL resolves the status cache validity window, falling back to
// the poll interval when no explicit TTL is configured.
func (config EngineConfig) CacheTTL() time.Duration {
	if config.CacheTTLSeconds > 0 {
		return time.Duration(config.CacheTTLSeconds) * time.Second
	}

	return time.Duration(config.PollIntervalSeconds) * time.Second
}

func (config StoreConfig) ToClientConfig() store.Config {
	return store.Config{
		BaseURL:        config.BaseURL,
		Username:       config.Username,
		Password:       config.Password,
		RequestTimeout: time.Duration(config.RequestTimeoutSeconds) * time.Second,
	}
}
