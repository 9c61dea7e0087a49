package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultEnvPrefix is prepended to every environment override, e.g. HUTCH_RABBITMQ_URL.
const DefaultEnvPrefix = "HUTCH"

type loadOptions struct {
	file      string
	name      string
	paths     []string
	envPrefix string
	dotEnv    []string
}

// LoadOption customises Load.
type LoadOption func(*loadOptions)

// WithConfigFile reads settings from an explicit file. The extension selects the format.
func WithConfigFile(path string) LoadOption {
	return func(o *loadOptions) { o.file = path }
}

// WithConfigPaths searches the directories for a file named "hutch.<ext>".
func WithConfigPaths(paths ...string) LoadOption {
	return func(o *loadOptions) { o.paths = append(o.paths, paths...) }
}

// WithEnvPrefix overrides DefaultEnvPrefix.
func WithEnvPrefix(prefix string) LoadOption {
	return func(o *loadOptions) { o.envPrefix = prefix }
}

// WithDotEnv loads the given dotenv files before reading the environment.
// Missing files are skipped.
func WithDotEnv(files ...string) LoadOption {
	return func(o *loadOptions) { o.dotEnv = files }
}

// Load builds a Config from (lowest to highest precedence) library defaults,
// an optional config file, dotenv files and the environment. The result has
// defaults applied and is validated.
func Load(opts ...LoadOption) (*Config, error) {
	options := &loadOptions{
		name:      "hutch",
		envPrefix: DefaultEnvPrefix,
		dotEnv:    []string{".env"},
	}
	for _, opt := range opts {
		opt(options)
	}

	if err := loadDotEnv(options.dotEnv); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(options.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, options); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfigFile(v *viper.Viper, options *loadOptions) error {
	switch {
	case options.file != "":
		v.SetConfigFile(options.file)
	case len(options.paths) > 0:
		v.SetConfigName(options.name)
		for _, p := range options.paths {
			v.AddConfigPath(p)
		}
	default:
		return nil
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
	}
	return nil
}

func loadDotEnv(files []string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can resolve it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "")
	v.SetDefault("rabbitmq_url", "")
	v.SetDefault("exchange", DefaultExchange)
	v.SetDefault("schedule_exchange", DefaultScheduleExchange)
	v.SetDefault("delay_queue_prefix", DefaultDelayQueuePrefix)
	v.SetDefault("delay_gradient", []string{})
	v.SetDefault("delay_queue_ttl", DefaultDelayQueueTTL)
	v.SetDefault("threshold_pause", DefaultThresholdPause)
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("serialization.escape_html", false)
	v.SetDefault("serialization.sort_map_keys", false)
	v.SetDefault("serialization.no_null_slice_or_map", false)
	v.SetDefault("serialization.use_number", false)
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_port", 0)
	v.SetDefault("webui_enabled", false)
	v.SetDefault("webui_port", 0)
	v.SetDefault("webui_cors_allowed_origins", []string{})
}
