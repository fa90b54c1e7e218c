package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"go-accurate-puller/internal/model"
	"go-accurate-puller/internal/pullerr"
	"go-accurate-puller/internal/store"
	"go-accurate-puller/internal/transport"
)

// FileName is the config file looked up when no path is given
const FileName = "puller.yaml"

// EnvPrefix namespaces every environment override (PULLER_PULLER_PAGE_SIZE, ...)
const EnvPrefix = "PULLER"

// Config is everything a puller process needs
type Config struct {
	API            APIConfig                         `yaml:"api" mapstructure:"api"`
	Credential     model.Credential                  `yaml:"-" mapstructure:"credential"`
	StartDate      string                            `yaml:"start_date" mapstructure:"start_date"`
	EndDate        string                            `yaml:"end_date" mapstructure:"end_date"`
	CheckpointPath string                            `yaml:"checkpoint_path" mapstructure:"checkpoint_path" validate:"required"`
	Puller         model.PullerConfig                `yaml:"puller" mapstructure:"puller"`
	Fallback       FallbackConfig                    `yaml:"fallback" mapstructure:"fallback"`
	Sink           SinkConfig                        `yaml:"sink" mapstructure:"sink"`
	Store          StoreConfig                       `yaml:"store" mapstructure:"store"`
	Export         ExportConfig                      `yaml:"export" mapstructure:"export"`
	Log            LogConfig                         `yaml:"log" mapstructure:"log"`
	Server         ServerConfig                      `yaml:"server" mapstructure:"server"`
	Endpoints      map[string]model.EndpointOverride `yaml:"endpoints,omitempty" mapstructure:"endpoints" validate:"dive"`
}

type APIConfig struct {
	// BaseURL skips host discovery when set.
	BaseURL  string `yaml:"base_url,omitempty" mapstructure:"base_url" validate:"omitempty,url"`
	TokenURL string `yaml:"token_url" mapstructure:"token_url" validate:"required,url"`
	Timezone string `yaml:"timezone" mapstructure:"timezone" validate:"required"`
}

// FallbackConfig holds the floors of the default fallback rules
type FallbackConfig struct {
	SellingPriceFloor float64 `yaml:"selling_price_floor" mapstructure:"selling_price_floor" validate:"gt=0"`
	AvgCostFloor      float64 `yaml:"avg_cost_floor" mapstructure:"avg_cost_floor" validate:"gt=0"`
}

type SinkConfig struct {
	Kind       string         `yaml:"kind" mapstructure:"kind" validate:"oneof=memory sqlite postgres"`
	SQLitePath string         `yaml:"sqlite_path" mapstructure:"sqlite_path" validate:"required_if=Kind sqlite"`
	Postgres   PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

type PostgresConfig struct {
	DSN        string `yaml:"dsn,omitempty" mapstructure:"dsn"`
	Schema     string `yaml:"schema" mapstructure:"schema"`
	MaxConns   int    `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=0"`
	ViaBouncer bool   `yaml:"via_bouncer" mapstructure:"via_bouncer"`
	BatchSize  int    `yaml:"batch_size" mapstructure:"batch_size" validate:"gte=0"`
}

// Options converts the section for store.OpenPostgresSink
func (p PostgresConfig) Options() store.PostgresOptions {
	return store.PostgresOptions{
		DSN:        p.DSN,
		Schema:     p.Schema,
		MaxConns:   p.MaxConns,
		ViaBouncer: p.ViaBouncer,
		BatchSize:  p.BatchSize,
	}
}

type StoreConfig struct {
	JobDB string `yaml:"job_db" mapstructure:"job_db" validate:"required"`
}

type ExportConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=text json"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr" validate:"required"`
}

// Default returns the documented defaults. Dates and credentials have none.
func Default() *Config {
	return &Config{
		API: APIConfig{
			TokenURL: transport.DefaultTokenURL,
			Timezone: "Asia/Jakarta",
		},
		CheckpointPath: filepath.Join("checkpoints", "puller.checkpoint.json"),
		Puller:         model.DefaultPullerConfig(),
		Fallback: FallbackConfig{
			SellingPriceFloor: 1000,
			AvgCostFloor:      500,
		},
		Sink: SinkConfig{
			Kind:       "sqlite",
			SQLitePath: filepath.Join("data", "pulled.db"),
			Postgres:   PostgresConfig{Schema: "public", MaxConns: 2, BatchSize: 200},
		},
		Store:  StoreConfig{JobDB: filepath.Join("data", "jobs.db")},
		Export: ExportConfig{Dir: filepath.Join("data", "exports")},
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{Addr: ":8080"},
	}
}

// Load reads path (or puller.yaml from the working directory, then
// $HOME/.puller) over the defaults and applies environment overrides.
// A missing file is fine; an unreadable one is not.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".puller"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindCredentials(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// bindCredentials accepts the Accurate names first, then the bare ones
func bindCredentials(v *viper.Viper) {
	_ = v.BindEnv("credential.api_token", "ACCURATE_API_TOKEN", "API_TOKEN", EnvPrefix+"_CREDENTIAL_API_TOKEN")
	_ = v.BindEnv("credential.signature_secret", "ACCURATE_SIGNATURE_SECRET", "SIGNATURE_SECRET", EnvPrefix+"_CREDENTIAL_SIGNATURE_SECRET")
	_ = v.BindEnv("start_date", "START_DATE", EnvPrefix+"_START_DATE")
	_ = v.BindEnv("end_date", "END_DATE", EnvPrefix+"_END_DATE")
}

// setDefaults registers every key of def so AutomaticEnv can override keys
// the config file never mentions.
func setDefaults(v *viper.Viper, def *Config) {
	raw, err := yaml.Marshal(def)
	if err != nil {
		return
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return
	}
	walkDefaults(v, "", tree)
	for _, key := range []string{"credential.api_token", "credential.signature_secret", "api.base_url", "sink.postgres.dsn"} {
		v.SetDefault(key, "")
	}
}

func walkDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]interface{}); ok && len(sub) > 0 {
			walkDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

var validate = validator.New()

// Validate checks the static config. requireRun adds what a pull needs:
// credentials and a date range.
func (c *Config) Validate(requireRun bool) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Sink.Kind == "postgres" && c.Sink.Postgres.DSN == "" {
		return errors.New("invalid config: sink.postgres.dsn is required for the postgres sink")
	}
	if !requireRun {
		return nil
	}
	if c.Credential.Empty() {
		return pullerr.Fatal("config", fmt.Errorf("%w (set ACCURATE_API_TOKEN and ACCURATE_SIGNATURE_SECRET)", pullerr.ErrMissingCredential))
	}
	if _, err := c.Dates(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Dates parses the configured range
func (c *Config) Dates() (model.DateRange, error) {
	if c.StartDate == "" || c.EndDate == "" {
		return model.DateRange{}, errors.New("start_date and end_date are required")
	}
	return model.ParseDateRange(c.StartDate, c.EndDate)
}

// Rules returns the default fallback rules with the configured floors
func (c *Config) Rules() []model.FallbackRule {
	return model.DefaultFallbackRules(c.Fallback.SellingPriceFloor, c.Fallback.AvgCostFloor)
}

// WriteDefault renders the default config to path, refusing to overwrite
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	header := "# Accurate puller configuration. Credentials come from\n" +
		"# ACCURATE_API_TOKEN and ACCURATE_SIGNATURE_SECRET.\n"
	return os.WriteFile(path, append([]byte(header), data...), 0o644)
}
