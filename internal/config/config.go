// Package config loads harness configuration the way the teacher's
// pkg/config does: a single Config struct with mapstructure/yaml tags,
// populated through viper with environment variable > config file >
// default precedence, with CLI flags applied on top by
// ApplyFlagOverrides, then validated with go-playground/validator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the harness's full runtime configuration.
type Config struct {
	// Engine controls the engine-side TCP server (C3).
	Engine EngineConfig `mapstructure:"engine" yaml:"engine"`

	// Reference controls the reference-side subprocess and client (C4).
	Reference ReferenceConfig `mapstructure:"reference" yaml:"reference"`

	// NumTests is the number of test instructions to run before
	// finalizing, mirroring the original harness's -n argument.
	NumTests int `mapstructure:"num_tests" validate:"gte=0" yaml:"num_tests"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// EngineConfig configures the engine-side listener.
type EngineConfig struct {
	// Port is the TCP port the engine-side server listens on.
	// 0 lets the OS assign an ephemeral port when the listener binds.
	Port int `mapstructure:"port" validate:"gte=0,lte=65535" yaml:"port"`

	// AcceptTimeout bounds each poll of the accept loop, letting it
	// notice a shutdown request without blocking indefinitely.
	AcceptTimeout time.Duration `mapstructure:"accept_timeout" validate:"required,gt=0" yaml:"accept_timeout"`
}

// ReferenceConfig configures the reference-side subprocess and client.
type ReferenceConfig struct {
	// SpawnClient controls whether the harness forks and drains the
	// reference subprocess (true). When false no reference model is
	// launched or connected, so no reference trace is queued for the
	// comparator.
	SpawnClient bool `mapstructure:"spawn_client" yaml:"spawn_client"`

	// ELFPath is the path to the ELF binary the reference model runs.
	ELFPath string `mapstructure:"elf_path" yaml:"elf_path"`

	// SailRiscv overrides the reference model executable path. If not
	// set (or set empty) in the file or RVFI_REFERENCE_SAIL_RISCV, the
	// SAIL_RISCV environment variable is consulted, then a built-in
	// default executable name.
	SailRiscv string `mapstructure:"sail_riscv" yaml:"sail_riscv"`

	// ConnectRetries is how many times the reference client retries
	// connecting to the reference simulator's trace port before giving up.
	ConnectRetries int `mapstructure:"connect_retries" validate:"gte=1" yaml:"connect_retries"`

	// ConnectRetryInterval is the delay between connect attempts. The
	// original implementation uses a 500 microsecond interval; this
	// field carries the same unit, not milliseconds.
	ConnectRetryInterval time.Duration `mapstructure:"connect_retry_interval" validate:"required,gt=0" yaml:"connect_retry_interval"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

const envPrefix = "RVFI"

// Load loads configuration from defaults, an optional file, and the RVFI_*
// environment variables, in that order of increasing precedence. Flags
// are applied separately by the caller (see cmd/rvfi-harness) via
// ApplyFlagOverrides, which gives them precedence over all three.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
			return nil, fmt.Errorf("config: unmarshal: %w", err)
		}
	}
	applyEnvOverrides(cfg, v)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets RVFI_* environment keys win over file values even
// when the struct field was already populated from the file, matching
// viper's own precedence semantics for keys it was made aware of.
func applyEnvOverrides(cfg *Config, v *viper.Viper) {
	if v.IsSet("engine.port") {
		cfg.Engine.Port = v.GetInt("engine.port")
	}
	if v.IsSet("engine.accept_timeout") {
		cfg.Engine.AcceptTimeout = v.GetDuration("engine.accept_timeout")
	}
	if v.IsSet("reference.spawn_client") {
		cfg.Reference.SpawnClient = v.GetBool("reference.spawn_client")
	}
	if v.IsSet("reference.elf_path") {
		cfg.Reference.ELFPath = v.GetString("reference.elf_path")
	}
	if v.IsSet("reference.sail_riscv") {
		cfg.Reference.SailRiscv = v.GetString("reference.sail_riscv")
	}
	if v.IsSet("reference.connect_retries") {
		cfg.Reference.ConnectRetries = v.GetInt("reference.connect_retries")
	}
	if v.IsSet("reference.connect_retry_interval") {
		cfg.Reference.ConnectRetryInterval = v.GetDuration("reference.connect_retry_interval")
	}
	if v.IsSet("num_tests") {
		cfg.NumTests = v.GetInt("num_tests")
	}
	if v.IsSet("logging.level") {
		cfg.Logging.Level = v.GetString("logging.level")
	}
	if v.IsSet("logging.format") {
		cfg.Logging.Format = v.GetString("logging.format")
	}
	if v.IsSet("logging.output") {
		cfg.Logging.Output = v.GetString("logging.output")
	}

	if !v.IsSet("reference.sail_riscv") || cfg.Reference.SailRiscv == "" {
		if env := os.Getenv("SAIL_RISCV"); env != "" {
			cfg.Reference.SailRiscv = env
		}
	}
}

func defaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Port:          0,
			AcceptTimeout: 2 * time.Second,
		},
		Reference: ReferenceConfig{
			SpawnClient:          true,
			SailRiscv:            "rvfi-reference-model",
			ConnectRetries:       20,
			ConnectRetryInterval: 500 * time.Microsecond,
		},
		NumTests: 10000,
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stderr",
		},
	}
}

// ApplyFlagOverrides copies any explicitly-set flags onto cfg, giving CLI
// flags top precedence over the file/env/default values Load already
// applied — the same PersistentPreRun-time sync the teacher's
// cmd/dfsctl/commands/root.go does into its cmdutil.Flags struct, just
// onto this package's Config instead.
func ApplyFlagOverrides(cfg *Config, flags *pflag.FlagSet) {
	if v, err := flags.GetInt("port"); err == nil && flags.Changed("port") {
		cfg.Engine.Port = v
	}
	if v, err := flags.GetDuration("accept-timeout"); err == nil && flags.Changed("accept-timeout") {
		cfg.Engine.AcceptTimeout = v
	}
	if v, err := flags.GetBool("spawn-client"); err == nil && flags.Changed("spawn-client") {
		cfg.Reference.SpawnClient = v
	}
	if v, err := flags.GetString("elf"); err == nil && flags.Changed("elf") {
		cfg.Reference.ELFPath = v
	}
	if v, err := flags.GetString("sail-riscv"); err == nil && flags.Changed("sail-riscv") {
		cfg.Reference.SailRiscv = v
	}
	if v, err := flags.GetInt("connect-retries"); err == nil && flags.Changed("connect-retries") {
		cfg.Reference.ConnectRetries = v
	}
	if v, err := flags.GetDuration("connect-retry-interval"); err == nil && flags.Changed("connect-retry-interval") {
		cfg.Reference.ConnectRetryInterval = v
	}
	if v, err := flags.GetInt("num-tests"); err == nil && flags.Changed("num-tests") {
		cfg.NumTests = v
	}
	if v, err := flags.GetString("log-level"); err == nil && flags.Changed("log-level") {
		cfg.Logging.Level = v
	}
	if v, err := flags.GetString("log-format"); err == nil && flags.Changed("log-format") {
		cfg.Logging.Format = v
	}
	if v, err := flags.GetString("log-output"); err == nil && flags.Changed("log-output") {
		cfg.Logging.Output = v
	}
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("rvfi-harness")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if ok := errorsAsConfigNotFound(err, &notFound); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read file: %w", err)
	}
	return true, nil
}

func errorsAsConfigNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Save writes cfg to path in YAML, creating parent directories as needed.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("config: create directory: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write file: %w", err)
	}
	return nil
}
