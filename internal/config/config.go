package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "DERMASCAN"

const (
	WorkerModePool    = "pool"
	WorkerModeProcess = "process"
)

type Config struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	Environment     string        `mapstructure:"environment"`
	EnvFile         string        `mapstructure:"env_file"`
	ConfigFile      string        `mapstructure:"config_file"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Model           ModelConfig   `mapstructure:"model"`
	Worker          WorkerConfig  `mapstructure:"worker"`
	Uploads         UploadsConfig `mapstructure:"uploads"`
	Redis           RedisConfig   `mapstructure:"redis"`
	History         HistoryConfig `mapstructure:"history"`
	Auth            AuthConfig    `mapstructure:"auth"`
}

type ModelConfig struct {
	Path         string `mapstructure:"path"`
	MetadataPath string `mapstructure:"metadata_path"`
	OnnxLibrary  string `mapstructure:"onnx_library"`
}

type WorkerConfig struct {
	Mode      string        `mapstructure:"mode"`
	Count     int           `mapstructure:"count"`
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Command   string        `mapstructure:"command"`
}

// CommandArgs splits Command on whitespace.
func (w WorkerConfig) CommandArgs() []string {
	return strings.Fields(w.Command)
}

type UploadsConfig struct {
	Dir       string        `mapstructure:"dir"`
	MaxBytes  int64         `mapstructure:"max_bytes"`
	Retention time.Duration `mapstructure:"retention"`
}

type RedisConfig struct {
	Addr string        `mapstructure:"addr"`
	TTL  time.Duration `mapstructure:"ttl"`
}

type HistoryConfig struct {
	DSN     string `mapstructure:"dsn"`
	Workers int    `mapstructure:"workers"`
}

type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	JWTAudience string `mapstructure:"jwt_audience"`
}

// New returns a viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`, `.`, `_`))
	v.AutomaticEnv()

	// Names the original deployment used.
	v.BindEnv("port", envPrefix+"_PORT", "PORT", "PYTHON_API_PORT")
	v.BindEnv("model.path", envPrefix+"_MODEL_PATH", "MODEL_PATH")

	return v
}

// RegisterFlags adds the command line overrides to cmd and binds them to v.
func RegisterFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.PersistentFlags()
	flags.Int("port", DefaultPort, "Port to listen on")
	flags.String("host", DefaultHost, "Host to bind to")
	flags.String("environment", DefaultEnvironment, "Environment (dev, test, prod)")
	flags.String("env-file", DefaultEnvFile, "Path to the env file")
	flags.String("config-file", "", "Path to an optional config file")
	flags.String("model-path", DefaultModelPath, "Path to the ONNX model")
	flags.String("metadata-path", DefaultMetadataPath, "Path to the model metadata sidecar")
	flags.String("worker-mode", WorkerModePool, "Worker mode (pool, process)")
	flags.Int("workers", DefaultWorkerCount, "Number of workers")
	flags.String("worker-command", "", "Worker command for process mode")

	bindings := map[string]string{
		"port":                "port",
		"host":                "host",
		"environment":         "environment",
		"env_file":            "env-file",
		"config_file":         "config-file",
		"model.path":          "model-path",
		"model.metadata_path": "metadata-path",
		"worker.mode":         "worker-mode",
		"worker.count":        "workers",
		"worker.command":      "worker-command",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the env file and optional config file, then decodes and
// validates the configuration.
func Load(v *viper.Viper) (*Config, error) {
	if envFile := v.GetString("env_file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if configFile := v.GetString("config_file"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Model.Path == "" {
		errs = append(errs, errors.New("model.path is required"))
	}
	if c.Worker.Count < 1 {
		errs = append(errs, fmt.Errorf("worker.count must be at least 1, got %d", c.Worker.Count))
	}
	if c.Worker.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("worker.queue_size must not be negative, got %d", c.Worker.QueueSize))
	}
	if c.Worker.Timeout <= 0 {
		errs = append(errs, errors.New("worker.timeout must be positive"))
	}
	switch c.Worker.Mode {
	case WorkerModePool:
	case WorkerModeProcess:
		if len(c.Worker.CommandArgs()) == 0 {
			errs = append(errs, errors.New("worker.command is required in process mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown worker.mode %q", c.Worker.Mode))
	}
	if c.Uploads.MaxBytes <= 0 {
		errs = append(errs, errors.New("uploads.max_bytes must be positive"))
	}
	if c.Uploads.Retention < 0 {
		errs = append(errs, errors.New("uploads.retention must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
