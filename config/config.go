package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "CLASSIFIER"

// DefaultLabels is index-aligned with the model's output vector.
var DefaultLabels = []string{"Pre-B", "Early Pre-B", "Pro-B", "Benign", "Healthy"}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Model    ModelConfig    `mapstructure:"model"`
	Log      LogConfig      `mapstructure:"log"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Database DatabaseConfig `mapstructure:"database"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ExposeErrors    bool          `mapstructure:"expose_errors"`
	Debug           bool          `mapstructure:"debug"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type UploadConfig struct {
	Field   string `mapstructure:"field"`
	MaxSize int64  `mapstructure:"max_size"`
}

type ModelConfig struct {
	Path              string        `mapstructure:"path"`
	SharedLibraryPath string        `mapstructure:"shared_library_path"`
	InputName         string        `mapstructure:"input_name"`
	OutputName        string        `mapstructure:"output_name"`
	Labels            []string      `mapstructure:"labels"`
	PoolSize          int           `mapstructure:"pool_size"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout"`
	InferenceTimeout  time.Duration `mapstructure:"inference_timeout"`
	IntraOpThreads    int           `mapstructure:"intra_op_threads"`
	Resample          string        `mapstructure:"resample"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// Load reads defaults, then the YAML file at configPath if it exists, then
// CLASSIFIER_* environment variables. An empty configPath skips the file.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// FromArgs loads .env files, parses command line flags and loads the
// configuration they point at.
func FromArgs(args []string) (*Config, error) {
	// Missing dotenv files are fine.
	_ = godotenv.Load(".env", ".env.local")

	fs := flag.NewFlagSet("blast-classifier", flag.ContinueOnError)
	configPath := fs.StringP("config", "c", "config.yaml", "Path to the YAML config file")
	port := fs.IntP("port", "p", 0, "Port to listen on (overrides config)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := Load(*configPath)
	if err != nil {
		return nil, err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Upload.Field == "" {
		return errors.New("upload field name must not be empty")
	}
	if c.Upload.MaxSize <= 0 {
		return fmt.Errorf("invalid upload max size %d", c.Upload.MaxSize)
	}
	if len(c.Model.Labels) == 0 {
		return errors.New("model labels must not be empty")
	}
	if c.Model.PoolSize <= 0 {
		return fmt.Errorf("invalid model pool size %d", c.Model.PoolSize)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.expose_errors", true)
	v.SetDefault("server.debug", false)

	v.SetDefault("upload.field", "imageFile")
	v.SetDefault("upload.max_size", 10<<20)

	v.SetDefault("model.path", "models/Model100.onnx")
	v.SetDefault("model.shared_library_path", "")
	v.SetDefault("model.input_name", "")
	v.SetDefault("model.output_name", "")
	v.SetDefault("model.labels", DefaultLabels)
	v.SetDefault("model.pool_size", 4)
	v.SetDefault("model.acquire_timeout", 5*time.Second)
	v.SetDefault("model.inference_timeout", 30*time.Second)
	v.SetDefault("model.intra_op_threads", 0)
	v.SetDefault("model.resample", "catmullrom")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", 24*time.Hour)

	v.SetDefault("database.url", "")
}
