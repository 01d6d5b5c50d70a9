package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/iqlusioninc/iqkms/pkg/log"
)

const (
	configDirPathEnv     = "IQKMS_CONFIG_DIR_PATH"
	defaultConfigDirPath = "."
	databaseURLEnv       = "IQKMS_DATABASE_URL"
)

// Config is the daemon configuration, read from the environment after the
// config directory's .env file has been loaded.
type Config struct {
	RPCListenAddr     string `env:"IQKMS_RPC_LISTEN_ADDR" env-default:"[::1]:27100" validate:"required"`
	RPCEndpoint       string `env:"IQKMS_RPC_ENDPOINT" env-default:"/ws" validate:"required,startswith=/"`
	MetricsListenAddr string `env:"IQKMS_METRICS_LISTEN_ADDR" env-default:":4242" validate:"required"`
	MetricsEndpoint   string `env:"IQKMS_METRICS_ENDPOINT" env-default:"/metrics" validate:"required,startswith=/"`

	// BufferDepth bounds the number of signing operations in flight.
	BufferDepth int `env:"IQKMS_BUFFER_DEPTH" env-default:"10" validate:"min=1,max=10000"`
	// AuthSecret enables bearer token authentication when set.
	AuthSecret string `env:"IQKMS_AUTH_SECRET" validate:"omitempty,min=32"`
	// GenerateKeys overrides the generate count of keys.yaml; -1 keeps it.
	GenerateKeys int `env:"IQKMS_GENERATE_KEYS" env-default:"-1" validate:"min=-1,max=1000"`

	Log      log.Config
	Database DatabaseConfig

	// ConfigDirPath holds .env and keys.yaml.
	ConfigDirPath string `env:"IQKMS_CONFIG_DIR_PATH" env-default:"."`
}

// LoadConfig reads the configuration. A missing .env file is not an error.
func LoadConfig(logger log.Logger) (*Config, error) {
	logger = logger.WithName("config")

	configDirPath := os.Getenv(configDirPathEnv)
	if configDirPath == "" {
		configDirPath = defaultConfigDirPath
	}

	configDotEnvPath := filepath.Join(configDirPath, ".env")
	if err := godotenv.Load(configDotEnvPath); err != nil {
		logger.Debug(".env file not loaded", "path", configDotEnvPath, "error", err)
	} else {
		logger.Info("loaded .env file", "path", configDotEnvPath)
	}

	var conf Config
	if err := cleanenv.ReadEnv(&conf); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	conf.ConfigDirPath = configDirPath

	if dbURL := os.Getenv(databaseURLEnv); dbURL != "" {
		dbConf, err := ParseConnectionString(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", databaseURLEnv, err)
		}
		conf.Database = dbConf
	}

	if err := validator.New().Struct(conf); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("configuration loaded",
		"rpcListenAddr", conf.RPCListenAddr,
		"metricsListenAddr", conf.MetricsListenAddr,
		"bufferDepth", conf.BufferDepth,
		"auth", conf.AuthSecret != "",
		"databaseDriver", conf.Database.Driver,
	)
	return &conf, nil
}
