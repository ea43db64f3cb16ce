package config

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap/zapcore"

	"github.com/EPFLSWENT2024G1/partageix/internal/server"
	"github.com/EPFLSWENT2024G1/partageix/pkg/kafka"
	"github.com/EPFLSWENT2024G1/partageix/pkg/logger"
	"github.com/EPFLSWENT2024G1/partageix/pkg/postgres"
)

type Config struct {
	Server        server.Config `yaml:"server"`
	Database      postgres.Config
	Kafka         kafka.Config
	Log           logger.Log `yaml:"log"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h"`
}

var (
	once sync.Once
	cfg  Config
)

// NewConfig reads config from environment.
func NewConfig(ops ...Option) *Config {
	once.Do(func() {
		var config Config
		for _, op := range ops {
			op(&config)
		}
		err := envconfig.Process("", &config)
		if err != nil {
			log.Fatal("NewConfig ", err)
		}
		cfg = config
		printConfig(cfg)
	})

	return &cfg
}

func printConfig(cfg Config) {
	jscfg, _ := json.MarshalIndent(cfg, "", "	") //nolint:errcheck
	fmt.Println(string(jscfg))
}

type Option func(*Config)

func WithLogLevel(level zapcore.Level) Option {
	return func(c *Config) {
		c.Log.LogLevel = level
	}
}

func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Server.WriteTimeout = timeout
	}
}
