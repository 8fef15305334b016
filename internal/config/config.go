package config

import (
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env         string        `yaml:"env" env-default:"local"`
	StoragePath string        `yaml:"storage_path"`
	IssueTTL    time.Duration `yaml:"issue_ttl" env-default:"48h"`
	RefreshTTL  time.Duration `yaml:"refresh_ttl" env-default:"24h"`
	Grpc        GRPCConfig    `yaml:"grpc"`
	Mongo       MongoConfig   `yaml:"mongo"`
}

type GRPCConfig struct {
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
}

// MongoConfig selects the MongoDB backend when URI is set; otherwise the
// SQLite backend at StoragePath is used.
type MongoConfig struct {
	URI      string `yaml:"uri" env:"MONGO_URI"`
	Database string `yaml:"database" env-default:"sessiond"`
}

func LoadConfig(path string) *Config {
	var cfg Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file not found: " + path)
	}

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}
