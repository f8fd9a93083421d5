package config

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Config holds process configuration. Non-secret settings come from a yaml
// file; credentials are overlaid from the environment (optionally via .env).
type Config struct {
	Addr        string     `yaml:"addr"`
	DatabaseURL string     `yaml:"database_url"`
	Bank        BankConfig `yaml:"bank"`
	Log         LogConfig  `yaml:"log"`
	JWTSecret   string     `yaml:"-"`
	Debug       bool       `yaml:"debug"`
}

type BankConfig struct {
	Endpoint string `yaml:"endpoint"`
	AppID    string `yaml:"-"`
}

type LogConfig struct {
	Endpoint string `yaml:"endpoint"`
	AppID    string `yaml:"-"`
}

func Load(filename string) (*Config, error) {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "open config file")
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config file")
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	cfg.Bank.AppID = os.Getenv("BANK_APP_ID")
	cfg.Log.AppID = os.Getenv("LOG_APP_ID")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database_url is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	return &cfg, nil
}
