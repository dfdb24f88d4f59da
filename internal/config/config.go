// Package config binds server settings from the environment and an
// optional config file.
package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Addr      string `mapstructure:"addr"`
	MongoURI  string `mapstructure:"mongo_uri"`
	MongoDB   string `mapstructure:"mongo_db"`
	JWTSecret string `mapstructure:"jwt_secret"`

	HistorySize      int           `mapstructure:"history_size"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	RetiredCacheSize int           `mapstructure:"retired_cache_size"`

	MaxDocumentSize int `mapstructure:"max_document_size"`
	MaxOpTextLength int `mapstructure:"max_op_text_length"`
}

// Load reads COEDIT_* environment variables, plus an optional yaml
// file when path is non-empty. Environment wins over the file.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("coedit")
	v.AutomaticEnv()

	v.SetDefault("addr", "127.0.0.1:8080")
	v.SetDefault("mongo_uri", "")
	v.SetDefault("mongo_db", "coedit")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("history_size", 1000)
	v.SetDefault("flush_interval", 30*time.Second)
	v.SetDefault("retired_cache_size", 128)
	v.SetDefault("max_document_size", 50000000)
	v.SetDefault("max_op_text_length", 50000)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
