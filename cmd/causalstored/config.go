package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"causalstore/pkg/causal/postgres"
)

// Config is causalstored's on-disk configuration, grounded in the
// teacher's NewEventStoreWithConfig-style defaulting: a plain struct
// decoded from YAML, then given a default listen address if the file left
// it empty. node_id is required; zero postgres pool settings are defaulted
// later by postgres.NewPool.
type Config struct {
	ListenAddr string          `yaml:"listen_addr"`
	NodeId     string          `yaml:"node_id"`
	Postgres   postgres.Config `yaml:"postgres"`
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":7700"
	}
	return c
}

func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("causalstored: read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("causalstored: parse config %s: %w", path, err)
	}
	if cfg.NodeId == "" {
		return Config{}, fmt.Errorf("causalstored: config %s: node_id is required", path)
	}
	return cfg.withDefaults(), nil
}
