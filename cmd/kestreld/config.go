package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	kestrel "github.com/kestrelsec/kestrel"
)

// daemonConfig is the YAML surface of kestreld. Everything not listed here
// keeps the library defaults.
type daemonConfig struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Session struct {
		TTL             time.Duration `yaml:"ttl"`
		MaxPerPrincipal int           `yaml:"max_per_principal"`
	} `yaml:"session"`

	MFA struct {
		Issuer    string `yaml:"issuer"`
		MasterKey string `yaml:"master_key"` // base64, 32+ bytes decoded
	} `yaml:"mfa"`

	Token struct {
		SigningMethod string        `yaml:"signing_method"`
		PrivateKey    string        `yaml:"private_key"` // base64
		PublicKey     string        `yaml:"public_key"`  // base64
		AccessTTL     time.Duration `yaml:"access_ttl"`
	} `yaml:"token"`

	Geo struct {
		Endpoint string        `yaml:"endpoint"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"geo"`

	Principals []principalEntry `yaml:"principals"`
}

type principalEntry struct {
	ID   string `yaml:"id"`
	Role string `yaml:"role"`
}

func loadConfig(path string) (*daemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg daemonConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	return &cfg, nil
}

// engineConfig projects the daemon configuration onto the library defaults.
func (c *daemonConfig) engineConfig() (kestrel.Config, error) {
	cfg := kestrel.DefaultConfig()

	if c.Session.TTL > 0 {
		cfg.Session.TTL = c.Session.TTL
	}
	if c.Session.MaxPerPrincipal > 0 {
		cfg.Session.MaxPerPrincipal = c.Session.MaxPerPrincipal
	}
	if c.MFA.Issuer != "" {
		cfg.MFA.Issuer = c.MFA.Issuer
	}

	key, err := base64.StdEncoding.DecodeString(c.MFA.MasterKey)
	if err != nil {
		return cfg, fmt.Errorf("mfa.master_key: %w", err)
	}
	cfg.MFA.MasterKey = key

	if c.Token.SigningMethod != "" {
		cfg.Token.SigningMethod = c.Token.SigningMethod
	}
	if c.Token.AccessTTL > 0 {
		cfg.Token.AccessTTL = c.Token.AccessTTL
	}
	if c.Token.PrivateKey != "" {
		priv, err := base64.StdEncoding.DecodeString(c.Token.PrivateKey)
		if err != nil {
			return cfg, fmt.Errorf("token.private_key: %w", err)
		}
		cfg.Token.PrivateKey = priv
	}
	if c.Token.PublicKey != "" {
		pub, err := base64.StdEncoding.DecodeString(c.Token.PublicKey)
		if err != nil {
			return cfg, fmt.Errorf("token.public_key: %w", err)
		}
		cfg.Token.PublicKey = pub
	}

	cfg.Geo.Endpoint = c.Geo.Endpoint
	if c.Geo.Timeout > 0 {
		cfg.Geo.Timeout = c.Geo.Timeout
	}

	return cfg, nil
}
