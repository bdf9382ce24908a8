package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/mdreactor/internal/tunnel/cos"
)

type role string

const (
	roleConsumer role = "consumer"
	roleProvider role = "provider"
)

// demoConfig drives one tunnelctl process.
type demoConfig struct {
	Role role
	// RuntimePath points at the shared reactor/transport document.
	RuntimePath string
	Address     string
	AdminAddr   string
	Name        string
	Messages    int
	Interval    time.Duration
	Payload     string
	Reliable    bool
	LoginToken  string
	UserName    string
}

func defaultDemoConfig() demoConfig {
	return demoConfig{
		Role:     roleConsumer,
		Name:     "tunnel",
		Messages: 10,
		Interval: 200 * time.Millisecond,
		Payload:  "ping",
		Reliable: true,
	}
}

type fileConfig struct {
	Role        string `toml:"role"`
	RuntimePath string `toml:"runtime_config"`
	Address     string `toml:"address"`
	AdminAddr   string `toml:"admin_addr"`
	Name        string `toml:"name"`
	Messages    int    `toml:"messages"`
	Interval    string `toml:"interval"`
	IntervalMS  int64  `toml:"interval_ms"`
	Payload     string `toml:"payload"`
	Reliable    bool   `toml:"reliable"`
	LoginToken  string `toml:"login_token"`
	UserName    string `toml:"user_name"`
}

func loadDemoConfig(path string) (demoConfig, error) {
	cfg := defaultDemoConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return demoConfig{}, fmt.Errorf("load tunnelctl config: %w", err)
	}

	if meta.IsDefined("role") {
		cfg.Role = role(strings.ToLower(strings.TrimSpace(raw.Role)))
	}
	if meta.IsDefined("runtime_config") {
		cfg.RuntimePath = strings.TrimSpace(raw.RuntimePath)
	}
	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("messages") {
		cfg.Messages = raw.Messages
	}
	if meta.IsDefined("interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Interval))
		if err != nil {
			return demoConfig{}, fmt.Errorf("parse interval: %w", err)
		}
		cfg.Interval = d
	}
	if meta.IsDefined("interval_ms") {
		cfg.Interval = time.Duration(raw.IntervalMS) * time.Millisecond
	}
	if meta.IsDefined("payload") {
		cfg.Payload = raw.Payload
	}
	if meta.IsDefined("reliable") {
		cfg.Reliable = raw.Reliable
	}
	if meta.IsDefined("login_token") {
		cfg.LoginToken = strings.TrimSpace(raw.LoginToken)
	}
	if meta.IsDefined("user_name") {
		cfg.UserName = strings.TrimSpace(raw.UserName)
	}

	if err := cfg.validate(); err != nil {
		return demoConfig{}, err
	}
	return cfg, nil
}

func (c demoConfig) validate() error {
	switch c.Role {
	case roleConsumer, roleProvider:
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}
	if c.Messages < 0 {
		return fmt.Errorf("messages must not be negative")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	return nil
}

// classOfService is the COS this process opens or accepts with.
func (c demoConfig) classOfService() cos.ClassOfService {
	cs := cos.DefaultConsumer()
	if !c.Reliable {
		cs.DataIntegrity = cos.DataIntegrityBestEffort
	}
	if c.LoginToken != "" {
		cs.Authentication = cos.AuthOMMLogin
	}
	return cs
}
