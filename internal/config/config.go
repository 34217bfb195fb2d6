package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, loaded from YAML with environment
// overrides for the deployment-specific values.
type Config struct {
	Hub     HubConfig     `yaml:"hub"`
	Backend BackendConfig `yaml:"backend"`
	Devices DevicesConfig `yaml:"devices"`
	WebRTC  WebRTCConfig  `yaml:"webrtc"`
	NATS    NATSConfig    `yaml:"nats"`
	Redis   RedisConfig   `yaml:"redis"`
	HTTP    HTTPConfig    `yaml:"http"`
	Dedup   DedupConfig   `yaml:"dedup"`
}

// HubConfig addresses the signaling hub.
type HubConfig struct {
	URL          string `yaml:"url"`
	BackoffMinMs int    `yaml:"backoff_min_ms"`
	BackoffMaxMs int    `yaml:"backoff_max_ms"`
}

// BackendConfig addresses the alert backend REST API.
type BackendConfig struct {
	URL      string `yaml:"url"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

type DevicesConfig struct {
	RosterPath string `yaml:"roster_path"`
}

type WebRTCConfig struct {
	STUNServers          []string `yaml:"stun_servers"`
	NegotiationTimeoutMs int      `yaml:"negotiation_timeout_ms"`
}

// NATSConfig is optional; an empty URL disables lifecycle republication.
type NATSConfig struct {
	URL      string `yaml:"url"`
	Subject  string `yaml:"subject"`
	RetryMax int    `yaml:"retry_max"`
}

// RedisConfig is optional; an empty address disables the alert snapshot.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	SnapshotKey string `yaml:"snapshot_key"`
	TTLHours    int    `yaml:"ttl_hours"`
}

type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type DedupConfig struct {
	MaxKeys    int `yaml:"max_keys"`
	TTLSeconds int `yaml:"ttl_seconds"`
}

// Load reads the YAML file at path and applies env overrides. A missing
// file is not an error; the defaults plus environment carry a dev setup.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err == nil {
		if uerr := yaml.Unmarshal(data, cfg); uerr != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, uerr)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(cfg)

	if cfg.Hub.URL == "" {
		return nil, fmt.Errorf("config: hub.url is required")
	}
	if cfg.Backend.URL == "" {
		return nil, fmt.Errorf("config: backend.url is required")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Hub: HubConfig{
			BackoffMinMs: 500,
			BackoffMaxMs: 15000,
		},
		Devices: DevicesConfig{RosterPath: "config/devices.yaml"},
		WebRTC: WebRTCConfig{
			STUNServers:          []string{"stun:stun.l.google.com:19302"},
			NegotiationTimeoutMs: 30000,
		},
		NATS: NATSConfig{
			Subject:  "camdash.alerts.lifecycle",
			RetryMax: 3,
		},
		Redis: RedisConfig{
			SnapshotKey: "camdash:alerts:snapshot",
			TTLHours:    24,
		},
		HTTP:  HTTPConfig{ListenAddr: ":8090"},
		Dedup: DedupConfig{MaxKeys: 1024, TTLSeconds: 300},
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.Hub.URL, "CAMDASH_HUB_URL")
	setString(&cfg.Backend.URL, "CAMDASH_BACKEND_URL")
	setString(&cfg.Backend.Email, "CAMDASH_BACKEND_EMAIL")
	setString(&cfg.Backend.Password, "CAMDASH_BACKEND_PASSWORD")
	setString(&cfg.Devices.RosterPath, "CAMDASH_ROSTER_PATH")
	setString(&cfg.NATS.URL, "CAMDASH_NATS_URL")
	setString(&cfg.Redis.Addr, "CAMDASH_REDIS_ADDR")
	setString(&cfg.Redis.Password, "CAMDASH_REDIS_PASSWORD")
	setString(&cfg.HTTP.ListenAddr, "CAMDASH_LISTEN_ADDR")
	setInt(&cfg.Redis.DB, "CAMDASH_REDIS_DB")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Durations derived from the millisecond/hour knobs.

func (c *Config) BackoffMin() time.Duration {
	return time.Duration(c.Hub.BackoffMinMs) * time.Millisecond
}

func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Hub.BackoffMaxMs) * time.Millisecond
}

func (c *Config) NegotiationTimeout() time.Duration {
	return time.Duration(c.WebRTC.NegotiationTimeoutMs) * time.Millisecond
}

func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.Dedup.TTLSeconds) * time.Second
}

func (c *Config) SnapshotTTL() time.Duration {
	return time.Duration(c.Redis.TTLHours) * time.Hour
}
