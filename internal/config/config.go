// Package config handles firewalla-bridge configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/firewalla-bridge/config.yaml,
// /etc/firewalla-bridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "firewalla-bridge", "config.yaml"))
	}

	paths = append(paths, "/etc/firewalla-bridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Default values applied by [Config.applyDefaults].
const (
	DefaultSubdomain       = "my"
	DefaultScanIntervalSec = 300
	DefaultFetchTimeoutSec = 20
	DefaultAlarmLimit      = 50
	DefaultFlowLimit       = 100
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultBaseTopic       = "firewalla"
	DefaultDataDir         = "./db"

	// MinScanIntervalSec guards the vendor API against accidental
	// hammering from a typo in the config file.
	MinScanIntervalSec = 10
)

// Feature flag names. These are the keys accepted in the features
// section of the config file and in the persistent override layer.
const (
	FeatureRules   = "rules"
	FeatureAlarms  = "alarms"
	FeatureFlows   = "flows"
	FeatureTraffic = "traffic"
)

// FeatureNames lists every known feature flag in display order.
var FeatureNames = []string{FeatureRules, FeatureAlarms, FeatureFlows, FeatureTraffic}

// IsFeature reports whether name is a known feature flag.
func IsFeature(name string) bool {
	for _, f := range FeatureNames {
		if f == name {
			return true
		}
	}
	return false
}

// Config holds all firewalla-bridge configuration.
type Config struct {
	Firewalla FirewallaConfig `yaml:"firewalla"`
	Features  map[string]bool `yaml:"features"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Listen    ListenConfig    `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // "text" (default) or "json"
}

// FirewallaConfig defines how to reach the Firewalla MSP API.
type FirewallaConfig struct {
	// Subdomain selects the MSP domain: https://{subdomain}.firewalla.net.
	Subdomain string `yaml:"subdomain"`
	// APIToken is the personal access token created in the MSP portal.
	APIToken string `yaml:"api_token"`
	// BaseURL overrides the URL derived from Subdomain. Used for tests
	// and self-hosted proxies.
	BaseURL string `yaml:"base_url"`
	// ScanIntervalSec is the polling interval in seconds (default 300).
	ScanIntervalSec int `yaml:"scan_interval"`
	// FetchTimeoutSec bounds each individual collection fetch.
	FetchTimeoutSec int `yaml:"fetch_timeout"`
	// AlarmLimit and FlowLimit cap the page size requested for the
	// two collections that can grow without bound.
	AlarmLimit int `yaml:"alarm_limit"`
	FlowLimit  int `yaml:"flow_limit"`
}

// Configured reports whether the API credentials are present.
func (c FirewallaConfig) Configured() bool {
	return c.APIToken != "" && (c.Subdomain != "" || c.BaseURL != "")
}

// MQTTConfig defines the MQTT broker used for Home Assistant discovery.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // e.g. mqtt://homeassistant.local:1883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	BaseTopic       string `yaml:"base_topic"`
}

// Configured reports whether MQTT publishing is enabled.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// ListenConfig defines the status API server settings. A zero port
// disables the server.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// credentials.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Firewalla.Subdomain == "" {
		c.Firewalla.Subdomain = DefaultSubdomain
	}
	if c.Firewalla.ScanIntervalSec == 0 {
		c.Firewalla.ScanIntervalSec = DefaultScanIntervalSec
	}
	if c.Firewalla.FetchTimeoutSec == 0 {
		c.Firewalla.FetchTimeoutSec = DefaultFetchTimeoutSec
	}
	if c.Firewalla.AlarmLimit == 0 {
		c.Firewalla.AlarmLimit = DefaultAlarmLimit
	}
	if c.Firewalla.FlowLimit == 0 {
		c.Firewalla.FlowLimit = DefaultFlowLimit
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = DefaultBaseTopic
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Features == nil {
		c.Features = make(map[string]bool)
	}
}

// Validate checks the configuration for values that would fail later
// at runtime in a less obvious way.
func (c *Config) Validate() error {
	var problems []string

	if c.Firewalla.ScanIntervalSec < MinScanIntervalSec {
		problems = append(problems, fmt.Sprintf("firewalla.scan_interval must be at least %d seconds (got %d)",
			MinScanIntervalSec, c.Firewalla.ScanIntervalSec))
	}
	if c.Firewalla.FetchTimeoutSec < 0 {
		problems = append(problems, "firewalla.fetch_timeout must not be negative")
	}
	if c.Firewalla.BaseURL != "" {
		if _, err := url.Parse(c.Firewalla.BaseURL); err != nil {
			problems = append(problems, fmt.Sprintf("firewalla.base_url: %v", err))
		}
	}
	for name := range c.Features {
		if !IsFeature(name) {
			problems = append(problems, fmt.Sprintf("features: unknown feature %q (valid: %s)",
				name, strings.Join(FeatureNames, ", ")))
		}
	}
	if c.MQTT.Broker != "" {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil {
			problems = append(problems, fmt.Sprintf("mqtt.broker: %v", err))
		} else if u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("mqtt.broker %q must include scheme and host", c.MQTT.Broker))
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, fmt.Sprintf("log_format %q must be text or json", c.LogFormat))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
