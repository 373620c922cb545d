package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const EnvironmentProduction = "production"

type CredentialsConfig struct {
	SafetyMarginSeconds int   `koanf:"safety_margin_seconds" mapstructure:"safety_margin_seconds" yaml:"safety_margin_seconds"`
	InvalidCodes        []int `koanf:"invalid_codes" mapstructure:"invalid_codes" yaml:"invalid_codes"`
}

type TimeoutsConfig struct {
	JSONSeconds   int `koanf:"json_seconds" mapstructure:"json_seconds" yaml:"json_seconds"`
	BinarySeconds int `koanf:"binary_seconds" mapstructure:"binary_seconds" yaml:"binary_seconds"`
}

type SuiteConfig struct {
	SuiteID     string `koanf:"suite_id" mapstructure:"suite_id" yaml:"suite_id"`
	SuiteSecret string `koanf:"suite_secret" mapstructure:"suite_secret" yaml:"suite_secret"`
}

type Config struct {
	ServiceName string            `koanf:"service_name" mapstructure:"service_name" yaml:"service_name"`
	Environment string            `koanf:"environment" mapstructure:"environment" yaml:"environment"`
	CorpID      string            `koanf:"corp_id" mapstructure:"corp_id" yaml:"corp_id"`
	CorpSecret  string            `koanf:"corp_secret" mapstructure:"corp_secret" yaml:"corp_secret"`
	AgentID     string            `koanf:"agent_id" mapstructure:"agent_id" yaml:"agent_id"`
	BaseURL     string            `koanf:"base_url" mapstructure:"base_url" yaml:"base_url"`
	Credentials CredentialsConfig `koanf:"credentials" mapstructure:"credentials" yaml:"credentials"`
	Timeouts    TimeoutsConfig    `koanf:"timeouts" mapstructure:"timeouts" yaml:"timeouts"`
	Suite       SuiteConfig       `koanf:"suite" mapstructure:"suite" yaml:"suite"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "workwx",
		Environment: "development",
		BaseURL:     DefaultBaseURL,
		Credentials: CredentialsConfig{
			SafetyMarginSeconds: int(DefaultSafetyMargin / time.Second),
			InvalidCodes:        append([]int(nil), DefaultInvalidCredentialCodes...),
		},
		Timeouts: TimeoutsConfig{
			JSONSeconds:   int(DefaultJSONTimeout / time.Second),
			BinarySeconds: int(DefaultBinaryTimeout / time.Second),
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if raw := strings.TrimSpace(c.BaseURL); raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("core: base_url %q is invalid", raw)
		}
	}
	if c.Credentials.SafetyMarginSeconds < 0 {
		return fmt.Errorf("core: credentials.safety_margin_seconds is invalid")
	}
	if c.Timeouts.JSONSeconds < 0 || c.Timeouts.BinarySeconds < 0 {
		return fmt.Errorf("core: timeouts are invalid")
	}
	if (strings.TrimSpace(c.Suite.SuiteID) == "") != (strings.TrimSpace(c.Suite.SuiteSecret) == "") {
		return fmt.Errorf("core: suite.suite_id and suite.suite_secret are required together")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), EnvironmentProduction)
}

func (c Config) SafetyMargin() time.Duration {
	return time.Duration(c.Credentials.SafetyMarginSeconds) * time.Second
}

func (c Config) JSONTimeout() time.Duration {
	if c.Timeouts.JSONSeconds <= 0 {
		return DefaultJSONTimeout
	}
	return time.Duration(c.Timeouts.JSONSeconds) * time.Second
}

func (c Config) BinaryTimeout() time.Duration {
	if c.Timeouts.BinarySeconds <= 0 {
		return DefaultBinaryTimeout
	}
	return time.Duration(c.Timeouts.BinarySeconds) * time.Second
}

func (c Config) InvalidCredentialCodes() []int {
	if len(c.Credentials.InvalidCodes) == 0 {
		return append([]int(nil), DefaultInvalidCredentialCodes...)
	}
	return append([]int(nil), c.Credentials.InvalidCodes...)
}

// SuiteEnabled reports whether the third-party suite family is configured.
func (c Config) SuiteEnabled() bool {
	return strings.TrimSpace(c.Suite.SuiteID) != ""
}

// RequireCredentials checks the fields a running client needs on top of
// Validate. Defaults alone are valid config but cannot issue anything.
func (c Config) RequireCredentials() error {
	if strings.TrimSpace(c.CorpID) == "" {
		return fmt.Errorf("core: corp_id is required")
	}
	if strings.TrimSpace(c.CorpSecret) == "" && !c.SuiteEnabled() {
		return fmt.Errorf("core: corp_secret is required")
	}
	return nil
}

// Tenant scopes corp credential keys. Suite credentials are scoped to the
// suite id instead.
func (c Config) Tenant() string {
	return strings.TrimSpace(c.CorpID)
}
