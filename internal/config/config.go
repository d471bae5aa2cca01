package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Paths       PathsConfig       `yaml:"paths"`
	Engine      EngineConfig      `yaml:"engine"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	LLM         LLMConfig         `yaml:"llm"`
	Roles       RolesConfig       `yaml:"roles"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	WebUI       WebUIConfig       `yaml:"webui"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// PathsConfig covers the directory contracts: watched input, published output
// roots and the persisted processing state.
type PathsConfig struct {
	Input  string `yaml:"input"`
	Output string `yaml:"output"`
	State  string `yaml:"state"`
}

// EngineConfig points at the speech-to-text engine HTTP service.
type EngineConfig struct {
	URL     string `yaml:"url"`
	Mock    bool   `yaml:"mock"`
	PollSec int    `yaml:"poll_sec"`
}

// EmbeddingConfig points at the voice embedding HTTP service.
type EmbeddingConfig struct {
	URL       string `yaml:"url"`
	Dimension int    `yaml:"dimension"`
	Mock      bool   `yaml:"mock"`
}

type LLMConfig struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Mock    bool   `yaml:"mock"`
}

// RolesConfig controls how speaker clusters map to display roles.
// Policy "company-first" labels the cluster with the earliest utterance
// "Company" and the rest "Client", "Client 2", ... in order of first
// appearance. Policy "numbered" labels clusters "Speaker 1..N".
type RolesConfig struct {
	Policy   string `yaml:"policy"`
	Speakers int    `yaml:"speakers"`
}

type PipelineConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxAttempts   int `yaml:"max_attempts"`
	RetryDelaySec int `yaml:"retry_delay_sec"`
}

type WebUIConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads a YAML config file and applies env overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets secrets and deploy-specific values come from the environment
// (typically via .env) without being committed to the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("ENGINE_URL"); v != "" {
		c.Engine.URL = v
	}
	if v := os.Getenv("EMBEDDING_URL"); v != "" {
		c.Embedding.URL = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("WEBUI_USERNAME"); v != "" {
		c.WebUI.Username = v
	}
	if v := os.Getenv("WEBUI_PASSWORD"); v != "" {
		c.WebUI.Password = v
	}
	if v := os.Getenv("SPEAKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Roles.Speakers = n
		}
	}
	if v := os.Getenv("USE_MOCK_ENGINE"); v == "true" {
		c.Engine.Mock = true
	}
	if v := os.Getenv("USE_MOCK_EMBEDDING"); v == "true" {
		c.Embedding.Mock = true
	}
	if v := os.Getenv("USE_MOCK_LLM"); v == "true" {
		c.LLM.Mock = true
	}
}

func (c *Config) Validate() error {
	if c.Paths.Input == "" {
		return fmt.Errorf("paths.input is required")
	}
	if c.Paths.Output == "" {
		return fmt.Errorf("paths.output is required")
	}
	if c.Paths.State == "" {
		c.Paths.State = "data/state"
	}
	if !c.Engine.Mock && c.Engine.URL == "" {
		return fmt.Errorf("engine.url is required unless engine.mock is set")
	}
	if !c.Embedding.Mock && c.Embedding.URL == "" {
		return fmt.Errorf("embedding.url is required unless embedding.mock is set")
	}
	if !c.LLM.Mock && c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required unless llm.mock is set")
	}
	if c.Engine.PollSec <= 0 {
		c.Engine.PollSec = 2
	}
	if c.Embedding.Dimension <= 0 {
		c.Embedding.Dimension = 256
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	switch c.Roles.Policy {
	case "":
		c.Roles.Policy = "company-first"
	case "company-first", "numbered":
	default:
		return fmt.Errorf("roles.policy must be company-first or numbered, got %q", c.Roles.Policy)
	}
	if c.Roles.Speakers <= 0 {
		c.Roles.Speakers = 2
	}
	if c.Pipeline.MaxConcurrent <= 0 {
		c.Pipeline.MaxConcurrent = 2
	}
	if c.Pipeline.MaxAttempts <= 0 {
		c.Pipeline.MaxAttempts = 3
	}
	if c.Pipeline.RetryDelaySec <= 0 {
		c.Pipeline.RetryDelaySec = 30
	}
	if c.WebUI.Addr == "" {
		c.WebUI.Addr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}
