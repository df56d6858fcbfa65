package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML duration strings like "30s" or "5h". Plain
// integers are taken as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds int64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration value on line %d", value.Line)
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models downlink.yml.
type Config struct {
	Stack struct {
		Name   string `yaml:"name"`
		Bucket string `yaml:"bucket"`
	} `yaml:"stack"`
	Index struct {
		Path string `yaml:"path"`
	} `yaml:"index"`
	Dispatch struct {
		StartQueue   string        `yaml:"start_queue"`
		TopicARN     string        `yaml:"topic_arn"`
		MessageLimit int           `yaml:"message_limit"`
		TimeLimit    Duration      `yaml:"time_limit"`
	} `yaml:"dispatch"`
	Reaper struct {
		ExecutionTimeout Duration `yaml:"execution_timeout"`
		GranuleTimeout   Duration `yaml:"granule_timeout"`
		PDRTimeout       Duration `yaml:"pdr_timeout"`
	} `yaml:"reaper"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "downlink.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with downlink config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default("downlink"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("downlink")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Stack.Name == "" {
		return fmt.Errorf("config.stack.name is required")
	}
	if c.Stack.Bucket == "" {
		return fmt.Errorf("config.stack.bucket is required")
	}
	if c.Index.Path == "" {
		return fmt.Errorf("config.index.path is required")
	}
	if c.Dispatch.StartQueue == "" {
		return fmt.Errorf("config.dispatch.start_queue is required")
	}
	if c.Dispatch.MessageLimit < 0 {
		return fmt.Errorf("config.dispatch.message_limit must not be negative")
	}
	if c.Dispatch.TimeLimit < 0 {
		return fmt.Errorf("config.dispatch.time_limit must not be negative")
	}
	for _, t := range []struct {
		name string
		d    Duration
	}{
		{"execution_timeout", c.Reaper.ExecutionTimeout},
		{"granule_timeout", c.Reaper.GranuleTimeout},
		{"pdr_timeout", c.Reaper.PDRTimeout},
	} {
		if t.d <= 0 {
			return fmt.Errorf("config.reaper.%s must be positive", t.name)
		}
	}
	return nil
}

// Default returns the default Config struct for a stack.
func Default(stack string) *Config {
	var cfg Config
	cfg.Stack.Name = stack
	cfg.Stack.Bucket = stack + "-internal"
	cfg.Index.Path = filepath.Join(".downlink", "index.db")
	cfg.Dispatch.StartQueue = stack + "-start"
	cfg.Dispatch.MessageLimit = 1
	cfg.Dispatch.TimeLimit = Duration(120 * time.Second)
	cfg.Reaper.ExecutionTimeout = Duration(5 * time.Hour)
	cfg.Reaper.GranuleTimeout = Duration(5 * time.Hour)
	cfg.Reaper.PDRTimeout = Duration(10 * time.Hour)
	cfg.Log.Level = "info"
	cfg.Server.Addr = ":8080"
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(stack string) string {
	return fmt.Sprintf(defaultTemplate, stack, stack+"-internal", stack+"-start")
}

const defaultTemplate = `stack:
  name: %s
  bucket: %s

index:
  path: .downlink/index.db

dispatch:
  start_queue: %s
  topic_arn: ""
  message_limit: 1
  time_limit: 120s

reaper:
  execution_timeout: 5h
  granule_timeout: 5h
  pdr_timeout: 10h

log:
  level: info
  pretty: false

server:
  addr: ":8080"
`
