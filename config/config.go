package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StorageMemory   = "memory"
	StorageDynamoDB = "dynamodb"
	StoragePostgres = "postgres"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
	Postgres PostgresConfig `yaml:"postgres"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Client   ClientConfig   `yaml:"client"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	Storage        string   `yaml:"storage"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DynamoDBConfig struct {
	Endpoint           string `yaml:"endpoint"`
	Region             string `yaml:"region"`
	ConversationsTable string `yaml:"conversations_table"`
	MessagesTable      string `yaml:"messages_table"`
}

type PostgresConfig struct {
	URI string `yaml:"uri"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// ClientConfig configures the terminal client that talks to the server.
type ClientConfig struct {
	APIURL  string        `yaml:"api_url"`
	Agent   string        `yaml:"agent"`
	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:    ":8080",
			Storage: StorageMemory,
		},
		DynamoDB: DynamoDBConfig{
			Region:             "ap-northeast-1",
			ConversationsTable: "Conversations",
			MessagesTable:      "ConversationMessages",
		},
		OpenAI: OpenAIConfig{
			Model: "gpt-4o-mini",
		},
		Client: ClientConfig{
			APIURL:     "http://localhost:8080",
			Agent:      "default",
			Timeout:    30 * time.Second,
			TimeoutRaw: "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
// ${VAR} references are expanded before parsing, and the OPENAI_API_KEY and
// CHAT_API_URL environment variables override the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnv(cfg *Config) {
	if key := GetOpenAIKey(); key != "" {
		cfg.OpenAI.APIKey = key
	}
	if url := os.Getenv("CHAT_API_URL"); url != "" {
		cfg.Client.APIURL = url
	}
}

func parseDurations(cfg *Config) error {
	if cfg.Client.TimeoutRaw == "" {
		return nil
	}
	d, err := time.ParseDuration(cfg.Client.TimeoutRaw)
	if err != nil {
		return fmt.Errorf("parsing client.timeout %q: %w", cfg.Client.TimeoutRaw, err)
	}
	cfg.Client.Timeout = d
	return nil
}

// Validate returns the first invalid field it finds.
func (c *Config) Validate() error {
	switch c.Server.Storage {
	case StorageMemory:
	case StorageDynamoDB:
		if c.DynamoDB.Region == "" {
			return errors.New("dynamodb.region is required for dynamodb storage")
		}
		if c.DynamoDB.ConversationsTable == "" || c.DynamoDB.MessagesTable == "" {
			return errors.New("dynamodb table names are required for dynamodb storage")
		}
	case StoragePostgres:
		if c.Postgres.URI == "" {
			return errors.New("postgres.uri is required for postgres storage")
		}
	default:
		return fmt.Errorf("server.storage %q is not one of memory, dynamodb, postgres", c.Server.Storage)
	}

	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Client.APIURL == "" {
		return errors.New("client.api_url is required")
	}
	if c.Client.Timeout <= 0 {
		return errors.New("client.timeout must be positive")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	return nil
}

func GetOpenAIKey() string {
	return os.Getenv("OPENAI_API_KEY")
}
