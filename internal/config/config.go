package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port           int      `koanf:"port"`
		AllowedOrigins []string `koanf:"allowed_origins"`
	} `koanf:"server"`

	Crypto struct {
		PrivateKeyPath string `koanf:"private_key_path"`
		PublicKeyPath  string `koanf:"public_key_path"`
	} `koanf:"crypto"`

	Demo struct {
		Enabled bool   `koanf:"enabled"`
		APIKey  string `koanf:"api_key"`
	} `koanf:"demo"`

	Database struct {
		URL string `koanf:"url"`
	} `koanf:"database"`

	RateLimit struct {
		PerSecond float64 `koanf:"per_second"`
		Burst     int     `koanf:"burst"`
	} `koanf:"rate_limit"`

	GitHub struct {
		ClientID      string `koanf:"client_id"`
		ClientSecret  string `koanf:"client_secret"`
		RedirectURL   string `koanf:"redirect_url"`
		WebhookURL    string `koanf:"webhook_url"`
		SessionSecret string `koanf:"session_secret"`
		VaultSecret   string `koanf:"vault_secret"`
	} `koanf:"github"`
}

// LoadConfig loads the configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	// Set up default configuration
	k.Load(confmap.Provider(map[string]interface{}{
		"server.port": 8000,
		"server.allowed_origins": []string{
			"http://localhost:3000",
			"http://localhost:5173",
			"http://127.0.0.1:3000",
			"http://127.0.0.1:5173",
		},
		"crypto.private_key_path": "private_key.pem",
		"crypto.public_key_path":  "public_key.pem",
		"demo.enabled":            false,
		"rate_limit.per_second":   5.0,
		"rate_limit.burst":        10,
	}, "."), nil)

	// Load from TOML file if it exists
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		// Try to load from default locations
		defaultPaths := []string{"./codealign.toml", "$HOME/.codealign.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// Load from environment variables with prefix CODEALIGN_. Double
	// underscores separate sections, e.g. CODEALIGN_DEMO__API_KEY maps to
	// demo.api_key.
	k.Load(env.Provider("CODEALIGN_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "CODEALIGN_")), "__", ".", -1)
	}), nil)

	// Unmarshal into Config struct
	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

// InitConfig initializes a new configuration file
func InitConfig(configPath string) error {
	// Check if file already exists
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	// Create sample configuration
	sampleConfig := `# CodeAlign Configuration

[server]
port = 8000
allowed_origins = ["http://localhost:3000", "http://localhost:5173"]

[crypto]
private_key_path = "private_key.pem"
public_key_path = "public_key.pem"

[demo]
enabled = false
api_key = ""

[database]
url = ""

[rate_limit]
per_second = 5.0
burst = 10

[github]
client_id = ""
client_secret = ""
redirect_url = "http://localhost:8000/github/callback"
webhook_url = ""
session_secret = ""
vault_secret = ""
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration
func Validate(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("server port %d is out of range", config.Server.Port)
	}

	if config.Crypto.PrivateKeyPath == "" || config.Crypto.PublicKeyPath == "" {
		return fmt.Errorf("crypto key paths are required")
	}

	if config.Demo.Enabled && config.Demo.APIKey == "" {
		return fmt.Errorf("demo mode requires demo.api_key to be set")
	}

	if config.RateLimit.PerSecond < 0 || config.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit values must not be negative")
	}

	if config.GitHub.ClientID != "" {
		if config.GitHub.ClientSecret == "" {
			return fmt.Errorf("github client_secret is required when client_id is set")
		}
		if config.GitHub.SessionSecret == "" {
			return fmt.Errorf("github session_secret is required when client_id is set")
		}
		if config.GitHub.VaultSecret == "" {
			return fmt.Errorf("github vault_secret is required when client_id is set")
		}
	}

	return nil
}

// GitHubEnabled reports whether the GitHub integration is configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHub.ClientID != "" && c.GitHub.ClientSecret != ""
}

// DemoActive reports whether envelope-less demo requests may be served.
func (c *Config) DemoActive() bool {
	return c.Demo.Enabled && c.Demo.APIKey != ""
}
