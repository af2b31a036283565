package config

import (
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      Log      `yaml:"log"`
	Keycloak Keycloak `yaml:"keycloak"`
	Kvasir   Kvasir   `yaml:"kvasir"`
	Profile  Profile  `yaml:"profile"`
	Engine   Engine   `yaml:"engine"`
	Server   Server   `yaml:"server"`
}

type Keycloak struct {
	// Keycloak base URL
	BaseURL string `yaml:"base_url" example:"http://localhost:8280" validate:"required"`
	// Realm holding the pod users
	Realm string `yaml:"realm" example:"quarkus"`
	// OAuth client id; must have direct access grants enabled
	ClientID string `yaml:"client_id" example:"kvasir-ui"`
}

type Kvasir struct {
	// Kvasir base URL
	BaseURL string `yaml:"base_url" example:"http://localhost:8080" validate:"required"`
	// Pod name; query and changes endpoints live under /{pod}/
	Pod string `yaml:"pod" example:"alice" validate:"required"`
	// Number of entry references resolved per batch
	BatchSize int `yaml:"batch_size" example:"15" validate:"min=1"`
	// Delay in milliseconds before polling a change status resource
	PollDelayMs int `yaml:"poll_delay_ms" example:"1000" validate:"min=0"`
}

type Profile struct {
	// Owner of the profile resource
	Owner string `yaml:"owner" example:"alice" validate:"required"`
	// Restrict resolved references to client-generated identifiers
	CanonicalOnly bool `yaml:"canonical_only" example:"false"`
}

type Engine struct {
	// Debounce window in milliseconds for coalescing edits into one save
	AutosaveDelayMs int `yaml:"autosave_delay_ms" example:"400" validate:"min=0"`
}

type Server struct {
	// Listen address for the HTTP API; empty disables the server
	Listen string `yaml:"listen" example:":8480"`
}

type Log struct {
	// Telegram logging config
	Telegram TelegramLog `yaml:"telegram"`
}

type TelegramLog struct {
	// Chat bot token, obtain it via BotFather
	Token string `yaml:"token" example:"1234567890:ABCdefGHIjklMNopQRstUVwxyZ-123456789"`
	// Chat ID to send messages to
	ChatID string `yaml:"chat_id" example:"1001234567890"`
}

func Load() (*Config, error) {
	var result Config

	data, err := os.ReadFile("config.yaml")
	if err != nil {
		return nil, oops.Errorf("failed to read config file: %w", err)
	}

	if err = yaml.Unmarshal(data, &result); err != nil {
		return nil, oops.Errorf("failed to parse YAML config: %w", err)
	}

	if result.Keycloak.Realm == "" {
		result.Keycloak.Realm = "quarkus"
	}
	if result.Keycloak.ClientID == "" {
		result.Keycloak.ClientID = "kvasir-ui"
	}
	if result.Kvasir.BatchSize == 0 {
		result.Kvasir.BatchSize = 15
	}
	if result.Kvasir.PollDelayMs == 0 {
		result.Kvasir.PollDelayMs = 1000
	}
	if result.Engine.AutosaveDelayMs == 0 {
		result.Engine.AutosaveDelayMs = 400
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(result); err != nil {
		return nil, oops.Errorf("failed to validate config: %w", err)
	}

	return &result, nil
}
