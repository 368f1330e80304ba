package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/caarlos0/env/v9"
)

// Config holds the chatbot function configuration
type Config struct {
	TableName              string        `env:"DYNAMODB_TABLE_NAME" envDefault:"ChatbotQueryLogs"`
	WeatherAPIKey          string        `env:"OPENWEATHER_API_KEY"`
	WeatherAPIKeyParameter string        `env:"OPENWEATHER_API_KEY_PARAMETER"`
	WeatherURL             string        `env:"OPENWEATHER_API_URL" envDefault:"https://api.openweathermap.org/data/2.5/weather"`
	JokeURL                string        `env:"JOKE_API_URL" envDefault:"https://official-joke-api.appspot.com/random_joke"`
	CacheTTL               time.Duration `env:"CACHE_TTL" envDefault:"60s"`
}

// ParameterStore defines the interface for accessing configuration parameters
type ParameterStore interface {
	// GetParameter retrieves a single parameter by name
	GetParameter(ctx context.Context, name string) (string, error)

	// GetConfig loads the function configuration
	GetConfig(ctx context.Context) (*Config, error)
}

// SSMAPI is the subset of the SSM client in use
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMParameterStore reads configuration from the environment and resolves the
// weather API key from SSM Parameter Store when OPENWEATHER_API_KEY_PARAMETER
// names a parameter
type SSMParameterStore struct {
	client      SSMAPI
	environment map[string]string
	mu          sync.RWMutex
	cache       map[string]string
}

// NewSSMParameterStore creates a new SSM-backed parameter store. A nil
// environment means the process environment.
func NewSSMParameterStore(client SSMAPI, environment map[string]string) *SSMParameterStore {
	return &SSMParameterStore{
		client:      client,
		environment: environment,
		cache:       make(map[string]string),
	}
}

// GetParameter retrieves a single parameter from SSM Parameter Store
func (s *SSMParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	// Check cache first
	s.mu.RLock()
	if value, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: boolPtr(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get parameter %s: %w", name, err)
	}

	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s not found", name)
	}

	value := *result.Parameter.Value

	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()

	return value, nil
}

// GetConfig loads the function configuration
func (s *SSMParameterStore) GetConfig(ctx context.Context) (*Config, error) {
	config, err := parseConfig(s.environment)
	if err != nil {
		return nil, err
	}

	if config.WeatherAPIKeyParameter != "" {
		value, err := s.GetParameter(ctx, config.WeatherAPIKeyParameter)
		if err != nil {
			return nil, err
		}
		config.WeatherAPIKey = value
	}

	return config, nil
}

// EnvParameterStore implements ParameterStore using environment variables
// This is a NoOp implementation for local development without AWS connection
type EnvParameterStore struct {
	environment map[string]string
}

// NewEnvParameterStore creates a new environment variable-backed parameter
// store. A nil environment means the process environment.
func NewEnvParameterStore(environment map[string]string) *EnvParameterStore {
	return &EnvParameterStore{
		environment: environment,
	}
}

// GetParameter retrieves a parameter from environment variables
func (e *EnvParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	config, err := parseConfig(e.environment)
	if err != nil {
		return "", err
	}
	if name == config.WeatherAPIKeyParameter {
		return config.WeatherAPIKey, nil
	}
	return "", fmt.Errorf("parameter %s not found", name)
}

// GetConfig loads the function configuration from environment variables
func (e *EnvParameterStore) GetConfig(ctx context.Context) (*Config, error) {
	return parseConfig(e.environment)
}

func parseConfig(environment map[string]string) (*Config, error) {
	var config Config
	opts := env.Options{}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(&config, opts); err != nil {
		return nil, fmt.Errorf("failed to parse function configuration: %w", err)
	}
	return &config, nil
}

func boolPtr(b bool) *bool {
	return &b
}
