// Package config resolves deploy settings from the process environment, a
// dotenv file and the command line.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/rs/zerolog"
	"github.com/savaki/chatbot-deployer/internal/errors"
)

// Deploy holds the settings a deployment run needs. Values come from the
// merged environment; command line flags are applied on top by the caller.
type Deploy struct {
	APIKey       string        `env:"OPENWEATHER_API_KEY"`
	APIKeySecret string        `env:"OPENWEATHER_API_KEY_SECRET"`
	BucketName   string        `env:"S3_BUCKET_NAME"`
	KeyPrefix    string        `env:"S3_KEY_PREFIX"`
	FunctionKey  string        `env:"LAMBDA_S3_KEY"`
	LayerKey     string        `env:"LAYER_S3_KEY"`
	Endpoint     string        `env:"API_ENDPOINT"`
	StackName    string        `env:"STACK_NAME" envDefault:"chatbot-stack"`
	TemplatePath string        `env:"TEMPLATE_PATH"`
	BuildPackage string        `env:"LAMBDA_BUILD"`
	SourcePath   string        `env:"LAMBDA_SOURCE"`
	ManifestPath string        `env:"LAMBDA_REQUIREMENTS"`
	Installer    string        `env:"INSTALL_COMMAND"`
	Timeout      time.Duration `env:"DEPLOY_TIMEOUT" envDefault:"30m"`
}

// Merge returns dotenv overlaid by environ (KEY=value pairs, as returned by
// os.Environ), so the process environment wins.
func Merge(dotenv map[string]string, environ []string) map[string]string {
	merged := make(map[string]string, len(dotenv)+len(environ))
	for k, v := range dotenv {
		merged[k] = v
	}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		merged[k] = v
	}
	return merged
}

// Load parses the merged environment into a Deploy
func Load(environment map[string]string) (Deploy, error) {
	var cfg Deploy
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environment}); err != nil {
		return Deploy{}, fmt.Errorf("failed to parse deploy configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromProcess is Load over dotenv values merged beneath os.Environ
func LoadFromProcess(dotenv map[string]string) (Deploy, error) {
	return Load(Merge(dotenv, os.Environ()))
}

// KeySource produces an API key, or "" when it has none to offer
type KeySource struct {
	Name  string
	Fetch func(ctx context.Context) (string, error)
}

// Static wraps a value already in hand, such as a flag or environment value
func Static(name, value string) KeySource {
	return KeySource{
		Name:  name,
		Fetch: func(context.Context) (string, error) { return value, nil },
	}
}

// ResolveAPIKey walks sources in order and returns the first non-empty key.
// A source error stops the walk. With no key found, ErrMissingCredential.
func ResolveAPIKey(ctx context.Context, sources ...KeySource) (string, error) {
	logger := zerolog.Ctx(ctx)

	for _, source := range sources {
		if source.Fetch == nil {
			continue
		}
		key, err := source.Fetch(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", errors.ErrMissingCredential, source.Name, err)
		}
		if key = strings.TrimSpace(key); key != "" {
			logger.Debug().Str("source", source.Name).Msg("Resolved API key")
			return key, nil
		}
	}

	names := make([]string, 0, len(sources))
	for _, source := range sources {
		names = append(names, source.Name)
	}
	return "", fmt.Errorf("%w: tried %s", errors.ErrMissingCredential, strings.Join(names, ", "))
}
