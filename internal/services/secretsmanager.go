package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManagerAPI is the subset of the Secrets Manager client in use
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type SecretsManagerService struct {
	client SecretsManagerAPI
}

// APIKeySecret is the JSON form of a stored API key. A secret whose value is
// not a JSON object is used verbatim.
type APIKeySecret struct {
	APIKey            string `json:"api_key"`
	OpenWeatherAPIKey string `json:"OPENWEATHER_API_KEY"`
}

func NewSecretsManagerService(client SecretsManagerAPI) *SecretsManagerService {
	return &SecretsManagerService{
		client: client,
	}
}

// GetSecret retrieves a secret value by path from AWS Secrets Manager
func (s *SecretsManagerService) GetSecret(ctx context.Context, secretPath string) (string, error) {
	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretPath),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", secretPath, err)
	}

	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretPath)
	}

	return *result.SecretString, nil
}

// GetAPIKey retrieves the weather API key stored under secretPath
func (s *SecretsManagerService) GetAPIKey(ctx context.Context, secretPath string) (string, error) {
	value, err := s.GetSecret(ctx, secretPath)
	if err != nil {
		return "", err
	}

	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "{") {
		return value, nil
	}

	var secret APIKeySecret
	if err := json.Unmarshal([]byte(value), &secret); err != nil {
		return "", fmt.Errorf("failed to unmarshal API key secret %s: %w", secretPath, err)
	}

	switch {
	case secret.APIKey != "":
		return secret.APIKey, nil
	case secret.OpenWeatherAPIKey != "":
		return secret.OpenWeatherAPIKey, nil
	default:
		return "", fmt.Errorf("api_key field is empty in secret %s", secretPath)
	}
}
