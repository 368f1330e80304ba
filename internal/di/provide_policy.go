package di

import (
	"fmt"

	"github.com/savaki/chatbot-deployer/internal/policy"
)

// ProvidePolicyValidator compiles the embedded template policy
func ProvidePolicyValidator() (*policy.Validator, error) {
	validator, err := policy.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create policy validator: %w", err)
	}
	return validator, nil
}
