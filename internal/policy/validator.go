// Package policy checks a CloudFormation template against the resource rules
// a chatbot stack must follow before anything is uploaded.
package policy

import (
	"context"
	_ "embed"
	"fmt"
	"slices"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/savaki/chatbot-deployer/internal/constants"
	"github.com/savaki/chatbot-deployer/internal/errors"
)

//go:embed chatbot.rego
var policyContent string

type Validator struct {
	allow      rego.PreparedEvalQuery
	violations rego.PreparedEvalQuery
}

type ValidationResult struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
}

// NewValidator prepares the policy queries. requiredOutputs lists the stack
// outputs a template must declare and defaults to the endpoint output.
func NewValidator(requiredOutputs ...string) (*Validator, error) {
	if len(requiredOutputs) == 0 {
		requiredOutputs = []string{constants.EndpointOutputKey}
	}

	outputs := make([]any, 0, len(requiredOutputs))
	for _, output := range requiredOutputs {
		outputs = append(outputs, output)
	}
	store := inmem.NewFromObject(map[string]any{
		"deploy": map[string]any{
			"required_outputs": outputs,
		},
	})

	ctx := context.Background()
	allow, err := prepare(ctx, store, "data.chatbot.allow")
	if err != nil {
		return nil, err
	}
	violations, err := prepare(ctx, store, "data.chatbot.violations")
	if err != nil {
		return nil, err
	}

	return &Validator{
		allow:      allow,
		violations: violations,
	}, nil
}

func prepare(ctx context.Context, store storage.Store, query string) (rego.PreparedEvalQuery, error) {
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module("chatbot.rego", policyContent),
		rego.Store(store),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare policy query %s: %w", query, err)
	}
	return prepared, nil
}

// ValidateTemplate evaluates a decoded template document. A template that
// breaks any rule comes back with Allowed false and the sorted violations.
func (v *Validator) ValidateTemplate(ctx context.Context, document map[string]any) (*ValidationResult, error) {
	input := map[string]any{}
	for _, section := range []string{"Resources", "Outputs"} {
		if value, ok := document[section]; ok && value != nil {
			input[section] = value
		}
	}

	results, err := v.allow.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return &ValidationResult{
			Allowed:    false,
			Violations: []string{"policy evaluation returned no results"},
		}, nil
	}

	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return &ValidationResult{
			Allowed:    false,
			Violations: []string{"policy evaluation returned non-boolean result"},
		}, nil
	}

	result := &ValidationResult{
		Allowed: allowed,
	}

	if !allowed {
		violations, err := v.getViolations(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to get violations: %w", err)
		}
		result.Violations = violations
	}

	return result, nil
}

// Check is ValidateTemplate for callers that only care whether the template
// passes. Violations are folded into an ErrPolicyViolation.
func (v *Validator) Check(ctx context.Context, document map[string]any) error {
	result, err := v.ValidateTemplate(ctx, document)
	if err != nil {
		return err
	}
	if !result.Allowed {
		return fmt.Errorf("%w: %v", errors.ErrPolicyViolation, result.Violations)
	}
	return nil
}

func (v *Validator) getViolations(ctx context.Context, input map[string]any) ([]string, error) {
	results, err := v.violations.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate violations: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return []string{"unknown policy violation"}, nil
	}

	var violations []string
	switch value := results[0].Expressions[0].Value.(type) {
	case []any:
		for _, violation := range value {
			if str, ok := violation.(string); ok {
				violations = append(violations, str)
			}
		}
	case map[string]any:
		for violation := range value {
			violations = append(violations, violation)
		}
	}

	if len(violations) == 0 {
		return []string{"policy validation failed but no specific violations found"}, nil
	}

	slices.Sort(violations)
	return violations, nil
}
