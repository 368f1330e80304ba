// Package stack submits the chatbot CloudFormation template with its
// parameters using create-or-update semantics.
package stack

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/savaki/chatbot-deployer/internal/constants"
	"github.com/savaki/chatbot-deployer/internal/errors"
	"github.com/savaki/chatbot-deployer/internal/utils"
)

// Operation identifies which engine call was issued
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationNone   Operation = "NONE" // update requested but nothing changed
)

// CloudFormationAPI abstracts the CloudFormation operations used to deploy
type CloudFormationAPI interface {
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context, params *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
}

// DeployInput holds the template and the fixed parameter set
type DeployInput struct {
	TemplatePath string
	StackName    string // Defaults to constants.StackName
	APIKey       string
	TableName    string // Defaults to constants.TableName
	BucketName   string
	FunctionKey  string
	LayerKey     string
}

// Parameters returns the template parameters keyed by name
func (in DeployInput) Parameters() map[string]string {
	return map[string]string{
		constants.ParamAPIKey:     in.APIKey,
		constants.ParamTableName:  in.TableName,
		constants.ParamBucketName: in.BucketName,
		constants.ParamLambdaKey:  in.FunctionKey,
		constants.ParamLayerKey:   in.LayerKey,
	}
}

// DeployResult describes an accepted deploy request
type DeployResult struct {
	StackName string    `json:"stack_name"`
	StackID   string    `json:"stack_id"`
	Operation Operation `json:"operation"`
}

// Deployer creates or updates the stack
type Deployer struct {
	client CloudFormationAPI
}

// New creates a new Deployer
func New(client CloudFormationAPI) *Deployer {
	return &Deployer{client: client}
}

// Deploy validates the input, then issues CreateStack or UpdateStack depending
// on whether the stack exists. It returns once the engine has accepted the
// request; it does not wait for completion.
func (d *Deployer) Deploy(ctx context.Context, input DeployInput) (result *DeployResult, err error) {
	logger := zerolog.Ctx(ctx)

	if input.StackName == "" {
		input.StackName = constants.StackName
	}
	if input.TableName == "" {
		input.TableName = constants.TableName
	}

	if strings.TrimSpace(input.APIKey) == "" {
		return nil, fmt.Errorf("%w: %s is empty", errors.ErrMissingCredential, constants.ParamAPIKey)
	}
	for name, value := range map[string]string{
		constants.ParamBucketName: input.BucketName,
		constants.ParamLambdaKey:  input.FunctionKey,
		constants.ParamLayerKey:   input.LayerKey,
	} {
		if value == "" {
			return nil, fmt.Errorf("%w: parameter %s is empty", errors.ErrMissingInput, name)
		}
	}

	template, err := LoadTemplate(input.TemplatePath)
	if err != nil {
		return nil, err
	}

	defer func(begin time.Time) {
		logger.Info().
			Interface("error", err).
			Str("stack_name", input.StackName).
			Dur("duration", time.Since(begin)).
			Msg("Deploy completed")
	}(time.Now())

	params := utils.MergeParameters(input.Parameters())
	logger.Debug().
		Interface("parameters", utils.RedactParameters(params, constants.ParamAPIKey)).
		Msg("Stack parameters")

	exists, err := d.stackExists(ctx, input.StackName)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to check if stack %s exists: %v", errors.ErrStackDeploy, input.StackName, err)
	}

	if exists {
		result, err = d.updateStack(ctx, input.StackName, template.Body, params)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to update stack %s: %v", errors.ErrStackDeploy, input.StackName, err)
		}
	} else {
		result, err = d.createStack(ctx, input.StackName, template.Body, params)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create stack %s: %v", errors.ErrStackDeploy, input.StackName, err)
		}
	}

	logger.Info().
		Str("operation", string(result.Operation)).
		Str("stack_name", result.StackName).
		Str("stack_id", result.StackID).
		Msg("Stack deployment accepted")
	return result, nil
}

func (d *Deployer) stackExists(ctx context.Context, stackName string) (bool, error) {
	out, err := d.client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		if IsStackNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return len(out.Stacks) > 0, nil
}

// IsStackNotFound reports whether err is the CloudFormation "does not exist"
// validation error
func IsStackNotFound(err error) bool {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ValidationError" && strings.Contains(apiErr.ErrorMessage(), "does not exist")
	}
	return false
}

func isNoUpdates(err error) bool {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ValidationError" &&
			(strings.Contains(apiErr.ErrorMessage(), "No updates are to be performed") ||
				strings.Contains(apiErr.ErrorMessage(), "No updates to be performed"))
	}
	return false
}

var capabilities = []types.Capability{
	types.CapabilityCapabilityIam,
	types.CapabilityCapabilityNamedIam,
}

func (d *Deployer) createStack(ctx context.Context, stackName, template string, parameters []types.Parameter) (*DeployResult, error) {
	result, err := d.client.CreateStack(ctx, &cloudformation.CreateStackInput{
		StackName:    aws.String(stackName),
		TemplateBody: aws.String(template),
		Parameters:   parameters,
		Capabilities: capabilities,
		Tags: []types.Tag{
			{
				Key:   aws.String("ManagedBy"),
				Value: aws.String(constants.ManagedByTag),
			},
		},
	})
	if err != nil {
		return nil, err
	}

	return &DeployResult{
		StackName: stackName,
		StackID:   aws.ToString(result.StackId),
		Operation: OperationCreate,
	}, nil
}

func (d *Deployer) updateStack(ctx context.Context, stackName, template string, parameters []types.Parameter) (*DeployResult, error) {
	logger := zerolog.Ctx(ctx)

	result, err := d.client.UpdateStack(ctx, &cloudformation.UpdateStackInput{
		StackName:    aws.String(stackName),
		TemplateBody: aws.String(template),
		Parameters:   parameters,
		Capabilities: capabilities,
	})
	if err != nil {
		if isNoUpdates(err) {
			logger.Info().Str("stack_name", stackName).Msg("No updates needed for stack")
			return &DeployResult{
				StackName: stackName,
				StackID:   stackName,
				Operation: OperationNone,
			}, nil
		}
		return nil, err
	}

	return &DeployResult{
		StackName: stackName,
		StackID:   aws.ToString(result.StackId),
		Operation: OperationUpdate,
	}, nil
}

// readTemplate reads a template file, failing with ErrMissingInput when the
// path does not name a regular file
func readTemplate(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: template path is empty", errors.ErrMissingInput)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: template %s: %v", errors.ErrMissingInput, path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: template %s is not a regular file", errors.ErrMissingInput, path)
	}
	return os.ReadFile(path)
}
