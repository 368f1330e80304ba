// Package verifier polls a CloudFormation stack until it reaches a terminal
// status and extracts the endpoint output on success.
package verifier

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/savaki/chatbot-deployer/internal/constants"
	"github.com/savaki/chatbot-deployer/internal/errors"
	"github.com/savaki/chatbot-deployer/internal/stack"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultTimeout     = 30 * time.Minute
	DefaultBaseBackoff = 2 * time.Second
	DefaultMaxBackoff  = 30 * time.Second

	maxFailureEvents = 10
)

// State is the verifier's view of a stack status
type State string

const (
	StatePending   State = "PENDING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// Classify maps a CloudFormation stack status onto a verifier state. Only
// CREATE_COMPLETE and UPDATE_COMPLETE succeed; in-progress statuses are
// pending; every other status is a failed terminal.
func Classify(status types.StackStatus) State {
	switch status {
	case types.StackStatusCreateComplete, types.StackStatusUpdateComplete:
		return StateSucceeded
	case "":
		return StatePending
	}
	if strings.HasSuffix(string(status), "_IN_PROGRESS") {
		return StatePending
	}
	return StateFailed
}

// CloudFormationAPI abstracts the CloudFormation operations used to verify
type CloudFormationAPI interface {
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	DescribeStackEvents(ctx context.Context, params *cloudformation.DescribeStackEventsInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error)
}

// Result describes the terminal state of a stack
type Result struct {
	StackName    string            `json:"stack_name"`
	State        State             `json:"state"`
	Status       string            `json:"status"`
	StatusReason string            `json:"status_reason,omitempty"`
	Outputs      map[string]string `json:"outputs,omitempty"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Polls        int               `json:"polls"`
}

// Option configures a Verifier
type Option func(*Verifier)

// WithTimeout bounds the total time spent polling
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithBackoff sets the initial and maximum delay between polls
func WithBackoff(base, max time.Duration) Option {
	return func(v *Verifier) {
		v.baseBackoff = base
		v.maxBackoff = max
	}
}

// WithOutputKey selects the stack output that carries the endpoint URL
func WithOutputKey(key string) Option {
	return func(v *Verifier) {
		if key != "" {
			v.outputKey = key
		}
	}
}

// Verifier waits for a stack to settle
type Verifier struct {
	client      CloudFormationAPI
	timeout     time.Duration
	baseBackoff time.Duration
	maxBackoff  time.Duration
	outputKey   string
}

// New creates a new Verifier
func New(client CloudFormationAPI, opts ...Option) *Verifier {
	v := &Verifier{
		client:      client,
		timeout:     DefaultTimeout,
		baseBackoff: DefaultBaseBackoff,
		maxBackoff:  DefaultMaxBackoff,
		outputKey:   constants.EndpointOutputKey,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var errPending = stderrors.New("stack has not reached a terminal status")

// Verify polls the stack with exponential backoff until it reaches a terminal
// status, the timeout elapses, or ctx is cancelled. A nil error means the
// stack succeeded and the endpoint output was found.
func (v *Verifier) Verify(ctx context.Context, stackName string) (result *Result, err error) {
	logger := zerolog.Ctx(ctx)

	defer func(begin time.Time) {
		event := logger.Info().
			Interface("error", err).
			Str("stack_name", stackName).
			Dur("duration", time.Since(begin))
		if result != nil {
			event = event.Str("status", result.Status).Int("polls", result.Polls)
		}
		event.Msg("Verify completed")
	}(time.Now())

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	backoff := retry.NewExponential(v.baseBackoff)
	backoff = retry.WithCappedDuration(v.maxBackoff, backoff)
	backoff = retry.WithMaxDuration(v.timeout, backoff)

	result = &Result{StackName: stackName}
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		result.Polls++

		desc, err := v.describe(ctx, stackName)
		if err != nil {
			if isThrottle(err) {
				logger.Debug().Err(err).Str("stack_name", stackName).Msg("Throttled while polling, retrying")
				return retry.RetryableError(err)
			}
			return err
		}

		result.Status = string(desc.StackStatus)
		result.StatusReason = aws.ToString(desc.StackStatusReason)
		result.State = Classify(desc.StackStatus)
		result.Outputs = outputs(desc.Outputs)

		logger.Info().
			Str("stack_name", stackName).
			Str("status", result.Status).
			Int("poll", result.Polls).
			Msg("Stack status")

		if result.State == StatePending {
			return retry.RetryableError(errPending)
		}
		return nil
	})
	if err != nil {
		switch {
		case stderrors.Is(err, errPending), stderrors.Is(err, context.DeadlineExceeded):
			return result, fmt.Errorf("%w: stack %s still %s after %s", errors.ErrVerification, stackName, result.Status, v.timeout)
		case stderrors.Is(err, context.Canceled):
			return result, fmt.Errorf("%w: stack %s: %v", errors.ErrVerification, stackName, err)
		default:
			return result, fmt.Errorf("%w: failed to describe stack %s: %v", errors.ErrVerification, stackName, err)
		}
	}

	if result.State == StateFailed {
		v.logFailureEvents(ctx, stackName)
		if result.StatusReason != "" {
			return result, fmt.Errorf("%w: stack %s finished with status %s: %s", errors.ErrVerification, stackName, result.Status, result.StatusReason)
		}
		return result, fmt.Errorf("%w: stack %s finished with status %s", errors.ErrVerification, stackName, result.Status)
	}

	endpoint, ok := result.Outputs[v.outputKey]
	if !ok || endpoint == "" {
		return result, fmt.Errorf("%w: stack %s has no output %s", errors.ErrVerification, stackName, v.outputKey)
	}
	result.Endpoint = endpoint

	return result, nil
}

// Describe returns the current stack description without waiting
func (v *Verifier) Describe(ctx context.Context, stackName string) (*Result, error) {
	desc, err := v.describe(ctx, stackName)
	if err != nil {
		return nil, err
	}

	out := outputs(desc.Outputs)
	return &Result{
		StackName:    stackName,
		State:        Classify(desc.StackStatus),
		Status:       string(desc.StackStatus),
		StatusReason: aws.ToString(desc.StackStatusReason),
		Outputs:      out,
		Endpoint:     out[v.outputKey],
		Polls:        1,
	}, nil
}

func (v *Verifier) describe(ctx context.Context, stackName string) (types.Stack, error) {
	out, err := v.client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		if stack.IsStackNotFound(err) {
			return types.Stack{}, fmt.Errorf("%w: %s", errors.ErrStackNotFound, stackName)
		}
		return types.Stack{}, err
	}
	if len(out.Stacks) == 0 {
		return types.Stack{}, fmt.Errorf("%w: %s", errors.ErrStackNotFound, stackName)
	}
	return out.Stacks[0], nil
}

func (v *Verifier) logFailureEvents(ctx context.Context, stackName string) {
	logger := zerolog.Ctx(ctx)

	out, err := v.client.DescribeStackEvents(ctx, &cloudformation.DescribeStackEventsInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to get stack events")
		return
	}

	count := 0
	for i := range out.StackEvents {
		if count >= maxFailureEvents {
			break
		}
		event := &out.StackEvents[i]
		if !strings.HasSuffix(string(event.ResourceStatus), "_FAILED") || event.ResourceStatusReason == nil {
			continue
		}
		logger.Error().
			Str("resource_id", aws.ToString(event.LogicalResourceId)).
			Str("status", string(event.ResourceStatus)).
			Str("reason", aws.ToString(event.ResourceStatusReason)).
			Msg("Stack event")
		count++
	}
}

func outputs(oo []types.Output) map[string]string {
	m := make(map[string]string, len(oo))
	for _, o := range oo {
		m[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return m
}

func isThrottle(err error) bool {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "Throttling" || code == "ThrottlingException"
	}
	return false
}
