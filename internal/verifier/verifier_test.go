package verifier

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	deployerrors "github.com/savaki/chatbot-deployer/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockCloudFormationClient replays a sequence of stack statuses
type mockCloudFormationClient struct {
	statuses []types.StackStatus
	outputs  []types.Output
	reason   *string
	errs     []error
	polls    int
	events   int
}

func (m *mockCloudFormationClient) DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	i := m.polls
	m.polls++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.statuses) {
		i = len(m.statuses) - 1
	}
	return &cloudformation.DescribeStacksOutput{
		Stacks: []types.Stack{
			{
				StackName:         params.StackName,
				StackStatus:       m.statuses[i],
				StackStatusReason: m.reason,
				Outputs:           m.outputs,
			},
		},
	}, nil
}

func (m *mockCloudFormationClient) DescribeStackEvents(ctx context.Context, params *cloudformation.DescribeStackEventsInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error) {
	m.events++
	return &cloudformation.DescribeStackEventsOutput{
		StackEvents: []types.StackEvent{
			{
				LogicalResourceId:    aws.String("ChatbotFunction"),
				ResourceStatus:       types.ResourceStatusCreateFailed,
				ResourceStatusReason: aws.String("S3 key does not exist"),
			},
		},
	}, nil
}

func testContext() context.Context {
	logger := zerolog.New(io.Discard)
	return logger.WithContext(context.Background())
}

func fast(opts ...Option) []Option {
	return append([]Option{WithBackoff(time.Millisecond, 5*time.Millisecond)}, opts...)
}

func endpointOutput(key, value string) []types.Output {
	return []types.Output{{OutputKey: aws.String(key), OutputValue: aws.String(value)}}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status types.StackStatus
		want   State
	}{
		{types.StackStatusCreateComplete, StateSucceeded},
		{types.StackStatusUpdateComplete, StateSucceeded},
		{types.StackStatusCreateInProgress, StatePending},
		{types.StackStatusUpdateInProgress, StatePending},
		{types.StackStatusUpdateCompleteCleanupInProgress, StatePending},
		{types.StackStatusUpdateRollbackInProgress, StatePending},
		{types.StackStatusReviewInProgress, StatePending},
		{"", StatePending},
		{types.StackStatusCreateFailed, StateFailed},
		{types.StackStatusRollbackComplete, StateFailed},
		{types.StackStatusRollbackFailed, StateFailed},
		{types.StackStatusUpdateRollbackComplete, StateFailed},
		{types.StackStatusUpdateRollbackFailed, StateFailed},
		{types.StackStatusDeleteComplete, StateFailed},
		{types.StackStatusDeleteFailed, StateFailed},
		{types.StackStatusImportComplete, StateFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.status))
		})
	}
}

func TestVerify_UpdateComplete(t *testing.T) {
	client := &mockCloudFormationClient{
		statuses: []types.StackStatus{types.StackStatusUpdateComplete},
		outputs:  endpointOutput("endpoint", "https://x/y"),
	}

	result, err := New(client, fast(WithOutputKey("endpoint"))...).Verify(testContext(), "chatbot-stack")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, result.State)
	assert.Equal(t, "https://x/y", result.Endpoint)
	assert.Equal(t, 1, result.Polls)
}

func TestVerify_PollsUntilTerminal(t *testing.T) {
	client := &mockCloudFormationClient{
		statuses: []types.StackStatus{
			types.StackStatusCreateInProgress,
			types.StackStatusCreateInProgress,
			types.StackStatusCreateComplete,
		},
		outputs: endpointOutput("ApiEndpoint", "https://abc.execute-api.us-east-1.amazonaws.com/prod/chatbot"),
	}

	result, err := New(client, fast()...).Verify(testContext(), "chatbot-stack")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Polls)
	assert.Equal(t, "CREATE_COMPLETE", result.Status)
	assert.Equal(t, "https://abc.execute-api.us-east-1.amazonaws.com/prod/chatbot", result.Endpoint)
}

func TestVerify_RetriesThrottling(t *testing.T) {
	client := &mockCloudFormationClient{
		statuses: []types.StackStatus{types.StackStatusCreateComplete},
		outputs:  endpointOutput("ApiEndpoint", "https://x/y"),
		errs:     []error{&smithy.GenericAPIError{Code: "Throttling", Message: "Rate exceeded"}},
	}

	result, err := New(client, fast()...).Verify(testContext(), "chatbot-stack")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Polls)
}

func TestVerify_Failed(t *testing.T) {
	tests := []struct {
		name   string
		status types.StackStatus
	}{
		{name: "rollback complete", status: types.StackStatusRollbackComplete},
		{name: "update rollback complete", status: types.StackStatusUpdateRollbackComplete},
		{name: "create failed", status: types.StackStatusCreateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockCloudFormationClient{
				statuses: []types.StackStatus{tt.status},
				reason:   aws.String("The following resource(s) failed to create: [ChatbotFunction]"),
			}

			result, err := New(client, fast()...).Verify(testContext(), "chatbot-stack")
			require.Error(t, err)
			assert.True(t, errors.Is(err, deployerrors.ErrVerification))
			assert.Contains(t, err.Error(), string(tt.status))
			assert.Contains(t, err.Error(), "ChatbotFunction")
			assert.Equal(t, StateFailed, result.State)
			assert.Equal(t, 1, client.events, "failure events should be fetched")
		})
	}
}

func TestVerify_MissingOutput(t *testing.T) {
	client := &mockCloudFormationClient{
		statuses: []types.StackStatus{types.StackStatusCreateComplete},
		outputs:  endpointOutput("Other", "value"),
	}

	_, err := New(client, fast()...).Verify(testContext(), "chatbot-stack")
	require.Error(t, err)
	assert.True(t, errors.Is(err, deployerrors.ErrVerification))
	assert.Contains(t, err.Error(), "ApiEndpoint")
}

func TestVerify_Timeout(t *testing.T) {
	client := &mockCloudFormationClient{
		statuses: []types.StackStatus{types.StackStatusUpdateInProgress},
	}

	result, err := New(client, fast(WithTimeout(20*time.Millisecond))...).Verify(testContext(), "chatbot-stack")
	require.Error(t, err)
	assert.True(t, errors.Is(err, deployerrors.ErrVerification))
	assert.Equal(t, StatePending, result.State)
	assert.Greater(t, result.Polls, 1)
}

func TestVerify_Cancelled(t *testing.T) {
	client := &mockCloudFormationClient{
		statuses: []types.StackStatus{types.StackStatusUpdateInProgress},
	}

	ctx, cancel := context.WithCancel(testContext())
	cancel()

	_, err := New(client, fast()...).Verify(ctx, "chatbot-stack")
	require.Error(t, err)
	assert.True(t, errors.Is(err, deployerrors.ErrVerification))
}

func TestVerify_StackNotFound(t *testing.T) {
	client := &mockCloudFormationClient{
		statuses: []types.StackStatus{types.StackStatusCreateComplete},
		errs:     []error{&smithy.GenericAPIError{Code: "ValidationError", Message: "Stack with id chatbot-stack does not exist"}},
	}

	_, err := New(client, fast()...).Verify(testContext(), "chatbot-stack")
	require.Error(t, err)
	assert.True(t, errors.Is(err, deployerrors.ErrVerification))
	assert.Equal(t, 1, client.polls, "not-found is not retried")
}

func TestDescribe(t *testing.T) {
	client := &mockCloudFormationClient{
		statuses: []types.StackStatus{types.StackStatusUpdateInProgress},
		outputs:  endpointOutput("ApiEndpoint", "https://x/y"),
	}

	result, err := New(client).Describe(testContext(), "chatbot-stack")
	require.NoError(t, err)
	assert.Equal(t, StatePending, result.State)
	assert.Equal(t, "https://x/y", result.Endpoint)
}
