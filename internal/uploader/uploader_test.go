package uploader

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	deployerrors "github.com/savaki/chatbot-deployer/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockS3Client is an in-memory bucket store
type mockS3Client struct {
	objects map[string][]byte // "bucket/key" -> body

	listErr   error
	deleteErr error
	putErr    func(key string) error
	puts      []string
}

func newMockS3Client(keys ...string) *mockS3Client {
	m := &mockS3Client{objects: map[string][]byte{}}
	for _, key := range keys {
		m.objects["bucket/"+key] = []byte("old")
	}
	return m
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var keys []string
	bucketPrefix := aws.ToString(params.Bucket) + "/"
	for k := range m.objects {
		if !strings.HasPrefix(k, bucketPrefix) {
			continue
		}
		key := strings.TrimPrefix(k, bucketPrefix)
		if strings.HasPrefix(key, aws.ToString(params.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	output := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, key := range keys {
		output.Contents = append(output.Contents, types.Object{Key: aws.String(key)})
	}
	return output, nil
}

func (m *mockS3Client) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	for _, obj := range params.Delete.Objects {
		delete(m.objects, aws.ToString(params.Bucket)+"/"+aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(params.Key)
	m.puts = append(m.puts, key)
	if m.putErr != nil {
		if err := m.putErr(key); err != nil {
			return nil, err
		}
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(params.Bucket)+"/"+key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) keys() []string {
	var keys []string
	for k := range m.objects {
		keys = append(keys, strings.TrimPrefix(k, "bucket/"))
	}
	sort.Strings(keys)
	return keys
}

func testContext() context.Context {
	logger := zerolog.New(io.Discard)
	return logger.WithContext(context.Background())
}

func writeArchive(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDeleteByPrefix_BroadMatch(t *testing.T) {
	client := newMockS3Client(
		"lambda_package-v1.zip",
		"lambda_package-v2.zip",
		"lambda_packageX.zip",
		"lambda_layer-v1.zip",
	)

	deleted, err := New(client).DeleteByPrefix(testContext(), "bucket", "lambda_package")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"lambda_package-v1.zip",
		"lambda_package-v2.zip",
		"lambda_packageX.zip",
	}, deleted)
	assert.Equal(t, []string{"lambda_layer-v1.zip"}, client.keys())
}

func TestDeleteByPrefix_NothingMatched(t *testing.T) {
	client := newMockS3Client("other.zip")

	deleted, err := New(client).DeleteByPrefix(testContext(), "bucket", "lambda_package")
	require.NoError(t, err)
	assert.Empty(t, deleted)
	assert.Equal(t, []string{"other.zip"}, client.keys())
}

func TestDeleteByPrefix_Errors(t *testing.T) {
	tests := []struct {
		name   string
		client *mockS3Client
		prefix string
	}{
		{
			name:   "list fails",
			client: &mockS3Client{objects: map[string][]byte{}, listErr: errors.New("AccessDenied")},
			prefix: "lambda_package",
		},
		{
			name: "delete fails",
			client: func() *mockS3Client {
				m := newMockS3Client("lambda_package-v1.zip")
				m.deleteErr = errors.New("network unreachable")
				return m
			}(),
			prefix: "lambda_package",
		},
		{
			name:   "empty prefix",
			client: newMockS3Client("lambda_package-v1.zip"),
			prefix: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.client).DeleteByPrefix(testContext(), "bucket", tt.prefix)
			require.Error(t, err)
			assert.True(t, errors.Is(err, deployerrors.ErrRemoteDelete))
		})
	}
}

func TestDeleteKeys_Exact(t *testing.T) {
	client := newMockS3Client(
		"lambda_package-20250101000000.zip",
		"lambda_packageX.zip",
		"lambda_layer-20250101000000.zip",
	)

	err := New(client).DeleteKeys(testContext(), "bucket",
		"lambda_package-20250101000000.zip",
		"",
		"lambda_layer-20250101000000.zip",
		"does-not-exist.zip",
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"lambda_packageX.zip"}, client.keys())
}

func TestDeleteKeys_ReportedErrors(t *testing.T) {
	client := &errorReportingClient{mockS3Client: newMockS3Client("a.zip")}

	err := New(client).DeleteKeys(testContext(), "bucket", "a.zip")
	require.Error(t, err)
	assert.True(t, errors.Is(err, deployerrors.ErrRemoteDelete))
	assert.Contains(t, err.Error(), "AccessDenied")
}

type errorReportingClient struct {
	*mockS3Client
}

func (c *errorReportingClient) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	return &s3.DeleteObjectsOutput{
		Errors: []types.Error{
			{Key: aws.String("a.zip"), Code: aws.String("AccessDenied"), Message: aws.String("Access Denied")},
		},
	}, nil
}

func TestUpload(t *testing.T) {
	client := newMockS3Client()
	function := writeArchive(t, "lambda_package-1.zip", "function")
	layer := writeArchive(t, "lambda_layer-1.zip", "layer")

	err := New(client).Upload(testContext(), "bucket",
		Object{Key: "lambda_package-1.zip", Path: function},
		Object{Key: "lambda_layer-1.zip", Path: layer},
	)
	require.NoError(t, err)
	assert.Equal(t, []byte("function"), client.objects["bucket/lambda_package-1.zip"])
	assert.Equal(t, []byte("layer"), client.objects["bucket/lambda_layer-1.zip"])
}

func TestUpload_AbortsOnFirstFailure(t *testing.T) {
	client := newMockS3Client()
	client.putErr = func(key string) error {
		return errors.New("AccessDenied")
	}
	function := writeArchive(t, "lambda_package-1.zip", "function")
	layer := writeArchive(t, "lambda_layer-1.zip", "layer")

	err := New(client).Upload(testContext(), "bucket",
		Object{Key: "lambda_package-1.zip", Path: function},
		Object{Key: "lambda_layer-1.zip", Path: layer},
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, deployerrors.ErrRemoteUpload))
	assert.Equal(t, []string{"lambda_package-1.zip"}, client.puts, "second archive must not be attempted")
}

func TestUpload_MissingLocalFile(t *testing.T) {
	client := newMockS3Client()

	err := New(client).Upload(testContext(), "bucket", Object{Key: "k.zip", Path: filepath.Join(t.TempDir(), "missing.zip")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, deployerrors.ErrRemoteUpload))
	assert.Empty(t, client.puts)
}

func TestDeleteThenUpload_Idempotent(t *testing.T) {
	client := newMockS3Client()
	u := New(client)
	ctx := testContext()

	run := func(stamp string) {
		key := "lambda_package-" + stamp + ".zip"
		_, err := u.DeleteByPrefix(ctx, "bucket", "lambda_package")
		require.NoError(t, err)
		require.NoError(t, u.Upload(ctx, "bucket", Object{Key: key, Path: writeArchive(t, key, stamp)}))
	}

	run("20250101000000")
	run("20250101000001")

	assert.Equal(t, []string{"lambda_package-20250101000001.zip"}, client.keys())
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix string
		name   string
		want   string
	}{
		{prefix: "", name: "a.zip", want: "a.zip"},
		{prefix: "chatbot", name: "a.zip", want: "chatbot/a.zip"},
		{prefix: "/chatbot/releases/", name: "a.zip", want: "chatbot/releases/a.zip"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, ObjectKey(tt.prefix, tt.name))
		})
	}
}
