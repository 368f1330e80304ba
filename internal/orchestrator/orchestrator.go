// Package orchestrator runs a deployment end to end: package, upload, deploy,
// verify and finally persist the result.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
	"github.com/savaki/chatbot-deployer/internal/config"
	"github.com/savaki/chatbot-deployer/internal/constants"
	"github.com/savaki/chatbot-deployer/internal/errors"
	"github.com/savaki/chatbot-deployer/internal/packager"
	"github.com/savaki/chatbot-deployer/internal/stack"
	"github.com/savaki/chatbot-deployer/internal/uploader"
	"github.com/savaki/chatbot-deployer/internal/verifier"
)

// Step names used in errors and progress reports
const (
	StepPreflight = "preflight"
	StepPackage   = "package"
	StepIdentity  = "identity"
	StepPrune     = "prune"
	StepUpload    = "upload"
	StepDeploy    = "deploy"
	StepVerify    = "verify"
	StepPersist   = "persist"
)

type Packager interface {
	Package(ctx context.Context, input packager.Input) (*packager.Result, error)
}

type Uploader interface {
	DeleteByPrefix(ctx context.Context, bucket, prefix string) ([]string, error)
	DeleteKeys(ctx context.Context, bucket string, keys ...string) error
	Upload(ctx context.Context, bucket string, objects ...uploader.Object) error
}

type Deployer interface {
	Deploy(ctx context.Context, input stack.DeployInput) (*stack.DeployResult, error)
}

type Verifier interface {
	Verify(ctx context.Context, stackName string) (*verifier.Result, error)
}

// StateWriter persists key/value pairs after a verified deployment
type StateWriter interface {
	Update(values map[string]string) error
}

// IdentityAPI is the subset of the STS client used to log the caller account
type IdentityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// TemplatePolicy rejects templates that break the deployment rules
type TemplatePolicy interface {
	Check(ctx context.Context, document map[string]any) error
}

// Reporter receives a line per completed step for operator-facing output
type Reporter interface {
	Step(step, detail string)
}

type nopReporter struct{}

func (nopReporter) Step(string, string) {}

// Config describes one deployment run
type Config struct {
	TemplatePath string
	StackName    string
	BucketName   string
	KeyPrefix    string // Optional folder prepended to object keys

	// SourcePath or BuildPackage, with ManifestPath, enable packaging. When
	// both are empty no new code is built and FunctionKey/LayerKey are
	// deployed as-is.
	SourcePath   string
	BuildPackage string
	ManifestPath string
	OutputDir    string

	// FunctionKey and LayerKey name archives already in the bucket. They
	// cannot be combined with packaging.
	FunctionKey string
	LayerKey    string

	// PreviousFunctionKey and PreviousLayerKey are the keys recorded by the
	// last successful run; they are removed before the new archives upload.
	PreviousFunctionKey string
	PreviousLayerKey    string

	// PruneByPrefix removes every object under the archive prefixes instead
	// of the exact previous keys.
	PruneByPrefix bool

	// APIKeySources are tried in order before any remote call
	APIKeySources []config.KeySource
}

// Result summarizes a successful run
type Result struct {
	Account     string              `json:"account,omitempty"`
	Package     *packager.Result    `json:"package,omitempty"`
	FunctionKey string              `json:"function_key"`
	LayerKey    string              `json:"layer_key"`
	Pruned      []string            `json:"pruned,omitempty"`
	Deploy      *stack.DeployResult `json:"deploy"`
	Verify      *verifier.Result    `json:"verify"`
	Endpoint    string              `json:"endpoint"`
}

// StepError records which step of the pipeline failed
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s step failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepError(step string, err error) error {
	return &StepError{Step: step, Err: err}
}

// Orchestrator wires the pipeline components together
type Orchestrator struct {
	packager Packager
	uploader Uploader
	deployer Deployer
	verifier Verifier
	state    StateWriter
	identity IdentityAPI
	policy   TemplatePolicy
	reporter Reporter
}

type Option func(*Orchestrator)

// WithIdentity logs the AWS account the run deploys into
func WithIdentity(identity IdentityAPI) Option {
	return func(o *Orchestrator) {
		o.identity = identity
	}
}

// WithPolicy checks the template during preflight
func WithPolicy(policy TemplatePolicy) Option {
	return func(o *Orchestrator) {
		o.policy = policy
	}
}

// WithReporter receives a line per completed step
func WithReporter(reporter Reporter) Option {
	return func(o *Orchestrator) {
		if reporter != nil {
			o.reporter = reporter
		}
	}
}

// New creates a new Orchestrator instance
func New(p Packager, u Uploader, d Deployer, v Verifier, state StateWriter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		packager: p,
		uploader: u,
		deployer: d,
		verifier: v,
		state:    state,
		reporter: nopReporter{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Packages reports whether the run builds new archives
func (c Config) Packages() bool {
	return c.SourcePath != "" || c.BuildPackage != ""
}

func (c Config) packagerInput() packager.Input {
	return packager.Input{
		SourcePath:   c.SourcePath,
		BuildPackage: c.BuildPackage,
		ManifestPath: c.ManifestPath,
		OutputDir:    c.OutputDir,
	}
}

// Run executes the pipeline. The first failing step aborts the run; nothing
// already done is rolled back. State is written only after the stack has
// been verified.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) (result *Result, err error) {
	logger := zerolog.Ctx(ctx)

	if cfg.StackName == "" {
		cfg.StackName = constants.StackName
	}

	defer func(begin time.Time) {
		logger.Info().
			Interface("error", err).
			Str("stack_name", cfg.StackName).
			Dur("duration", time.Since(begin)).
			Msg("Run completed")
	}(time.Now())

	template, err := preflight(cfg)
	if err != nil {
		return nil, stepError(StepPreflight, err)
	}
	if o.policy != nil {
		if err := o.policy.Check(ctx, template.Document); err != nil {
			return nil, stepError(StepPreflight, err)
		}
	}

	apiKey, err := config.ResolveAPIKey(ctx, cfg.APIKeySources...)
	if err != nil {
		return nil, stepError(StepPreflight, err)
	}

	result = &Result{
		FunctionKey: cfg.FunctionKey,
		LayerKey:    cfg.LayerKey,
	}

	if cfg.Packages() {
		pkg, err := o.packager.Package(ctx, cfg.packagerInput())
		if err != nil {
			return nil, stepError(StepPackage, err)
		}
		result.Package = pkg
		result.FunctionKey = uploader.ObjectKey(cfg.KeyPrefix, pkg.Function.Name)
		result.LayerKey = uploader.ObjectKey(cfg.KeyPrefix, pkg.Layer.Name)
		o.reporter.Step(StepPackage, fmt.Sprintf("%s, %s", pkg.Function.Name, pkg.Layer.Name))
	}

	if o.identity != nil {
		out, err := o.identity.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return nil, stepError(StepIdentity, err)
		}
		result.Account = aws.ToString(out.Account)
		logger.Info().
			Str("account", result.Account).
			Str("arn", aws.ToString(out.Arn)).
			Msg("Deploying as")
	}

	if result.Package != nil {
		pruned, err := o.prune(ctx, cfg, result)
		if err != nil {
			return nil, stepError(StepPrune, err)
		}
		result.Pruned = pruned
		if len(pruned) > 0 {
			o.reporter.Step(StepPrune, fmt.Sprintf("%d object(s) removed from %s", len(pruned), cfg.BucketName))
		}

		objects := []uploader.Object{
			{Key: result.FunctionKey, Path: result.Package.Function.Path},
			{Key: result.LayerKey, Path: result.Package.Layer.Path},
		}
		if err := o.uploader.Upload(ctx, cfg.BucketName, objects...); err != nil {
			return nil, stepError(StepUpload, err)
		}
		for _, obj := range objects {
			o.reporter.Step(StepUpload, fmt.Sprintf("s3://%s/%s", cfg.BucketName, obj.Key))
		}
	}

	deployed, err := o.deployer.Deploy(ctx, stack.DeployInput{
		TemplatePath: cfg.TemplatePath,
		StackName:    cfg.StackName,
		APIKey:       apiKey,
		BucketName:   cfg.BucketName,
		FunctionKey:  result.FunctionKey,
		LayerKey:     result.LayerKey,
	})
	if err != nil {
		return nil, stepError(StepDeploy, err)
	}
	result.Deploy = deployed
	o.reporter.Step(StepDeploy, fmt.Sprintf("%s %s", deployed.Operation, deployed.StackName))

	verified, err := o.verifier.Verify(ctx, cfg.StackName)
	if err != nil {
		return nil, stepError(StepVerify, err)
	}
	result.Verify = verified
	result.Endpoint = verified.Endpoint
	o.reporter.Step(StepVerify, fmt.Sprintf("%s %s", verified.Status, verified.Endpoint))

	if o.state != nil {
		if err := o.state.Update(map[string]string{
			constants.StateEndpoint:    result.Endpoint,
			constants.StateFunctionKey: result.FunctionKey,
			constants.StateLayerKey:    result.LayerKey,
		}); err != nil {
			return nil, stepError(StepPersist, err)
		}
	}

	return result, nil
}

// preflight checks everything that can be checked locally
func preflight(cfg Config) (*stack.Template, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("%w: bucket name is empty", errors.ErrMissingInput)
	}
	template, err := stack.LoadTemplate(cfg.TemplatePath)
	if err != nil {
		return nil, err
	}
	if cfg.Packages() {
		if cfg.FunctionKey != "" || cfg.LayerKey != "" {
			return nil, fmt.Errorf("%w: existing archive keys cannot be deployed together with newly packaged archives", errors.ErrConflictingInput)
		}
		return template, packager.ValidateInput(cfg.packagerInput())
	}
	if cfg.FunctionKey == "" || cfg.LayerKey == "" {
		return nil, fmt.Errorf("%w: without a function source both the function and layer keys are required", errors.ErrMissingInput)
	}
	return template, nil
}

// prune removes the previous revision before the new one is uploaded
func (o *Orchestrator) prune(ctx context.Context, cfg Config, result *Result) ([]string, error) {
	if cfg.PruneByPrefix {
		var deleted []string
		for _, prefix := range []string{constants.FunctionArchivePrefix, constants.LayerArchivePrefix} {
			keys, err := o.uploader.DeleteByPrefix(ctx, cfg.BucketName, uploader.ObjectKey(cfg.KeyPrefix, prefix))
			if err != nil {
				return nil, err
			}
			deleted = append(deleted, keys...)
		}
		return deleted, nil
	}

	var keys []string
	for _, key := range []string{cfg.PreviousFunctionKey, cfg.PreviousLayerKey} {
		if key == "" || key == result.FunctionKey || key == result.LayerKey {
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	if err := o.uploader.DeleteKeys(ctx, cfg.BucketName, keys...); err != nil {
		return nil, err
	}
	return keys, nil
}
