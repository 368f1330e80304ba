package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
	"github.com/savaki/chatbot-deployer/internal/config"
	"github.com/savaki/chatbot-deployer/internal/constants"
	"github.com/savaki/chatbot-deployer/internal/di"
	"github.com/savaki/chatbot-deployer/internal/errors"
	"github.com/savaki/chatbot-deployer/internal/orchestrator"
	"github.com/savaki/chatbot-deployer/internal/packager"
	"github.com/savaki/chatbot-deployer/internal/policy"
	"github.com/savaki/chatbot-deployer/internal/services"
	"github.com/savaki/chatbot-deployer/internal/stack"
	"github.com/savaki/chatbot-deployer/internal/state"
	"github.com/savaki/chatbot-deployer/internal/uploader"
	"github.com/savaki/chatbot-deployer/internal/verifier"
	"github.com/urfave/cli/v2"
)

func init() {
	// -h belongs to the deploy command, which exits non-zero after printing usage
	cli.HelpFlag = &cli.BoolFlag{
		Name:               "help",
		Usage:              "show help",
		DisableDefaultText: true,
	}
}

// DeployCommand returns the deploy command: package, upload, deploy, verify
func DeployCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:     "deploy",
		Usage:    "Package, upload and deploy the chatbot stack",
		HideHelp: true,
		Description: `Runs the full pipeline and stops at the first failure:

  1. package  build the function and layer archives (when --build or --source is set)
  2. prune    remove the previous archives from the bucket
  3. upload   upload the new archives
  4. deploy   create or update the CloudFormation stack
  5. verify   wait for the stack to reach a terminal status

On success the endpoint and archive keys are written to the env file.

Examples:
  chatbot-deployer deploy -t deploy/template.yaml -b my-bucket -k $OPENWEATHER_API_KEY \
    --build ./internal/lambda/chatbot --manifest deploy/chatbot.env

  # redeploy existing archives
  chatbot-deployer deploy -t deploy/template.yaml -b my-bucket \
    -f lambda_package-20250101120000.zip -l lambda_layer-20250101120000.zip`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "usage",
				Aliases: []string{"h"},
				Usage:   "Show usage and exit with status 1",
			},
			&cli.StringFlag{
				Name:    "template",
				Aliases: []string{"t"},
				Usage:   "CloudFormation template file",
			},
			&cli.StringFlag{
				Name:    "bucket",
				Aliases: []string{"b"},
				Usage:   "S3 bucket for the archives",
			},
			&cli.StringFlag{
				Name:    "api-key",
				Aliases: []string{"k"},
				Usage:   "OpenWeather API key",
			},
			&cli.StringFlag{
				Name:    "function-key",
				Aliases: []string{"f"},
				Usage:   "Existing function archive key; cannot be combined with --build or --source",
			},
			&cli.StringFlag{
				Name:    "layer-key",
				Aliases: []string{"l"},
				Usage:   "Existing layer archive key; cannot be combined with --build or --source",
			},
			&cli.StringFlag{
				Name:  "api-key-secret",
				Usage: "Secrets Manager secret holding the OpenWeather API key",
			},
			&cli.StringFlag{
				Name:  "build",
				Usage: "Go main package compiled into the function's bootstrap",
			},
			&cli.StringFlag{
				Name:  "source",
				Usage: "Function source file to package as is",
			},
			&cli.StringFlag{
				Name:  "manifest",
				Usage: "Layer manifest (default: " + packager.DefaultLayerConfigPath + " with --build, " + packager.DefaultManifestPath + " otherwise)",
			},
			&cli.StringFlag{
				Name:  "install-command",
				Usage: "Command that installs the manifest; {manifest} and {dir} are substituted",
			},
			&cli.StringFlag{
				Name:  "output",
				Usage: "Directory for the built archives",
				Value: ".",
			},
			&cli.StringFlag{
				Name:  "key-prefix",
				Usage: "Folder prepended to the archive keys",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Dotenv file read for defaults and updated after a successful deploy",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "stack-name",
				Usage: "CloudFormation stack name",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the stack to settle",
			},
			&cli.BoolFlag{
				Name:  "prune-by-prefix",
				Usage: "Delete every archive under the lambda_package and lambda_layer prefixes instead of only the previous revision",
			},
			&cli.BoolFlag{
				Name:  "skip-policy",
				Usage: "Do not check the template against the resource policy",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("usage") {
				_ = cli.ShowCommandHelp(c, c.Command.Name)
				return cli.Exit("", 1)
			}
			return deployAction(c, logger)
		},
	}
}

func deployAction(c *cli.Context, logger *zerolog.Logger) error {
	ctx := c.Context

	stateFile := state.NewFile(c.String("env-file"))
	dotenv, err := stateFile.Read()
	if err != nil {
		return err
	}

	cfg, err := config.LoadFromProcess(dotenv)
	if err != nil {
		return err
	}
	if err := applyDeployFlags(c, &cfg); err != nil {
		return err
	}

	container, err := di.New("", di.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to create DI container: %w", err)
	}

	run := orchestrator.Config{
		TemplatePath:        cfg.TemplatePath,
		StackName:           cfg.StackName,
		BucketName:          cfg.BucketName,
		KeyPrefix:           cfg.KeyPrefix,
		SourcePath:          cfg.SourcePath,
		BuildPackage:        cfg.BuildPackage,
		ManifestPath:        cfg.ManifestPath,
		OutputDir:           c.String("output"),
		FunctionKey:         cfg.FunctionKey,
		LayerKey:            cfg.LayerKey,
		PreviousFunctionKey: dotenv[constants.StateFunctionKey],
		PreviousLayerKey:    dotenv[constants.StateLayerKey],
		PruneByPrefix:       c.Bool("prune-by-prefix"),
		APIKeySources:       apiKeySources(c, container, cfg),
	}

	logger.Info().
		Str("stack_name", run.StackName).
		Str("bucket", run.BucketName).
		Str("template", run.TemplatePath).
		Bool("package", run.Packages()).
		Dur("timeout", cfg.Timeout).
		Msg("Starting deployment")

	opts := []orchestrator.Option{
		orchestrator.WithIdentity(di.MustGet[*sts.Client](container)),
		orchestrator.WithReporter(stepReporter{w: c.App.Writer}),
	}
	if c.Bool("skip-policy") {
		logger.Warn().Msg("Template policy check skipped")
	} else {
		opts = append(opts, orchestrator.WithPolicy(di.MustGet[*policy.Validator](container)))
	}

	o := orchestrator.New(
		packager.New(packager.InstallerFor(cfg.Installer, cfg.BuildPackage != "")),
		di.MustGet[*uploader.Uploader](container),
		di.MustGet[*stack.Deployer](container),
		verifier.New(di.MustGet[*cloudformation.Client](container), verifier.WithTimeout(cfg.Timeout)),
		stateFile,
		opts...,
	)

	result, err := o.Run(ctx, run)
	if err != nil {
		fmt.Fprintf(c.App.ErrWriter, "%s %v\n", paint(c.App.ErrWriter, failColor, "✗"), err)
		return err
	}

	fmt.Fprintf(c.App.Writer, "\n%s %s\n", paint(c.App.Writer, okColor, "Endpoint:"), result.Endpoint)
	fmt.Fprintf(c.App.Writer, "%s %s\n", paint(c.App.Writer, labelColor, "Saved to:"), stateFile.Path())
	return nil
}

// applyDeployFlags overlays explicitly set flags on the environment config.
// Archive keys recorded by an earlier deploy are dropped when this run
// packages new archives.
func applyDeployFlags(c *cli.Context, cfg *config.Deploy) error {
	overrides := []struct {
		flag  string
		value *string
	}{
		{"template", &cfg.TemplatePath},
		{"bucket", &cfg.BucketName},
		{"function-key", &cfg.FunctionKey},
		{"layer-key", &cfg.LayerKey},
		{"api-key-secret", &cfg.APIKeySecret},
		{"build", &cfg.BuildPackage},
		{"source", &cfg.SourcePath},
		{"install-command", &cfg.Installer},
		{"key-prefix", &cfg.KeyPrefix},
		{"stack-name", &cfg.StackName},
	}
	for _, o := range overrides {
		if c.IsSet(o.flag) {
			*o.value = c.String(o.flag)
		}
	}

	compiled := cfg.BuildPackage != ""
	if compiled || cfg.SourcePath != "" {
		if c.IsSet("function-key") || c.IsSet("layer-key") {
			return fmt.Errorf("%w: --function-key and --layer-key cannot be combined with --build or --source", errors.ErrConflictingInput)
		}
		cfg.FunctionKey = ""
		cfg.LayerKey = ""
	}

	if c.IsSet("manifest") {
		cfg.ManifestPath = c.String("manifest")
	}
	if cfg.ManifestPath == "" {
		cfg.ManifestPath = packager.DefaultManifest(compiled)
	}
	if c.IsSet("timeout") {
		cfg.Timeout = c.Duration("timeout")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = verifier.DefaultTimeout
	}
	return nil
}

// apiKeySources lists where the API key may come from, most explicit first
func apiKeySources(c *cli.Context, container di.Container, cfg config.Deploy) []config.KeySource {
	sources := []config.KeySource{
		config.Static("flag", c.String("api-key")),
		config.Static("environment", cfg.APIKey),
	}

	if cfg.APIKeySecret != "" {
		sources = append(sources, config.KeySource{
			Name: "secrets manager",
			Fetch: func(ctx context.Context) (string, error) {
				return di.MustGet[*services.SecretsManagerService](container).GetAPIKey(ctx, cfg.APIKeySecret)
			},
		})
	}

	if isTerminalReader(os.Stdin) {
		sources = append(sources, promptSource(os.Stdin, c.App.ErrWriter))
	}

	return sources
}

func promptSource(r io.Reader, w io.Writer) config.KeySource {
	return config.KeySource{
		Name: "prompt",
		Fetch: func(context.Context) (string, error) {
			return promptForSecret(r, w, "OpenWeather API key")
		},
	}
}
