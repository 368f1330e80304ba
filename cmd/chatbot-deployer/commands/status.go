package commands

import (
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/rs/zerolog"
	"github.com/savaki/chatbot-deployer/internal/constants"
	"github.com/savaki/chatbot-deployer/internal/di"
	"github.com/savaki/chatbot-deployer/internal/errors"
	"github.com/savaki/chatbot-deployer/internal/verifier"
	"github.com/urfave/cli/v2"
)

// StatusCommand returns the status command: describe the stack once
func StatusCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the current stack status and outputs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "stack-name",
				Usage:   "CloudFormation stack name",
				Value:   constants.StackName,
				EnvVars: []string{"STACK_NAME"},
			},
		},
		Action: func(c *cli.Context) error {
			ctx := c.Context
			stackName := c.String("stack-name")

			container, err := di.New("", di.WithContext(ctx))
			if err != nil {
				return fmt.Errorf("failed to create DI container: %w", err)
			}

			v := verifier.New(di.MustGet[*cloudformation.Client](container))
			result, err := v.Describe(ctx, stackName)
			if err != nil {
				if stderrors.Is(err, errors.ErrStackNotFound) {
					fmt.Fprintf(c.App.Writer, "%s %s does not exist\n", paint(c.App.Writer, pendingColor, "-"), stackName)
					return cli.Exit("", 1)
				}
				return err
			}

			logger.Debug().Str("stack_name", stackName).Str("status", result.Status).Msg("Described stack")

			fmt.Fprintf(c.App.Writer, "%s %s\n", paint(c.App.Writer, labelColor, result.StackName), paint(c.App.Writer, stateColor(result.State), result.Status))
			if result.StatusReason != "" {
				fmt.Fprintf(c.App.Writer, "  %s\n", result.StatusReason)
			}

			keys := make([]string, 0, len(result.Outputs))
			for k := range result.Outputs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(c.App.Writer, "  %-20s %s\n", k, result.Outputs[k])
			}
			return nil
		},
	}
}
