package main

import (
	"context"
	"os"

	"github.com/savaki/chatbot-deployer/cmd/chatbot-deployer/commands"
	"github.com/savaki/chatbot-deployer/internal/di"
	"github.com/urfave/cli/v2"
)

func main() {
	logger := di.ProvideLogger()
	ctx := logger.WithContext(context.Background())

	app := &cli.App{
		Name:  "chatbot-deployer",
		Usage: "Package and deploy the weather and joke chatbot",
		Description: `Builds the chatbot function and its dependency layer, uploads both to S3,
creates or updates the CloudFormation stack and waits for it to settle.

This tool provides commands for:
  - Deploying the stack end to end
  - Building the archives without deploying
  - Inspecting the current stack status`,
		Commands: []*cli.Command{
			commands.DeployCommand(&logger),
			commands.PackageCommand(&logger),
			commands.StatusCommand(&logger),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
