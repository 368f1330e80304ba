package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/chatbot-deployer/internal/errors"
	"github.com/savaki/chatbot-deployer/internal/packager"
	"github.com/urfave/cli/v2"
)

// PackageCommand returns the package command: build the archives only
func PackageCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "package",
		Usage: "Build the function and layer archives without deploying",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "build",
				Usage:   "Go main package compiled into the function's bootstrap",
				EnvVars: []string{"LAMBDA_BUILD"},
			},
			&cli.StringFlag{
				Name:    "source",
				Usage:   "Function source file to package as is",
				EnvVars: []string{"LAMBDA_SOURCE"},
			},
			&cli.StringFlag{
				Name:  "manifest",
				Usage: "Layer manifest (default: " + packager.DefaultLayerConfigPath + " with --build, " + packager.DefaultManifestPath + " otherwise)",
			},
			&cli.StringFlag{
				Name:    "install-command",
				Usage:   "Command that installs the manifest; {manifest} and {dir} are substituted",
				EnvVars: []string{"INSTALL_COMMAND"},
			},
			&cli.StringFlag{
				Name:  "output",
				Usage: "Directory for the built archives",
				Value: ".",
			},
		},
		Action: func(c *cli.Context) error {
			input := packager.Input{
				SourcePath:   c.String("source"),
				BuildPackage: c.String("build"),
				ManifestPath: c.String("manifest"),
				OutputDir:    c.String("output"),
			}
			if input.SourcePath == "" && input.BuildPackage == "" {
				return fmt.Errorf("%w: --build or --source", errors.ErrMissingInput)
			}
			if input.ManifestPath == "" {
				input.ManifestPath = packager.DefaultManifest(input.Compiled())
			}

			p := packager.New(packager.InstallerFor(c.String("install-command"), input.Compiled()))
			result, err := p.Package(c.Context, input)
			if err != nil {
				return err
			}

			logger.Debug().Str("stamp", result.Stamp).Msg("Packaged")

			for _, archive := range []packager.Archive{result.Function, result.Layer} {
				fmt.Fprintf(c.App.Writer, "%s %s (%d bytes, sha256 %s)\n",
					paint(c.App.Writer, okColor, "✓"), archive.Path, archive.Size, archive.SHA256)
			}
			return nil
		},
	}
}
