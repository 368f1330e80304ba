package packager

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"
	"github.com/savaki/chatbot-deployer/internal/constants"
)

// DefaultInstallCommand installs Python requirements into the staging directory
const DefaultInstallCommand = "pip install --quiet -r {manifest} -t {dir}"

// DefaultLayerConfig is the file name a CopyInstaller gives the manifest
// inside the layer
const DefaultLayerConfig = constants.LayerConfigFile

// Manifest paths used when none is given
const (
	DefaultManifestPath    = "requirements.txt"
	DefaultLayerConfigPath = "deploy/" + DefaultLayerConfig
)

// DefaultManifest is the layer config for a compiled function and the
// requirements file otherwise
func DefaultManifest(compiled bool) string {
	if compiled {
		return DefaultLayerConfigPath
	}
	return DefaultManifestPath
}

// Installer resolves the dependencies listed in manifest into dir
type Installer interface {
	Install(ctx context.Context, manifest, dir string) error
}

// CommandInstaller runs an external command to install dependencies. The
// placeholders {manifest} and {dir} are substituted in every argument.
type CommandInstaller struct {
	Command string
}

// NewCommandInstaller returns an installer for command, or the default pip
// command when command is empty
func NewCommandInstaller(command string) *CommandInstaller {
	if strings.TrimSpace(command) == "" {
		command = DefaultInstallCommand
	}
	return &CommandInstaller{Command: command}
}

// Args returns the argv for the given manifest and directory
func (c *CommandInstaller) Args(manifest, dir string) ([]string, error) {
	args, err := shellwords.Parse(c.Command)
	if err != nil {
		return nil, fmt.Errorf("invalid install command %q: %w", c.Command, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("install command is empty")
	}

	replacer := strings.NewReplacer("{manifest}", manifest, "{dir}", dir)
	for i, arg := range args {
		args[i] = replacer.Replace(arg)
	}
	return args, nil
}

func (c *CommandInstaller) Install(ctx context.Context, manifest, dir string) error {
	logger := zerolog.Ctx(ctx)

	args, err := c.Args(manifest, dir)
	if err != nil {
		return err
	}

	logger.Debug().Strs("args", args).Msg("Running install command")
	return run(ctx, args, nil)
}

// CopyInstaller places the manifest itself in the layer under Name. It suits
// a compiled function whose layer carries configuration instead of packages.
type CopyInstaller struct {
	Name string
}

func NewCopyInstaller(name string) *CopyInstaller {
	if name == "" {
		name = DefaultLayerConfig
	}
	return &CopyInstaller{Name: name}
}

func (c *CopyInstaller) Install(ctx context.Context, manifest, dir string) error {
	zerolog.Ctx(ctx).Debug().
		Str("manifest", manifest).
		Str("name", c.Name).
		Msg("Copying manifest into layer")

	in, err := os.Open(manifest)
	if err != nil {
		return err
	}
	//goland:noinspection GoUnhandledErrorResult
	defer in.Close()

	out, err := os.OpenFile(filepath.Join(dir, c.Name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// InstallerFor picks the installer for a run. An explicit command always
// wins; otherwise compiled functions copy their manifest and source files
// get the pip default.
func InstallerFor(command string, compiled bool) Installer {
	if strings.TrimSpace(command) == "" && compiled {
		return NewCopyInstaller("")
	}
	return NewCommandInstaller(command)
}

// run executes args, appending env to the process environment when set.
// Combined output is attached to the error.
func run(ctx context.Context, args, env []string) error {
	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &output
	cmd.Stderr = &output
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w\n%s", args[0], err, strings.TrimSpace(output.String()))
	}
	return nil
}
