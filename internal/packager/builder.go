package packager

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"
)

const (
	// BootstrapName is the executable the provided.al2023 runtime starts
	BootstrapName = "bootstrap"

	// DefaultBuildCommand compiles a main package; {output} and {package}
	// are substituted in every argument
	DefaultBuildCommand = "go build -trimpath -ldflags=-s -o {output} {package}"
)

// Builder compiles the function in pkg into the executable at output
type Builder interface {
	Build(ctx context.Context, pkg, output string) error
}

// GoBuilder cross-compiles a Go main package for the Lambda architecture.
// The defaults match the sample template: linux/arm64 without cgo.
type GoBuilder struct {
	Command string
	GOOS    string
	GOARCH  string
}

func NewGoBuilder(command string) *GoBuilder {
	if strings.TrimSpace(command) == "" {
		command = DefaultBuildCommand
	}
	return &GoBuilder{
		Command: command,
		GOOS:    "linux",
		GOARCH:  "arm64",
	}
}

// Args returns the argv for the given package and output path
func (g *GoBuilder) Args(pkg, output string) ([]string, error) {
	args, err := shellwords.Parse(g.Command)
	if err != nil {
		return nil, fmt.Errorf("invalid build command %q: %w", g.Command, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("build command is empty")
	}

	replacer := strings.NewReplacer("{output}", output, "{package}", pkg)
	for i, arg := range args {
		args[i] = replacer.Replace(arg)
	}
	return args, nil
}

// Env returns the variables added to the build environment
func (g *GoBuilder) Env() []string {
	return []string{
		"CGO_ENABLED=0",
		"GOOS=" + g.GOOS,
		"GOARCH=" + g.GOARCH,
	}
}

func (g *GoBuilder) Build(ctx context.Context, pkg, output string) error {
	args, err := g.Args(localPackage(pkg), output)
	if err != nil {
		return err
	}

	zerolog.Ctx(ctx).Debug().
		Strs("args", args).
		Strs("env", g.Env()).
		Msg("Running build command")
	return run(ctx, args, g.Env())
}

// localPackage keeps go build from reading a relative directory such as
// internal/lambda/chatbot as an import path
func localPackage(pkg string) string {
	if filepath.IsAbs(pkg) {
		return pkg
	}
	return "./" + filepath.ToSlash(filepath.Clean(pkg))
}
