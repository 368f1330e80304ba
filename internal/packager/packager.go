// Package packager bundles a function, either a source file copied as-is or
// a Go main package compiled to bootstrap, and its layer contents into two
// versioned zip archives.
package packager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/savaki/chatbot-deployer/internal/constants"
	"github.com/savaki/chatbot-deployer/internal/errors"
)

// StampLayout is the version stamp format embedded in archive names
const StampLayout = "20060102150405"

// Input describes what to package
type Input struct {
	SourcePath   string // Function source file
	BuildPackage string // Go main package directory compiled to bootstrap instead of SourcePath
	ManifestPath string // Dependency manifest (e.g. requirements.txt) or layer config file
	OutputDir    string // Where the archives are written; defaults to the working directory
}

// Compiled reports whether the function is built from a Go package
func (i Input) Compiled() bool {
	return i.BuildPackage != ""
}

// Archive describes one archive written to disk
type Archive struct {
	Name   string `json:"name"`   // Base file name, e.g. lambda_package-20250101120000.zip
	Path   string `json:"path"`   // Local path
	Size   int64  `json:"size"`   // Size in bytes
	SHA256 string `json:"sha256"` // Hex encoded digest of the archive bytes
}

// Result holds both archives produced by a single Package call
type Result struct {
	Stamp    string  `json:"stamp"`
	Function Archive `json:"function"`
	Layer    Archive `json:"layer"`
}

// Option configures a Packager
type Option func(*Packager)

// WithClock overrides the clock used to derive the version stamp
func WithClock(now func() time.Time) Option {
	return func(p *Packager) {
		p.now = now
	}
}

// WithBuilder overrides the builder used for Go packages
func WithBuilder(builder Builder) Option {
	return func(p *Packager) {
		p.builder = builder
	}
}

// WithPrefixes overrides the archive name prefixes
func WithPrefixes(function, layer string) Option {
	return func(p *Packager) {
		p.functionPrefix = function
		p.layerPrefix = layer
	}
}

// Packager builds function and layer archives
type Packager struct {
	installer      Installer
	builder        Builder
	now            func() time.Time
	functionPrefix string
	layerPrefix    string
}

// New creates a Packager that resolves dependencies with installer
func New(installer Installer, opts ...Option) *Packager {
	p := &Packager{
		installer:      installer,
		builder:        NewGoBuilder(""),
		now:            time.Now,
		functionPrefix: constants.FunctionArchivePrefix,
		layerPrefix:    constants.LayerArchivePrefix,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Package validates the inputs, installs dependencies into a staging directory
// and writes both archives. Either both archives exist when Package returns
// nil, or neither does.
func (p *Packager) Package(ctx context.Context, input Input) (result *Result, err error) {
	logger := zerolog.Ctx(ctx)

	if err := ValidateInput(input); err != nil {
		return nil, err
	}

	defer func(begin time.Time) {
		logger.Info().
			Interface("error", err).
			Str("source", input.SourcePath).
			Str("package", input.BuildPackage).
			Str("manifest", input.ManifestPath).
			Dur("duration", time.Since(begin)).
			Msg("Package completed")
	}(time.Now())

	staging, err := os.MkdirTemp("", "chatbot-package-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(staging); rmErr != nil {
			logger.Warn().Err(rmErr).Str("dir", staging).Msg("Failed to remove staging directory")
		}
	}()

	functionDir := filepath.Join(staging, "function")
	layerDir := filepath.Join(staging, "layer")
	for _, dir := range []string{functionDir, layerDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create staging directory: %w", err)
		}
	}

	logger.Info().Str("manifest", input.ManifestPath).Msg("Installing dependencies")
	if err := p.installer.Install(ctx, input.ManifestPath, layerDir); err != nil {
		return nil, fmt.Errorf("failed to install dependencies: %w", err)
	}

	if input.Compiled() {
		logger.Info().Str("package", input.BuildPackage).Msg("Building function")
		if err := p.builder.Build(ctx, input.BuildPackage, filepath.Join(functionDir, BootstrapName)); err != nil {
			return nil, fmt.Errorf("failed to build function: %w", err)
		}
	} else {
		sourceName := filepath.Base(input.SourcePath)
		if err := copyFile(input.SourcePath, filepath.Join(functionDir, sourceName)); err != nil {
			return nil, fmt.Errorf("failed to stage function source: %w", err)
		}
	}

	outDir := input.OutputDir
	if outDir == "" {
		outDir = "."
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	stamp := p.now().UTC().Format(StampLayout)

	function, err := writeArchive(filepath.Join(outDir, ArchiveName(p.functionPrefix, stamp)), functionDir)
	if err != nil {
		return nil, fmt.Errorf("failed to write function archive: %w", err)
	}

	layer, err := writeArchive(filepath.Join(outDir, ArchiveName(p.layerPrefix, stamp)), layerDir)
	if err != nil {
		_ = os.Remove(function.Path)
		return nil, fmt.Errorf("failed to write layer archive: %w", err)
	}

	logger.Info().
		Str("stamp", stamp).
		Str("function", function.Name).
		Int64("function_size", function.Size).
		Str("layer", layer.Name).
		Int64("layer_size", layer.Size).
		Msg("Archives created")

	return &Result{
		Stamp:    stamp,
		Function: function,
		Layer:    layer,
	}, nil
}

// ValidateInput checks that the function source and dependency manifest are
// regular files. A Go build takes a package directory in place of the source.
func ValidateInput(input Input) error {
	if input.Compiled() {
		if input.SourcePath != "" {
			return fmt.Errorf("%w: a function source and a build package were both given", errors.ErrConflictingInput)
		}
		if err := requireDir(input.BuildPackage, "build package"); err != nil {
			return err
		}
	} else if err := requireFile(input.SourcePath, "function source"); err != nil {
		return err
	}
	return requireFile(input.ManifestPath, "dependency manifest")
}

// ArchiveName returns the file name for an archive of the given family and stamp
func ArchiveName(prefix, stamp string) string {
	return fmt.Sprintf("%s-%s.zip", prefix, stamp)
}

func requireFile(path, label string) error {
	if path == "" {
		return fmt.Errorf("%w: %s path is empty", errors.ErrMissingInput, label)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", errors.ErrMissingInput, label, path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s %s is not a regular file", errors.ErrMissingInput, label, path)
	}
	return nil
}

func requireDir(path, label string) error {
	if path == "" {
		return fmt.Errorf("%w: %s path is empty", errors.ErrMissingInput, label)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", errors.ErrMissingInput, label, path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s %s is not a directory", errors.ErrMissingInput, label, path)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	//goland:noinspection GoUnhandledErrorResult
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// writeArchive zips the contents of root into a temporary file next to path
// and renames it into place once complete.
func writeArchive(path, root string) (Archive, error) {
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return Archive{}, err
	}

	fail := func(err error) (Archive, error) {
		_ = f.Close()
		_ = os.Remove(tmp)
		return Archive{}, err
	}

	hash := sha256.New()
	zw := zip.NewWriter(io.MultiWriter(f, hash))

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)

		if d.IsDir() {
			header.Name += "/"
			_, err := zw.CreateHeader(header)
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		header.Method = zip.Deflate
		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}

		src, err := os.Open(p)
		if err != nil {
			return err
		}
		//goland:noinspection GoUnhandledErrorResult
		defer src.Close()

		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		return fail(err)
	}
	if err := zw.Close(); err != nil {
		return fail(err)
	}

	info, err := f.Stat()
	if err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return Archive{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Archive{}, err
	}

	return Archive{
		Name:   filepath.Base(path),
		Path:   path,
		Size:   info.Size(),
		SHA256: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}
