package packager

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	deployerrors "github.com/savaki/chatbot-deployer/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockInstaller struct {
	installFunc func(ctx context.Context, manifest, dir string) error
	dirs        []string
}

func (m *mockInstaller) Install(ctx context.Context, manifest, dir string) error {
	m.dirs = append(m.dirs, dir)
	if m.installFunc != nil {
		return m.installFunc(ctx, manifest, dir)
	}
	return nil
}

func testContext() context.Context {
	logger := zerolog.New(io.Discard)
	return logger.WithContext(context.Background())
}

func fixedClock() time.Time {
	return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func zipEntries(t *testing.T, path string) map[string]string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	entries := map[string]string{}
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		entries[f.Name] = string(data)
	}
	return entries
}

func TestPackage(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "src", "lambda_function.py")
	manifest := filepath.Join(dir, "requirements.txt")
	writeFile(t, source, "def handler(event, context): pass\n")
	writeFile(t, manifest, "requests==2.32.3\n")

	installer := &mockInstaller{
		installFunc: func(ctx context.Context, m, dir string) error {
			assert.Equal(t, manifest, m)
			writeFile(t, filepath.Join(dir, "requests", "__init__.py"), "# requests\n")
			writeFile(t, filepath.Join(dir, "certifi", "cacert.pem"), "pem\n")
			return nil
		},
	}

	out := filepath.Join(dir, "dist")
	p := New(installer, WithClock(fixedClock))
	result, err := p.Package(testContext(), Input{
		SourcePath:   source,
		ManifestPath: manifest,
		OutputDir:    out,
	})
	require.NoError(t, err)

	assert.Equal(t, "20250304050607", result.Stamp)
	assert.Equal(t, "lambda_package-20250304050607.zip", result.Function.Name)
	assert.Equal(t, "lambda_layer-20250304050607.zip", result.Layer.Name)
	assert.NotEmpty(t, result.Function.SHA256)
	assert.Positive(t, result.Layer.Size)

	function := zipEntries(t, result.Function.Path)
	assert.Equal(t, map[string]string{
		"lambda_function.py": "def handler(event, context): pass\n",
	}, function)

	layer := zipEntries(t, result.Layer.Path)
	names := make([]string, 0, len(layer))
	for name := range layer {
		names = append(names, name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"certifi/cacert.pem", "requests/__init__.py"}, names)

	// staging directory is removed
	require.Len(t, installer.dirs, 1)
	_, err = os.Stat(filepath.Dir(installer.dirs[0]))
	assert.True(t, os.IsNotExist(err))

	// no temporary files left behind
	files, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestPackage_MissingInputs(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "lambda_function.py")
	manifest := filepath.Join(dir, "requirements.txt")
	writeFile(t, source, "print('hi')\n")
	writeFile(t, manifest, "")

	tests := []struct {
		name  string
		input Input
	}{
		{
			name:  "missing source",
			input: Input{SourcePath: filepath.Join(dir, "nope.py"), ManifestPath: manifest},
		},
		{
			name:  "empty source path",
			input: Input{ManifestPath: manifest},
		},
		{
			name:  "missing manifest",
			input: Input{SourcePath: source, ManifestPath: filepath.Join(dir, "nope.txt")},
		},
		{
			name:  "source is a directory",
			input: Input{SourcePath: dir, ManifestPath: manifest},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			installer := &mockInstaller{}
			_, err := New(installer).Package(testContext(), tt.input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, deployerrors.ErrMissingInput))
			assert.Empty(t, installer.dirs, "installer must not run")
		})
	}
}

func TestPackage_InstallerFailure(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "lambda_function.py")
	manifest := filepath.Join(dir, "requirements.txt")
	writeFile(t, source, "print('hi')\n")
	writeFile(t, manifest, "nonexistent-package\n")

	installer := &mockInstaller{
		installFunc: func(ctx context.Context, manifest, dir string) error {
			return errors.New("pip exploded")
		},
	}

	out := filepath.Join(dir, "dist")
	_, err := New(installer, WithClock(fixedClock)).Package(testContext(), Input{
		SourcePath:   source,
		ManifestPath: manifest,
		OutputDir:    out,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pip exploded")

	_, err = os.Stat(filepath.Dir(installer.dirs[0]))
	assert.True(t, os.IsNotExist(err), "staging directory should be removed on failure")

	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err), "no archives should be written")
}

func TestPackage_Prefixes(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "bootstrap")
	manifest := filepath.Join(dir, "layer.txt")
	writeFile(t, source, "binary")
	writeFile(t, manifest, "")

	result, err := New(&mockInstaller{}, WithClock(fixedClock), WithPrefixes("fn", "deps")).
		Package(testContext(), Input{SourcePath: source, ManifestPath: manifest, OutputDir: dir})
	require.NoError(t, err)
	assert.Equal(t, "fn-20250304050607.zip", result.Function.Name)
	assert.Equal(t, "deps-20250304050607.zip", result.Layer.Name)
}

func TestCommandInstaller_Args(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    []string
		wantErr bool
	}{
		{
			name:    "default command",
			command: "",
			want:    []string{"pip", "install", "--quiet", "-r", "/src/requirements.txt", "-t", "/tmp/layer"},
		},
		{
			name:    "quoted arguments",
			command: `sh -c "cp {manifest} '{dir}/'"`,
			want:    []string{"sh", "-c", "cp /src/requirements.txt '/tmp/layer/'"},
		},
		{
			name:    "unterminated quote",
			command: `pip install "-r {manifest}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewCommandInstaller(tt.command).Args("/src/requirements.txt", "/tmp/layer")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type mockBuilder struct {
	packages []string
}

func (m *mockBuilder) Build(ctx context.Context, pkg, output string) error {
	m.packages = append(m.packages, pkg)
	return os.WriteFile(output, []byte("ELF"), 0o755)
}

func TestPackage_Compiled(t *testing.T) {
	dir := t.TempDir()
	pkg := filepath.Join(dir, "cmd", "chatbot")
	manifest := filepath.Join(dir, "chatbot.env")
	writeFile(t, filepath.Join(pkg, "main.go"), "package main\n")
	writeFile(t, manifest, "CACHE_TTL=60s\n")

	builder := &mockBuilder{}
	out := filepath.Join(dir, "dist")
	result, err := New(NewCopyInstaller(""), WithBuilder(builder), WithClock(fixedClock)).
		Package(testContext(), Input{BuildPackage: pkg, ManifestPath: manifest, OutputDir: out})
	require.NoError(t, err)

	assert.Equal(t, []string{pkg}, builder.packages)
	assert.Equal(t, map[string]string{"bootstrap": "ELF"}, zipEntries(t, result.Function.Path))
	assert.Equal(t, map[string]string{"chatbot.env": "CACHE_TTL=60s\n"}, zipEntries(t, result.Layer.Path))

	r, err := zip.OpenReader(result.Function.Path)
	require.NoError(t, err)
	defer r.Close()
	require.Len(t, r.File, 1)
	assert.NotZero(t, r.File[0].Mode().Perm()&0o100, "bootstrap must stay executable")
}

func TestPackage_CompiledInputs(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "bootstrap")
	manifest := filepath.Join(dir, "chatbot.env")
	writeFile(t, source, "binary")
	writeFile(t, manifest, "")

	tests := []struct {
		name  string
		input Input
		want  error
	}{
		{
			name:  "source and package",
			input: Input{SourcePath: source, BuildPackage: dir, ManifestPath: manifest},
			want:  deployerrors.ErrConflictingInput,
		},
		{
			name:  "package is a file",
			input: Input{BuildPackage: source, ManifestPath: manifest},
			want:  deployerrors.ErrMissingInput,
		},
		{
			name:  "missing package",
			input: Input{BuildPackage: filepath.Join(dir, "nope"), ManifestPath: manifest},
			want:  deployerrors.ErrMissingInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			builder := &mockBuilder{}
			_, err := New(&mockInstaller{}, WithBuilder(builder)).Package(testContext(), tt.input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want))
			assert.Empty(t, builder.packages, "builder must not run")
		})
	}
}

func TestGoBuilder(t *testing.T) {
	builder := NewGoBuilder("")

	args, err := builder.Args(localPackage("internal/lambda/chatbot"), "/tmp/fn/bootstrap")
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "build", "-trimpath", "-ldflags=-s", "-o", "/tmp/fn/bootstrap", "./internal/lambda/chatbot"}, args)
	assert.Equal(t, []string{"CGO_ENABLED=0", "GOOS=linux", "GOARCH=arm64"}, builder.Env())

	assert.Equal(t, "/src/chatbot", localPackage("/src/chatbot"))
	assert.Equal(t, "./internal/lambda/chatbot", localPackage("./internal/lambda/chatbot/"))
}

func TestInstallerFor(t *testing.T) {
	assert.IsType(t, &CopyInstaller{}, InstallerFor("", true))
	assert.IsType(t, &CommandInstaller{}, InstallerFor("", false))
	assert.IsType(t, &CommandInstaller{}, InstallerFor("make layer DIR={dir}", true))
}
