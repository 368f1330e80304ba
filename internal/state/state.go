// Package state persists deployment results in a dotenv-style file.
package state

import (
	"bufio"
	"bytes"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/joho/godotenv"
)

var assignment = regexp.MustCompile(`^\s*(?:export\s+)?([A-Za-z_][A-Za-z0-9_.]*)\s*=`)

// File is a dotenv-style file. Reads go through godotenv; writes update the
// matching lines in place so comments and unrelated keys survive.
type File struct {
	path string
}

// NewFile returns a handle on the dotenv file at path
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the file location
func (f *File) Path() string {
	return f.path
}

// Read returns the key/value pairs in the file. A missing file yields an
// empty map.
func (f *File) Read() (map[string]string, error) {
	values, err := godotenv.Read(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}
	return values, nil
}

// Update sets each key in values, replacing existing assignments and
// appending new ones in sorted order. The file is replaced atomically.
func (f *File) Update(values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	existing, err := os.ReadFile(f.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", f.path, err)
	}

	pending := maps.Clone(values)
	var out bytes.Buffer

	scanner := bufio.NewScanner(bytes.NewReader(existing))
	for scanner.Scan() {
		line := scanner.Text()
		if m := assignment.FindStringSubmatch(line); m != nil {
			if value, ok := pending[m[1]]; ok {
				out.WriteString(formatLine(m[1], value))
				out.WriteByte('\n')
				delete(pending, m[1])
				continue
			}
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan %s: %w", f.path, err)
	}

	for _, key := range slices.Sorted(maps.Keys(pending)) {
		out.WriteString(formatLine(key, pending[key]))
		out.WriteByte('\n')
	}

	return writeAtomic(f.path, out.Bytes())
}

// formatLine renders KEY=value, quoting only when the value would not survive
// an unquoted round trip through a dotenv parser
func formatLine(key, value string) string {
	if value == "" || strings.ContainsAny(value, " \t\r\n#\"'\\$`") {
		return key + "=" + fmt.Sprintf("%q", value)
	}
	return key + "=" + value
}

func writeAtomic(path string, data []byte) error {
	mode := os.FileMode(0o600)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
