package services

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// LoadLayerConfig applies the defaults shipped in the function layer to the
// process environment. Variables already set win, and a missing file is not
// an error so the function also runs without a layer.
func LoadLayerConfig(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat layer config %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return false, fmt.Errorf("failed to load layer config %s: %w", path, err)
	}
	return true, nil
}
