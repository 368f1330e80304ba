package di

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// LogLevelEnv names the variable that overrides the default info level
const LogLevelEnv = "LOG_LEVEL"

// ProvideLogger returns a zerolog.Logger for the runtime environment. Under
// Lambda (AWS_LAMBDA_RUNTIME_API set) it writes JSON to stdout tagged with the
// function name. On the command line it writes console output to stderr so
// command output on stdout stays clean.
func ProvideLogger() zerolog.Logger {
	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		return newLogger(os.Stdout, true, os.Getenv(LogLevelEnv)).
			With().
			Str("function", os.Getenv("AWS_LAMBDA_FUNCTION_NAME")).
			Logger()
	}
	return newLogger(os.Stderr, false, os.Getenv(LogLevelEnv))
}

func newLogger(w io.Writer, structured bool, level string) zerolog.Logger {
	if !structured {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// parseLevel falls back to info for empty or unknown levels
func parseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zerolog.InfoLevel
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return parsed
}
