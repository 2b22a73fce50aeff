package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the global logger.
type Config struct {
	Level  string    // INFO, DEBUG or TRACE (case-insensitive)
	Output io.Writer // defaults to os.Stdout
}

var (
	mu   sync.Mutex
	base zerolog.Logger
	set  bool
)

// ParseLevel maps the configured level name to a zerolog level. Only INFO,
// DEBUG and TRACE are accepted; anything else is a configuration error.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "", "INFO":
		return zerolog.InfoLevel, nil
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "TRACE":
		return zerolog.TraceLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q, choose between INFO, DEBUG, TRACE", level)
	}
}

// Configure initialises the global logger. Called once at startup; later calls
// replace the logger, which the tests rely on.
func Configure(cfg Config) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	writer := cfg.Output
	if writer == nil {
		writer = os.Stdout
	}

	mu.Lock()
	defer mu.Unlock()
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	base = zerolog.New(writer).With().Timestamp().Logger()
	set = true
	return nil
}

// Base returns the configured base logger, configuring defaults on first use.
func Base() zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if !set {
		base = zerolog.New(os.Stdout).With().Timestamp().Logger()
		set = true
	}
	return base
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str("component", component).Logger()
}

// WithServer returns a child logger annotated with a server's display name,
// the equivalent of the "[ServerName]" prefix in the log output.
func WithServer(name string) zerolog.Logger {
	return Base().With().Str("server", name).Logger()
}
