// control/logging.go
// Author: momentics <momentics@gmail.com>
//
// zerolog construction from LogConfig.

package control

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. A nil w writes to stderr.
func NewLogger(cfg LogConfig, w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// ParseLevel accepts zerolog level names. Empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// ApplyLogLevel returns log at the level in cfg, keeping its current level
// when cfg does not parse.
func ApplyLogLevel(log zerolog.Logger, cfg LogConfig) zerolog.Logger {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Err(err).Msg("keeping log level")
		return log
	}
	return log.Level(level)
}
