// Package logger builds the structured *slog.Logger instances used
// across the module.
//
// Components accept a *slog.Logger through their options and default
// to Nop, so that logging is opt-in.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sweater-ventures/devslog"
	"golang.org/x/term"
)

// Supported log formats.
const (
	FormatJSON = "json"
	FormatText = "text"
	FormatDev  = "dev"
	// FormatAuto uses FormatDev on terminals, FormatJSON otherwise.
	FormatAuto = "auto"
)

// Config configures the logger returned by New.
type Config struct {
	Level  string `yaml:"level" envconfig:"level"`
	Format string `yaml:"format" envconfig:"format"`
}

// Nop returns a logger discarding every record.
func Nop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel maps a level name (debug, info, warn/warning, error)
// to its slog.Level. An empty name means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logger.ParseLevel: unknown level '%s'", level)
	}
}

// New returns a logger writing to w, and the slog.LevelVar controlling
// its level, which can be changed at runtime.
func New(w io.Writer, cfg Config) (*slog.Logger, *slog.LevelVar, error) {
	parsed, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	level := new(slog.LevelVar)
	level.Set(parsed)

	options := &slog.HandlerOptions{Level: level}

	format := strings.ToLower(cfg.Format)
	if format == "" || format == FormatAuto {
		format = FormatJSON

		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = FormatDev
		}
	}

	switch format {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, options)), level, nil
	case FormatText:
		return slog.New(slog.NewTextHandler(w, options)), level, nil
	case FormatDev:
		return slog.New(devslog.NewHandler(w, &devslog.Options{
			HandlerOptions:       options,
			TimeFormat:           "[ 15:04:05 ]",
			StringIndentation:    true,
			DisableAttributeType: true,
		})), level, nil
	default:
		return nil, nil, fmt.Errorf("logger.New: unknown format '%s'", cfg.Format)
	}
}
