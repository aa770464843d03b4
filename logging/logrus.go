// Package logging adapts logrus to delivery.Logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/velmie/delivery"
)

// Logrus implements delivery.Logger on a logrus entry.
type Logrus struct {
	entry *logrus.Entry
}

var _ delivery.Logger = Logrus{}

// NewLogrus wraps logger. A nil logger uses logrus.StandardLogger.
func NewLogrus(logger *logrus.Logger) Logrus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return Logrus{entry: logrus.NewEntry(logger)}
}

// New builds a logrus logger writing to stderr. format is "json" or "text".
func New(level, format string) (*logrus.Logger, error) {
	return NewWithOutput(os.Stderr, level, format)
}

// NewWithOutput is New with an explicit writer.
func NewWithOutput(out io.Writer, level, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)

	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("delivery logging: %w", err)
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("delivery logging: unknown format %q", format)
	}

	return logger, nil
}

// Debug implements delivery.Logger.
func (l Logrus) Debug(msg string, args ...any) { l.with(args).Debug(msg) }

// Info implements delivery.Logger.
func (l Logrus) Info(msg string, args ...any) { l.with(args).Info(msg) }

// Warn implements delivery.Logger.
func (l Logrus) Warn(msg string, args ...any) { l.with(args).Warn(msg) }

// Error implements delivery.Logger.
func (l Logrus) Error(msg string, args ...any) { l.with(args).Error(msg) }

// with converts slog-style pairs to logrus fields. A dangling value is kept under "!BADKEY".
func (l Logrus) with(args []any) *logrus.Entry {
	if len(args) == 0 {
		return l.entry
	}

	fields := make(logrus.Fields, (len(args)+1)/2)
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			fields["!BADKEY"] = args[i]

			break
		}

		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		value := args[i+1]
		if err, ok := value.(error); ok && key == "err" {
			key, value = logrus.ErrorKey, err.Error()
		}
		fields[key] = value
	}

	return l.entry.WithFields(fields)
}
