// Package logging provides the structured logger used throughout
// constructd: logr/v2 with a rotating JSON file target plus a narrow
// leveled interface the rest of the codebase depends on.
package logging

import (
	"os"
	"path/filepath"

	"github.com/mattermost/logr/v2"
	"github.com/mattermost/logr/v2/formatters"
	"github.com/mattermost/logr/v2/targets"
	"github.com/pkg/errors"
)

// Logger is the narrow leveled-logging interface the rest of the codebase
// depends on, matching internal/federation/client.Logger's shape so a
// *Logger can be passed anywhere a client.Logger is expected.
type Logger interface {
	LogDebug(message string, keyValuePairs ...any)
	LogInfo(message string, keyValuePairs ...any)
	LogWarn(message string, keyValuePairs ...any)
	LogError(message string, keyValuePairs ...any)
}

// Config controls where and how logs are written.
type Config struct {
	// Filespec is the JSON log file path. Empty means no target: records
	// are not written anywhere.
	Filespec   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultConfig returns the stock rotation policy (100MB, 5 backups, 5
// days, gzip).
func DefaultConfig() Config {
	return Config{MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 5, Compress: true}
}

// logrLogger adapts a logr.Logger to this package's Logger interface.
type logrLogger struct {
	l logr.Logger
}

// New creates the server logger per cfg. With an empty Filespec the
// logger still runs without a file target.
func New(cfg Config) (Logger, error) {
	base, err := logr.New(logr.MaxQueueSize(1000))
	if err != nil {
		return nil, errors.Wrap(err, "logging: create logr instance")
	}

	if cfg.Filespec == "" {
		return &logrLogger{l: base.NewLogger()}, nil
	}

	dir := filepath.Dir(cfg.Filespec)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "logging: create log directory")
		}
	}

	jsonFormatter := &formatters.JSON{EnableCaller: true}
	fileTarget := targets.NewFileTarget(targets.FileOptions{
		Filename:   cfg.Filespec,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})
	filter := logr.NewCustomFilter(logr.Debug, logr.Info, logr.Warn, logr.Error, logr.Fatal, logr.Panic)
	if err := base.AddTarget(fileTarget, "constructd", filter, jsonFormatter, 100); err != nil {
		return nil, errors.Wrap(err, "logging: add file target")
	}

	return &logrLogger{l: base.NewLogger()}, nil
}

func fields(keyValuePairs []any) []logr.Field {
	var out []logr.Field
	for i := 0; i+1 < len(keyValuePairs); i += 2 {
		key, ok := keyValuePairs[i].(string)
		if !ok {
			continue
		}
		out = append(out, logr.Any(key, keyValuePairs[i+1]))
	}
	return out
}

func (l *logrLogger) LogDebug(message string, keyValuePairs ...any) {
	l.l.Debug(message, fields(keyValuePairs)...)
}

func (l *logrLogger) LogInfo(message string, keyValuePairs ...any) {
	l.l.Info(message, fields(keyValuePairs)...)
}

func (l *logrLogger) LogWarn(message string, keyValuePairs ...any) {
	l.l.Warn(message, fields(keyValuePairs)...)
}

func (l *logrLogger) LogError(message string, keyValuePairs ...any) {
	l.l.Error(message, fields(keyValuePairs)...)
}
