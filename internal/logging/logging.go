// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	// Level is a logrus level name. Empty means "info".
	Level string

	// JSON selects one JSON object per line instead of text.
	JSON bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

func New(cfg Config) (*logrus.Logger, error) {
	level := logrus.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var formatter logrus.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	if cfg.JSON {
		formatter = &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap:        logrus.FieldMap{logrus.FieldKeyTime: "timestamp"},
		}
	}

	return &logrus.Logger{
		Out:       out,
		Formatter: formatter,
		Hooks:     make(logrus.LevelHooks),
		Level:     level,
		ExitFunc:  os.Exit,
	}, nil
}
