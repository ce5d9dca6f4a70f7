package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	log  *logrus.Logger
	once sync.Once
)

func initialize() {
	once.Do(func() {
		log = logrus.New()
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.InfoLevel)
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	})
}

// Get returns the process-wide logger.
func Get() *logrus.Logger {
	initialize()
	return log
}

// WithComponent tags every entry with the emitting package.
func WithComponent(name string) *logrus.Entry {
	return Get().WithField("component", name)
}

// Configure applies level and format ("text" or "json") from configuration.
// A nil writer keeps the current output.
func Configure(level, format string, out io.Writer) error {
	l := Get()

	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	l.SetLevel(lvl)
	if out != nil {
		l.SetOutput(out)
	}
	return nil
}
