// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// DefaultLevel keeps routine per-object progress out of the output
const DefaultLevel = "warn"

// New returns a text logger writing to out. Verbose forces debug level.
func New(out io.Writer, level string, verbose bool) (*logrus.Logger, error) {
	if level == "" {
		level = DefaultLevel
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if verbose {
		lvl = logrus.DebugLevel
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return logger, nil
}
