package train

import (
	"os"

	"github.com/sirupsen/logrus"
)

// GetRootLogger returns a logger writing to stderr at the given level.
// An unparsable level falls back to info and is reported once as a warning.
func GetRootLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level == "" {
		logger.SetLevel(logrus.InfoLevel)
		return logger
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
		logger.Warnf("invalid log level %q, using info", level)
		return logger
	}
	logger.SetLevel(lvl)
	return logger
}
