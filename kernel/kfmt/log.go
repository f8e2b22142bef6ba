// Package kfmt provides the kernel logger and the panic path used for
// unrecoverable errors.
package kfmt

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the kernel-wide logger. Packages should not log through it
// directly but obtain a module-scoped entry via Module.
var Logger = newLogger(os.Stderr)

func newLogger(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	})
	return l
}

// Module returns a log entry that tags every message with the name of the
// kernel module that emitted it.
func Module(name string) *logrus.Entry {
	return Logger.WithField("module", name)
}

// SetOutput redirects all kernel log output to w.
func SetOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// SetLevel parses a logrus level name (e.g. "debug", "warning") and applies
// it to the kernel logger.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}
