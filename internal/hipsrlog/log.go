// Package hipsrlog builds the single logrus logger threaded through every
// component constructor, the way cmd/periph-info gated a global log.Logger
// on its -v flag.
package hipsrlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a text-formatted logger at InfoLevel, or DebugLevel when
// verbose is true.
func New(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}
