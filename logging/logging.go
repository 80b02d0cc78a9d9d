// Package logging provides the shared structured logger for every
// subsystem. It plays the role the reference server gives its bracketed
// log.Printf("[Component] ...") prefixes, but as logrus fields so the
// output stays machine-parseable.
package logging

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	base     *logrus.Logger
	baseOnce sync.Once
)

func root() *logrus.Logger {
	baseOnce.Do(func() {
		base = logrus.New()
		base.SetOutput(os.Stderr)
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		level := logrus.InfoLevel
		if v := os.Getenv("RATCHET_LOG_LEVEL"); v != "" {
			if parsed, err := logrus.ParseLevel(v); err == nil {
				level = parsed
			}
		}
		base.SetLevel(level)
	})
	return base
}

// For returns a logger scoped to component, e.g. logging.For("syncengine").
func For(component string) *logrus.Entry {
	return root().WithField("component", component)
}

// SetOutputForTest redirects the root logger, used by package tests that
// want to assert on log output instead of writing to stderr.
func SetOutputForTest(w interface {
	Write([]byte) (int, error)
}) {
	root().SetOutput(w)
}
