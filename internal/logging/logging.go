// Package logging provides the single structured logger shared by the
// buffer pool, the B+-tree, and the lock manager's deadlock detector.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// Get returns the package-level logger scoped to component, e.g.
// logging.Get("buffer").Debugf("evicted frame %d", frameID).
func Get(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// SetLevel adjusts verbosity for the whole module, mainly useful from tests
// that want deadlock-detector chatter silenced or surfaced.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}
