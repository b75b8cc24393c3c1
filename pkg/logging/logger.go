package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	Log         *logrus.Logger
	defaultOnce sync.Once
)

func InitLogger(debug bool) {
	Log = newLogger(os.Stdout, debug)
}

func newLogger(out io.Writer, debug bool) *logrus.Logger {
	l := logrus.New()
	l.Out = out

	if debug {
		l.SetLevel(logrus.DebugLevel)
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		l.SetLevel(logrus.InfoLevel)
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l
}

// Component returns an entry tagged with the given component name. It falls
// back to an info-level JSON logger when InitLogger has not been called, so
// library code and tests can log without extra setup.
func Component(name string) *logrus.Entry {
	defaultOnce.Do(func() {
		if Log == nil {
			InitLogger(false)
		}
	})
	return Log.WithField("component", name)
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}
