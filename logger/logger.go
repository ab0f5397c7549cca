package logger

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	level := strings.ToLower(os.Getenv("LOG_LEVEL"))
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}

	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	return l
}

func Get() *logrus.Logger {
	return log
}

// WithComponent tags entries with the subsystem that produced them.
func WithComponent(component string) *logrus.Entry {
	return log.WithField("component", component)
}

// UseTextFormatter switches to human-readable output (the CLI default).
func UseTextFormatter() {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
