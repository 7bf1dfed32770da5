package kfmt

import (
	"gophervm/kernel"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	logger = newLogger()

	// discardLogger backs the entries handed out once a rate limit is hit.
	discardLogger = &logrus.Logger{
		Out:       io.Discard,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.PanicLevel,
	}

	errInvalidLogLevel = &kernel.Error{Module: "kfmt", Message: "invalid log level"}
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(&PrefixWriter{Sink: GetOutputSink(), Prefix: []byte("[vm] ")})
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: true,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Log returns the structured logger used by the memory subsystem. Its output
// is sent to the console with a "[vm] " prefix on each line.
func Log() *logrus.Logger {
	return logger
}

// SetLogLevel sets the minimum level of entries emitted by the logger
// returned by Log. Valid levels are the ones understood by logrus
// ("debug", "info", "warn", ...).
func SetLogLevel(level string) *kernel.Error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errInvalidLogLevel
	}
	logger.SetLevel(lvl)
	return nil
}

// Logger is the subset of the logrus API used by the kernel.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	WithFields(fields logrus.Fields) *logrus.Entry
}

type rateLimitedLogger struct {
	logger Logger
	limit  *rate.Limiter
}

func (rl *rateLimitedLogger) Debugf(format string, args ...interface{}) {
	if rl.limit.Allow() {
		rl.logger.Debugf(format, args...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, args ...interface{}) {
	if rl.limit.Allow() {
		rl.logger.Infof(format, args...)
	}
}

func (rl *rateLimitedLogger) Warnf(format string, args ...interface{}) {
	if rl.limit.Allow() {
		rl.logger.Warnf(format, args...)
	}
}

// WithFields returns an entry that is dropped if the rate limit has been
// exceeded.
func (rl *rateLimitedLogger) WithFields(fields logrus.Fields) *logrus.Entry {
	entry := rl.logger.WithFields(fields)
	if !rl.limit.Allow() {
		return logrus.NewEntry(discardLogger).WithFields(entry.Data)
	}
	return entry
}

// RateLimited returns a Logger that logs to the provided logger no more than
// once per the provided duration.
func RateLimited(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
