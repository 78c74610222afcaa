// Package log is the ambient logging layer for cmd/udpcap. pkg/udpcap
// itself logs through logrus's package-level standard logger, which this
// package does not configure; this package only concerns the sample
// CLI's console/file output.
package log

import "sync"

// Logger is the logging facade the CLI code calls against, independent
// of whether logrus is the backing implementation.
type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})
	Trace(args ...interface{})
	Tracef(format string, args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
	Panic(args ...interface{})
	Panicf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

var (
	mu     sync.Mutex
	logger Logger
)

// Init builds the global Logger from cfg. Safe to call once at
// process startup; subsequent calls replace the global logger.
func Init(cfg *LoggerConfig) {
	mu.Lock()
	defer mu.Unlock()
	logger = newLogrusAdapter(cfg)
}

// GetLogger returns the global Logger, initializing it with
// DefaultConfig on first use if Init was never called.
func GetLogger() Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = newLogrusAdapter(DefaultConfig())
	}
	return logger
}
