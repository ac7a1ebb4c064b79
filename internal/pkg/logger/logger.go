package logger

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Fields = logrus.Fields

type Logger struct {
	entry *logrus.Entry
}

type Options struct {
	Level      string
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Pretty     bool
}

func New(opts Options) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	if opts.Pretty {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}

	var output io.Writer = os.Stdout
	if opts.FilePath != "" {
		output = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		})
	}
	base.SetOutput(output)

	return &Logger{entry: logrus.NewEntry(base)}
}

func NewNop() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(base)}
}

func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fieldsFromPairs(keysAndValues)).Debug(msg)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fieldsFromPairs(keysAndValues)).Info(msg)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fieldsFromPairs(keysAndValues)).Warn(msg)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fieldsFromPairs(keysAndValues)).Error(msg)
}

// LogService records one external service operation with its duration and
// outcome, keeping call sites to a single line.
func (l *Logger) LogService(service, operation string, duration time.Duration, fields map[string]interface{}, err error) {
	entry := l.entry.WithFields(Fields{
		"service":     service,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})

	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}

	if err != nil {
		entry.WithError(err).Error("service operation failed")
		return
	}
	entry.Debug("service operation completed")
}

func (l *Logger) LogWorkflow(sessionID, event string, duration time.Duration, err error) {
	entry := l.entry.WithFields(Fields{
		"session_id":  sessionID,
		"event":       event,
		"duration_ms": duration.Milliseconds(),
	})

	if err != nil {
		entry.WithError(err).Error("workflow event failed")
		return
	}
	entry.Info("workflow event")
}

func (l *Logger) LogStep(sessionID, step, action string, duration time.Duration, fields map[string]interface{}, err error) {
	entry := l.entry.WithFields(Fields{
		"session_id":  sessionID,
		"step":        step,
		"action":      action,
		"duration_ms": duration.Milliseconds(),
	})

	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}

	if err != nil {
		entry.WithError(err).Error("step action failed")
		return
	}
	entry.Debug("step action completed")
}

func fieldsFromPairs(keysAndValues []interface{}) Fields {
	fields := Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}
